package supervisor

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgewarden/edgewarden/pkg/logging"
	"github.com/edgewarden/edgewarden/pkg/metrics"
)

func newTestSupervisor(t *testing.T, opts Options) (*Supervisor, *metrics.Collector) {
	t.Helper()
	if opts.HeartbeatDir == "" {
		opts.HeartbeatDir = t.TempDir()
	}
	sink := metrics.NewCollector()
	s := NewSupervisor(opts, sink, logging.NewLogger(logging.ERROR, false))
	t.Cleanup(s.StopAll)
	return s, sink
}

// waitForState polls until the worker reaches the wanted state or the
// deadline passes.
func waitForState(t *testing.T, s *Supervisor, name string, want WorkerState, timeout time.Duration) Status {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		status, err := s.WorkerStatus(name)
		if err != nil {
			t.Fatalf("WorkerStatus(%s): %v", name, err)
		}
		if status.State == want {
			return status
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker %s state = %s, want %s within %s", name, status.State, want, timeout)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRegisterValidation(t *testing.T) {
	s, _ := newTestSupervisor(t, Options{WatchdogInterval: time.Hour})

	if err := s.Register(Spec{Name: "", Command: []string{"sleep", "60"}}); err == nil {
		t.Error("empty name should be rejected")
	}
	if err := s.Register(Spec{Name: "empty-cmd"}); err == nil {
		t.Error("empty command should be rejected")
	}

	spec := Spec{Name: "worker", Command: []string{"sleep", "60"}}
	if err := s.Register(spec); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register(spec); !errors.Is(err, ErrDuplicateWorker) {
		t.Errorf("duplicate Register = %v, want ErrDuplicateWorker", err)
	}

	status, err := s.WorkerStatus("worker")
	if err != nil {
		t.Fatalf("WorkerStatus: %v", err)
	}
	if status.State != StateStopped {
		t.Errorf("registered worker state = %s, want %s", status.State, StateStopped)
	}
}

func TestStartAndStopWorker(t *testing.T) {
	s, _ := newTestSupervisor(t, Options{WatchdogInterval: time.Hour})

	if err := s.Register(Spec{Name: "sleeper", Command: []string{"sleep", "60"}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	results := s.StartAll()
	if !results["sleeper"] {
		t.Fatal("StartAll should report sleeper started")
	}

	status := waitForState(t, s, "sleeper", StateRunning, time.Second)
	if status.PID <= 0 {
		t.Errorf("PID = %d, want > 0", status.PID)
	}
	if !s.IsAlive("sleeper") {
		t.Error("running sleeper should be alive")
	}

	if err := s.Stop("sleeper"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	status, _ = s.WorkerStatus("sleeper")
	if status.State != StateStopped {
		t.Errorf("state after Stop = %s, want %s", status.State, StateStopped)
	}
	if status.PID != 0 {
		t.Errorf("PID after Stop = %d, want 0", status.PID)
	}
}

func TestPauseAndResume(t *testing.T) {
	s, _ := newTestSupervisor(t, Options{WatchdogInterval: time.Hour})

	if err := s.Register(Spec{Name: "pausable", Command: []string{"sleep", "60"}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register(Spec{Name: "critical", Command: []string{"sleep", "60"}, Essential: true}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s.StartAll()
	waitForState(t, s, "pausable", StateRunning, time.Second)
	waitForState(t, s, "critical", StateRunning, time.Second)

	if err := s.Pause("nope"); !errors.Is(err, ErrWorkerNotFound) {
		t.Errorf("Pause(unknown) = %v, want ErrWorkerNotFound", err)
	}
	if err := s.Pause("critical"); !errors.Is(err, ErrEssentialWorker) {
		t.Errorf("Pause(essential) = %v, want ErrEssentialWorker", err)
	}

	if err := s.Pause("pausable"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	status, _ := s.WorkerStatus("pausable")
	if status.State != StatePaused {
		t.Fatalf("state = %s, want %s", status.State, StatePaused)
	}

	// Double pause is an invalid-state error, not a crash
	if err := s.Pause("pausable"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Pause(paused) = %v, want ErrInvalidState", err)
	}

	paused := s.PausedWorkers()
	if len(paused) != 1 || paused[0] != "pausable" {
		t.Errorf("PausedWorkers() = %v, want [pausable]", paused)
	}

	if err := s.Resume("pausable"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	status, _ = s.WorkerStatus("pausable")
	if status.State != StateRunning {
		t.Errorf("state after Resume = %s, want %s", status.State, StateRunning)
	}
	if err := s.Resume("pausable"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Resume(running) = %v, want ErrInvalidState", err)
	}
}

func TestNonEssentialRunning(t *testing.T) {
	s, _ := newTestSupervisor(t, Options{WatchdogInterval: time.Hour})

	s.Register(Spec{Name: "a", Command: []string{"sleep", "60"}})
	s.Register(Spec{Name: "b", Command: []string{"sleep", "60"}, Essential: true})
	s.StartAll()
	waitForState(t, s, "a", StateRunning, time.Second)
	waitForState(t, s, "b", StateRunning, time.Second)

	names := s.NonEssentialRunning()
	if len(names) != 1 || names[0] != "a" {
		t.Errorf("NonEssentialRunning() = %v, want [a]", names)
	}
}

func TestWatchdogRestartsUntilCeiling(t *testing.T) {
	s, sink := newTestSupervisor(t, Options{WatchdogInterval: 50 * time.Millisecond})

	// A worker that exits immediately: two deaths are allowed to restart
	// once, the second death hits the ceiling.
	if err := s.Register(Spec{Name: "flaky", Command: []string{"true"}, MaxRestarts: 2}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s.StartAll()

	status := waitForState(t, s, "flaky", StateFailed, 5*time.Second)
	if status.RestartCount != 2 {
		t.Errorf("RestartCount = %d, want 2", status.RestartCount)
	}
	if status.PID != 0 {
		t.Errorf("PID = %d, want 0 after failure", status.PID)
	}
	if got := sink.Counter("worker_restarts"); got != 2 {
		t.Errorf("worker_restarts = %d, want 2", got)
	}

	// FAILED is terminal: the watchdog must not touch it again
	time.Sleep(200 * time.Millisecond)
	status, _ = s.WorkerStatus("flaky")
	if status.State != StateFailed || status.RestartCount != 2 {
		t.Errorf("FAILED worker changed: %+v", status)
	}
}

func TestZombieDetection(t *testing.T) {
	heartbeatDir := t.TempDir()
	s, _ := newTestSupervisor(t, Options{
		WatchdogInterval: time.Hour, // keep the watchdog out of the way
		HeartbeatDir:     heartbeatDir,
	})

	if err := s.Register(Spec{Name: "zombie", Command: []string{"sleep", "60"}, Heartbeat: true}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s.StartAll()
	waitForState(t, s, "zombie", StateRunning, time.Second)

	beatFile := filepath.Join(heartbeatDir, "edgewarden_zombie.beat")
	if _, err := os.Stat(beatFile); err != nil {
		t.Fatalf("heartbeat marker missing: %v", err)
	}

	// Fresh heartbeat: alive
	if !s.IsAlive("zombie") {
		t.Fatal("worker with a fresh heartbeat should be alive")
	}

	// Age the heartbeat past the staleness window; the process is still
	// running but must be treated as a zombie and force-terminated.
	past := time.Now().Add(-40 * time.Second)
	if err := os.Chtimes(beatFile, past, past); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	if s.IsAlive("zombie") {
		t.Fatal("worker with a stale heartbeat should be reported dead")
	}

	status, _ := s.WorkerStatus("zombie")
	if status.State != StateStopped {
		t.Errorf("zombie state = %s, want %s after force stop", status.State, StateStopped)
	}
	if _, err := os.Stat(beatFile); !os.IsNotExist(err) {
		t.Error("heartbeat marker should be removed on stop")
	}
}

func TestMissingHeartbeatFileFailsOpen(t *testing.T) {
	heartbeatDir := t.TempDir()
	s, _ := newTestSupervisor(t, Options{
		WatchdogInterval: time.Hour,
		HeartbeatDir:     heartbeatDir,
	})

	if err := s.Register(Spec{Name: "quiet", Command: []string{"sleep", "60"}, Heartbeat: true}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s.StartAll()
	waitForState(t, s, "quiet", StateRunning, time.Second)

	// Deleting the marker simulates a transient filesystem hiccup: the
	// check assumes alive instead of killing a healthy process.
	os.Remove(filepath.Join(heartbeatDir, "edgewarden_quiet.beat"))
	if !s.IsAlive("quiet") {
		t.Error("missing heartbeat file must fail open")
	}
}

func TestStopAllStopsPausedWorkers(t *testing.T) {
	s, _ := newTestSupervisor(t, Options{WatchdogInterval: 50 * time.Millisecond})

	s.Register(Spec{Name: "frozen", Command: []string{"sleep", "60"}})
	s.StartAll()
	waitForState(t, s, "frozen", StateRunning, time.Second)

	if err := s.Pause("frozen"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	// SIGCONT before SIGTERM lets the paused process handle termination
	s.StopAll()
	status, _ := s.WorkerStatus("frozen")
	if status.State != StateStopped {
		t.Errorf("state after StopAll = %s, want %s", status.State, StateStopped)
	}
	if status.PID != 0 {
		t.Errorf("PID after StopAll = %d, want 0", status.PID)
	}
}

func TestSpawnFailureMarksFailed(t *testing.T) {
	s, _ := newTestSupervisor(t, Options{WatchdogInterval: time.Hour})

	if err := s.Register(Spec{Name: "ghost", Command: []string{"/nonexistent/binary"}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	results := s.StartAll()
	if results["ghost"] {
		t.Error("StartAll should report ghost as not started")
	}
	status, _ := s.WorkerStatus("ghost")
	if status.State != StateFailed {
		t.Errorf("state = %s, want %s", status.State, StateFailed)
	}
}
