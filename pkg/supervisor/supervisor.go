// Package supervisor keeps a fleet of local worker processes alive. A
// background watchdog restarts workers that die or go zombie (OS-alive but
// heartbeat-stale), bounded by a per-worker restart ceiling. Non-essential
// workers can be paused and resumed with SIGSTOP/SIGCONT.
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/edgewarden/edgewarden/pkg/logging"
	"github.com/edgewarden/edgewarden/pkg/metrics"
)

// heartbeatStaleAfter is the liveness window of the worker-side contract:
// a heartbeat-enabled worker must touch its marker file at least once per
// window or it is treated as a zombie. Wall-clock mtime on purpose; worker
// SDKs depend on that contract.
const heartbeatStaleAfter = 30 * time.Second

const (
	terminateWait = 5 * time.Second
	killWait      = 2 * time.Second
)

var (
	// ErrDuplicateWorker is returned by Register for an already-known name.
	ErrDuplicateWorker = errors.New("worker already registered")
	// ErrWorkerNotFound is returned for operations on unknown workers.
	ErrWorkerNotFound = errors.New("worker not found")
	// ErrEssentialWorker is returned when pausing an essential worker.
	ErrEssentialWorker = errors.New("essential worker cannot be paused")
	// ErrInvalidState is returned when the worker is not in a state the
	// operation applies to.
	ErrInvalidState = errors.New("worker is not in a valid state for this operation")
)

// Options configures a Supervisor.
type Options struct {
	WatchdogInterval time.Duration
	Cwd              string // working directory for spawned workers
	LogDir           string // per-worker stdout/stderr capture directory
	HeartbeatDir     string // heartbeat marker files (default os.TempDir)
}

// Supervisor owns a table of named workers. All mutations, including the
// watchdog's per-tick scan, run under one table-wide lock: pause/resume
// block until a watchdog pass completes and vice versa, trading latency
// for a strict no-torn-state guarantee.
type Supervisor struct {
	mu      sync.Mutex
	workers map[string]*workerProcess

	watchdogInterval time.Duration
	cwd              string
	logDir           string
	heartbeatDir     string

	metrics *metrics.Collector
	logger  *logging.Logger

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSupervisor creates a supervisor with no registered workers.
func NewSupervisor(opts Options, sink *metrics.Collector, logger *logging.Logger) *Supervisor {
	if opts.WatchdogInterval <= 0 {
		opts.WatchdogInterval = 5 * time.Second
	}
	if opts.HeartbeatDir == "" {
		opts.HeartbeatDir = os.TempDir()
	}
	return &Supervisor{
		workers:          make(map[string]*workerProcess),
		watchdogInterval: opts.WatchdogInterval,
		cwd:              opts.Cwd,
		logDir:           opts.LogDir,
		heartbeatDir:     opts.HeartbeatDir,
		metrics:          sink,
		logger:           logger,
	}
}

// Register adds a worker in STOPPED state. The command is an argv list and
// is never passed through a shell.
func (s *Supervisor) Register(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("worker name must not be empty")
	}
	if len(spec.Command) == 0 {
		return fmt.Errorf("worker %q: command must not be empty", spec.Name)
	}
	if spec.MaxRestarts <= 0 {
		spec.MaxRestarts = 10
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workers[spec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateWorker, spec.Name)
	}

	s.workers[spec.Name] = &workerProcess{
		name:        spec.Name,
		command:     append([]string(nil), spec.Command...),
		state:       StateStopped,
		essential:   spec.Essential,
		maxRestarts: spec.MaxRestarts,
		heartbeat:   spec.Heartbeat,
	}

	s.logger.Info("Worker registered", map[string]interface{}{
		"worker":       spec.Name,
		"essential":    spec.Essential,
		"max_restarts": spec.MaxRestarts,
		"heartbeat":    spec.Heartbeat,
	})
	return nil
}

// StartAll spawns every STOPPED worker and starts the watchdog loop.
// It returns a per-worker success map; spawn failures are reported there
// and in the log, never as an error.
func (s *Supervisor) StartAll() map[string]bool {
	results := make(map[string]bool)

	s.mu.Lock()
	for name, w := range s.workers {
		if w.state == StateStopped {
			results[name] = s.startWorkerLocked(w)
		}
	}
	s.mu.Unlock()

	s.startWatchdog()
	return results
}

// startWorkerLocked spawns one worker. Caller must hold s.mu.
func (s *Supervisor) startWorkerLocked(w *workerProcess) bool {
	env := os.Environ()

	if w.heartbeat {
		beatPath := filepath.Join(s.heartbeatDir, "edgewarden_"+w.name+".beat")
		w.heartbeatFile = beatPath

		// Fresh marker so a stale file from a previous run cannot trip
		// zombie detection before the new process heartbeats.
		os.Remove(beatPath)
		if f, err := os.Create(beatPath); err == nil {
			f.Close()
		}
		env = append(env, "EDGEWARDEN_HEARTBEAT_FILE="+beatPath)
	}

	// Argv list only: arguments reach the child verbatim, the shell never
	// interprets them.
	cmd := exec.Command(w.command[0], w.command[1:]...)
	cmd.Env = env
	if s.cwd != "" {
		cmd.Dir = s.cwd
	}

	if logFile := s.openWorkerLog(w.name); logFile != nil {
		w.logFile = logFile
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		s.releaseLocked(w)
		if trErr := w.transition(StateFailed); trErr != nil {
			w.state = StateFailed
		}
		s.logger.Error("Failed to start worker", map[string]interface{}{
			"worker": w.name,
			"error":  err.Error(),
		})
		return false
	}

	exited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exited)
	}()

	w.cmd = cmd
	w.exited = exited
	w.pid = cmd.Process.Pid
	if err := w.transition(StateRunning); err != nil {
		w.state = StateRunning
	}

	s.metrics.Gauge("workers_active", float64(s.countRunningLocked()))
	s.logger.Info("Worker started", map[string]interface{}{
		"worker": w.name,
		"pid":    w.pid,
	})
	return true
}

func (s *Supervisor) openWorkerLog(name string) *os.File {
	if s.logDir == "" {
		return nil
	}
	dir := filepath.Join(s.logDir, "workers")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("Failed to create worker log directory", map[string]interface{}{
			"dir":   dir,
			"error": err.Error(),
		})
		return nil
	}
	f, err := os.OpenFile(filepath.Join(dir, name+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.logger.Warn("Failed to open worker log file", map[string]interface{}{
			"worker": name,
			"error":  err.Error(),
		})
		return nil
	}
	return f
}

func (s *Supervisor) countRunningLocked() int {
	n := 0
	for _, w := range s.workers {
		if w.state == StateRunning {
			n++
		}
	}
	return n
}

// processExitedLocked reports whether the OS has reaped the worker process.
func processExitedLocked(w *workerProcess) bool {
	if w.cmd == nil || w.exited == nil {
		return true
	}
	select {
	case <-w.exited:
		return true
	default:
		return false
	}
}

// isAliveLocked checks OS-level liveness and, for heartbeat-enabled
// workers, heartbeat freshness. A running process with a heartbeat older
// than the staleness window is a zombie: it is forcibly terminated here
// and reported not-alive. A missing heartbeat file is fail-open (assume
// alive, re-check next tick) to avoid spurious kills on transient
// filesystem hiccups.
func (s *Supervisor) isAliveLocked(w *workerProcess) bool {
	if w.cmd == nil || w.pid == 0 {
		return false
	}
	if processExitedLocked(w) {
		return false
	}

	if w.heartbeat && w.heartbeatFile != "" {
		info, err := os.Stat(w.heartbeatFile)
		if err != nil {
			return true
		}
		if time.Since(info.ModTime()) > heartbeatStaleAfter {
			s.logger.Error("Zombie detected: worker heartbeat stale, killing", map[string]interface{}{
				"worker": w.name,
				"pid":    w.pid,
				"stale":  time.Since(info.ModTime()).String(),
			})
			s.stopWorkerLocked(w)
			return false
		}
	}

	return true
}

// IsAlive reports liveness of a registered worker, applying zombie
// detection (with its force-kill side effect) exactly as the watchdog does.
func (s *Supervisor) IsAlive(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[name]
	if !ok {
		return false
	}
	return s.isAliveLocked(w)
}

func (s *Supervisor) startWatchdog() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.watchdogLoop()

	s.logger.Info("Watchdog started", map[string]interface{}{
		"interval": s.watchdogInterval.String(),
	})
}

// watchdogLoop scans all RUNNING workers each tick and restarts dead or
// zombie ones. The whole pass holds the table lock, so restarts within one
// worker are strictly sequential.
func (s *Supervisor) watchdogLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			for _, w := range s.workers {
				if w.state != StateRunning {
					continue
				}
				if s.isAliveLocked(w) {
					continue
				}
				s.handleDeathLocked(w)
			}
			s.mu.Unlock()
		}
	}
}

// handleDeathLocked processes one detected death: bump the restart count,
// then either respawn or mark FAILED when the ceiling is reached.
// No backoff beyond the watchdog interval itself; the ceiling bounds a
// worker that dies instantly every time.
func (s *Supervisor) handleDeathLocked(w *workerProcess) {
	w.restartCount++
	s.metrics.Increment("worker_restarts")
	s.logger.Warn("Worker died", map[string]interface{}{
		"worker":  w.name,
		"restart": fmt.Sprintf("%d/%d", w.restartCount, w.maxRestarts),
	})

	if w.restartCount >= w.maxRestarts {
		s.releaseLocked(w)
		if err := w.transition(StateFailed); err != nil {
			w.state = StateFailed
		}
		s.logger.Error("Worker reached restart ceiling, marked failed", map[string]interface{}{
			"worker":       w.name,
			"max_restarts": w.maxRestarts,
		})
		return
	}

	s.releaseLocked(w)
	if err := w.transition(StateRestarting); err != nil {
		s.logger.Error("Illegal restart transition", map[string]interface{}{
			"worker": w.name,
			"error":  err.Error(),
		})
		return
	}
	s.startWorkerLocked(w)
}

// Pause suspends a non-essential RUNNING worker with SIGSTOP.
func (s *Supervisor) Pause(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, name)
	}
	if w.essential {
		return fmt.Errorf("%w: %s", ErrEssentialWorker, name)
	}
	if w.state != StateRunning || w.pid == 0 {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, name, w.state)
	}

	if err := syscall.Kill(w.pid, syscall.SIGSTOP); err != nil {
		return fmt.Errorf("failed to pause worker %s (pid %d): %w", name, w.pid, err)
	}
	if err := w.transition(StatePaused); err != nil {
		return err
	}

	s.metrics.Gauge("workers_active", float64(s.countRunningLocked()))
	s.logger.Info("Worker paused", map[string]interface{}{"worker": name, "pid": w.pid})
	return nil
}

// Resume continues a PAUSED worker with SIGCONT.
func (s *Supervisor) Resume(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, name)
	}
	if w.state != StatePaused || w.pid == 0 {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, name, w.state)
	}

	if err := syscall.Kill(w.pid, syscall.SIGCONT); err != nil {
		return fmt.Errorf("failed to resume worker %s (pid %d): %w", name, w.pid, err)
	}
	if err := w.transition(StateRunning); err != nil {
		return err
	}

	s.metrics.Gauge("workers_active", float64(s.countRunningLocked()))
	s.logger.Info("Worker resumed", map[string]interface{}{"worker": name, "pid": w.pid})
	return nil
}

// stopWorkerLocked terminates one worker: SIGTERM, bounded wait, SIGKILL,
// bounded wait. It always clears the handle and heartbeat marker and never
// fails past this boundary. Caller must hold s.mu.
func (s *Supervisor) stopWorkerLocked(w *workerProcess) {
	if w.cmd != nil && !processExitedLocked(w) {
		// A paused process cannot handle SIGTERM; wake it first.
		syscall.Kill(w.pid, syscall.SIGCONT)

		if err := w.cmd.Process.Signal(syscall.SIGTERM); err == nil {
			select {
			case <-w.exited:
			case <-time.After(terminateWait):
				w.cmd.Process.Kill()
				select {
				case <-w.exited:
				case <-time.After(killWait):
				}
			}
		} else {
			w.cmd.Process.Kill()
			select {
			case <-w.exited:
			case <-time.After(killWait):
			}
		}
	}

	s.releaseLocked(w)

	if w.state != StateStopped && !IsTerminalState(w.state) {
		if err := w.transition(StateStopped); err != nil {
			w.state = StateStopped
		}
	}
}

// releaseLocked drops the process handle, per-worker log and heartbeat
// marker. Caller must hold s.mu.
func (s *Supervisor) releaseLocked(w *workerProcess) {
	w.pid = 0
	w.cmd = nil
	w.exited = nil

	if w.logFile != nil {
		w.logFile.Close()
		w.logFile = nil
	}
	if w.heartbeatFile != "" {
		os.Remove(w.heartbeatFile)
	}
}

// Stop gracefully terminates one worker by name.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, name)
	}
	s.stopWorkerLocked(w)
	s.metrics.Gauge("workers_active", float64(s.countRunningLocked()))
	return nil
}

// StopAll terminates every worker and the watchdog. Shutdown is
// cooperative: the watchdog is signaled and joined with a bounded timeout.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	if wasRunning {
		close(s.stopCh)
	}
	for _, w := range s.workers {
		s.stopWorkerLocked(w)
	}
	s.metrics.Gauge("workers_active", 0)
	s.mu.Unlock()

	if wasRunning {
		select {
		case <-s.doneCh:
		case <-time.After(s.watchdogInterval + 2*time.Second):
			s.logger.Warn("Watchdog did not stop within grace period")
		}
	}

	s.logger.Info("All workers stopped")
}

// NonEssentialRunning returns the names of pausable workers: non-essential
// and currently RUNNING.
func (s *Supervisor) NonEssentialRunning() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	for name, w := range s.workers {
		if !w.essential && w.state == StateRunning {
			names = append(names, name)
		}
	}
	return names
}

// PausedWorkers returns the names of currently PAUSED workers.
func (s *Supervisor) PausedWorkers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	for name, w := range s.workers {
		if w.state == StatePaused {
			names = append(names, name)
		}
	}
	return names
}

// WorkerStatus returns the snapshot for one worker.
func (s *Supervisor) WorkerStatus(name string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[name]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrWorkerNotFound, name)
	}
	return Status{
		State:        w.state,
		PID:          w.pid,
		RestartCount: w.restartCount,
		Essential:    w.essential,
	}, nil
}

// StatusAll returns a point-in-time snapshot of every worker.
func (s *Supervisor) StatusAll() map[string]Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Status, len(s.workers))
	for name, w := range s.workers {
		out[name] = Status{
			State:        w.state,
			PID:          w.pid,
			RestartCount: w.restartCount,
			Essential:    w.essential,
		}
	}
	return out
}
