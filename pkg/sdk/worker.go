// Package sdk is the worker-side helper for processes managed by the
// supervisor. It hides the liveness contract: touch the heartbeat file the
// supervisor injected via EDGEWARDEN_HEARTBEAT_FILE at least once per 30
// seconds while alive, and stop when the EDGEWARDEN_STOP_SIGNAL flag file
// appears.
package sdk

import (
	"os"
	"path/filepath"
	"time"
)

// Environment variables of the supervisor/worker contract.
const (
	HeartbeatFileEnv = "EDGEWARDEN_HEARTBEAT_FILE"
	StopSignalEnv    = "EDGEWARDEN_STOP_SIGNAL"
)

// Worker wraps the heartbeat and stop-flag mechanics for one worker
// process.
type Worker struct {
	name          string
	heartbeatPath string
	stopPath      string
	stopped       bool
}

// NewWorker creates the helper. When EDGEWARDEN_HEARTBEAT_FILE is unset
// (running outside the supervisor) a volatile path under the temp dir is
// used so Heartbeat stays harmless.
func NewWorker(name string) *Worker {
	heartbeatPath := os.Getenv(HeartbeatFileEnv)
	if heartbeatPath == "" {
		heartbeatPath = filepath.Join(os.TempDir(), "edgewarden_"+name+".beat")
	}
	return &Worker{
		name:          name,
		heartbeatPath: heartbeatPath,
		stopPath:      os.Getenv(StopSignalEnv),
	}
}

// Name returns the worker name.
func (w *Worker) Name() string {
	return w.name
}

// Heartbeat signals liveness by updating the heartbeat file mtime.
// Errors are swallowed: a failed heartbeat must never crash the worker.
func (w *Worker) Heartbeat() {
	now := time.Now()
	if err := os.Chtimes(w.heartbeatPath, now, now); err != nil {
		if f, createErr := os.Create(w.heartbeatPath); createErr == nil {
			f.Close()
		}
	}
}

// ShouldRun reports whether the worker should keep its main loop going.
// It returns false once Stop was called or the stop-flag file exists.
func (w *Worker) ShouldRun() bool {
	if w.stopped {
		return false
	}
	if w.stopPath != "" {
		if _, err := os.Stat(w.stopPath); err == nil {
			w.stopped = true
			return false
		}
	}
	return true
}

// Stop ends the worker programmatically.
func (w *Worker) Stop() {
	w.stopped = true
}
