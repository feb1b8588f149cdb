package supervisor

import (
	"fmt"
	"os"
	"os/exec"
)

// WorkerState is the lifecycle state of a managed worker process.
type WorkerState string

const (
	StateStopped    WorkerState = "stopped"
	StateRunning    WorkerState = "running"
	StatePaused     WorkerState = "paused"
	StateRestarting WorkerState = "restarting"
	StateFailed     WorkerState = "failed"
)

// validTransitions maps from-state to allowed to-states. FAILED is terminal.
var validTransitions = map[WorkerState]map[WorkerState]bool{
	StateStopped: {
		StateRunning:    true, // Stopped → Running (start succeeds)
		StateRestarting: true, // Stopped → Restarting (watchdog respawn after a forced zombie stop)
		StateFailed:     true, // Stopped → Failed (spawn failure, restart ceiling)
	},
	StateRunning: {
		StatePaused:     true, // Running → Paused (autopreservation, non-essential only)
		StateRestarting: true, // Running → Restarting (watchdog detected death)
		StateStopped:    true, // Running → Stopped (graceful stop)
		StateFailed:     true, // Running → Failed (restart ceiling reached)
	},
	StatePaused: {
		StateRunning: true, // Paused → Running (resume)
		StateStopped: true, // Paused → Stopped (graceful stop)
	},
	StateRestarting: {
		StateRunning: true, // Restarting → Running (respawn succeeded)
		StateStopped: true, // Restarting → Stopped (graceful stop)
		StateFailed:  true, // Restarting → Failed (respawn failed)
	},
	StateFailed: {},
}

// ValidateTransition checks whether a state edge is legal.
func ValidateTransition(from, to WorkerState) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid worker transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState reports whether no further transitions are possible.
func IsTerminalState(state WorkerState) bool {
	return state == StateFailed
}

// Spec describes a worker to register.
type Spec struct {
	Name        string
	Command     []string // argv list, never shell-interpreted
	Essential   bool     // exempt from autopreservation pausing
	MaxRestarts int      // automatic restart ceiling before FAILED
	Heartbeat   bool     // liveness heartbeat file expected from the worker
}

// workerProcess is one managed child process. It is owned exclusively by
// the supervisor and mutated only under the supervisor's table lock.
type workerProcess struct {
	name          string
	command       []string
	pid           int
	state         WorkerState
	restartCount  int
	essential     bool
	maxRestarts   int
	heartbeat     bool
	heartbeatFile string

	cmd     *exec.Cmd
	exited  chan struct{} // closed by the wait goroutine when the process is reaped
	logFile *os.File
}

// transition moves the worker along a validated edge.
func (w *workerProcess) transition(to WorkerState) error {
	if err := ValidateTransition(w.state, to); err != nil {
		return err
	}
	w.state = to
	return nil
}

// Status is a point-in-time snapshot of one worker.
type Status struct {
	State        WorkerState `json:"state"`
	PID          int         `json:"pid"`
	RestartCount int         `json:"restart_count"`
	Essential    bool        `json:"essential"`
}
