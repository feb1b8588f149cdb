package supervisor

import "testing"

func TestValidateTransition(t *testing.T) {
	allowed := []struct{ from, to WorkerState }{
		{StateStopped, StateRunning},
		{StateStopped, StateRestarting},
		{StateStopped, StateFailed},
		{StateRunning, StatePaused},
		{StateRunning, StateRestarting},
		{StateRunning, StateStopped},
		{StateRunning, StateFailed},
		{StatePaused, StateRunning},
		{StatePaused, StateStopped},
		{StateRestarting, StateRunning},
		{StateRestarting, StateFailed},
	}
	for _, tc := range allowed {
		if err := ValidateTransition(tc.from, tc.to); err != nil {
			t.Errorf("ValidateTransition(%s, %s) = %v, want nil", tc.from, tc.to, err)
		}
	}

	denied := []struct{ from, to WorkerState }{
		{StateStopped, StatePaused},
		{StatePaused, StateRestarting},
		{StatePaused, StateFailed},
		{StateFailed, StateRunning},
		{StateFailed, StateStopped},
		{StateFailed, StateRestarting},
	}
	for _, tc := range denied {
		if err := ValidateTransition(tc.from, tc.to); err == nil {
			t.Errorf("ValidateTransition(%s, %s) = nil, want error", tc.from, tc.to)
		}
	}
}

func TestFailedIsTerminal(t *testing.T) {
	if !IsTerminalState(StateFailed) {
		t.Error("FAILED must be terminal")
	}
	for _, state := range []WorkerState{StateStopped, StateRunning, StatePaused, StateRestarting} {
		if IsTerminalState(state) {
			t.Errorf("%s must not be terminal", state)
		}
	}
}
