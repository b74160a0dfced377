package session

import (
	"testing"
	"time"
)

// live drives a fresh machine through a full handshake.
func live(t *testing.T, b Backoff) *Machine {
	t.Helper()
	m := NewMachine(b)
	for _, in := range []Input{InputStart, InputOpened, InputAuthOK, InputSnapshot} {
		m.Apply(in)
	}
	if m.State != StateLive {
		t.Fatalf("state = %s after handshake, want live", m.State)
	}
	return m
}

func TestMachine_Transitions(t *testing.T) {
	tests := []struct {
		name       string
		from       State
		fault      Fault
		attempt    int
		input      Input
		wantState  State
		wantAction Action
	}{
		{"start from idle", StateIdle, FaultNone, 0, InputStart, StateConnecting, ActionDial},
		{"start ignored when connecting", StateConnecting, FaultNone, 0, InputStart, StateConnecting, ActionNone},
		{"start ignored after auth rejection", StateIdle, FaultAuthInvalid, 0, InputStart, StateIdle, ActionNone},
		{"socket opened", StateConnecting, FaultNone, 0, InputOpened, StateAuthenticating, ActionSendAuth},
		{"auth ok", StateAuthenticating, FaultNone, 0, InputAuthOK, StateSnapshotFetch, ActionFetchStates},
		{"auth invalid", StateAuthenticating, FaultNone, 0, InputAuthInvalid, StateIdle, ActionRejectAuth},
		{"auth ok out of order", StateSnapshotFetch, FaultNone, 0, InputAuthOK, StateSnapshotFetch, ActionNone},
		{"snapshot applied", StateSnapshotFetch, FaultNone, 3, InputSnapshot, StateLive, ActionSubscribe},
		{"failure while live", StateLive, FaultNone, 0, InputFailure, StateReconnecting, ActionScheduleRetry},
		{"failure while connecting", StateConnecting, FaultNone, 2, InputFailure, StateReconnecting, ActionScheduleRetry},
		{"failure over budget", StateConnecting, FaultNone, 10, InputFailure, StateIdle, ActionGiveUp},
		{"failure while reconnecting", StateReconnecting, FaultNone, 1, InputFailure, StateReconnecting, ActionNone},
		{"retry due", StateReconnecting, FaultNone, 1, InputRetryDue, StateConnecting, ActionDial},
		{"retry due ignored when idle", StateIdle, FaultReconnectExhausted, 10, InputRetryDue, StateIdle, ActionNone},
		{"resume while reconnecting", StateReconnecting, FaultNone, 4, InputResume, StateConnecting, ActionDial},
		{"resume after exhaustion", StateIdle, FaultReconnectExhausted, 10, InputResume, StateConnecting, ActionDial},
		{"resume while live", StateLive, FaultNone, 0, InputResume, StateLive, ActionNone},
		{"resume while authenticating", StateAuthenticating, FaultNone, 0, InputResume, StateAuthenticating, ActionNone},
		{"resume after auth rejection", StateIdle, FaultAuthInvalid, 0, InputResume, StateIdle, ActionNone},
		{"credentials changed after rejection", StateIdle, FaultAuthInvalid, 0, InputCredentialsChanged, StateConnecting, ActionDial},
		{"credentials changed while live", StateLive, FaultNone, 0, InputCredentialsChanged, StateConnecting, ActionDial},
		{"stop", StateLive, FaultNone, 0, InputStop, StateClosed, ActionClose},
		{"closed ignores resume", StateClosed, FaultNone, 0, InputResume, StateClosed, ActionNone},
		{"closed ignores credentials", StateClosed, FaultNone, 0, InputCredentialsChanged, StateClosed, ActionNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine(DefaultBackoff())
			m.State, m.Fault, m.Attempt = tt.from, tt.fault, tt.attempt

			step := m.Apply(tt.input)

			if step.To != tt.wantState || m.State != tt.wantState {
				t.Errorf("state = %s, want %s", m.State, tt.wantState)
			}
			if step.Action != tt.wantAction {
				t.Errorf("action = %s, want %s", step.Action, tt.wantAction)
			}
			if step.From != tt.from {
				t.Errorf("step.From = %s, want %s", step.From, tt.from)
			}
		})
	}
}

func TestMachine_LiveDropRetriesAtBaseThenDoubles(t *testing.T) {
	m := live(t, Backoff{Base: time.Second, Max: time.Minute, Multiplier: 2})

	step := m.Apply(InputFailure)
	if step.Action != ActionScheduleRetry || step.Delay != time.Second {
		t.Fatalf("first retry = %s after %v, want schedule_retry after 1s", step.Action, step.Delay)
	}
	if m.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", m.Attempt)
	}

	m.Apply(InputRetryDue)
	step = m.Apply(InputFailure)
	if step.Delay != 2*time.Second {
		t.Errorf("second retry delay = %v, want 2s", step.Delay)
	}
}

func TestMachine_SnapshotResetsAttempts(t *testing.T) {
	m := live(t, Backoff{Base: time.Second, Max: time.Minute, Multiplier: 2})

	for i := 0; i < 3; i++ {
		m.Apply(InputFailure)
		m.Apply(InputRetryDue)
	}
	if m.Attempt != 3 {
		t.Fatalf("attempt = %d, want 3", m.Attempt)
	}

	m.Apply(InputOpened)
	m.Apply(InputAuthOK)
	m.Apply(InputSnapshot)
	if m.Attempt != 0 {
		t.Errorf("attempt after live = %d, want 0", m.Attempt)
	}

	step := m.Apply(InputFailure)
	if step.Delay != time.Second {
		t.Errorf("delay after reset = %v, want base 1s", step.Delay)
	}
}

func TestMachine_ExhaustionStopsUntilResume(t *testing.T) {
	m := NewMachine(Backoff{Base: time.Second, Max: time.Minute, Multiplier: 2, MaxAttempts: 3})
	m.Apply(InputStart)

	retries := 0
	for {
		step := m.Apply(InputFailure)
		if step.Action == ActionGiveUp {
			break
		}
		if step.Action != ActionScheduleRetry {
			t.Fatalf("unexpected action %s", step.Action)
		}
		retries++
		m.Apply(InputRetryDue)
	}

	if retries != 3 {
		t.Errorf("retries = %d, want 3", retries)
	}
	if m.State != StateIdle || m.Fault != FaultReconnectExhausted {
		t.Fatalf("state = %s/%s, want idle/reconnect_exhausted", m.State, m.Fault)
	}

	if step := m.Apply(InputRetryDue); step.Action != ActionNone {
		t.Errorf("stale retry produced %s", step.Action)
	}

	step := m.Apply(InputResume)
	if step.Action != ActionDial || m.Attempt != 0 || m.Fault != FaultNone {
		t.Errorf("resume = %s attempt=%d fault=%s, want dial 0 none", step.Action, m.Attempt, m.Fault)
	}
}

func TestMachine_AuthInvalidNeverRetries(t *testing.T) {
	m := NewMachine(DefaultBackoff())
	m.Apply(InputStart)
	m.Apply(InputOpened)

	step := m.Apply(InputAuthInvalid)
	if step.Action != ActionRejectAuth {
		t.Fatalf("action = %s, want reject_auth", step.Action)
	}

	for _, in := range []Input{InputFailure, InputRetryDue, InputResume, InputStart} {
		if step := m.Apply(in); step.Action != ActionNone {
			t.Errorf("%s after auth rejection produced %s", in, step.Action)
		}
	}
	if m.State != StateIdle || m.Fault != FaultAuthInvalid {
		t.Errorf("state = %s/%s, want idle/auth_invalid", m.State, m.Fault)
	}
}

func TestMachine_StringNames(t *testing.T) {
	if StateSnapshotFetch.String() != "snapshot_fetch" {
		t.Errorf("StateSnapshotFetch = %q", StateSnapshotFetch.String())
	}
	if State(99).String() != "unknown" {
		t.Errorf("State(99) = %q", State(99).String())
	}
	if FaultReconnectExhausted.String() != "reconnect_exhausted" {
		t.Errorf("FaultReconnectExhausted = %q", FaultReconnectExhausted.String())
	}
	if ActionScheduleRetry.String() != "schedule_retry" {
		t.Errorf("ActionScheduleRetry = %q", ActionScheduleRetry.String())
	}
	if InputCredentialsChanged.String() != "credentials_changed" {
		t.Errorf("InputCredentialsChanged = %q", InputCredentialsChanged.String())
	}
}
