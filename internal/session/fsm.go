package session

import "time"

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateSnapshotFetch
	StateLive
	StateReconnecting
	StateClosed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSnapshotFetch:
		return "snapshot_fetch"
	case StateLive:
		return "live"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// connecting reports whether a socket is being opened or handshaken.
func (s State) connecting() bool {
	return s == StateConnecting || s == StateAuthenticating || s == StateSnapshotFetch
}

// Fault is the terminal condition that left the manager Idle.
type Fault int

const (
	FaultNone Fault = iota
	FaultAuthInvalid
	FaultReconnectExhausted
)

// String returns a human-readable name for the fault.
func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultAuthInvalid:
		return "auth_invalid"
	case FaultReconnectExhausted:
		return "reconnect_exhausted"
	default:
		return "unknown"
	}
}

// Input is something that happened to the connection.
type Input int

const (
	InputStart Input = iota
	InputOpened
	InputAuthOK
	InputAuthInvalid
	InputSnapshot
	InputFailure
	InputRetryDue
	InputResume
	InputCredentialsChanged
	InputStop
)

// String returns a human-readable name for the input.
func (i Input) String() string {
	switch i {
	case InputStart:
		return "start"
	case InputOpened:
		return "opened"
	case InputAuthOK:
		return "auth_ok"
	case InputAuthInvalid:
		return "auth_invalid"
	case InputSnapshot:
		return "snapshot"
	case InputFailure:
		return "failure"
	case InputRetryDue:
		return "retry_due"
	case InputResume:
		return "resume"
	case InputCredentialsChanged:
		return "credentials_changed"
	case InputStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Action is the side effect the manager must perform after a transition.
type Action int

const (
	ActionNone Action = iota
	ActionDial
	ActionSendAuth
	ActionFetchStates
	ActionSubscribe
	ActionScheduleRetry
	ActionRejectAuth
	ActionGiveUp
	ActionClose
)

// String returns a human-readable name for the action.
func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionDial:
		return "dial"
	case ActionSendAuth:
		return "send_auth"
	case ActionFetchStates:
		return "fetch_states"
	case ActionSubscribe:
		return "subscribe"
	case ActionScheduleRetry:
		return "schedule_retry"
	case ActionRejectAuth:
		return "reject_auth"
	case ActionGiveUp:
		return "give_up"
	case ActionClose:
		return "close"
	default:
		return "unknown"
	}
}

// Step is the result of applying one input.
type Step struct {
	From   State
	To     State
	Action Action
	Delay  time.Duration // set for ActionScheduleRetry
}

// Changed reports whether the step moved to a different state.
func (s Step) Changed() bool {
	return s.From != s.To
}

// Machine is the connection state machine. It holds no sockets or
// timers; the manager feeds it inputs and performs the returned actions.
type Machine struct {
	State   State
	Fault   Fault
	Attempt int

	backoff Backoff
}

// NewMachine creates an Idle machine with the given backoff policy.
func NewMachine(b Backoff) *Machine {
	return &Machine{State: StateIdle, backoff: b.normalized()}
}

// Backoff returns the machine's policy.
func (m *Machine) Backoff() Backoff {
	return m.backoff
}

// Apply feeds one input to the machine.
func (m *Machine) Apply(in Input) Step {
	from := m.State
	action := m.transition(in)
	step := Step{From: from, To: m.State, Action: action}
	if action == ActionScheduleRetry {
		// Attempt was already incremented for this failure.
		step.Delay = m.backoff.Delay(m.Attempt - 1)
	}
	return step
}

func (m *Machine) transition(in Input) Action {
	if m.State == StateClosed {
		return ActionNone
	}

	switch in {
	case InputStop:
		m.State = StateClosed
		return ActionClose

	case InputStart:
		if m.State != StateIdle || m.Fault != FaultNone {
			return ActionNone
		}
		m.State = StateConnecting
		return ActionDial

	case InputOpened:
		if m.State != StateConnecting {
			return ActionNone
		}
		m.State = StateAuthenticating
		return ActionSendAuth

	case InputAuthOK:
		if m.State != StateAuthenticating {
			return ActionNone
		}
		m.State = StateSnapshotFetch
		return ActionFetchStates

	case InputAuthInvalid:
		if m.State != StateAuthenticating {
			return ActionNone
		}
		m.State = StateIdle
		m.Fault = FaultAuthInvalid
		return ActionRejectAuth

	case InputSnapshot:
		if m.State != StateSnapshotFetch {
			return ActionNone
		}
		m.State = StateLive
		m.Attempt = 0
		m.Fault = FaultNone
		return ActionSubscribe

	case InputFailure:
		if !m.State.connecting() && m.State != StateLive {
			return ActionNone
		}
		if m.backoff.Exhausted(m.Attempt) {
			m.State = StateIdle
			m.Fault = FaultReconnectExhausted
			return ActionGiveUp
		}
		m.Attempt++
		m.State = StateReconnecting
		return ActionScheduleRetry

	case InputRetryDue:
		if m.State != StateReconnecting {
			return ActionNone
		}
		m.State = StateConnecting
		return ActionDial

	case InputResume:
		if m.State == StateLive || m.State.connecting() || m.Fault == FaultAuthInvalid {
			return ActionNone
		}
		m.Attempt = 0
		m.Fault = FaultNone
		m.State = StateConnecting
		return ActionDial

	case InputCredentialsChanged:
		m.Attempt = 0
		m.Fault = FaultNone
		m.State = StateConnecting
		return ActionDial
	}

	return ActionNone
}
