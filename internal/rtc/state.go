package rtc

import "fmt"

// State is the lifecycle position of a call session.
type State int

const (
	// StateIdle — no call in progress.
	StateIdle State = iota
	// StateDialing — caller side: offer sent, awaiting answer.
	StateDialing
	// StateRinging — callee side: offer received, awaiting local accept/reject.
	StateRinging
	// StateConnecting — answer exchanged, ICE negotiation in progress.
	StateConnecting
	// StateActive — media flowing.
	StateActive
	// StateEnded — terminal. A fresh call needs a fresh session.
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDialing:
		return "dialing"
	case StateRinging:
		return "ringing"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateEnded }

type stateEvent int

const (
	eventDial stateEvent = iota
	eventIncoming
	eventAnswer
	eventAccept
	eventReject
	eventConnected
	eventHangup
	eventRemoteHangup
	eventFailure
)

func (e stateEvent) String() string {
	switch e {
	case eventDial:
		return "dial"
	case eventIncoming:
		return "incoming"
	case eventAnswer:
		return "answer"
	case eventAccept:
		return "accept"
	case eventReject:
		return "reject"
	case eventConnected:
		return "connected"
	case eventHangup:
		return "hangup"
	case eventRemoteHangup:
		return "remote-hangup"
	case eventFailure:
		return "failure"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// transitions is the full lifecycle table. eventFailure is handled
// separately: it ends the session from any non-terminal state.
var transitions = map[State]map[stateEvent]State{
	StateIdle: {
		eventDial:     StateDialing,
		eventIncoming: StateRinging,
	},
	StateDialing: {
		eventAnswer:       StateConnecting,
		eventHangup:       StateEnded,
		eventRemoteHangup: StateEnded,
	},
	StateRinging: {
		eventAccept:       StateConnecting,
		eventReject:       StateEnded,
		eventRemoteHangup: StateEnded,
	},
	StateConnecting: {
		eventConnected:    StateActive,
		eventHangup:       StateEnded,
		eventRemoteHangup: StateEnded,
	},
	StateActive: {
		eventHangup:       StateEnded,
		eventRemoteHangup: StateEnded,
	},
}

// stateMachine guards lifecycle transitions. Not safe for concurrent use;
// the owning session serializes access.
type stateMachine struct {
	cur State
}

// fire applies ev and returns the new state, or ErrInvalidTransition with
// the state unchanged.
func (m *stateMachine) fire(ev stateEvent) (State, error) {
	if ev == eventFailure {
		if m.cur.Terminal() {
			return m.cur, fmt.Errorf("%w: %s in %s", ErrInvalidTransition, ev, m.cur)
		}
		m.cur = StateEnded
		return m.cur, nil
	}
	next, ok := transitions[m.cur][ev]
	if !ok {
		return m.cur, fmt.Errorf("%w: %s in %s", ErrInvalidTransition, ev, m.cur)
	}
	m.cur = next
	return next, nil
}
