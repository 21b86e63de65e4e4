package session

import "fmt"

type State int

const (
	StateInitializing State = iota
	StateListening
	StateResponding
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateListening:
		return "LISTENING"
	case StateResponding:
		return "RESPONDING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Input is an external occurrence that may move a session between states.
type Input int

const (
	InputLinkOpened Input = iota
	InputLinkFailed
	InputReplyStarted
	InputReplyDone
	InputTransportClosed
	InputKeepaliveFailed
	InputShutdown
	InputTeardownDone
)

func (i Input) String() string {
	switch i {
	case InputLinkOpened:
		return "link_opened"
	case InputLinkFailed:
		return "link_failed"
	case InputReplyStarted:
		return "reply_started"
	case InputReplyDone:
		return "reply_done"
	case InputTransportClosed:
		return "transport_closed"
	case InputKeepaliveFailed:
		return "keepalive_failed"
	case InputShutdown:
		return "shutdown"
	case InputTeardownDone:
		return "teardown_done"
	default:
		return "unknown"
	}
}

func closingInputs(m map[Input]State) map[Input]State {
	for _, in := range []Input{InputLinkFailed, InputTransportClosed, InputKeepaliveFailed, InputShutdown} {
		m[in] = StateClosing
	}
	return m
}

var validTransitions = map[State]map[Input]State{
	StateInitializing: closingInputs(map[Input]State{
		InputLinkOpened: StateListening,
	}),
	StateListening: closingInputs(map[Input]State{
		InputLinkOpened:   StateListening,
		InputReplyStarted: StateResponding,
	}),
	StateResponding: closingInputs(map[Input]State{
		InputLinkOpened: StateResponding,
		InputReplyDone:  StateListening,
	}),
	StateClosing: {
		InputTeardownDone: StateClosed,
	},
}

// InvalidTransitionError reports an input the current state does not accept.
type InvalidTransitionError struct {
	From  State
	Input Input
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid session transition: %s on %s", e.From, e.Input)
}

// Transition is the pure state function of a call session.
func Transition(from State, in Input) (State, error) {
	to, ok := validTransitions[from][in]
	if !ok {
		return from, &InvalidTransitionError{From: from, Input: in}
	}
	return to, nil
}
