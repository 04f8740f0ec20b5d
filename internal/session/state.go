package session

import (
	"fmt"
	"slices"
)

// State represents a per-user connection lifecycle state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	AwaitingAuth State = "AWAITING_AUTH"
	Open         State = "OPEN"
	Reconnecting State = "RECONNECTING"
	// Deauthorized is terminal: reached only on an unauthorized close,
	// and left only by a fresh CreateConnection.
	Deauthorized State = "DEAUTHORIZED"
)

// validTransitions defines allowed lifecycle transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {AwaitingAuth, Open, Reconnecting, Disconnected, Deauthorized},
	AwaitingAuth: {Open, Reconnecting, Disconnected, Deauthorized},
	Open:         {Reconnecting, Disconnected, Deauthorized},
	Reconnecting: {Connecting, Disconnected},
	Deauthorized: {Connecting},
}

// transition validates and applies a state change. Callers must hold the
// session's mutex.
func (s *session) transition(to State) error {
	allowed := validTransitions[s.state]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", s.state, to)
	}
	s.state = to
	return nil
}
