package websocket

import (
	"time"

	"mindhaven/pkg/types"
)

// State is the lifecycle state of the managed socket.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// StateEvent is published to listeners on every state change.
type StateEvent struct {
	UserID types.ID
	State  State
	Err    error
	At     time.Time
}

// Status is a point-in-time view of the manager for diagnostics.
type Status struct {
	UserID       types.ID `json:"user_id"`
	State        string   `json:"state"`
	ConnectionID string   `json:"connection_id,omitempty"`
	LastError    string   `json:"last_error,omitempty"`
}
