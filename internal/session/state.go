package session

// State is the lifecycle position of a call session.
type State int

const (
	StateIdle State = iota
	StateTokenPending
	StateWaitingForPeer
	StateActive
	StateEnding
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTokenPending:
		return "token_pending"
	case StateWaitingForPeer:
		return "waiting_for_peer"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// InProgress reports whether a session in this state still owns its token.
func (s State) InProgress() bool {
	switch s {
	case StateTokenPending, StateWaitingForPeer, StateActive, StateEnding:
		return true
	}
	return false
}

// MarshalText renders the state name in JSON snapshots.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transitions lists the allowed moves; Exit may leave any state.
var transitions = map[State][]State{
	StateIdle:           {StateTokenPending},
	StateTokenPending:   {StateWaitingForPeer, StateFailed},
	StateWaitingForPeer: {StateActive, StateEnded, StateFailed},
	StateActive:         {StateEnding, StateEnded},
	StateEnding:         {StateActive, StateEnded},
	StateEnded:          {StateTokenPending},
	StateFailed:         {StateTokenPending},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
