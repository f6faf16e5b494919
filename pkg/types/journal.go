package types

import "time"

// Identity is the authenticated principal driving the session layer.
type Identity struct {
	UserID ID     `json:"user_id"`
	Role   Role   `json:"role"`
	Name   string `json:"name,omitempty"`
}

// Call outcomes recorded in the journal.
const (
	CallOutcomeCompleted = "completed"
	CallOutcomeAbandoned = "abandoned"
	CallOutcomeFailed    = "failed"
)

// CallRecord is the journaled outcome of one call session.
type CallRecord struct {
	ID              string    `json:"id"`
	AppointmentID   ID        `json:"appointment_id"`
	Role            Role      `json:"role"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	DurationSeconds int       `json:"duration_seconds"`
	Outcome         string    `json:"outcome"`
}

// ModerationRecord is the journaled moderation verdict for a message.
type ModerationRecord struct {
	ID        string    `json:"id"`
	MessageID ID        `json:"message_id"`
	Notice    string    `json:"notice"`
	CreatedAt time.Time `json:"created_at"`
}
