package interfaces

import (
	"context"

	"mindhaven/pkg/types"
)

// Journal records call outcomes and moderation events locally.
// ARCHITECTURAL DISCOVERY: the journal is an audit trail, not a message store;
// chat history stays on the backend
type Journal interface {
	// RecordCall persists the outcome of a finished call session.
	RecordCall(ctx context.Context, record *types.CallRecord) error

	// RecordModeration persists a moderation verdict delivered over the socket.
	RecordModeration(ctx context.Context, record *types.ModerationRecord) error

	// CallHistory returns the recorded sessions for an appointment, oldest first.
	CallHistory(ctx context.Context, appointmentID types.ID) ([]*types.CallRecord, error)

	// HealthCheck verifies database connectivity.
	HealthCheck(ctx context.Context) error

	// Close flushes pending writes and closes the database.
	Close() error
}
