package session

import "errors"

// Call session controller errors
var (
	ErrInvalidAppointment = errors.New("appointment id is required")
	ErrSessionClosed      = errors.New("call session was exited")
	ErrNoSession          = errors.New("no call session")
)
