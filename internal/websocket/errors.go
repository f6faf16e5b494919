package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write queue timeout")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Manager-related errors
var (
	ErrInvalidUserID = errors.New("invalid user id")
	ErrDialFailed    = errors.New("websocket dial failed")
	ErrSuperseded    = errors.New("open superseded by a newer open or close")
)
