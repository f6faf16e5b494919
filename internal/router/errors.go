package router

import "errors"

// Router-specific errors
var (
	ErrHandlerPanic = errors.New("frame handler panicked")
	ErrNilHandler   = errors.New("handler cannot be nil")
)
