package types

import "errors"

// ARCHITECTURAL DISCOVERY: one taxonomy shared by every component so callers
// can classify failures with errors.Is regardless of which layer wrapped them
var (
	ErrNotConnected             = errors.New("socket is not connected")
	ErrTokenFetchFailed         = errors.New("call token fetch failed")
	ErrMediaJoinFailed          = errors.New("media session join failed")
	ErrRequestFailed            = errors.New("request failed")
	ErrDuplicateFetchSuppressed = errors.New("duplicate fetch suppressed")
)

// Caller-facing conditions
var (
	ErrUnauthenticated      = errors.New("no authenticated identity")
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrEmptyMessage         = errors.New("message content is empty")
	ErrNoPeerAvailable      = errors.New("no peers are online")
	ErrInvalidTransition    = errors.New("invalid call state transition")
)

// Frame decoding
var (
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrUnknownFrameType = errors.New("unknown frame type")
	ErrInvalidPayload   = errors.New("invalid frame payload")
	ErrInvalidID        = errors.New("identifier must be a JSON string or integer")
)
