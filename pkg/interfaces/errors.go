package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrJournalClosed = errors.New("journal is closed")
)
