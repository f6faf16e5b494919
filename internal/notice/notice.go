// Package notice delivers transient user-visible notices.
//
// The agent has no screen, so notices are logged and the most recent ones are
// kept for the diagnostics state endpoint.
package notice

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mindhaven/internal/logging"
	"mindhaven/pkg/types"
)

// Entry is a notice with the time it was raised.
type Entry struct {
	types.Notice
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

// Log is an interfaces.Notifier that logs notices and keeps the latest ones.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	limit   int
	logger  zerolog.Logger
}

// NewLog creates a notifier keeping at most limit recent notices.
func NewLog(limit int) *Log {
	if limit <= 0 {
		limit = 50
	}
	return &Log{limit: limit, logger: logging.WithComponent("notice")}
}

// Notify records and logs n.
func (l *Log) Notify(n types.Notice) {
	entry := Entry{Notice: n, At: time.Now()}
	if n.Err != nil {
		entry.Error = n.Err.Error()
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.limit {
		l.entries = l.entries[len(l.entries)-l.limit:]
	}
	l.mu.Unlock()

	var ev *zerolog.Event
	switch n.Level {
	case types.NoticeError:
		ev = l.logger.Error().Err(n.Err)
	case types.NoticeWarning:
		ev = l.logger.Warn()
	default:
		ev = l.logger.Info()
	}
	ev.Str("level", string(n.Level)).Msg(n.Text)
}

// Recent returns the retained notices, oldest first.
func (l *Log) Recent() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Discard drops every notice.
type Discard struct{}

func (Discard) Notify(types.Notice) {}
