// Package notification keeps the pending notification list in sync with the
// backend and with pushed new_notification frames.
package notification

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mindhaven/internal/logging"
	"mindhaven/internal/notice"
	"mindhaven/internal/router"
	"mindhaven/pkg/interfaces"
	"mindhaven/pkg/types"
)

// entry pairs a notification with the sequence number it was added under.
type entry struct {
	seq uint64
	n   types.Notification
}

// Snapshot is a consistent copy of the notification state.
type Snapshot struct {
	Notifications []types.Notification `json:"notifications"`
	LastError     string               `json:"last_error,omitempty"`
}

// Store holds notifications newest first.
// TECHNICAL DISCOVERY: every entry carries the sequence it was added under so
// clear-all can remove exactly what existed when the request was issued and
// keep anything pushed during the round trip
type Store struct {
	api      interfaces.NotificationAPI
	notifier interfaces.Notifier
	logger   zerolog.Logger

	mu      sync.Mutex
	entries []entry
	seq     uint64
	epoch   uint64
	lastErr error
}

// NewStore creates a notification store. notifier may be nil.
func NewStore(api interfaces.NotificationAPI, notifier interfaces.Notifier) *Store {
	if notifier == nil {
		notifier = notice.Discard{}
	}
	return &Store{
		api:      api,
		notifier: notifier,
		logger:   logging.WithComponent("notification"),
	}
}

// Register attaches the new_notification handler to reg.
func (s *Store) Register(reg interfaces.HandlerRegistrar) func() {
	return router.Handle(reg, types.FrameNewNotification, func(f *types.NotificationFrame) error {
		s.PushLive(f.Notification)
		return nil
	})
}

// FetchAll replaces the list with the server's pending notifications.
func (s *Store) FetchAll(ctx context.Context) error {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	list, err := s.api.Notifications(ctx)
	if err != nil {
		return s.fail(epoch, "Could not load notifications", fmt.Errorf("%w: notifications: %w", types.ErrRequestFailed, err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return nil
	}
	s.entries = s.entries[:0:0]
	for _, n := range list {
		s.seq++
		s.entries = append(s.entries, entry{seq: s.seq, n: n})
	}
	s.lastErr = nil
	return nil
}

// PushLive prepends a pushed notification. A notification whose ID is already
// listed is ignored; one without an ID gets a local one.
func (s *Store) PushLive(n types.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.ID.IsZero() {
		n.ID = types.ID("local-" + uuid.NewString())
	} else {
		for _, e := range s.entries {
			if e.n.ID == n.ID {
				return
			}
		}
	}
	s.seq++
	s.entries = append([]entry{{seq: s.seq, n: n}}, s.entries...)
	s.logger.Debug().Str("notification_id", n.ID.String()).Msg("notification pushed")
}

// MarkRead confirms id as read with the server and removes it on success.
func (s *Store) MarkRead(ctx context.Context, id types.ID) error {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	if err := s.api.MarkNotificationRead(ctx, id); err != nil {
		return s.fail(epoch, "Could not mark the notification as read", fmt.Errorf("%w: mark read %s: %w", types.ErrRequestFailed, id, err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return nil
	}
	kept := s.entries[:0:0]
	for _, e := range s.entries {
		if e.n.ID != id {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	s.lastErr = nil
	return nil
}

// ClearAll clears the notifications with the server and removes the entries
// that were listed when the request was issued.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	epoch, issued := s.epoch, s.seq
	s.mu.Unlock()

	if err := s.api.ClearNotifications(ctx); err != nil {
		return s.fail(epoch, "Could not clear notifications", fmt.Errorf("%w: clear notifications: %w", types.ErrRequestFailed, err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return nil
	}
	kept := s.entries[:0:0]
	for _, e := range s.entries {
		if e.seq > issued {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	s.lastErr = nil
	return nil
}

// Reset clears all notification state (logout).
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.entries = nil
	s.lastErr = nil
}

func (s *Store) fail(epoch uint64, text string, err error) error {
	s.mu.Lock()
	current := epoch == s.epoch
	if current {
		s.lastErr = err
	}
	s.mu.Unlock()
	if current {
		s.notifier.Notify(types.Notice{Level: types.NoticeError, Text: text, Err: err})
	}
	s.logger.Warn().Err(err).Msg(text)
	return err
}

// Notifications returns the list, newest first.
func (s *Store) Notifications() []types.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

func (s *Store) listLocked() []types.Notification {
	out := make([]types.Notification, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.n
	}
	return out
}

// LastError returns the most recent REST failure.
func (s *Store) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Snapshot returns a consistent copy of the store.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Notifications: s.listLocked()}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}
