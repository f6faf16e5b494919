package notification

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"mindhaven/internal/router"
	"mindhaven/pkg/interfaces"
	"mindhaven/pkg/types"
)

type fakeAPI struct {
	mu        sync.Mutex
	list      []types.Notification
	fetchErr  error
	markErr   error
	clearErr  error
	clearHold chan struct{}
	entered   chan struct{}
	marked    []types.ID
}

func (f *fakeAPI) Notifications(ctx context.Context) ([]types.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return append([]types.Notification(nil), f.list...), nil
}

func (f *fakeAPI) MarkNotificationRead(ctx context.Context, id types.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, id)
	return nil
}

func (f *fakeAPI) ClearNotifications(ctx context.Context) error {
	if f.clearHold != nil {
		close(f.entered)
		<-f.clearHold
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clearErr
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []types.Notice
}

func (n *recordingNotifier) Notify(notice types.Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func ids(list []types.Notification) []string {
	out := make([]string, len(list))
	for i, n := range list {
		out[i] = n.ID.String()
	}
	return out
}

func loaded(t *testing.T, api *fakeAPI, notifier interfaces.Notifier) *Store {
	t.Helper()
	api.list = []types.Notification{
		{ID: "42", Content: "Session booked"},
		{ID: "41", Content: "Mentor replied"},
	}
	s := NewStore(api, notifier)
	if err := s.FetchAll(context.Background()); err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}
	return s
}

func TestStore_FetchAllReplaces(t *testing.T) {
	api := &fakeAPI{}
	s := loaded(t, api, nil)
	s.PushLive(types.Notification{ID: "50", Content: "live"})

	api.list = []types.Notification{{ID: "7", Content: "only one"}}
	if err := s.FetchAll(context.Background()); err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}
	if got := strings.Join(ids(s.Notifications()), ","); got != "7" {
		t.Errorf("expected list to be replaced, got %s", got)
	}
}

func TestStore_FetchAllFailureKeepsList(t *testing.T) {
	api := &fakeAPI{}
	notifier := &recordingNotifier{}
	s := loaded(t, api, notifier)

	api.fetchErr = errors.New("502")
	if err := s.FetchAll(context.Background()); !errors.Is(err, types.ErrRequestFailed) {
		t.Fatalf("expected ErrRequestFailed, got %v", err)
	}
	if len(s.Notifications()) != 2 {
		t.Error("list must be unchanged after a failed fetch")
	}
	if len(notifier.notices) != 1 || notifier.notices[0].Level != types.NoticeError {
		t.Errorf("expected one error notice, got %+v", notifier.notices)
	}
}

func TestStore_PushLivePrependsAndDeduplicates(t *testing.T) {
	s := loaded(t, &fakeAPI{}, nil)

	s.PushLive(types.Notification{ID: "43", Content: "New message"})
	s.PushLive(types.Notification{ID: "43", Content: "New message"})
	s.PushLive(types.Notification{ID: "41", Content: "Mentor replied"})

	if got := strings.Join(ids(s.Notifications()), ","); got != "43,42,41" {
		t.Errorf("unexpected order %s", got)
	}

	s.PushLive(types.Notification{Content: "no id"})
	s.PushLive(types.Notification{Content: "no id either"})
	list := s.Notifications()
	if len(list) != 5 || list[0].ID.IsZero() || list[0].ID == list[1].ID {
		t.Errorf("id-less notifications should get distinct local ids, got %v", ids(list))
	}
}

func TestStore_MarkReadScenario(t *testing.T) {
	tests := []struct {
		name      string
		markErr   error
		wantErr   error
		wantIDs   string
		wantError bool
	}{
		{"server confirms", nil, nil, "41", false},
		{"server fails", errors.New("timeout"), types.ErrRequestFailed, "42,41", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{}
			s := loaded(t, api, nil)
			api.markErr = tt.markErr

			err := s.MarkRead(context.Background(), "42")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if got := strings.Join(ids(s.Notifications()), ","); got != tt.wantIDs {
				t.Errorf("expected %s, got %s", tt.wantIDs, got)
			}
			if (s.LastError() != nil) != tt.wantError {
				t.Errorf("unexpected last error %v", s.LastError())
			}
		})
	}
}

func TestStore_ClearAllKeepsPushesDuringRoundTrip(t *testing.T) {
	api := &fakeAPI{clearHold: make(chan struct{}), entered: make(chan struct{})}
	s := loaded(t, api, nil)

	done := make(chan error, 1)
	go func() { done <- s.ClearAll(context.Background()) }()

	// The push lands while the clear request is in flight.
	<-api.entered
	s.PushLive(types.Notification{ID: "99", Content: "arrived during clear"})
	close(api.clearHold)

	if err := <-done; err != nil {
		t.Fatalf("ClearAll failed: %v", err)
	}
	if got := strings.Join(ids(s.Notifications()), ","); got != "99" {
		t.Errorf("expected only the late push to survive, got %s", got)
	}
}

func TestStore_ClearAllFailureKeepsList(t *testing.T) {
	api := &fakeAPI{clearErr: errors.New("500")}
	s := loaded(t, api, nil)
	if err := s.ClearAll(context.Background()); !errors.Is(err, types.ErrRequestFailed) {
		t.Fatalf("expected ErrRequestFailed, got %v", err)
	}
	if len(s.Notifications()) != 2 {
		t.Error("list must be unchanged after a failed clear")
	}
}

func TestStore_ResetDiscardsInFlightResults(t *testing.T) {
	api := &fakeAPI{clearHold: make(chan struct{}), entered: make(chan struct{})}
	s := loaded(t, api, nil)

	done := make(chan error, 1)
	go func() { done <- s.ClearAll(context.Background()) }()
	<-api.entered
	s.Reset()
	s.PushLive(types.Notification{ID: "1", Content: "after login"})
	close(api.clearHold)
	<-done

	if got := strings.Join(ids(s.Notifications()), ","); got != "1" {
		t.Errorf("stale clear must not touch the new session, got %s", got)
	}
}

func TestStore_RoutedNotification(t *testing.T) {
	s := NewStore(&fakeAPI{}, nil)
	r := router.NewRouter()
	unregister := s.Register(r)

	frame := []byte(`{"type":"new_notification","notification":{"id":12,"content":"Appointment confirmed","created_at":"2026-05-01T09:00:00Z"}}`)
	if err := r.Route(frame); err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	list := s.Notifications()
	if len(list) != 1 || list[0].ID != "12" || list[0].Content != "Appointment confirmed" {
		t.Errorf("unexpected notifications %+v", list)
	}

	unregister()
	if r.HasHandler(types.FrameNewNotification) {
		t.Error("handler should be detached")
	}
}
