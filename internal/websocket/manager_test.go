package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"mindhaven/pkg/types"
)

// testBackend is an httptest socket server recording accepted connections.
type testBackend struct {
	server *httptest.Server
	conns  chan *websocket.Conn
	paths  chan string
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()
	b := &testBackend{
		conns: make(chan *websocket.Conn, 10),
		paths: make(chan string, 10),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		b.paths <- r.URL.Path
		b.conns <- conn
	}))
	t.Cleanup(b.server.Close)
	return b
}

func (b *testBackend) url() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http")
}

func (b *testBackend) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-b.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

type sinkRecorder struct {
	frames chan []byte
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{frames: make(chan []byte, 10)}
}

func (s *sinkRecorder) Deliver(raw []byte) { s.frames <- raw }

func testOptions(baseURL string) Options {
	opts := DefaultOptions()
	opts.BaseURL = baseURL
	opts.HandshakeTimeout = 2 * time.Second
	opts.PingInterval = 0
	return opts
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected state %s, got %s", want, m.State())
}

// Functional Validation Tests

func TestManager_Endpoint(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"ws://localhost:8000", "ws://localhost:8000/ws/chat/42/"},
		{"http://api.example.com/", "ws://api.example.com/ws/chat/42/"},
		{"https://api.example.com", "wss://api.example.com/ws/chat/42/"},
	}
	for _, tt := range tests {
		m := NewManager(testOptions(tt.base), nil)
		got, err := m.Endpoint("42")
		if err != nil {
			t.Fatalf("Endpoint failed: %v", err)
		}
		if got != tt.want {
			t.Errorf("Endpoint(%s) = %s, want %s", tt.base, got, tt.want)
		}
	}
}

func TestManager_SendBeforeOpenFails(t *testing.T) {
	m := NewManager(testOptions("ws://127.0.0.1:1"), nil)
	if err := m.Send(types.NewChatFrame("hi", "1", "2")); !errors.Is(err, types.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestManager_OpenRejectsInvalidUserID(t *testing.T) {
	m := NewManager(testOptions("ws://127.0.0.1:1"), nil)
	if _, err := m.Open(context.Background(), "a/b"); !errors.Is(err, ErrInvalidUserID) {
		t.Errorf("expected ErrInvalidUserID, got %v", err)
	}
}

func TestManager_OpenSendReceive(t *testing.T) {
	backend := newTestBackend(t)
	sink := newSinkRecorder()
	m := NewManager(testOptions(backend.url()), sink)
	t.Cleanup(func() { _ = m.Close() })

	if _, err := m.Open(context.Background(), "42"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	server := backend.accept(t)
	if path := <-backend.paths; path != "/ws/chat/42/" {
		t.Errorf("unexpected socket path %s", path)
	}
	if m.State() != StateOpen {
		t.Fatalf("expected open state, got %s", m.State())
	}

	if err := m.Send(types.NewChatFrame("hello", "42", "7")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := server.ReadMessage()
	if err != nil {
		t.Fatalf("server read failed: %v", err)
	}
	if !strings.Contains(string(data), `"type":"chat_message"`) || !strings.Contains(string(data), `"content":"hello"`) {
		t.Errorf("unexpected outbound frame: %s", data)
	}

	inbound := `{"type":"new_notification","notification":{"content":"hi"}}`
	if err := server.WriteMessage(websocket.TextMessage, []byte(inbound)); err != nil {
		t.Fatalf("server write failed: %v", err)
	}
	select {
	case got := <-sink.frames:
		if string(got) != inbound {
			t.Errorf("expected %s, got %s", inbound, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound frame not delivered to sink")
	}
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	backend := newTestBackend(t)
	m := NewManager(testOptions(backend.url()), nil)

	if _, err := m.Open(context.Background(), "42"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	backend.accept(t)

	if err := m.Close(); err != nil {
		t.Errorf("first Close returned %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
	if m.State() != StateClosed {
		t.Errorf("expected closed, got %s", m.State())
	}
	if err := m.Send(types.NewChatFrame("x", "42", "7")); !errors.Is(err, types.ErrNotConnected) {
		t.Errorf("Send after Close should fail with ErrNotConnected, got %v", err)
	}
}

func TestManager_ReopenClosesPreviousSocket(t *testing.T) {
	backend := newTestBackend(t)
	m := NewManager(testOptions(backend.url()), nil)
	t.Cleanup(func() { _ = m.Close() })

	first, err := m.Open(context.Background(), "42")
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	firstServer := backend.accept(t)

	second, err := m.Open(context.Background(), "42")
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	backend.accept(t)

	if first.ID() == second.ID() {
		t.Fatal("reopen should create a new connection")
	}
	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("previous socket was not closed")
	}

	_ = firstServer.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := firstServer.ReadMessage(); err == nil {
		t.Error("server side of previous socket should observe closure")
	}
	if m.State() != StateOpen {
		t.Errorf("manager should stay open on the new socket, got %s", m.State())
	}
}

func TestManager_RemoteCloseNotifiesWithoutReconnect(t *testing.T) {
	backend := newTestBackend(t)
	m := NewManager(testOptions(backend.url()), nil)
	t.Cleanup(func() { _ = m.Close() })

	closed := make(chan StateEvent, 1)
	unsubscribe := m.Subscribe(func(ev StateEvent) {
		if ev.State == StateClosed {
			closed <- ev
		}
	})
	defer unsubscribe()

	if _, err := m.Open(context.Background(), "42"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	server := backend.accept(t)
	_ = server.Close()

	select {
	case ev := <-closed:
		if ev.Err == nil {
			t.Error("closed event should carry the transport error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no closed event after remote close")
	}
	waitForState(t, m, StateClosed)
	if m.LastError() == nil {
		t.Error("LastError should be recorded after remote close")
	}

	// No automatic reconnect attempt.
	select {
	case <-backend.conns:
		t.Fatal("manager reconnected on its own")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestManager_DialFailureRecordsError(t *testing.T) {
	backend := newTestBackend(t)
	url := backend.url()
	backend.server.Close()

	m := NewManager(testOptions(url), nil)
	if _, err := m.Open(context.Background(), "42"); !errors.Is(err, ErrDialFailed) {
		t.Fatalf("expected ErrDialFailed, got %v", err)
	}
	if m.State() != StateClosed {
		t.Errorf("expected closed after dial failure, got %s", m.State())
	}
	if m.Status().LastError == "" {
		t.Error("status should report the dial error")
	}
}

// Functional Validation Tests - Registry

func TestRegistry_SubscribeUnsubscribe(t *testing.T) {
	r := NewRegistry()
	var calls []int
	un1 := r.Subscribe(func(StateEvent) { calls = append(calls, 1) })
	r.Subscribe(func(StateEvent) { calls = append(calls, 2) })

	r.Publish(StateEvent{State: StateOpen})
	un1()
	un1()
	r.Publish(StateEvent{State: StateClosed})

	want := []int{1, 2, 2}
	if len(calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("expected calls %v, got %v", want, calls)
			break
		}
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 listener, got %d", r.Len())
	}
}
