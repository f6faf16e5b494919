package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"mindhaven/internal/chat"
	"mindhaven/internal/session"
	"mindhaven/internal/websocket"
	"mindhaven/pkg/types"
)

type fakeAgent struct {
	state  State
	checks []Check
	err    error

	selected  types.Peer
	sent      string
	marked    types.ID
	entered   types.ID
	cleared   bool
	loggedOut bool
	exited    bool
	history   []*types.CallRecord
}

func (f *fakeAgent) State() State                         { return f.state }
func (f *fakeAgent) Health(ctx context.Context) []Check   { return f.checks }
func (f *fakeAgent) Connect(ctx context.Context) error    { return f.err }
func (f *fakeAgent) Logout()                              { f.loggedOut = true }
func (f *fakeAgent) RequestEnd() error                    { return f.err }
func (f *fakeAgent) CancelEnd() error                     { return f.err }
func (f *fakeAgent) ConfirmEnd(ctx context.Context) error { return f.err }
func (f *fakeAgent) ExitCall()                            { f.exited = true }

func (f *fakeAgent) SelectConversation(ctx context.Context, peer types.Peer) error {
	f.selected = peer
	return f.err
}

func (f *fakeAgent) SendMessage(content string) error {
	f.sent = content
	return f.err
}

func (f *fakeAgent) FindRandomPeer(ctx context.Context) (*types.Peer, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &types.Peer{ID: "5", Name: "Kai"}, nil
}

func (f *fakeAgent) OnlineUsers(ctx context.Context) ([]types.OnlineUser, error) {
	return nil, f.err
}

func (f *fakeAgent) MarkNotificationRead(ctx context.Context, id types.ID) error {
	f.marked = id
	return f.err
}

func (f *fakeAgent) ClearNotifications(ctx context.Context) error {
	f.cleared = true
	return f.err
}

func (f *fakeAgent) EnterCall(ctx context.Context, appointmentID types.ID) error {
	f.entered = appointmentID
	return f.err
}

func (f *fakeAgent) CallHistory(ctx context.Context, appointmentID types.ID) ([]*types.CallRecord, error) {
	return f.history, f.err
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

// FUNCTIONAL VALIDATION TEST: GET /health reports component probes
func TestServer_Health(t *testing.T) {
	agent := &fakeAgent{checks: []Check{{Name: "journal"}, {Name: "socket"}}}
	s := NewServer(agent)

	w := do(t, s, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "healthy" || resp.Components["journal"] != "healthy" {
		t.Errorf("unexpected health %+v", resp)
	}

	agent.checks = []Check{{Name: "journal", Err: errors.New("disk gone")}}
	w = do(t, s, http.MethodGet, "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "disk gone") {
		t.Errorf("expected probe error in body, got %s", w.Body.String())
	}
}

// FUNCTIONAL VALIDATION TEST: GET /metrics serves the prometheus registry
func TestServer_Metrics(t *testing.T) {
	w := do(t, NewServer(&fakeAgent{}), http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("expected default go collector metrics")
	}
}

// FUNCTIONAL VALIDATION TEST: GET /api/state returns the agent snapshot
func TestServer_State(t *testing.T) {
	agent := &fakeAgent{state: State{
		Connection: websocket.Status{UserID: "7", State: "open"},
		Chat:       chat.Snapshot{Active: &types.Peer{ID: "2", Name: "Sam"}},
		Call:       session.Snapshot{State: session.StateActive, Role: types.RoleUser},
		Backend:    "closed",
	}}
	w := do(t, NewServer(agent), http.MethodGet, "/api/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("unexpected content type %q", ct)
	}

	var got struct {
		Connection struct {
			UserID types.ID `json:"user_id"`
		} `json:"connection"`
		Call struct {
			State string `json:"state"`
		} `json:"call"`
		Backend string `json:"backend_circuit"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Connection.UserID != "7" || got.Call.State != "active" || got.Backend != "closed" {
		t.Errorf("unexpected state body %s", w.Body.String())
	}
}

// FUNCTIONAL VALIDATION TEST: control endpoints reach the agent
func TestServer_Controls(t *testing.T) {
	agent := &fakeAgent{}
	s := NewServer(agent)

	tests := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodPost, "/api/connect", "", http.StatusOK},
		{http.MethodPost, "/api/chat/conversations/2/select", `{"name":"Sam"}`, http.StatusOK},
		{http.MethodPost, "/api/chat/messages", `{"content":"hello"}`, http.StatusAccepted},
		{http.MethodPost, "/api/chat/random-peer", "", http.StatusOK},
		{http.MethodGet, "/api/chat/online-users", "", http.StatusOK},
		{http.MethodPost, "/api/notifications/42/read", "", http.StatusNoContent},
		{http.MethodPost, "/api/notifications/clear", "", http.StatusNoContent},
		{http.MethodPost, "/api/calls/9/enter", "", http.StatusOK},
		{http.MethodGet, "/api/calls/9/history", "", http.StatusOK},
		{http.MethodPost, "/api/calls/current/end", "", http.StatusOK},
		{http.MethodPost, "/api/calls/current/cancel-end", "", http.StatusOK},
		{http.MethodPost, "/api/calls/current/confirm-end", "", http.StatusOK},
		{http.MethodPost, "/api/calls/current/exit", "", http.StatusOK},
		{http.MethodPost, "/api/logout", "", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			if w := do(t, s, tt.method, tt.path, tt.body); w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}

	if agent.selected != (types.Peer{ID: "2", Name: "Sam"}) {
		t.Errorf("unexpected selection %+v", agent.selected)
	}
	if agent.sent != "hello" || agent.marked != "42" || agent.entered != "9" {
		t.Errorf("controls not forwarded: sent=%q marked=%q entered=%q", agent.sent, agent.marked, agent.entered)
	}
	if !agent.cleared || !agent.exited || !agent.loggedOut {
		t.Error("expected clear, exit and logout to reach the agent")
	}
}

// ERROR HANDLING TEST: the error taxonomy maps onto status codes
func TestServer_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{types.ErrUnauthenticated, http.StatusUnauthorized},
		{types.ErrNoPeerAvailable, http.StatusNotFound},
		{session.ErrNoSession, http.StatusNotFound},
		{types.ErrEmptyMessage, http.StatusBadRequest},
		{types.ErrNoActiveConversation, http.StatusBadRequest},
		{types.ErrInvalidTransition, http.StatusConflict},
		{types.ErrDuplicateFetchSuppressed, http.StatusConflict},
		{types.ErrNotConnected, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: load: boom", types.ErrRequestFailed), http.StatusBadGateway},
		{fmt.Errorf("%w: 502", types.ErrTokenFetchFailed), http.StatusBadGateway},
		{errors.New("unexpected"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}

	agent := &fakeAgent{err: types.ErrNotConnected}
	w := do(t, NewServer(agent), http.MethodPost, "/api/chat/messages", `{"content":"hi"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != http.StatusServiceUnavailable || resp.Message != types.ErrNotConnected.Error() {
		t.Errorf("unexpected error body %+v", resp)
	}
}

// ERROR HANDLING TEST: malformed requests never reach the agent
func TestServer_BadRequests(t *testing.T) {
	agent := &fakeAgent{}
	s := NewServer(agent)

	if w := do(t, s, http.MethodPost, "/api/chat/messages", `{`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid JSON, got %d", w.Code)
	}
	if w := do(t, s, http.MethodPost, "/api/calls/bad%20id/enter", ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid id, got %d", w.Code)
	}
	if agent.sent != "" || agent.entered != "" {
		t.Error("invalid requests must not reach the agent")
	}
	if w := do(t, s, http.MethodGet, "/api/calls/current/end", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for wrong method, got %d", w.Code)
	}
}
