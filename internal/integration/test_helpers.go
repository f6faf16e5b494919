// Package integration runs the assembled agent against an in-process backend.
package integration

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"mindhaven/internal/config"
	"mindhaven/pkg/types"
)

// Backend fakes the REST API and the chat socket endpoint.
type Backend struct {
	Server *httptest.Server

	// Frames receives every frame an agent writes to its socket.
	Frames chan map[string]interface{}
	// Reports receives call-status reports in arrival order.
	Reports chan types.CallStatusReport

	mu      sync.Mutex
	sockets map[string]*websocket.Conn
	paths   chan string
}

// NewBackend starts a backend that lives for the duration of the test.
func NewBackend(t *testing.T) *Backend {
	t.Helper()
	b := &Backend{
		Frames:  make(chan map[string]interface{}, 64),
		Reports: make(chan types.CallStatusReport, 16),
		sockets: make(map[string]*websocket.Conn),
		paths:   make(chan string, 8),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /messages/{$}", func(w http.ResponseWriter, r *http.Request) {
		if peer := r.URL.Query().Get("other_user_id"); peer != "" {
			_, _ = io.WriteString(w, `[{"id":100,"sender":`+peer+`,"receiver":7,"content":"hello there","timestamp":"2026-05-01T12:00:00Z"}]`)
			return
		}
		_, _ = io.WriteString(w, `[{"id":2,"name":"Sam","last_message":"hello there","timestamp":"2026-05-01T12:00:00Z"}]`)
	})
	mux.HandleFunc("GET /messages/online-users/{$}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"id":2,"username":"sam","name":"Sam"}]`)
	})
	mux.HandleFunc("GET /notifications/{$}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"id":42,"content":"Session booked","created_at":"2026-05-01T09:00:00Z","read":false}]`)
	})
	mux.HandleFunc("POST /notifications/{id}/mark-read/{$}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /notifications/clear-all/{$}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/appointments/{id}/token/{$}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"token":"tok-`+r.PathValue("id")+`","uid":0,"is_mentor_joined":false,"is_user_joined":false}`)
	})
	mux.HandleFunc("POST /api/appointments/{id}/call-status/{$}", func(w http.ResponseWriter, r *http.Request) {
		var report types.CallStatusReport
		if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		select {
		case b.Reports <- report:
		default:
		}
	})

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	mux.HandleFunc("/ws/chat/{user}/{$}", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		user := r.PathValue("user")
		b.mu.Lock()
		b.sockets[user] = conn
		b.mu.Unlock()
		b.paths <- r.URL.Path
		go b.readLoop(conn)
	})

	b.Server = httptest.NewServer(mux)
	t.Cleanup(func() {
		b.mu.Lock()
		for _, c := range b.sockets {
			_ = c.Close()
		}
		b.mu.Unlock()
		b.Server.Close()
	})
	return b
}

func (b *Backend) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame map[string]interface{}
		if json.Unmarshal(data, &frame) == nil {
			b.Frames <- frame
		}
	}
}

// WaitConnected waits for a socket dial and returns its path.
func (b *Backend) WaitConnected(t *testing.T) string {
	t.Helper()
	select {
	case p := <-b.paths:
		return p
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the agent to connect")
		return ""
	}
}

// Push writes raw to the socket of user.
func (b *Backend) Push(t *testing.T, user, raw string) {
	t.Helper()
	b.mu.Lock()
	conn := b.sockets[user]
	b.mu.Unlock()
	if conn == nil {
		t.Fatalf("user %s has no socket", user)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("push failed: %v", err)
	}
}

// Drop closes the socket of user from the server side.
func (b *Backend) Drop(user string) {
	b.mu.Lock()
	conn := b.sockets[user]
	delete(b.sockets, user)
	b.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// NextFrame returns the next frame of the given type, skipping others.
func (b *Backend) NextFrame(t *testing.T, frameType string) map[string]interface{} {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case f := <-b.Frames:
			if f["type"] == frameType {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a %s frame", frameType)
			return nil
		}
	}
}

// NextReport returns the next call-status report.
func (b *Backend) NextReport(t *testing.T) types.CallStatusReport {
	t.Helper()
	select {
	case r := <-b.Reports:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a call-status report")
		return types.CallStatusReport{}
	}
}

// AccessToken mints a token the way the auth collaborator would.
func AccessToken(t *testing.T, userID int, role types.Role) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"role":    string(role),
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("integration-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

// AgentConfig points an agent at b with a temp-dir journal and no HTTP listener.
func AgentConfig(t *testing.T, b *Backend, token string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.APIBase = b.Server.URL
	cfg.Server.WSBase = "ws" + strings.TrimPrefix(b.Server.URL, "http")
	cfg.Auth.AccessToken = token
	cfg.Journal.Path = filepath.Join(t.TempDir(), "journal.db")
	cfg.HTTP.Enabled = false
	cfg.Call.TickInterval = 10 * time.Millisecond
	cfg.REST.RatePerSecond = 1000
	cfg.REST.Burst = 1000
	cfg.Logging.Level = "disabled"
	return cfg
}

// WaitFor polls cond until it holds or the deadline passes.
func WaitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
