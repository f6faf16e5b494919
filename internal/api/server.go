// Package api is the agent's diagnostics and control HTTP surface.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"mindhaven/internal/chat"
	"mindhaven/internal/hub"
	"mindhaven/internal/logging"
	"mindhaven/internal/media"
	"mindhaven/internal/notice"
	"mindhaven/internal/notification"
	"mindhaven/internal/session"
	"mindhaven/internal/websocket"
	"mindhaven/pkg/types"
)

// State is the agent snapshot served by GET /api/state.
type State struct {
	Connection    websocket.Status      `json:"connection"`
	Hub           hub.Stats             `json:"hub"`
	Backend       string                `json:"backend_circuit"`
	Chat          chat.Snapshot         `json:"chat"`
	Notifications notification.Snapshot `json:"notifications"`
	Call          session.Snapshot      `json:"call"`
	Media         media.Status          `json:"media"`
	Notices       []notice.Entry        `json:"notices"`
}

// Check is the result of one component health probe.
type Check struct {
	Name string
	Err  error
}

// Agent is what the server reports on and drives.
type Agent interface {
	State() State
	Health(ctx context.Context) []Check

	Connect(ctx context.Context) error
	Logout()

	SelectConversation(ctx context.Context, peer types.Peer) error
	SendMessage(content string) error
	FindRandomPeer(ctx context.Context) (*types.Peer, error)
	OnlineUsers(ctx context.Context) ([]types.OnlineUser, error)

	MarkNotificationRead(ctx context.Context, id types.ID) error
	ClearNotifications(ctx context.Context) error

	EnterCall(ctx context.Context, appointmentID types.ID) error
	RequestEnd() error
	CancelEnd() error
	ConfirmEnd(ctx context.Context) error
	ExitCall()
	CallHistory(ctx context.Context, appointmentID types.ID) ([]*types.CallRecord, error)
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between operators and the agent
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	agent  Agent
	router chi.Router
	logger zerolog.Logger
}

type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type SelectRequest struct {
	Name string `json:"name"`
}

type SendRequest struct {
	Content string `json:"content"`
}

// FUNCTIONAL DISCOVERY: Constructor initializes all dependencies and sets up routing
func NewServer(agent Agent) *Server {
	s := &Server{
		agent:  agent,
		router: chi.NewRouter(),
		logger: logging.WithComponent("api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.healthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.jsonMiddleware)

		r.Get("/state", s.getState)
		r.Post("/connect", s.connect)
		r.Post("/logout", s.logout)

		r.Route("/chat", func(r chi.Router) {
			r.Get("/online-users", s.onlineUsers)
			r.Post("/conversations/{peerID}/select", s.selectConversation)
			r.Post("/random-peer", s.randomPeer)
			r.Post("/messages", s.sendMessage)
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Post("/{notificationID}/read", s.markRead)
			r.Post("/clear", s.clearNotifications)
		})

		r.Route("/calls", func(r chi.Router) {
			r.Post("/{appointmentID}/enter", s.enterCall)
			r.Get("/{appointmentID}/history", s.callHistory)
			r.Post("/current/end", s.requestEnd)
			r.Post("/current/cancel-end", s.cancelEnd)
			r.Post("/current/confirm-end", s.confirmEnd)
			r.Post("/current/exit", s.exitCall)
		})
	})
}

// FUNCTIONAL DISCOVERY: Implement http.Handler interface for integration with standard HTTP server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// FUNCTIONAL DISCOVERY: GET /health - component health, 503 when any probe fails
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "healthy", Timestamp: time.Now(), Components: make(map[string]string)}
	for _, c := range s.agent.Health(ctx) {
		if c.Err != nil {
			resp.Status = "unhealthy"
			resp.Components[c.Name] = "error: " + c.Err.Error()
			continue
		}
		resp.Components[c.Name] = "healthy"
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, code, resp)
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.agent.State())
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.Connect(r.Context()); err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.agent.State().Connection)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	s.agent.Logout()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) onlineUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.agent.OnlineUsers(r.Context())
	if err != nil {
		s.sendError(w, err)
		return
	}
	if users == nil {
		users = []types.OnlineUser{}
	}
	s.writeJSON(w, http.StatusOK, users)
}

func (s *Server) selectConversation(w http.ResponseWriter, r *http.Request) {
	peer, ok := s.pathID(w, r, "peerID")
	if !ok {
		return
	}
	var req SelectRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
	}
	if err := s.agent.SelectConversation(r.Context(), types.Peer{ID: peer, Name: req.Name}); err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.agent.State().Chat)
}

func (s *Server) randomPeer(w http.ResponseWriter, r *http.Request) {
	peer, err := s.agent.FindRandomPeer(r.Context())
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, peer)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if err := s.agent.SendMessage(req.Content); err != nil {
		s.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "notificationID")
	if !ok {
		return
	}
	if err := s.agent.MarkNotificationRead(r.Context(), id); err != nil {
		s.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clearNotifications(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.ClearNotifications(r.Context()); err != nil {
		s.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) enterCall(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "appointmentID")
	if !ok {
		return
	}
	if err := s.agent.EnterCall(r.Context(), id); err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.agent.State().Call)
}

func (s *Server) callHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "appointmentID")
	if !ok {
		return
	}
	records, err := s.agent.CallHistory(r.Context(), id)
	if err != nil {
		s.sendError(w, err)
		return
	}
	if records == nil {
		records = []*types.CallRecord{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) requestEnd(w http.ResponseWriter, r *http.Request) {
	s.transition(w, s.agent.RequestEnd())
}

func (s *Server) cancelEnd(w http.ResponseWriter, r *http.Request) {
	s.transition(w, s.agent.CancelEnd())
}

func (s *Server) confirmEnd(w http.ResponseWriter, r *http.Request) {
	s.transition(w, s.agent.ConfirmEnd(r.Context()))
}

func (s *Server) exitCall(w http.ResponseWriter, r *http.Request) {
	s.agent.ExitCall()
	s.transition(w, nil)
}

func (s *Server) transition(w http.ResponseWriter, err error) {
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.agent.State().Call)
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request, param string) (types.ID, bool) {
	id := types.ID(chi.URLParam(r, param))
	if !types.IsValidID(id) {
		s.respondError(w, http.StatusBadRequest, "Invalid "+strings.TrimSuffix(param, "ID")+" id")
		return "", false
	}
	return id, true
}

// StatusFor maps the error taxonomy onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, types.ErrNoPeerAvailable), errors.Is(err, session.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, types.ErrEmptyMessage), errors.Is(err, types.ErrNoActiveConversation),
		errors.Is(err, session.ErrInvalidAppointment):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrInvalidTransition), errors.Is(err, types.ErrDuplicateFetchSuppressed),
		errors.Is(err, session.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, types.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, types.ErrRequestFailed), errors.Is(err, types.ErrTokenFetchFailed),
		errors.Is(err, types.ErrMediaJoinFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendError(w http.ResponseWriter, err error) {
	code := StatusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Warn().Err(err).Int("status", code).Msg("request failed")
	}
	s.respondError(w, code, err.Error())
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) respondError(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("failed to write response")
	}
}

// FUNCTIONAL DISCOVERY: JSON middleware ensures proper content-type headers
func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
