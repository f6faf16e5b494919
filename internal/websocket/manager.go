package websocket

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"mindhaven/internal/logging"
	"mindhaven/internal/metrics"
	"mindhaven/pkg/types"
)

// FrameSink receives raw inbound frames in arrival order.
type FrameSink interface {
	Deliver(raw []byte)
}

// Options configures the connection manager.
type Options struct {
	BaseURL          string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	SendBuffer       int
	// Header is added to the handshake request (e.g. Authorization).
	Header http.Header
}

// DefaultOptions returns manager defaults for a local backend.
func DefaultOptions() Options {
	return Options{
		BaseURL:          "ws://localhost:8000",
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     25 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		SendBuffer:       100,
	}
}

// Manager owns the single socket of the authenticated identity.
// ARCHITECTURAL DISCOVERY: at most one socket is open at a time; a new Open
// closes the previous socket before dialing, and a transport failure leaves the
// manager Closed until the caller opens again
type Manager struct {
	opts      Options
	dialer    *websocket.Dialer
	sink      FrameSink
	listeners *Registry
	logger    zerolog.Logger

	mu      sync.Mutex
	conn    *Connection
	state   State
	userID  types.ID
	lastErr error
	gen     uint64
}

// NewManager creates a connection manager delivering inbound frames to sink.
func NewManager(opts Options, sink FrameSink) *Manager {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 100
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Manager{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		sink:      sink,
		listeners: NewRegistry(),
		logger:    logging.WithComponent("websocket"),
		state:     StateClosed,
	}
}

// Endpoint returns the socket URL for userID.
func (m *Manager) Endpoint(userID types.ID) (string, error) {
	base, err := url.Parse(m.opts.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid websocket base url: %w", err)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	}
	base.Path = strings.TrimSuffix(base.Path, "/") + "/ws/chat/" + url.PathEscape(userID.String()) + "/"
	return base.String(), nil
}

// Subscribe registers a state listener and returns its unsubscribe function.
func (m *Manager) Subscribe(l StateListener) func() {
	return m.listeners.Subscribe(l)
}

// Open dials the socket for userID, closing any socket opened earlier.
func (m *Manager) Open(ctx context.Context, userID types.ID) (*Connection, error) {
	if !types.IsValidID(userID) {
		return nil, ErrInvalidUserID
	}
	endpoint, err := m.Endpoint(userID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	prev := m.conn
	m.conn = nil
	m.gen++
	gen := m.gen
	m.userID = userID
	m.state = StateConnecting
	m.mu.Unlock()

	if prev != nil {
		m.logger.Debug().Str("connection_id", prev.ID()).Msg("closing previous socket before reopening")
		_ = prev.Close()
	}
	m.setMetricState(StateConnecting)
	m.publish(userID, StateConnecting, nil)

	m.logger.Info().Str("user_id", userID.String()).Str("url", endpoint).Msg("connecting")
	ws, resp, err := m.dialer.DialContext(ctx, endpoint, m.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		metrics.WSErrors.WithLabelValues("dial").Inc()
		if resp != nil {
			err = fmt.Errorf("%w (status %d): %v", ErrDialFailed, resp.StatusCode, err)
		} else {
			err = fmt.Errorf("%w: %v", ErrDialFailed, err)
		}

		m.mu.Lock()
		current := m.gen == gen
		if current {
			m.state = StateClosed
			m.lastErr = err
		}
		m.mu.Unlock()
		if current {
			m.setMetricState(StateClosed)
			m.publish(userID, StateClosed, err)
		}
		m.logger.Warn().Err(err).Str("user_id", userID.String()).Msg("dial failed")
		return nil, err
	}

	conn := newConnection(ws, userID, connOptions{
		writeTimeout: m.opts.WriteTimeout,
		readTimeout:  m.opts.ReadTimeout,
		pingInterval: m.opts.PingInterval,
		sendBuffer:   m.opts.SendBuffer,
	}, m.deliver, m.connectionClosed)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		_ = ws.Close()
		return nil, ErrSuperseded
	}
	m.conn = conn
	m.state = StateOpen
	m.lastErr = nil
	m.mu.Unlock()

	conn.start()
	m.setMetricState(StateOpen)
	m.publish(userID, StateOpen, nil)
	m.logger.Info().Str("user_id", userID.String()).Str("connection_id", conn.ID()).Msg("connected")
	return conn, nil
}

// Send writes frame to the open socket.
func (m *Manager) Send(frame interface{}) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()

	if state != StateOpen || conn == nil {
		return types.ErrNotConnected
	}
	if err := conn.WriteJSON(frame); err != nil {
		if err == ErrConnectionClosed {
			return types.ErrNotConnected
		}
		metrics.WSErrors.WithLabelValues("write").Inc()
		return fmt.Errorf("send failed: %w", err)
	}
	metrics.WSFramesSent.WithLabelValues(frameLabel(frame)).Inc()
	return nil
}

// Close closes the socket if one is open. Calling Close again is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	conn := m.conn
	prevState := m.state
	m.conn = nil
	m.gen++
	if prevState == StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.state = StateClosing
	userID := m.userID
	m.mu.Unlock()

	m.publish(userID, StateClosing, nil)

	var err error
	if conn != nil {
		err = conn.Close()
	}

	m.mu.Lock()
	m.state = StateClosed
	m.mu.Unlock()

	m.setMetricState(StateClosed)
	m.publish(userID, StateClosed, nil)
	m.logger.Info().Str("user_id", userID.String()).Msg("socket closed")
	return err
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the error that last closed the socket, if any.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Status returns a diagnostics snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{UserID: m.userID, State: m.state.String()}
	if m.conn != nil {
		st.ConnectionID = m.conn.ID()
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

func (m *Manager) deliver(raw []byte) {
	if m.sink != nil {
		m.sink.Deliver(raw)
	}
}

// connectionClosed runs when a socket terminates on its own. Sockets the
// manager already detached (Close, reopen) are ignored.
func (m *Manager) connectionClosed(c *Connection, cause error) {
	m.mu.Lock()
	if m.conn != c {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateClosed
	if cause == nil {
		cause = ErrConnectionClosed
	}
	m.lastErr = cause
	userID := m.userID
	m.mu.Unlock()

	metrics.WSErrors.WithLabelValues("read").Inc()
	m.setMetricState(StateClosed)
	m.logger.Warn().Err(cause).Str("user_id", userID.String()).Str("connection_id", c.ID()).Msg("socket lost")
	m.publish(userID, StateClosed, cause)
}

func (m *Manager) publish(userID types.ID, s State, err error) {
	m.listeners.Publish(StateEvent{UserID: userID, State: s, Err: err, At: time.Now()})
}

func (m *Manager) setMetricState(s State) {
	metrics.WSConnectionState.Set(float64(s))
}

func frameLabel(frame interface{}) string {
	if f, ok := frame.(interface{ FrameType() string }); ok {
		return f.FrameType()
	}
	return "other"
}
