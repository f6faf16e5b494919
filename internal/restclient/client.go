// Package restclient is the HTTP client for the MindHaven backend REST API.
//
// Every request is throttled by a token-bucket limiter and passes through a
// circuit breaker so a failing backend is not hammered by store refreshes.
package restclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"mindhaven/internal/logging"
	"mindhaven/internal/metrics"
	"mindhaven/pkg/interfaces"
	"mindhaven/pkg/types"
)

var (
	_ interfaces.ChatAPI         = (*Client)(nil)
	_ interfaces.NotificationAPI = (*Client)(nil)
	_ interfaces.CallAPI         = (*Client)(nil)
)

// ErrCircuitOpen is returned while the breaker rejects requests.
var ErrCircuitOpen = errors.New("backend circuit breaker is open")

// StatusError is a non-2xx backend response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// TokenProvider supplies the bearer token for each request.
type TokenProvider interface {
	AccessToken() string
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	MaxRequests  uint32        `koanf:"max_requests"`
	Interval     time.Duration `koanf:"interval"`
	Timeout      time.Duration `koanf:"timeout"`
	MinRequests  uint32        `koanf:"min_requests"`
	FailureRatio float64       `koanf:"failure_ratio"`
}

// Config holds REST client settings.
type Config struct {
	BaseURL       string        `koanf:"base_url"`
	Timeout       time.Duration `koanf:"timeout"`
	RatePerSecond float64       `koanf:"rate_per_second"`
	Burst         int           `koanf:"burst"`
	Breaker       BreakerConfig `koanf:"breaker"`
}

// DefaultConfig returns the default REST client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:       "http://localhost:8000",
		Timeout:       15 * time.Second,
		RatePerSecond: 10,
		Burst:         20,
		Breaker: BreakerConfig{
			MaxRequests:  3,
			Interval:     time.Minute,
			Timeout:      30 * time.Second,
			MinRequests:  10,
			FailureRatio: 0.6,
		},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("rest base_url must be an http(s) URL, got %q", c.BaseURL)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("rest timeout must be positive")
	}
	if c.RatePerSecond <= 0 || c.Burst <= 0 {
		return fmt.Errorf("rest rate_per_second and burst must be positive")
	}
	if c.Breaker.FailureRatio <= 0 || c.Breaker.FailureRatio > 1 {
		return fmt.Errorf("rest breaker failure_ratio must be in (0,1]")
	}
	return nil
}

// Client talks to the backend REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	cb         *gobreaker.CircuitBreaker[[]byte]
	tokens     TokenProvider
	logger     zerolog.Logger
}

// New creates a client. tokens may be nil for unauthenticated use.
func New(cfg Config, tokens TokenProvider) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.WithComponent("restclient")
	name := "backend-api"
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.Breaker.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			if ratio >= cfg.Breaker.FailureRatio {
				logger.Warn().Uint32("failures", counts.TotalFailures).Float64("failure_rate", ratio).Msg("opening backend circuit")
				return true
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
		// Client errors are the caller's problem, not a sign the backend is down.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var se *StatusError
			return errors.As(err, &se) && se.Code < http.StatusInternalServerError
		},
	})

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		cb:         cb,
		tokens:     tokens,
		logger:     logger,
	}, nil
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// BreakerState reports the breaker state name.
func (c *Client) BreakerState() string {
	return c.cb.State().String()
}

// do performs one request. endpoint is the low-cardinality metric label.
func (c *Client) do(ctx context.Context, endpoint, method, path string, in, out interface{}) (err error) {
	start := time.Now()
	defer func() { metrics.RecordRESTRequest(endpoint, time.Since(start), err) }()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s %s: rate limit wait: %w", method, path, err)
	}

	body, err := c.cb.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, method, path, in)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%s %s: %w", method, path, ErrCircuitOpen)
		}
		return err
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in interface{}) ([]byte, error) {
	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("%s %s: encode request: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if tok := c.tokens.AccessToken(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: truncate(string(body), 256)}
	}
	c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("backend request")
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// IsStatus reports whether err is a backend response with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// RecentConversations implements interfaces.ChatAPI.
func (c *Client) RecentConversations(ctx context.Context) ([]types.Conversation, error) {
	var out []types.Conversation
	if err := c.do(ctx, "recent_conversations", http.MethodGet, "/messages/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ConversationLog implements interfaces.ChatAPI.
func (c *Client) ConversationLog(ctx context.Context, peer types.ID) ([]types.ChatMessage, error) {
	var out []types.ChatMessage
	path := "/messages/?other_user_id=" + url.QueryEscape(peer.String())
	if err := c.do(ctx, "conversation_log", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// OnlineUsers implements interfaces.ChatAPI.
func (c *Client) OnlineUsers(ctx context.Context) ([]types.OnlineUser, error) {
	var out []types.OnlineUser
	if err := c.do(ctx, "online_users", http.MethodGet, "/messages/online-users/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RandomOnlineUser implements interfaces.ChatAPI. A 404 means nobody is online.
func (c *Client) RandomOnlineUser(ctx context.Context) (*types.OnlineUser, error) {
	var out types.OnlineUser
	err := c.do(ctx, "random_online_user", http.MethodGet, "/messages/random-online-user/", nil, &out)
	if IsStatus(err, http.StatusNotFound) {
		return nil, types.ErrNoPeerAvailable
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Notifications implements interfaces.NotificationAPI.
func (c *Client) Notifications(ctx context.Context) ([]types.Notification, error) {
	var out []types.Notification
	if err := c.do(ctx, "notifications", http.MethodGet, "/notifications/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkNotificationRead implements interfaces.NotificationAPI.
func (c *Client) MarkNotificationRead(ctx context.Context, id types.ID) error {
	path := "/notifications/" + url.PathEscape(id.String()) + "/mark-read/"
	return c.do(ctx, "mark_notification_read", http.MethodPost, path, nil, nil)
}

// ClearNotifications implements interfaces.NotificationAPI.
func (c *Client) ClearNotifications(ctx context.Context) error {
	return c.do(ctx, "clear_notifications", http.MethodPost, "/notifications/clear-all/", nil, nil)
}

// CallToken implements interfaces.CallAPI.
func (c *Client) CallToken(ctx context.Context, appointmentID types.ID) (*types.TokenGrant, error) {
	var out types.TokenGrant
	path := "/api/appointments/" + url.PathEscape(appointmentID.String()) + "/token/"
	if err := c.do(ctx, "call_token", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if err := types.ValidatePayload(&out); err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	return &out, nil
}

// ReportCallStatus implements interfaces.CallAPI.
func (c *Client) ReportCallStatus(ctx context.Context, appointmentID types.ID, report *types.CallStatusReport) error {
	path := "/api/appointments/" + url.PathEscape(appointmentID.String()) + "/call-status/"
	return c.do(ctx, "call_status", http.MethodPost, path, report, nil)
}
