package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"mindhaven/internal/logging"
	"mindhaven/internal/restclient"
	"mindhaven/internal/session"
	"mindhaven/internal/websocket"
	dbconfig "mindhaven/pkg/database"
	"mindhaven/pkg/types"
)

const (
	// EnvPrefix is stripped from environment variables before they map onto config keys.
	EnvPrefix = "MINDHAVEN_"

	// PathEnvVar names the optional YAML config file.
	PathEnvVar = "MINDHAVEN_CONFIG"
)

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Auth      AuthConfig      `koanf:"auth"`
	WebSocket WebSocketConfig `koanf:"websocket"`
	REST      RESTConfig      `koanf:"rest"`
	Call      CallConfig      `koanf:"call"`
	Journal   JournalConfig   `koanf:"journal"`
	HTTP      HTTPConfig      `koanf:"http"`
	Logging   logging.Config  `koanf:"logging"`
}

// ServerConfig locates the backend.
type ServerConfig struct {
	WSBase  string `koanf:"ws_base"`
	APIBase string `koanf:"api_base"`
}

// AuthConfig carries the access token issued by the auth collaborator.
type AuthConfig struct {
	AccessToken string `koanf:"access_token"`
	// Role applies when the token has no role claim.
	Role string `koanf:"role"`
}

// FUNCTIONAL DISCOVERY: WebSocket configuration mirrors the connection manager options
type WebSocketConfig struct {
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`
	PingInterval     time.Duration `koanf:"ping_interval"`
	ReadTimeout      time.Duration `koanf:"read_timeout"`
	WriteTimeout     time.Duration `koanf:"write_timeout"`
	BufferSize       int           `koanf:"buffer_size"`
}

// RESTConfig tunes the backend client; the base URL comes from server.api_base.
type RESTConfig struct {
	Timeout       time.Duration            `koanf:"timeout"`
	RatePerSecond float64                  `koanf:"rate_per_second"`
	Burst         int                      `koanf:"burst"`
	Breaker       restclient.BreakerConfig `koanf:"breaker"`
}

// CallConfig configures the call session controller.
type CallConfig struct {
	AppID         string        `koanf:"app_id"`
	TickInterval  time.Duration `koanf:"tick_interval"`
	TokenTimeout  time.Duration `koanf:"token_timeout"`
	ReportTimeout time.Duration `koanf:"report_timeout"`
	// AppointmentID, when set, is entered once the agent is connected.
	AppointmentID string `koanf:"appointment_id"`
}

// FUNCTIONAL DISCOVERY: Journal configuration supports SQLite optimizations
type JournalConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Path            string        `koanf:"path"`
	MaxConnections  int           `koanf:"max_connections"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
}

// FUNCTIONAL DISCOVERY: HTTP configuration for the diagnostics server
type HTTPConfig struct {
	Enabled      bool          `koanf:"enabled"`
	Host         string        `koanf:"host"`
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// Address returns host:port.
func (h HTTPConfig) Address() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// FUNCTIONAL DISCOVERY: defaults target a backend on localhost and a journal beside the binary
func DefaultConfig() *Config {
	ws := websocket.DefaultOptions()
	rest := restclient.DefaultConfig()
	call := session.DefaultOptions()
	db := dbconfig.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			WSBase:  ws.BaseURL,
			APIBase: rest.BaseURL,
		},
		Auth: AuthConfig{
			Role: string(types.RoleUser),
		},
		WebSocket: WebSocketConfig{
			HandshakeTimeout: ws.HandshakeTimeout,
			PingInterval:     ws.PingInterval,
			ReadTimeout:      ws.ReadTimeout,
			WriteTimeout:     ws.WriteTimeout,
			BufferSize:       ws.SendBuffer,
		},
		REST: RESTConfig{
			Timeout:       rest.Timeout,
			RatePerSecond: rest.RatePerSecond,
			Burst:         rest.Burst,
			Breaker:       rest.Breaker,
		},
		Call: CallConfig{
			AppID:         call.AppID,
			TickInterval:  call.TickInterval,
			TokenTimeout:  15 * time.Second,
			ReportTimeout: call.ReportTimeout,
		},
		Journal: JournalConfig{
			Enabled:         true,
			Path:            db.DatabasePath,
			MaxConnections:  db.MaxConnections,
			ConnMaxLifetime: db.ConnMaxLifetime,
			ConnMaxIdleTime: db.ConnMaxIdleTime,
			WriteTimeout:    db.WriteTimeout,
		},
		HTTP: HTTPConfig{
			Enabled:      true,
			Host:         "127.0.0.1",
			Port:         8090,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Logging: logging.DefaultConfig(),
	}
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
// Critical for preventing runtime failures before the socket is ever dialed
func (c *Config) Validate() error {
	if err := validBase(c.Server.WSBase, "ws", "wss", "http", "https"); err != nil {
		return fmt.Errorf("server.ws_base: %w", err)
	}
	if err := validBase(c.Server.APIBase, "http", "https"); err != nil {
		return fmt.Errorf("server.api_base: %w", err)
	}
	if !types.Role(c.Auth.Role).Valid() {
		return fmt.Errorf("auth.role must be %q or %q, got %q", types.RoleUser, types.RoleMentor, c.Auth.Role)
	}

	if c.WebSocket.HandshakeTimeout <= 0 {
		return errors.New("websocket handshake timeout must be positive")
	}
	if c.WebSocket.PingInterval <= 0 {
		return errors.New("websocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return errors.New("websocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return errors.New("websocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return errors.New("websocket buffer size must be positive")
	}

	if err := c.RESTClient().Validate(); err != nil {
		return err
	}

	if c.Call.TickInterval <= 0 {
		return errors.New("call tick interval must be positive")
	}
	if c.Call.TokenTimeout <= 0 || c.Call.ReportTimeout <= 0 {
		return errors.New("call token and report timeouts must be positive")
	}
	if c.Call.AppointmentID != "" && !types.IsValidID(types.ID(c.Call.AppointmentID)) {
		return fmt.Errorf("call.appointment_id %q is not a valid id", c.Call.AppointmentID)
	}

	if c.Journal.Enabled {
		if err := c.JournalDatabase().Validate(); err != nil {
			return fmt.Errorf("journal: %w", err)
		}
	}

	if c.HTTP.Enabled {
		if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
			return errors.New("HTTP port must be between 1 and 65535")
		}
		if c.HTTP.Host == "" {
			return errors.New("HTTP host cannot be empty")
		}
		if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
			return errors.New("HTTP timeouts must be positive")
		}
	}

	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("logging.level %q is not a known level", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

func validBase(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%q must use one of %s", raw, strings.Join(schemes, ", "))
}

// WebSocketOptions converts the websocket section into manager options.
func (c *Config) WebSocketOptions() websocket.Options {
	return websocket.Options{
		BaseURL:          c.Server.WSBase,
		HandshakeTimeout: c.WebSocket.HandshakeTimeout,
		PingInterval:     c.WebSocket.PingInterval,
		ReadTimeout:      c.WebSocket.ReadTimeout,
		WriteTimeout:     c.WebSocket.WriteTimeout,
		SendBuffer:       c.WebSocket.BufferSize,
	}
}

// RESTClient converts the rest section into client configuration.
func (c *Config) RESTClient() restclient.Config {
	return restclient.Config{
		BaseURL:       c.Server.APIBase,
		Timeout:       c.REST.Timeout,
		RatePerSecond: c.REST.RatePerSecond,
		Burst:         c.REST.Burst,
		Breaker:       c.REST.Breaker,
	}
}

// SessionOptions converts the call section into controller options.
func (c *Config) SessionOptions() session.Options {
	return session.Options{
		AppID:         c.Call.AppID,
		TickInterval:  c.Call.TickInterval,
		ReportTimeout: c.Call.ReportTimeout,
	}
}

// JournalDatabase converts the journal section into database configuration.
func (c *Config) JournalDatabase() *dbconfig.Config {
	return &dbconfig.Config{
		DatabasePath:    c.Journal.Path,
		MaxConnections:  c.Journal.MaxConnections,
		ConnMaxLifetime: c.Journal.ConnMaxLifetime,
		ConnMaxIdleTime: c.Journal.ConnMaxIdleTime,
		WriteTimeout:    c.Journal.WriteTimeout,
	}
}

// Load builds the configuration from three layers, later layers winning:
// defaults, the YAML file at path (or $MINDHAVEN_CONFIG), then MINDHAVEN_* env vars.
// An explicitly named file that does not exist is an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(PathEnvVar)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// MINDHAVEN_REST_BREAKER_FAILURE_RATIO -> rest.breaker.failure_ratio
	known := make(map[string]string)
	for _, key := range k.Keys() {
		known[strings.ReplaceAll(key, ".", "_")] = key
	}
	transform := func(name string) string {
		return known[strings.ToLower(strings.TrimPrefix(name, EnvPrefix))]
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", transform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	// ARCHITECTURAL DISCOVERY: Validate configuration after loading to catch errors early
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
