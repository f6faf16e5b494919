package database

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds journal database configuration
// ARCHITECTURAL DISCOVERY: the journal is a single local sqlite file per agent,
// so the pool stays small and writes are serialized by the manager
type Config struct {
	DatabasePath    string        `json:"database_path" koanf:"path"`
	MaxConnections  int           `json:"max_connections" koanf:"max_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" koanf:"conn_max_idle_time"`
	WriteTimeout    time.Duration `json:"write_timeout" koanf:"write_timeout"`
}

// DefaultConfig returns the journal defaults used by the agent.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "./data/mindhaven.db",
		MaxConnections:  4,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 10,
		WriteTimeout:    10 * time.Second,
	}
}

// Validate ensures the configuration is usable
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return errors.New("database path cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	if c.ConnMaxLifetime <= 0 {
		return errors.New("connection max lifetime must be greater than 0")
	}
	if c.ConnMaxIdleTime <= 0 {
		return errors.New("connection max idle time must be greater than 0")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("write timeout must be greater than 0")
	}
	return nil
}

const sqlitePragmas = `
	PRAGMA journal_mode = WAL;
	PRAGMA synchronous = NORMAL;
	PRAGMA temp_store = MEMORY;
	PRAGMA busy_timeout = 5000;
`

// ApplyPragmas tunes a freshly opened journal connection.
func ApplyPragmas(db *sql.DB) error {
	_, err := db.Exec(sqlitePragmas)
	return err
}
