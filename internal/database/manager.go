package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"mindhaven/internal/logging"
	"mindhaven/internal/metrics"
	dbconfig "mindhaven/pkg/database"
	"mindhaven/pkg/interfaces"
	"mindhaven/pkg/types"
)

// Manager implements interfaces.Journal on a local sqlite file.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation // single writer for sqlite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closeOnce    sync.Once
	closed       bool
	mu           sync.RWMutex
	retryDelay   time.Duration
	logger       zerolog.Logger
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the journal, applies embedded migrations and starts the writer.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid journal config: %w", err)
	}

	if dir := filepath.Dir(config.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply sqlite pragmas: %w", err)
	}
	if err := dbconfig.NewMigrationManager(db).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}

	m := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		retryDelay:   time.Second,
		logger:       logging.WithComponent("journal"),
	}

	m.wg.Add(1)
	go m.writeLoop()

	return m, nil
}

// writeLoop runs every write on one goroutine; a failed write is retried once.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil {
				m.logger.Warn().Err(err).Dur("retry_in", m.retryDelay).Msg("journal write failed, retrying")
				time.Sleep(m.retryDelay)
				if err = op.operation(m.db); err != nil {
					m.logger.Error().Err(err).Msg("journal write failed after retry")
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug().Msg("journal write loop shutting down")
			return
		}
	}
}

func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return interfaces.ErrJournalClosed
	}

	result := make(chan error, 1)
	timeout := time.NewTimer(m.config.WriteTimeout)
	defer timeout.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timeout.C:
		return fmt.Errorf("journal write queue timeout")
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return interfaces.ErrJournalClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return interfaces.ErrJournalClosed
	}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// RecordCall persists the outcome of a finished call session.
func (m *Manager) RecordCall(ctx context.Context, record *types.CallRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO call_sessions (id, appointment_id, role, started_at, ended_at, duration_seconds, outcome)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			record.ID,
			record.AppointmentID.String(),
			string(record.Role),
			nullTime(record.StartedAt),
			nullTime(record.EndedAt),
			record.DurationSeconds,
			record.Outcome,
		)
		if err != nil {
			return fmt.Errorf("failed to insert call session: %w", err)
		}
		return nil
	})
	metrics.RecordJournalWrite("call_sessions", err)
	return err
}

// RecordModeration persists a moderation verdict.
func (m *Manager) RecordModeration(ctx context.Context, record *types.ModerationRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		var messageID sql.NullString
		if !record.MessageID.IsZero() {
			messageID = sql.NullString{String: record.MessageID.String(), Valid: true}
		}
		_, err := db.ExecContext(ctx, `
			INSERT INTO moderation_events (id, message_id, notice, created_at)
			VALUES (?, ?, ?, ?)
		`, record.ID, messageID, record.Notice, record.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert moderation event: %w", err)
		}
		return nil
	})
	metrics.RecordJournalWrite("moderation_events", err)
	return err
}

// CallHistory returns recorded sessions for an appointment in recording order.
// Reads bypass the writer.
func (m *Manager) CallHistory(ctx context.Context, appointmentID types.ID) ([]*types.CallRecord, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, appointment_id, role, started_at, ended_at, duration_seconds, outcome
		FROM call_sessions
		WHERE appointment_id = ?
		ORDER BY recorded_at ASC, rowid ASC
	`, appointmentID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query call history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*types.CallRecord
	for rows.Next() {
		var rec types.CallRecord
		var appt, role string
		var started, ended sql.NullTime
		if err := rows.Scan(&rec.ID, &appt, &role, &started, &ended, &rec.DurationSeconds, &rec.Outcome); err != nil {
			return nil, fmt.Errorf("failed to scan call session row: %w", err)
		}
		rec.AppointmentID = types.ID(appt)
		rec.Role = types.Role(role)
		if started.Valid {
			rec.StartedAt = started.Time
		}
		if ended.Valid {
			rec.EndedAt = ended.Time
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating call session rows: %w", err)
	}
	return records, nil
}

// ModerationCount returns the number of recorded moderation events.
func (m *Manager) ModerationCount(ctx context.Context) (int, error) {
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM moderation_events").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count moderation events: %w", err)
	}
	return n, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM call_sessions").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close stops the writer and closes the database. Safe to call more than once.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		close(m.shutdown)
		m.wg.Wait()
		err = m.db.Close()
	})
	return err
}
