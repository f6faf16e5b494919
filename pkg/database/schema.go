package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks that a journal database has the expected shape.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs the table, column and index checks in order.
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	return v.ValidateIndexes()
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	for _, table := range []string{"call_sessions", "moderation_events", "schema_migrations"} {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateTableStructure verifies column names and declared types.
// TECHNICAL DISCOVERY: IDs are stored as TEXT because the wire ID may be an
// integer key or an opaque string
func (v *SchemaValidator) ValidateTableStructure() error {
	callColumns := map[string]string{
		"id":               "TEXT",
		"appointment_id":   "TEXT",
		"role":             "TEXT",
		"started_at":       "DATETIME",
		"ended_at":         "DATETIME",
		"duration_seconds": "INTEGER",
		"outcome":          "TEXT",
	}
	if err := v.validateColumns("call_sessions", callColumns); err != nil {
		return fmt.Errorf("call_sessions table structure invalid: %w", err)
	}

	moderationColumns := map[string]string{
		"id":         "TEXT",
		"message_id": "TEXT",
		"notice":     "TEXT",
		"created_at": "DATETIME",
	}
	if err := v.validateColumns("moderation_events", moderationColumns); err != nil {
		return fmt.Errorf("moderation_events table structure invalid: %w", err)
	}
	return nil
}

// ValidateIndexes verifies that lookup indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	for _, index := range []string{"idx_call_sessions_appointment", "idx_moderation_events_message"} {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(tableName string, expected map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var cid, notNull, pk int
		var name, dataType string
		var defaultValue interface{}
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for col, wantType := range expected {
		gotType, ok := found[col]
		if !ok {
			return fmt.Errorf("column %s not found", col)
		}
		if gotType != wantType {
			return fmt.Errorf("column %s has type %s, expected %s", col, gotType, wantType)
		}
	}
	return nil
}
