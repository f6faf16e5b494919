package database

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	dbconfig "mindhaven/pkg/database"
	"mindhaven/pkg/interfaces"
	"mindhaven/pkg/types"
)

func setupTestDB(t *testing.T) *Manager {
	t.Helper()
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "journal.db")

	manager, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

// Architectural Validation Tests

func TestManager_InterfaceCompliance(t *testing.T) {
	var _ interfaces.Journal = &Manager{}
}

func TestManager_InvalidConfigRejected(t *testing.T) {
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = ""
	if _, err := NewManager(cfg); err == nil {
		t.Error("expected error for empty database path")
	}
}

// Functional Validation Tests

func TestManager_RecordCallAndHistory(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	first := &types.CallRecord{
		AppointmentID:   "7",
		Role:            types.RoleMentor,
		StartedAt:       started,
		EndedAt:         started.Add(45 * time.Second),
		DurationSeconds: 45,
		Outcome:         types.CallOutcomeCompleted,
	}
	if err := manager.RecordCall(ctx, first); err != nil {
		t.Fatalf("RecordCall failed: %v", err)
	}
	if first.ID == "" {
		t.Error("RecordCall should assign an id")
	}

	second := &types.CallRecord{AppointmentID: "7", Role: types.RoleMentor, Outcome: types.CallOutcomeFailed}
	if err := manager.RecordCall(ctx, second); err != nil {
		t.Fatalf("RecordCall failed: %v", err)
	}
	if err := manager.RecordCall(ctx, &types.CallRecord{AppointmentID: "8", Role: types.RoleUser, Outcome: types.CallOutcomeAbandoned}); err != nil {
		t.Fatalf("RecordCall failed: %v", err)
	}

	history, err := manager.CallHistory(ctx, "7")
	if err != nil {
		t.Fatalf("CallHistory failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 records for appointment 7, got %d", len(history))
	}
	if history[0].ID != first.ID || history[0].DurationSeconds != 45 {
		t.Errorf("unexpected first record: %+v", history[0])
	}
	if !history[0].StartedAt.Equal(started) {
		t.Errorf("started_at not preserved: %v", history[0].StartedAt)
	}
	if !history[1].StartedAt.IsZero() {
		t.Errorf("unset started_at should stay zero, got %v", history[1].StartedAt)
	}
	if history[1].Outcome != types.CallOutcomeFailed {
		t.Errorf("expected failed outcome, got %s", history[1].Outcome)
	}
}

func TestManager_RecordModeration(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	if err := manager.RecordModeration(ctx, &types.ModerationRecord{MessageID: "42", Notice: "be kind"}); err != nil {
		t.Fatalf("RecordModeration failed: %v", err)
	}
	if err := manager.RecordModeration(ctx, &types.ModerationRecord{Notice: "no id"}); err != nil {
		t.Fatalf("RecordModeration without message id failed: %v", err)
	}

	n, err := manager.ModerationCount(ctx)
	if err != nil {
		t.Fatalf("ModerationCount failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 moderation events, got %d", n)
	}
}

func TestManager_ConcurrentWritesSerialized(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- manager.RecordCall(ctx, &types.CallRecord{AppointmentID: "9", Role: types.RoleUser, Outcome: types.CallOutcomeCompleted})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent write failed: %v", err)
		}
	}

	history, err := manager.CallHistory(ctx, "9")
	if err != nil {
		t.Fatalf("CallHistory failed: %v", err)
	}
	if len(history) != 20 {
		t.Errorf("expected 20 records, got %d", len(history))
	}
}

func TestManager_HealthCheck(t *testing.T) {
	manager := setupTestDB(t)
	if err := manager.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}

func TestManager_WritesAfterCloseFail(t *testing.T) {
	manager := setupTestDB(t)
	if err := manager.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := manager.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}

	err := manager.RecordCall(context.Background(), &types.CallRecord{AppointmentID: "1", Role: types.RoleUser, Outcome: types.CallOutcomeCompleted})
	if !errors.Is(err, interfaces.ErrJournalClosed) {
		t.Errorf("expected ErrJournalClosed, got %v", err)
	}
}
