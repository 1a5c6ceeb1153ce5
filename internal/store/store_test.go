package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"wasender/internal/domain"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "wasender.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunMigrations_FreshDB(t *testing.T) {
	db := testDB(t)
	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}
	version, err := GetSchemaVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	if version != schemaVersion {
		t.Errorf("expected schema version %d, got %d", schemaVersion, version)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := testDB(t)
	logger := testLogger()
	if err := RunMigrations(db, logger); err != nil {
		t.Fatalf("first migration failed: %v", err)
	}
	if err := RunMigrations(db, logger); err != nil {
		t.Fatalf("second migration (idempotent) failed: %v", err)
	}
}

func TestRunMigrations_RecoversPartialUpgrade(t *testing.T) {
	db := testDB(t)
	logger := testLogger()

	// Simulate a v1 database where one v2 column was already added.
	if _, err := db.Exec(`CREATE TABLE schema_version (version INTEGER PRIMARY KEY, description TEXT, applied_at DATETIME DEFAULT CURRENT_TIMESTAMP)`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(migrations[0].SQL); err != nil {
		t.Fatal(err)
	}
	db.Exec(`INSERT INTO schema_version (version, description) VALUES (1, 'base')`)
	if _, err := db.Exec(`ALTER TABLE outcomes ADD COLUMN poll_attempts INTEGER DEFAULT 0`); err != nil {
		t.Fatal(err)
	}

	if err := RunMigrations(db, logger); err != nil {
		t.Fatalf("partial upgrade should recover: %v", err)
	}
	version, _ := GetSchemaVersion(db)
	if version != schemaVersion {
		t.Fatalf("expected version %d, got %d", schemaVersion, version)
	}
	if _, err := db.Exec(`SELECT duration_ms FROM outcomes`); err != nil {
		t.Fatalf("duration_ms column missing: %v", err)
	}
}

func TestGetSchemaVersion_EmptyDB(t *testing.T) {
	version, err := GetSchemaVersion(testDB(t))
	if err != nil {
		t.Fatal(err)
	}
	if version != 0 {
		t.Fatalf("expected 0, got %d", version)
	}
}

func TestStore_RunLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	run := &domain.RunRecord{
		ID:             "run-1",
		RecipientsPath: "/data/list.xlsx",
		TemplatePath:   "/data/msg.txt",
		Images:         []string{"/data/a.png"},
		Status:         domain.RunRunning,
		Total:          2,
		StartedAt:      time.Now(),
	}
	if err := s.BeginRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	outs := []domain.Outcome{
		{Row: 1, Identity: "+6591234567", Status: domain.StatusSent, PollAttempts: 2, Images: 1, Duration: 1500 * time.Millisecond, At: time.Now()},
		{Row: 2, Identity: "+6598765432", Status: domain.StatusFailed, Reason: "invalid identity", Document: true, At: time.Now()},
	}
	for _, o := range outs {
		if err := s.RecordOutcome(ctx, run.ID, o); err != nil {
			t.Fatal(err)
		}
	}

	run.Status = domain.RunCompleted
	run.Sent, run.Failed = 1, 1
	if err := s.FinishRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunCompleted || got.Sent != 1 || got.Failed != 1 || got.Total != 2 {
		t.Fatalf("unexpected run %+v", got)
	}
	if len(got.Images) != 1 || got.Images[0] != "/data/a.png" {
		t.Fatalf("images not round-tripped: %v", got.Images)
	}
	if got.FinishedAt.IsZero() {
		t.Fatal("finished_at should be set")
	}

	stored, err := s.GetOutcomes(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(stored))
	}
	if stored[0].Identity != "+6591234567" || stored[0].PollAttempts != 2 || stored[0].Duration != 1500*time.Millisecond {
		t.Fatalf("unexpected first outcome %+v", stored[0])
	}
	if stored[1].Status != domain.StatusFailed || stored[1].Reason != "invalid identity" || !stored[1].Document {
		t.Fatalf("unexpected second outcome %+v", stored[1])
	}
}

func TestStore_ListRunsNewestFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		err := s.BeginRun(ctx, &domain.RunRecord{
			ID: id, RecipientsPath: "r", TemplatePath: "t", Status: domain.RunRunning,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	runs, err := s.ListRuns(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != "c" || runs[1].ID != "b" {
		t.Fatalf("unexpected order: %+v", runs)
	}
	if !runs[0].FinishedAt.IsZero() {
		t.Fatal("unfinished run should have zero FinishedAt")
	}
}

func TestStore_NotFound(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.FinishRun(ctx, &domain.RunRecord{ID: "missing", Status: domain.RunCompleted}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

var _ domain.RunLedger = (*SQLiteStore)(nil)
