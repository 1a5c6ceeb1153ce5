// Package store keeps a SQLite ledger of dispatch runs and their outcomes.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"wasender/internal/domain"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// SQLiteStore implements domain.RunLedger using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at dbPath and migrates it.
func Open(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// BeginRun inserts a new run row.
func (s *SQLiteStore) BeginRun(ctx context.Context, run *domain.RunRecord) error {
	images, err := json.Marshal(nonNil(run.Images))
	if err != nil {
		return err
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, recipients_path, template_path, images, document_path, status, total, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.RecipientsPath, run.TemplatePath, string(images), run.DocumentPath,
		string(run.Status), run.Total, run.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// RecordOutcome appends one outcome to a run.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, runID string, o domain.Outcome) error {
	at := o.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes (run_id, row_number, identity, status, reason, poll_attempts, images, document, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, o.Row, o.Identity, string(o.Status), o.Reason,
		o.PollAttempts, o.Images, o.Document, o.Duration.Milliseconds(), at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}

// FinishRun stores the run's final counters and status.
func (s *SQLiteStore) FinishRun(ctx context.Context, run *domain.RunRecord) error {
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, sent = ?, failed = ?, unconfirmed = ?, error = ?, finished_at = ?
		 WHERE id = ?`,
		string(run.Status), run.Sent, run.Failed, run.Unconfirmed, run.Error, run.FinishedAt.UTC(), run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const runColumns = `id, recipients_path, template_path, images, document_path, status,
	total, sent, failed, unconfirmed, error, started_at, finished_at`

// ListRuns returns the most recent runs first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]domain.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// GetRun returns one run by ID or ErrNotFound.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*domain.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// GetOutcomes returns a run's outcomes in the order they were recorded.
func (s *SQLiteStore) GetOutcomes(ctx context.Context, runID string) ([]domain.Outcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT row_number, identity, status, reason, poll_attempts, images, document, duration_ms, created_at
		 FROM outcomes WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Outcome
	for rows.Next() {
		var (
			o          domain.Outcome
			status     string
			durationMs int64
		)
		if err := rows.Scan(&o.Row, &o.Identity, &status, &o.Reason, &o.PollAttempts,
			&o.Images, &o.Document, &durationMs, &o.At); err != nil {
			return nil, err
		}
		o.Status = domain.DeliveryStatus(status)
		o.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, o)
	}
	return out, rows.Err()
}

// DB exposes the underlying handle for maintenance tasks such as backups.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*domain.RunRecord, error) {
	var (
		r        domain.RunRecord
		images   string
		status   string
		finished sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.RecipientsPath, &r.TemplatePath, &images, &r.DocumentPath, &status,
		&r.Total, &r.Sent, &r.Failed, &r.Unconfirmed, &r.Error, &r.StartedAt, &finished); err != nil {
		return nil, err
	}
	r.Status = domain.RunStatus(status)
	if images != "" {
		if err := json.Unmarshal([]byte(images), &r.Images); err != nil {
			return nil, fmt.Errorf("decode images of run %s: %w", r.ID, err)
		}
	}
	if finished.Valid {
		r.FinishedAt = finished.Time
	}
	return &r, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
