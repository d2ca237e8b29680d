package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Marker records the last run of one job for one workspace. It survives
// restarts so a job that just ran is not fired again.
type Marker struct {
	Kind      Kind
	Workspace string
	LastRunAt time.Time
	LastRunID string
	LastError string
	RunCount  int64
}

// RunStore persists job markers.
type RunStore interface {
	Load(ctx context.Context, kind Kind, workspace string) (Marker, bool, error)
	Save(ctx context.Context, m Marker) error
}

// SQLiteRunStore keeps markers in the job_runs table.
type SQLiteRunStore struct {
	db *sql.DB
}

// NewSQLiteRunStore creates a marker store over an already-migrated database.
func NewSQLiteRunStore(db *sql.DB) *SQLiteRunStore {
	return &SQLiteRunStore{db: db}
}

// Load returns the marker for (kind, workspace). ok is false when the job
// never ran.
func (s *SQLiteRunStore) Load(ctx context.Context, kind Kind, workspace string) (Marker, bool, error) {
	m := Marker{Kind: kind, Workspace: workspace}
	var lastRun string
	err := s.db.QueryRowContext(ctx, `
		SELECT last_run_at, last_run_id, last_error, run_count
		FROM job_runs WHERE kind = ? AND workspace = ?`,
		string(kind), workspace).Scan(&lastRun, &m.LastRunID, &m.LastError, &m.RunCount)
	if errors.Is(err, sql.ErrNoRows) {
		return m, false, nil
	}
	if err != nil {
		return m, false, fmt.Errorf("load job marker: %w", err)
	}
	m.LastRunAt, err = time.Parse(time.RFC3339Nano, lastRun)
	if err != nil {
		return m, false, fmt.Errorf("parse job marker time %q: %w", lastRun, err)
	}
	return m, true, nil
}

// Save upserts a marker.
func (s *SQLiteRunStore) Save(ctx context.Context, m Marker) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_runs (kind, workspace, last_run_at, last_run_id, last_error, run_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, workspace) DO UPDATE SET
			last_run_at = excluded.last_run_at,
			last_run_id = excluded.last_run_id,
			last_error  = excluded.last_error,
			run_count   = excluded.run_count`,
		string(m.Kind), m.Workspace, m.LastRunAt.UTC().Format(time.RFC3339Nano), m.LastRunID, m.LastError, m.RunCount)
	if err != nil {
		return fmt.Errorf("save job marker: %w", err)
	}
	return nil
}
