package database

import (
	"context"
	"database/sql"
	"fmt"
)

type migration struct {
	version int
	name    string
	stmt    string
}

// migrations are applied in order. Never edit an applied migration; append
// a new one instead.
var migrations = []migration{
	{
		version: 1,
		name:    "workspace history and memory",
		stmt: `
CREATE TABLE IF NOT EXISTS history_entries (
    workspace   TEXT    NOT NULL,
    seq         INTEGER NOT NULL,
    ts          TEXT    NOT NULL,
    role        TEXT    NOT NULL,
    author_id   TEXT    NOT NULL DEFAULT '',
    content     TEXT    NOT NULL,
    PRIMARY KEY (workspace, seq)
);

CREATE INDEX IF NOT EXISTS idx_history_author ON history_entries(workspace, author_id, seq);

CREATE TABLE IF NOT EXISTS memory_documents (
    workspace         TEXT PRIMARY KEY,
    body              TEXT    NOT NULL DEFAULT '',
    version           INTEGER NOT NULL DEFAULT 0,
    last_compacted_at TEXT    NOT NULL DEFAULT '',
    updated_at        TEXT    NOT NULL DEFAULT ''
);`,
	},
	{
		version: 2,
		name:    "reminders",
		stmt: `
CREATE TABLE IF NOT EXISTS reminders (
    id          TEXT PRIMARY KEY,
    workspace   TEXT    NOT NULL,
    owner_id    TEXT    NOT NULL,
    chat_id     TEXT    NOT NULL DEFAULT '',
    due_at      INTEGER NOT NULL,
    message     TEXT    NOT NULL,
    expression  TEXT    NOT NULL DEFAULT '',
    timezone    TEXT    NOT NULL DEFAULT 'UTC',
    status      TEXT    NOT NULL DEFAULT 'pending',
    created_at  TEXT    NOT NULL,
    fired_at    TEXT    NOT NULL DEFAULT '',
    attempts    INTEGER NOT NULL DEFAULT 0,
    last_error  TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(status, due_at, id);
CREATE INDEX IF NOT EXISTS idx_reminders_workspace ON reminders(workspace, status);`,
	},
	{
		version: 3,
		name:    "scheduler run markers",
		stmt: `
CREATE TABLE IF NOT EXISTS job_runs (
    kind        TEXT NOT NULL,
    workspace   TEXT NOT NULL,
    last_run_at TEXT NOT NULL,
    last_run_id TEXT NOT NULL DEFAULT '',
    last_error  TEXT NOT NULL DEFAULT '',
    run_count   INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (kind, workspace)
);`,
	},
}

// LatestVersion is the schema version this binary expects.
func LatestVersion() int { return migrations[len(migrations)-1].version }

// Migrator applies schema migrations tracked in schema_version.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a migrator for db.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// CurrentVersion returns the highest applied migration, 0 for a fresh database.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// NeedsMigration reports whether any migration is pending.
func (m *Migrator) NeedsMigration(ctx context.Context) (bool, error) {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return false, err
	}
	return current < LatestVersion(), nil
}

// Migrate applies every pending migration, each in its own transaction.
func (m *Migrator) Migrate(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	for _, mig := range migrations {
		if mig.version <= current {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return err
		}
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, mig migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", mig.version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, mig.stmt); err != nil {
		return fmt.Errorf("apply migration %d (%s): %w", mig.version, mig.name, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO schema_version (version) VALUES (?)", mig.version); err != nil {
		return fmt.Errorf("record migration %d: %w", mig.version, err)
	}
	return tx.Commit()
}
