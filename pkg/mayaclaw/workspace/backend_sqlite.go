package workspace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

// SQLiteBackend stores history and memory in the history_entries and
// memory_documents tables. The tables are created by database.Open.
type SQLiteBackend struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteBackend creates a SQLite-backed workspace backend.
func NewSQLiteBackend(db *sql.DB, logger *slog.Logger) *SQLiteBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteBackend{db: db, logger: logger.With("component", "workspace-sqlite")}
}

// Recover returns the highest stored sequence.
func (b *SQLiteBackend) Recover(ctx context.Context, workspace string) (int64, error) {
	var seq int64
	err := b.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM history_entries WHERE workspace = ?", workspace).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("read last sequence: %w", err)
	}
	return seq, nil
}

// AppendEntry inserts one history row. The (workspace, seq) primary key
// rejects a duplicate sequence outright.
func (b *SQLiteBackend) AppendEntry(ctx context.Context, workspace string, e HistoryEntry) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO history_entries (workspace, seq, ts, role, author_id, content)
		VALUES (?, ?, ?, ?, ?, ?)`,
		workspace, e.Sequence, formatTime(e.Timestamp), string(e.Role), e.AuthorID, e.Content,
	)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

// RecentEntries returns the newest n visible entries in ascending order.
func (b *SQLiteBackend) RecentEntries(ctx context.Context, workspace string, n int, perspective string) ([]HistoryEntry, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT seq, ts, role, author_id, content
		FROM history_entries
		WHERE workspace = ?
		  AND (? = '' OR author_id = ? OR role = ?)
		ORDER BY seq DESC
		LIMIT ?`,
		workspace, perspective, perspective, string(RoleAssistant), n)
	if err != nil {
		return nil, fmt.Errorf("query recent history: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(entries)
	return entries, nil
}

// AllEntries returns the whole history.
func (b *SQLiteBackend) AllEntries(ctx context.Context, workspace string) ([]HistoryEntry, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT seq, ts, role, author_id, content
		FROM history_entries
		WHERE workspace = ?
		ORDER BY seq ASC`, workspace)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]HistoryEntry, error) {
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var (
			e    HistoryEntry
			ts   string
			role string
		)
		if err := rows.Scan(&e.Sequence, &ts, &role, &e.AuthorID, &e.Content); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		e.Timestamp = parseTime(ts)
		e.Role = Role(role)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

// LoadMemory reads the memory row.
func (b *SQLiteBackend) LoadMemory(ctx context.Context, workspace string) (MemoryDocument, error) {
	var (
		doc                MemoryDocument
		compacted, updated string
	)
	err := b.db.QueryRowContext(ctx, `
		SELECT body, version, last_compacted_at, updated_at
		FROM memory_documents WHERE workspace = ?`, workspace,
	).Scan(&doc.Text, &doc.Version, &compacted, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return MemoryDocument{}, nil
	}
	if err != nil {
		return MemoryDocument{}, fmt.Errorf("load memory: %w", err)
	}
	doc.LastCompactedAt = parseTime(compacted)
	doc.UpdatedAt = parseTime(updated)
	return doc, nil
}

// SaveMemory performs the compare-and-swap inside one transaction.
func (b *SQLiteBackend) SaveMemory(ctx context.Context, workspace string, doc MemoryDocument, expectedVersion int64) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin memory write: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		"SELECT version FROM memory_documents WHERE workspace = ?", workspace).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = 0
	case err != nil:
		return fmt.Errorf("read memory version: %w", err)
	}
	if current != expectedVersion {
		return ErrConcurrentModification
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memory_documents (workspace, body, version, last_compacted_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(workspace) DO UPDATE SET
			body = excluded.body,
			version = excluded.version,
			last_compacted_at = excluded.last_compacted_at,
			updated_at = excluded.updated_at`,
		workspace, doc.Text, doc.Version, formatTime(doc.LastCompactedAt), formatTime(doc.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("write memory: %w", err)
	}
	return tx.Commit()
}

// Close is a no-op; the database handle is owned by the caller.
func (b *SQLiteBackend) Close() error { return nil }
