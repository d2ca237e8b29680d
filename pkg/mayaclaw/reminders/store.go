// Package reminders persists one-shot reminders and resolves the
// natural-language times they are created from.
package reminders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for an unknown reminder id.
	ErrNotFound = errors.New("reminder not found")

	// ErrNotPending is returned when cancelling a reminder that already fired.
	ErrNotPending = errors.New("reminder is not pending")

	// ErrEmptyMessage is returned by Create for a blank message.
	ErrEmptyMessage = errors.New("reminder message is empty")
)

// Status is the lifecycle state of a reminder.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFired     Status = "fired"
	StatusCancelled Status = "cancelled"
)

// Reminder is a persisted one-shot notification.
type Reminder struct {
	ID         string    `json:"id"`
	Workspace  string    `json:"workspace"`
	OwnerID    string    `json:"owner_id"`
	ChatID     string    `json:"chat_id,omitempty"`
	DueAt      time.Time `json:"due_at"`
	Message    string    `json:"message"`
	Expression string    `json:"expression,omitempty"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	FiredAt    time.Time `json:"fired_at,omitzero"`
	Attempts   int       `json:"attempts,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// NewReminder describes a reminder to create.
type NewReminder struct {
	Workspace  string
	OwnerID    string
	ChatID     string
	Expression string
	Message    string

	// Now anchors relative expressions, usually the inbound message time.
	// Zero uses the store clock.
	Now      time.Time
	Location *time.Location
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Workspace string
	OwnerID   string
	Status    Status
	Limit     int
}

// pageSize bounds how many due rows are held in memory at once.
const pageSize = 100

// Store keeps reminders in the reminders table.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewStore creates a reminder store over an already-migrated database.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		logger: logger.With("component", "reminders"),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Create parses the expression against the current time and stores a
// pending reminder. A time that cannot be parsed or is not in the future
// yields an *UnparseableTimeError and nothing is stored.
func (s *Store) Create(ctx context.Context, nr NewReminder) (*Reminder, error) {
	msg := strings.TrimSpace(nr.Message)
	if msg == "" {
		return nil, ErrEmptyMessage
	}
	loc := nr.Location
	if loc == nil {
		loc = time.UTC
	}
	now := nr.Now
	if now.IsZero() {
		now = s.now()
	}
	due, err := ParseTime(nr.Expression, now, loc)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := s.lock(nr.Workspace)
	defer unlock()

	r := &Reminder{
		Workspace:  nr.Workspace,
		OwnerID:    nr.OwnerID,
		ChatID:     nr.ChatID,
		DueAt:      due.Truncate(time.Millisecond),
		Message:    msg,
		Expression: strings.TrimSpace(nr.Expression),
		Status:     StatusPending,
		CreatedAt:  now.UTC(),
	}

	// Short ids can collide; retry a few times on the primary key.
	for attempt := 0; ; attempt++ {
		r.ID = newID()
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO reminders (id, workspace, owner_id, chat_id, due_at, message, expression, timezone, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Workspace, r.OwnerID, r.ChatID, r.DueAt.UnixMilli(), r.Message, r.Expression,
			loc.String(), string(StatusPending), r.CreatedAt.Format(time.RFC3339Nano))
		if err == nil {
			break
		}
		if attempt >= 3 || !isConstraint(err) {
			return nil, fmt.Errorf("insert reminder: %w", err)
		}
	}

	s.logger.Info("reminder created",
		"id", r.ID, "workspace", r.Workspace, "owner", r.OwnerID, "due_at", r.DueAt)
	return r, nil
}

// Get returns one reminder by id.
func (s *Store) Get(ctx context.Context, id string) (*Reminder, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reminder: %w", err)
	}
	return r, nil
}

// List returns reminders matching f ordered by due time.
func (s *Store) List(ctx context.Context, f Filter) ([]*Reminder, error) {
	var (
		where []string
		args  []any
	)
	if f.Workspace != "" {
		where = append(where, "workspace = ?")
		args = append(args, f.Workspace)
	}
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := selectColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY due_at ASC, id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	defer rows.Close()

	var out []*Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DueBefore yields pending reminders with due_at <= t, oldest first. Rows
// are fetched in pages so the whole backlog is never loaded at once. The
// sequence does not modify anything.
func (s *Store) DueBefore(ctx context.Context, t time.Time) iter.Seq2[*Reminder, error] {
	return func(yield func(*Reminder, error) bool) {
		var (
			lastDue int64 = -1 << 62
			lastID  string
		)
		limit := t.UnixMilli()
		for {
			page, err := s.duePage(ctx, limit, lastDue, lastID)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, r := range page {
				if !yield(r, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			last := page[len(page)-1]
			lastDue, lastID = last.DueAt.UnixMilli(), last.ID
		}
	}
}

func (s *Store) duePage(ctx context.Context, limit, afterDue int64, afterID string) ([]*Reminder, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE status = ? AND due_at <= ?
		  AND (due_at > ? OR (due_at = ? AND id > ?))
		ORDER BY due_at ASC, id ASC
		LIMIT ?`,
		string(StatusPending), limit, afterDue, afterDue, afterID, pageSize)
	if err != nil {
		return nil, fmt.Errorf("query due reminders: %w", err)
	}
	defer rows.Close()

	page := make([]*Reminder, 0, pageSize)
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		page = append(page, r)
	}
	return page, rows.Err()
}

// MarkFired transitions a pending reminder to fired. It reports whether
// this call performed the transition; marking an already fired or
// cancelled reminder is a no-op.
func (s *Store) MarkFired(ctx context.Context, id string) (bool, error) {
	ws, err := s.workspaceOf(ctx, id)
	if err != nil {
		return false, err
	}
	unlock := s.lock(ws)
	defer unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE reminders SET status = ?, fired_at = ?, attempts = attempts + 1, last_error = '' WHERE id = ? AND status = ?",
		string(StatusFired), s.now().UTC().Format(time.RFC3339Nano), id, string(StatusPending))
	if err != nil {
		return false, fmt.Errorf("mark fired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark fired: %w", err)
	}
	return n == 1, nil
}

// Cancel transitions a pending reminder to cancelled. Cancelling twice is
// a no-op; cancelling a fired reminder returns ErrNotPending.
func (s *Store) Cancel(ctx context.Context, id string) error {
	ws, err := s.workspaceOf(ctx, id)
	if err != nil {
		return err
	}
	unlock := s.lock(ws)
	defer unlock()

	var status string
	err = s.db.QueryRowContext(ctx, "SELECT status FROM reminders WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("cancel reminder: %w", err)
	}

	switch Status(status) {
	case StatusCancelled:
		return nil
	case StatusFired:
		return ErrNotPending
	}

	if _, err := s.db.ExecContext(ctx,
		"UPDATE reminders SET status = ? WHERE id = ? AND status = ?",
		string(StatusCancelled), id, string(StatusPending)); err != nil {
		return fmt.Errorf("cancel reminder: %w", err)
	}
	s.logger.Info("reminder cancelled", "id", id, "workspace", ws)
	return nil
}

// RecordFailure notes a failed delivery attempt. The reminder stays
// pending so the next sweep retries it.
func (s *Store) RecordFailure(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE reminders SET attempts = attempts + 1, last_error = ? WHERE id = ? AND status = ?",
		msg, id, string(StatusPending))
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// CountPending returns the number of pending reminders in a workspace.
func (s *Store) CountPending(ctx context.Context, workspace string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM reminders WHERE workspace = ? AND status = ?",
		workspace, string(StatusPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count reminders: %w", err)
	}
	return n, nil
}

func (s *Store) workspaceOf(ctx context.Context, id string) (string, error) {
	var ws string
	err := s.db.QueryRowContext(ctx, "SELECT workspace FROM reminders WHERE id = ?", id).Scan(&ws)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup reminder: %w", err)
	}
	return ws, nil
}

func (s *Store) lock(workspace string) func() {
	s.locksMu.Lock()
	m, ok := s.locks[workspace]
	if !ok {
		m = &sync.Mutex{}
		s.locks[workspace] = m
	}
	s.locksMu.Unlock()
	m.Lock()
	return m.Unlock
}

// ---------- Row mapping ----------

const selectColumns = `
	SELECT id, workspace, owner_id, chat_id, due_at, message, expression, timezone,
	       status, created_at, fired_at, attempts, last_error
	FROM reminders`

type scanner interface {
	Scan(dest ...any) error
}

func scanReminder(sc scanner) (*Reminder, error) {
	var (
		r                  Reminder
		dueMs              int64
		tz, status         string
		createdAt, firedAt string
	)
	err := sc.Scan(&r.ID, &r.Workspace, &r.OwnerID, &r.ChatID, &dueMs, &r.Message, &r.Expression, &tz,
		&status, &createdAt, &firedAt, &r.Attempts, &r.LastError)
	if err != nil {
		return nil, err
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	r.DueAt = time.UnixMilli(dueMs).In(loc)
	r.Status = Status(status)
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if firedAt != "" {
		r.FiredAt, _ = time.Parse(time.RFC3339Nano, firedAt)
	}
	return &r, nil
}

// newID returns a short id users can type back ("/cancel 3f9a1c2e").
func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func isConstraint(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "constraint")
}
