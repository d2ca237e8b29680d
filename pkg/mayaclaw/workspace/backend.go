package workspace

import (
	"context"
	"time"
)

// Backend persists workspace history and memory. A Store is the only writer
// for its workspace, so implementations need not serialize appends
// themselves.
type Backend interface {
	// Recover prepares a workspace for appends (repairing any torn write)
	// and returns the last durable sequence number, 0 if empty.
	Recover(ctx context.Context, workspace string) (int64, error)

	// AppendEntry durably writes e. On error nothing must be observable.
	AppendEntry(ctx context.Context, workspace string, e HistoryEntry) error

	// RecentEntries returns the last n entries in ascending order. A
	// non-empty perspective keeps that author's entries plus every
	// assistant entry.
	RecentEntries(ctx context.Context, workspace string, n int, perspective string) ([]HistoryEntry, error)

	// AllEntries returns the full history in ascending order.
	AllEntries(ctx context.Context, workspace string) ([]HistoryEntry, error)

	// LoadMemory returns the memory document, zero-valued if never written.
	LoadMemory(ctx context.Context, workspace string) (MemoryDocument, error)

	// SaveMemory writes doc if the stored version equals expectedVersion,
	// otherwise it returns ErrConcurrentModification.
	SaveMemory(ctx context.Context, workspace string, doc MemoryDocument, expectedVersion int64) error

	Close() error
}

// visibleTo reports whether e belongs in perspective's view of the history.
func visibleTo(e HistoryEntry, perspective string) bool {
	return perspective == "" || e.Role == RoleAssistant || e.AuthorID == perspective
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
