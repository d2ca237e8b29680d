package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Store owns one workspace: its history log, memory document and static
// files. Every mutation goes through the store's lock, so appends from the
// interactive path and from scheduled jobs are totally ordered.
type Store struct {
	name      string
	dir       string
	globalDir string
	backend   Backend
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	lastSeq int64
	loaded  bool
}

// NewStore creates a store for workspace name. dir holds its static files,
// globalDir the shared IDENTITY.md / USER.md.
func NewStore(name, dir, globalDir string, backend Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		name:      name,
		dir:       dir,
		globalDir: globalDir,
		backend:   backend,
		logger:    logger.With("component", "workspace", "workspace", name),
		now:       time.Now,
	}
}

// Name returns the workspace name.
func (s *Store) Name() string { return s.name }

// Dir returns the workspace directory.
func (s *Store) Dir() string { return s.dir }

// SetClock overrides the time source (tests).
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// ensureLoaded reads the last durable sequence once. Caller holds s.mu.
func (s *Store) ensureLoaded(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	seq, err := s.backend.Recover(ctx, s.name)
	if err != nil {
		return &PersistenceError{Op: "recover history", Workspace: s.name, Err: err}
	}
	s.lastSeq = seq
	s.loaded = true
	return nil
}

// AppendTurn assigns the next sequence number and timestamp to entry and
// persists it. The sequence only advances once the write is durable, so a
// failed append leaves no gap.
func (s *Store) AppendTurn(ctx context.Context, entry HistoryEntry) (HistoryEntry, error) {
	if !entry.Role.Valid() {
		return HistoryEntry{}, fmt.Errorf("append turn: invalid role %q", entry.Role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(ctx); err != nil {
		return HistoryEntry{}, err
	}

	entry.Sequence = s.lastSeq + 1
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}

	if err := s.backend.AppendEntry(ctx, s.name, entry); err != nil {
		s.logger.Error("append turn failed", "seq", entry.Sequence, "err", err)
		// The failed write may have left a partial record behind; recover
		// again before the next append.
		s.loaded = false
		return HistoryEntry{}, &PersistenceError{Op: "append turn", Workspace: s.name, Err: err}
	}
	s.lastSeq = entry.Sequence
	return entry, nil
}

// ReadRecent returns up to n of the newest entries in ascending order. With
// a perspective (shared-dm) only that sender's entries and assistant
// entries are returned.
func (s *Store) ReadRecent(ctx context.Context, n int, perspective string) ([]HistoryEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := s.backend.RecentEntries(ctx, s.name, n, perspective)
	if err != nil {
		return nil, &PersistenceError{Op: "read history", Workspace: s.name, Err: err}
	}
	return entries, nil
}

// ReadMemory returns the current memory document.
func (s *Store) ReadMemory(ctx context.Context) (MemoryDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, err := s.backend.LoadMemory(ctx, s.name)
	if err != nil {
		return MemoryDocument{}, &PersistenceError{Op: "read memory", Workspace: s.name, Err: err}
	}
	return doc, nil
}

// ReplaceMemory swaps the memory text if the stored version still equals
// expectedVersion. It returns ErrConcurrentModification otherwise.
func (s *Store) ReplaceMemory(ctx context.Context, text string, expectedVersion int64) (MemoryDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.backend.LoadMemory(ctx, s.name)
	if err != nil {
		return MemoryDocument{}, &PersistenceError{Op: "read memory", Workspace: s.name, Err: err}
	}
	if current.Version != expectedVersion {
		return current, fmt.Errorf("replace memory (have v%d, expected v%d): %w",
			current.Version, expectedVersion, ErrConcurrentModification)
	}

	now := s.now()
	doc := MemoryDocument{
		Text:            text,
		Version:         current.Version + 1,
		LastCompactedAt: now,
		UpdatedAt:       now,
	}
	return doc, s.save(ctx, doc, current.Version)
}

// AppendMemory adds a timestamped note section to the memory document.
func (s *Store) AppendMemory(ctx context.Context, note string) (MemoryDocument, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return MemoryDocument{}, errors.New("append memory: empty note")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.backend.LoadMemory(ctx, s.name)
	if err != nil {
		return MemoryDocument{}, &PersistenceError{Op: "read memory", Workspace: s.name, Err: err}
	}

	now := s.now()
	var b strings.Builder
	b.WriteString(strings.TrimRight(current.Text, "\n"))
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "## %s\n\n%s\n", now.UTC().Format("2006-01-02 15:04 UTC"), note)

	doc := MemoryDocument{
		Text:            b.String(),
		Version:         current.Version + 1,
		LastCompactedAt: current.LastCompactedAt,
		UpdatedAt:       now,
	}
	return doc, s.save(ctx, doc, current.Version)
}

func (s *Store) save(ctx context.Context, doc MemoryDocument, expected int64) error {
	err := s.backend.SaveMemory(ctx, s.name, doc, expected)
	if errors.Is(err, ErrConcurrentModification) {
		return fmt.Errorf("save memory: %w", err)
	}
	if err != nil {
		s.logger.Error("memory write failed", "version", doc.Version, "err", err)
		return &PersistenceError{Op: "write memory", Workspace: s.name, Err: err}
	}
	return nil
}

// Export returns a read-only copy of the full history and memory.
func (s *Store) Export(ctx context.Context) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, err := s.backend.AllEntries(ctx, s.name)
	if err != nil {
		return Snapshot{}, &PersistenceError{Op: "export history", Workspace: s.name, Err: err}
	}
	memory, err := s.backend.LoadMemory(ctx, s.name)
	if err != nil {
		return Snapshot{}, &PersistenceError{Op: "export memory", Workspace: s.name, Err: err}
	}
	return Snapshot{Workspace: s.name, History: history, Memory: memory}, nil
}

// ---------- Static files ----------

// ReadFile reads a static file (SOUL.md, HEARTBEAT.md, ...) from the
// workspace directory. A missing file yields "" and no error.
func (s *Store) ReadFile(name string) (string, error) {
	return readLocalFile(s.dir, name)
}

// Persona assembles the persona text from the global identity files and
// the workspace's SOUL.md and TOOLS.md.
func (s *Store) Persona() (string, error) {
	sources := []struct {
		dir, file, title string
	}{
		{s.globalDir, "IDENTITY.md", "# Identity"},
		{s.globalDir, "USER.md", "# About the User"},
		{s.dir, "SOUL.md", "# Workspace Context: " + s.name},
		{s.dir, "TOOLS.md", "# Tools & References"},
	}

	var parts []string
	for _, src := range sources {
		if src.dir == "" {
			continue
		}
		text, err := readLocalFile(src.dir, src.file)
		if err != nil {
			return "", err
		}
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, src.title+"\n\n"+text)
		}
	}
	return strings.Join(parts, "\n\n---\n\n"), nil
}

func readLocalFile(dir, name string) (string, error) {
	if !filepath.IsLocal(name) || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFile, name)
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return string(data), nil
}
