package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/database"
)

// backends returns one constructor per Backend implementation so every
// store test runs against both.
func backends(t *testing.T) map[string]func(t *testing.T, dir string) Backend {
	t.Helper()
	return map[string]func(t *testing.T, dir string) Backend{
		"sqlite": func(t *testing.T, dir string) Backend {
			db, err := database.Open(context.Background(), database.Config{Path: filepath.Join(dir, "test.db")})
			if err != nil {
				t.Fatalf("database.Open: %v", err)
			}
			t.Cleanup(func() { db.Close() })
			return NewSQLiteBackend(db.DB, nil)
		},
		"file": func(t *testing.T, dir string) Backend {
			return NewFileBackend(dir, nil)
		},
	}
}

func newTestStore(t *testing.T, mk func(t *testing.T, dir string) Backend) *Store {
	t.Helper()
	dir := t.TempDir()
	return NewStore("main", filepath.Join(dir, "main"), filepath.Join(dir, "_global"), mk(t, dir), nil)
}

func TestAppendTurn_GaplessUnderConcurrency(t *testing.T) {
	t.Parallel()
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := newTestStore(t, mk)

			const writers, perWriter = 8, 10
			var wg sync.WaitGroup
			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					role := RoleUser
					if w%2 == 0 {
						role = RoleAssistant
					}
					for i := 0; i < perWriter; i++ {
						if _, err := s.AppendTurn(ctx, HistoryEntry{Role: role, Content: "x"}); err != nil {
							t.Errorf("AppendTurn: %v", err)
						}
					}
				}(w)
			}
			wg.Wait()

			snap, err := s.Export(ctx)
			if err != nil {
				t.Fatalf("Export: %v", err)
			}
			if len(snap.History) != writers*perWriter {
				t.Fatalf("entries = %d, want %d", len(snap.History), writers*perWriter)
			}
			for i, e := range snap.History {
				if e.Sequence != int64(i+1) {
					t.Fatalf("entry %d has sequence %d, want %d", i, e.Sequence, i+1)
				}
			}
		})
	}
}

func TestAppendTurn_ResumesSequenceAfterRestart(t *testing.T) {
	t.Parallel()
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			dir := t.TempDir()
			backend := mk(t, dir)

			s1 := NewStore("main", filepath.Join(dir, "main"), "", backend, nil)
			for i := 0; i < 3; i++ {
				if _, err := s1.AppendTurn(ctx, HistoryEntry{Role: RoleUser, Content: "hi"}); err != nil {
					t.Fatalf("AppendTurn: %v", err)
				}
			}

			s2 := NewStore("main", filepath.Join(dir, "main"), "", backend, nil)
			e, err := s2.AppendTurn(ctx, HistoryEntry{Role: RoleUser, Content: "again"})
			if err != nil {
				t.Fatalf("AppendTurn: %v", err)
			}
			if e.Sequence != 4 {
				t.Errorf("Sequence = %d, want 4", e.Sequence)
			}
		})
	}
}

func TestAppendTurn_RejectsInvalidRole(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, backends(t)["file"])
	if _, err := s.AppendTurn(context.Background(), HistoryEntry{Role: "robot", Content: "x"}); err == nil {
		t.Fatal("expected error for invalid role")
	}
}

func TestReadRecent_Perspective(t *testing.T) {
	t.Parallel()
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := newTestStore(t, mk)

			turns := []HistoryEntry{
				{Role: RoleUser, AuthorID: "alice", Content: "alice 1"},
				{Role: RoleAssistant, AuthorID: "alice", Content: "reply alice 1"},
				{Role: RoleUser, AuthorID: "bob", Content: "bob 1"},
				{Role: RoleAssistant, AuthorID: "bob", Content: "reply bob 1"},
				{Role: RoleUser, AuthorID: "alice", Content: "alice 2"},
			}
			for _, turn := range turns {
				if _, err := s.AppendTurn(ctx, turn); err != nil {
					t.Fatalf("AppendTurn: %v", err)
				}
			}

			alice, err := s.ReadRecent(ctx, 10, "alice")
			if err != nil {
				t.Fatalf("ReadRecent: %v", err)
			}
			var sawAssistant int
			for _, e := range alice {
				if e.Role == RoleUser && e.AuthorID != "alice" {
					t.Errorf("alice view contains %q from %s", e.Content, e.AuthorID)
				}
				if e.Role == RoleAssistant {
					sawAssistant++
				}
			}
			if sawAssistant != 2 {
				t.Errorf("alice sees %d assistant replies, want 2", sawAssistant)
			}

			bob, err := s.ReadRecent(ctx, 10, "bob")
			if err != nil {
				t.Fatalf("ReadRecent: %v", err)
			}
			for _, e := range bob {
				if e.AuthorID == "alice" && e.Role == RoleUser {
					t.Errorf("bob view contains alice entry %q", e.Content)
				}
			}

			all, err := s.ReadRecent(ctx, 10, "")
			if err != nil {
				t.Fatalf("ReadRecent: %v", err)
			}
			if len(all) != len(turns) {
				t.Errorf("unfiltered = %d entries, want %d", len(all), len(turns))
			}

			last2, err := s.ReadRecent(ctx, 2, "")
			if err != nil {
				t.Fatalf("ReadRecent: %v", err)
			}
			if len(last2) != 2 || last2[0].Sequence != 4 || last2[1].Sequence != 5 {
				t.Errorf("last 2 = %+v, want sequences 4,5", last2)
			}
		})
	}
}

func TestReplaceMemory_CompareAndSwap(t *testing.T) {
	t.Parallel()
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := newTestStore(t, mk)

			doc, err := s.ReadMemory(ctx)
			if err != nil {
				t.Fatalf("ReadMemory: %v", err)
			}
			if doc.Version != 0 || doc.Text != "" {
				t.Fatalf("fresh memory = %+v, want empty v0", doc)
			}

			doc, err = s.ReplaceMemory(ctx, "first", 0)
			if err != nil {
				t.Fatalf("ReplaceMemory: %v", err)
			}
			if doc.Version != 1 {
				t.Errorf("Version = %d, want 1", doc.Version)
			}

			if _, err := s.ReplaceMemory(ctx, "stale", 0); !errors.Is(err, ErrConcurrentModification) {
				t.Fatalf("stale replace err = %v, want ErrConcurrentModification", err)
			}

			got, err := s.ReadMemory(ctx)
			if err != nil {
				t.Fatalf("ReadMemory: %v", err)
			}
			if got.Text != "first" || got.Version != 1 {
				t.Errorf("memory = %q v%d, want %q v1", got.Text, got.Version, "first")
			}
			if got.LastCompactedAt.IsZero() {
				t.Error("LastCompactedAt not set")
			}
		})
	}
}

func TestAppendMemory_InvalidatesPendingReplace(t *testing.T) {
	t.Parallel()
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := newTestStore(t, mk)
			s.SetClock(func() time.Time { return time.Date(2026, 2, 17, 14, 30, 0, 0, time.UTC) })

			base, err := s.ReplaceMemory(ctx, "# Notes\n", 0)
			if err != nil {
				t.Fatalf("ReplaceMemory: %v", err)
			}

			doc, err := s.AppendMemory(ctx, "Dentist on Friday")
			if err != nil {
				t.Fatalf("AppendMemory: %v", err)
			}
			if !strings.Contains(doc.Text, "## 2026-02-17 14:30 UTC\n\nDentist on Friday") {
				t.Errorf("appended text = %q", doc.Text)
			}
			if doc.Version != base.Version+1 {
				t.Errorf("Version = %d, want %d", doc.Version, base.Version+1)
			}

			if _, err := s.ReplaceMemory(ctx, "summary", base.Version); !errors.Is(err, ErrConcurrentModification) {
				t.Errorf("replace after append err = %v, want ErrConcurrentModification", err)
			}
		})
	}
}

func TestFileBackend_TornLine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	s := NewStore("main", filepath.Join(dir, "main"), "", NewFileBackend(dir, nil), nil)

	for i := 0; i < 2; i++ {
		if _, err := s.AppendTurn(ctx, HistoryEntry{Role: RoleUser, Content: "ok"}); err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}
	}

	path := filepath.Join(dir, "main", historyFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.WriteString(`{"seq":3,"role":"user","cont`)
	f.Close()

	restarted := NewStore("main", filepath.Join(dir, "main"), "", NewFileBackend(dir, nil), nil)
	e, err := restarted.AppendTurn(ctx, HistoryEntry{Role: RoleUser, Content: "after crash"})
	if err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	if e.Sequence != 3 {
		t.Errorf("Sequence = %d, want 3", e.Sequence)
	}

	snap, err := restarted.Export(ctx)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(snap.History) != 3 || snap.History[2].Content != "after crash" {
		t.Errorf("history = %+v", snap.History)
	}
}

func TestFileBackend_MemoryBackupAndFrontMatter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	s := NewStore("main", filepath.Join(dir, "main"), "", NewFileBackend(dir, nil), nil)

	if _, err := s.ReplaceMemory(ctx, "one", 0); err != nil {
		t.Fatalf("ReplaceMemory: %v", err)
	}
	if _, err := s.ReplaceMemory(ctx, "two", 1); err != nil {
		t.Fatalf("ReplaceMemory: %v", err)
	}

	bak, err := os.ReadFile(filepath.Join(dir, "main", memoryBackup))
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	prev, err := parseMemoryFile(string(bak))
	if err != nil {
		t.Fatalf("parse backup: %v", err)
	}
	if prev.Text != "one" || prev.Version != 1 {
		t.Errorf("backup = %q v%d, want %q v1", prev.Text, prev.Version, "one")
	}

	raw, err := os.ReadFile(filepath.Join(dir, "main", memoryFile))
	if err != nil {
		t.Fatalf("read memory: %v", err)
	}
	if !strings.HasPrefix(string(raw), "---\nversion: 2\n") {
		t.Errorf("MEMORY.md header = %q", string(raw))
	}
}

func TestFileBackend_HandWrittenMemory(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "main"), 0o755)
	os.WriteFile(filepath.Join(dir, "main", memoryFile), []byte("# Facts\n- likes tea\n"), 0o644)

	doc, err := NewFileBackend(dir, nil).LoadMemory(context.Background(), "main")
	if err != nil {
		t.Fatalf("LoadMemory: %v", err)
	}
	if doc.Version != 0 || doc.Text != "# Facts\n- likes tea\n" {
		t.Errorf("doc = %+v", doc)
	}
}

func TestPersonaAndReadFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	wsDir := filepath.Join(dir, "main")
	globalDir := filepath.Join(dir, "_global")
	os.MkdirAll(wsDir, 0o755)
	os.MkdirAll(globalDir, 0o755)
	os.WriteFile(filepath.Join(globalDir, "IDENTITY.md"), []byte("I am Maya."), 0o644)
	os.WriteFile(filepath.Join(wsDir, "SOUL.md"), []byte("Household planning."), 0o644)
	os.WriteFile(filepath.Join(wsDir, "HEARTBEAT.md"), []byte("check the calendar"), 0o644)

	s := NewStore("main", wsDir, globalDir, NewFileBackend(dir, nil), nil)

	persona, err := s.Persona()
	if err != nil {
		t.Fatalf("Persona: %v", err)
	}
	want := "# Identity\n\nI am Maya.\n\n---\n\n# Workspace Context: main\n\nHousehold planning."
	if persona != want {
		t.Errorf("Persona = %q, want %q", persona, want)
	}

	hb, err := s.ReadFile("HEARTBEAT.md")
	if err != nil || hb != "check the calendar" {
		t.Errorf("ReadFile = %q, %v", hb, err)
	}

	missing, err := s.ReadFile("NOPE.md")
	if err != nil || missing != "" {
		t.Errorf("missing file = %q, %v; want empty, nil", missing, err)
	}

	for _, bad := range []string{"../secret", "/etc/passwd", "sub/file.md", ""} {
		if _, err := s.ReadFile(bad); !errors.Is(err, ErrInvalidFile) {
			t.Errorf("ReadFile(%q) err = %v, want ErrInvalidFile", bad, err)
		}
	}
}

type failingBackend struct {
	Backend
}

func (failingBackend) Recover(context.Context, string) (int64, error) { return 0, nil }
func (failingBackend) AppendEntry(context.Context, string, HistoryEntry) error {
	return errors.New("disk full")
}

func TestAppendTurn_PersistenceError(t *testing.T) {
	t.Parallel()
	s := NewStore("main", t.TempDir(), "", failingBackend{}, nil)

	_, err := s.AppendTurn(context.Background(), HistoryEntry{Role: RoleUser, Content: "x"})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	var pe *PersistenceError
	if !errors.As(err, &pe) || pe.Workspace != "main" {
		t.Errorf("PersistenceError = %+v", pe)
	}
	if s.lastSeq != 0 {
		t.Errorf("lastSeq = %d after failed append, want 0", s.lastSeq)
	}
}

// tornWriteBackend leaves a partial line behind on its next append and
// reports failure, as a write whose rollback also failed would.
type tornWriteBackend struct {
	*FileBackend
	path     string
	tearNext bool
	recovers int
}

func (b *tornWriteBackend) Recover(ctx context.Context, ws string) (int64, error) {
	b.recovers++
	return b.FileBackend.Recover(ctx, ws)
}

func (b *tornWriteBackend) AppendEntry(ctx context.Context, ws string, e HistoryEntry) error {
	if !b.tearNext {
		return b.FileBackend.AppendEntry(ctx, ws, e)
	}
	b.tearNext = false
	f, err := os.OpenFile(b.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	f.WriteString(`{"seq":2,"role":"us`)
	return errors.New("write entry: input/output error")
}

func TestAppendTurn_RecoversAfterFailedWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	b := &tornWriteBackend{FileBackend: NewFileBackend(dir, nil), path: filepath.Join(dir, "main", historyFile)}
	s := NewStore("main", filepath.Join(dir, "main"), "", b, nil)

	if _, err := s.AppendTurn(ctx, HistoryEntry{Role: RoleUser, Content: "first"}); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	b.tearNext = true
	if _, err := s.AppendTurn(ctx, HistoryEntry{Role: RoleUser, Content: "lost"}); !errors.Is(err, ErrPersistence) {
		t.Fatalf("failed append err = %v, want ErrPersistence", err)
	}

	e, err := s.AppendTurn(ctx, HistoryEntry{Role: RoleUser, Content: "after failure"})
	if err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	if e.Sequence != 2 {
		t.Errorf("Sequence = %d, want 2", e.Sequence)
	}
	if b.recovers != 2 {
		t.Errorf("Recover ran %d times, want 2", b.recovers)
	}

	snap, err := s.Export(ctx)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(snap.History) != 2 || snap.History[1].Content != "after failure" {
		t.Errorf("history = %+v", snap.History)
	}
}
