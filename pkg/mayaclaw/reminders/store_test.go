package reminders

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/database"
)

func newTestStore(t *testing.T, now time.Time) *Store {
	t.Helper()
	db, err := database.Open(context.Background(), database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s := NewStore(db.DB, nil)
	s.SetClock(func() time.Time { return now })
	return s
}

func create(t *testing.T, s *Store, expr, msg string) *Reminder {
	t.Helper()
	r, err := s.Create(context.Background(), NewReminder{
		Workspace: "main", OwnerID: "u1", ChatID: "c1", Expression: expr, Message: msg,
	})
	if err != nil {
		t.Fatalf("Create(%q): %v", expr, err)
	}
	return r
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	now := time.Date(2026, 2, 17, 22, 0, 0, 0, ny)
	s := newTestStore(t, now)

	r, err := s.Create(ctx, NewReminder{
		Workspace: "main", OwnerID: "u1", Expression: "tomorrow at 9am", Message: "call mom", Location: ny,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if want := time.Date(2026, 2, 18, 9, 0, 0, 0, ny); !r.DueAt.Equal(want) {
		t.Errorf("DueAt = %v, want %v", r.DueAt, want)
	}
	if len(r.ID) != 8 {
		t.Errorf("ID = %q, want 8 characters", r.ID)
	}
	if r.Status != StatusPending {
		t.Errorf("Status = %q, want pending", r.Status)
	}

	got, err := s.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.DueAt.Equal(r.DueAt) || got.Message != "call mom" || got.OwnerID != "u1" {
		t.Errorf("Get = %+v, want %+v", got, r)
	}
	if got.DueAt.Location().String() != "America/New_York" {
		t.Errorf("DueAt location = %s, want America/New_York", got.DueAt.Location())
	}

	if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get unknown = %v, want ErrNotFound", err)
	}
}

func TestCreate_AnchorsToReferenceTime(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sent := time.Date(2026, 2, 17, 10, 0, 0, 0, time.UTC)
	s := newTestStore(t, sent.Add(90*time.Minute))

	r, err := s.Create(ctx, NewReminder{
		Workspace: "main", OwnerID: "u1", Expression: "in 2 hours", Message: "stretch", Now: sent,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if want := sent.Add(2 * time.Hour); !r.DueAt.Equal(want) {
		t.Errorf("DueAt = %v, want %v", r.DueAt, want)
	}

	// Without a reference time the store clock is used.
	r = create(t, s, "in 2 hours", "walk")
	if want := sent.Add(210 * time.Minute); !r.DueAt.Equal(want) {
		t.Errorf("DueAt without Now = %v, want %v", r.DueAt, want)
	}
}

func TestCreate_Rejects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 2, 17, 22, 0, 0, 0, time.UTC)
	s := newTestStore(t, now)

	_, err := s.Create(ctx, NewReminder{Workspace: "main", OwnerID: "u1", Expression: "yesterday", Message: "x"})
	var pe *UnparseableTimeError
	if !errors.As(err, &pe) {
		t.Fatalf("Create(yesterday) = %v, want *UnparseableTimeError", err)
	}

	_, err = s.Create(ctx, NewReminder{Workspace: "main", OwnerID: "u1", Expression: "in 5 minutes", Message: "  "})
	if !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("Create(blank) = %v, want ErrEmptyMessage", err)
	}

	all, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("stored %d reminders after rejected creates, want 0", len(all))
	}
}

func TestDueBefore_PagesInOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 2, 17, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, now)

	const total = 250
	for i := range total {
		// Many reminders share a due time so the id tiebreak is exercised.
		create(t, s, fmt.Sprintf("in %d minutes", i%40+1), fmt.Sprintf("r%d", i))
	}
	create(t, s, "in 5 hours", "later")

	var (
		count   int
		prevDue time.Time
		prevID  string
		seen    = map[string]bool{}
	)
	for r, err := range s.DueBefore(ctx, now.Add(time.Hour)) {
		if err != nil {
			t.Fatalf("DueBefore: %v", err)
		}
		if seen[r.ID] {
			t.Fatalf("reminder %s yielded twice", r.ID)
		}
		seen[r.ID] = true
		if r.DueAt.Before(prevDue) || (r.DueAt.Equal(prevDue) && r.ID < prevID) {
			t.Fatalf("out of order: %s@%v after %s@%v", r.ID, r.DueAt, prevID, prevDue)
		}
		prevDue, prevID = r.DueAt, r.ID
		count++
	}
	if count != total {
		t.Errorf("yielded %d reminders, want %d", count, total)
	}

	// Iterating must not change anything.
	pending, err := s.List(ctx, Filter{Status: StatusPending})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(pending) != total+1 {
		t.Errorf("pending = %d, want %d", len(pending), total+1)
	}
}

func TestDueBefore_StopsEarly(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 2, 17, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, now)
	for i := 1; i <= 3; i++ {
		create(t, s, fmt.Sprintf("in %d minutes", i), "x")
	}

	n := 0
	for _, err := range s.DueBefore(context.Background(), now.Add(time.Hour)) {
		if err != nil {
			t.Fatal(err)
		}
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Errorf("n = %d, want 2", n)
	}
}

func TestMarkFiredAndCancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 2, 17, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, now)

	fired := create(t, s, "in 1 minute", "a")
	cancelled := create(t, s, "in 2 minutes", "b")

	ok, err := s.MarkFired(ctx, fired.ID)
	if err != nil || !ok {
		t.Fatalf("MarkFired = %v, %v; want true, nil", ok, err)
	}
	ok, err = s.MarkFired(ctx, fired.ID)
	if err != nil || ok {
		t.Fatalf("second MarkFired = %v, %v; want false, nil", ok, err)
	}

	if err := s.Cancel(ctx, fired.ID); !errors.Is(err, ErrNotPending) {
		t.Errorf("Cancel fired = %v, want ErrNotPending", err)
	}
	if err := s.Cancel(ctx, "deadbeef"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Cancel unknown = %v, want ErrNotFound", err)
	}
	if err := s.Cancel(ctx, cancelled.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := s.Cancel(ctx, cancelled.ID); err != nil {
		t.Errorf("second Cancel = %v, want nil", err)
	}
	if ok, err := s.MarkFired(ctx, cancelled.ID); err != nil || ok {
		t.Errorf("MarkFired cancelled = %v, %v; want false, nil", ok, err)
	}

	got, err := s.Get(ctx, fired.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusFired || got.FiredAt.IsZero() {
		t.Errorf("fired reminder = %+v", got)
	}

	n := 0
	for _, err := range s.DueBefore(ctx, now.Add(time.Hour)) {
		if err != nil {
			t.Fatal(err)
		}
		n++
	}
	if n != 0 {
		t.Errorf("DueBefore yielded %d non-pending reminders", n)
	}
}

func TestRecordFailure_KeepsPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 2, 17, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, now)

	r := create(t, s, "in 1 minute", "a")
	if err := s.RecordFailure(ctx, r.ID, errors.New("chat unreachable")); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	got, err := s.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPending || got.Attempts != 1 || got.LastError != "chat unreachable" {
		t.Errorf("after failure = %+v", got)
	}

	n, err := s.CountPending(ctx, "main")
	if err != nil || n != 1 {
		t.Errorf("CountPending = %d, %v; want 1", n, err)
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 2, 17, 12, 0, 0, 0, time.UTC)
	r := &Reminder{ID: "3f9a1c2e", Message: "stretch", DueAt: now.Add(2 * time.Hour)}

	if got := FormatList(nil, now); got != "No pending reminders." {
		t.Errorf("FormatList(nil) = %q", got)
	}
	list := FormatList([]*Reminder{r}, now)
	for _, want := range []string{"1 pending reminder:", "3f9a1c2e", "stretch", "from now"} {
		if !strings.Contains(list, want) {
			t.Errorf("FormatList missing %q:\n%s", want, list)
		}
	}
	if got := FormatNotification(r); got != "⏰ Reminder\n\nstretch" {
		t.Errorf("FormatNotification = %q", got)
	}
	if got := FormatConfirmation(r, now); !strings.Contains(got, "3f9a1c2e") {
		t.Errorf("FormatConfirmation = %q", got)
	}
}
