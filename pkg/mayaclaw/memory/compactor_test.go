package memory

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/workspace"
)

type fakeSummarizer struct {
	calls  atomic.Int32
	result string
	err    error

	// hook runs inside Summarize before returning.
	hook func(ctx context.Context) error
}

func (f *fakeSummarizer) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	f.calls.Add(1)
	if f.hook != nil {
		if err := f.hook(ctx); err != nil {
			return "", err
		}
	}
	return f.result, f.err
}

func newStore(t *testing.T) *workspace.Store {
	t.Helper()
	dir := t.TempDir()
	return workspace.NewStore("main", filepath.Join(dir, "main"), "", workspace.NewFileBackend(dir, nil), nil)
}

func seedMemory(t *testing.T, s *workspace.Store, n int) {
	t.Helper()
	if _, err := s.ReplaceMemory(context.Background(), strings.Repeat("m", n), 0); err != nil {
		t.Fatalf("seed memory: %v", err)
	}
}

func TestMaybeCompact_BelowThresholdIsNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	seedMemory(t, s, 100)

	sum := &fakeSummarizer{result: "short"}
	c := New(Config{ThresholdChars: 500}, sum, nil)

	for i := 0; i < 2; i++ {
		res, err := c.MaybeCompact(ctx, s, 0)
		if err != nil {
			t.Fatalf("MaybeCompact: %v", err)
		}
		if res.Status != Unchanged {
			t.Errorf("run %d status = %s, want unchanged", i, res.Status)
		}
	}
	if n := sum.calls.Load(); n != 0 {
		t.Errorf("summarizer calls = %d, want 0", n)
	}
}

func TestMaybeCompact_ThresholdScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	seedMemory(t, s, 600)

	if _, err := s.AppendTurn(ctx, workspace.HistoryEntry{Role: workspace.RoleUser, Content: "note this"}); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	sum := &fakeSummarizer{result: "# Facts\n- compacted"}
	c := New(Config{ThresholdChars: 500}, sum, nil)

	res, err := c.MaybeCompact(ctx, s, 0)
	if err != nil {
		t.Fatalf("MaybeCompact: %v", err)
	}
	if res.Status != Compacted {
		t.Fatalf("status = %s, want compacted", res.Status)
	}
	if res.Version != 2 {
		t.Errorf("version = %d, want 2", res.Version)
	}
	if n := sum.calls.Load(); n != 1 {
		t.Errorf("summarizer calls = %d, want 1", n)
	}

	doc, _ := s.ReadMemory(ctx)
	if doc.Text != "# Facts\n- compacted" || doc.Version != 2 {
		t.Errorf("memory = %q v%d", doc.Text, doc.Version)
	}

	// Now below threshold: a second trigger does nothing.
	res, err = c.MaybeCompact(ctx, s, 0)
	if err != nil || res.Status != Unchanged {
		t.Errorf("second run = %s, %v; want unchanged", res.Status, err)
	}
	if n := sum.calls.Load(); n != 1 {
		t.Errorf("summarizer calls = %d, want 1", n)
	}
}

func TestMaybeCompact_SingleFlight(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	seedMemory(t, s, 800)

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	sum := &fakeSummarizer{
		result: "compacted",
		hook: func(context.Context) error {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
			return nil
		},
	}
	c := New(Config{ThresholdChars: 500}, sum, nil)

	const callers = 5
	results := make([]Result, callers)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = c.MaybeCompact(ctx, s, 0)
	}()
	<-entered

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			results[i], err = c.MaybeCompact(ctx, s, 0)
			if err != nil {
				t.Errorf("MaybeCompact: %v", err)
			}
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := sum.calls.Load(); n != 1 {
		t.Errorf("summarizer calls = %d, want 1", n)
	}
	doc, _ := s.ReadMemory(ctx)
	if doc.Version != 2 {
		t.Errorf("version = %d, want 2", doc.Version)
	}
	for i, r := range results {
		if r.Status == Compacted && r.Version != 2 {
			t.Errorf("caller %d saw version %d", i, r.Version)
		}
	}
}

func TestMaybeCompact_ConflictAborts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	seedMemory(t, s, 600)

	sum := &fakeSummarizer{
		result: "summary",
		hook: func(ctx context.Context) error {
			_, err := s.AppendMemory(ctx, "remember the milk")
			return err
		},
	}
	c := New(Config{ThresholdChars: 500}, sum, nil)

	res, err := c.MaybeCompact(ctx, s, 0)
	if err != nil {
		t.Fatalf("MaybeCompact: %v", err)
	}
	if res.Status != Unchanged || !res.Conflict {
		t.Errorf("result = %+v, want unchanged with conflict", res)
	}
	doc, _ := s.ReadMemory(ctx)
	if !strings.Contains(doc.Text, "remember the milk") {
		t.Error("concurrent note lost")
	}
	if doc.Version != 2 {
		t.Errorf("version = %d, want 2", doc.Version)
	}
	if n := sum.calls.Load(); n != 1 {
		t.Errorf("summarizer calls = %d, want 1 (no retry)", n)
	}
}

func TestMaybeCompact_TimeoutIsUnchanged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	seedMemory(t, s, 600)

	sum := &fakeSummarizer{
		hook: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	c := New(Config{ThresholdChars: 500, Timeout: 20 * time.Millisecond}, sum, nil)

	res, err := c.MaybeCompact(ctx, s, 0)
	if err != nil {
		t.Fatalf("MaybeCompact: %v", err)
	}
	if res.Status != Unchanged || !res.TimedOut {
		t.Errorf("result = %+v, want unchanged/timed out", res)
	}
	doc, _ := s.ReadMemory(ctx)
	if doc.Version != 1 {
		t.Errorf("version = %d, want 1", doc.Version)
	}
}

func TestMaybeCompact_UpstreamFailureIsUnchanged(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	seedMemory(t, s, 600)

	c := New(Config{ThresholdChars: 500}, &fakeSummarizer{err: errors.New("502")}, nil)
	res, err := c.MaybeCompact(context.Background(), s, 0)
	if err != nil || res.Status != Unchanged {
		t.Errorf("result = %+v, %v; want unchanged, nil", res, err)
	}
}

func TestMaybeCompact_PerWorkspaceThreshold(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	seedMemory(t, s, 600)

	sum := &fakeSummarizer{result: "x"}
	c := New(Config{ThresholdChars: 4000}, sum, nil)

	res, err := c.MaybeCompact(context.Background(), s, 500)
	if err != nil || res.Status != Compacted {
		t.Errorf("result = %+v, %v; want compacted", res, err)
	}
}

func TestPreviewAndCommit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	seedMemory(t, s, 1000)

	c := New(Config{}, &fakeSummarizer{result: strings.Repeat("c", 250)}, nil)

	p, err := c.Preview(ctx, s)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if p.BaseVersion != 1 || p.Before != 1000 || p.After != 250 {
		t.Errorf("preview = %+v", p)
	}
	if got := p.Summary(); got != "Original: 1000 chars → Compacted: 250 chars (75% reduction)" {
		t.Errorf("Summary = %q", got)
	}

	doc, _ := s.ReadMemory(ctx)
	if doc.Version != 1 {
		t.Fatalf("preview wrote memory: version %d", doc.Version)
	}

	res, err := c.Commit(ctx, s, p)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if res.Status != Compacted || res.Version != 2 {
		t.Errorf("commit = %+v", res)
	}

	if _, err := c.Commit(ctx, s, p); !errors.Is(err, workspace.ErrConcurrentModification) {
		t.Errorf("stale commit err = %v, want ErrConcurrentModification", err)
	}
}

func TestPreview_TooSmall(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	seedMemory(t, s, 100)

	c := New(Config{}, &fakeSummarizer{result: "x"}, nil)
	if _, err := c.Preview(context.Background(), s); !errors.Is(err, ErrNothingToCompact) {
		t.Errorf("err = %v, want ErrNothingToCompact", err)
	}
}
