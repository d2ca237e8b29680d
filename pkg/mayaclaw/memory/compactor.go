// Package memory compacts workspace memory documents once they outgrow a
// size threshold, and extracts highlights for the daily digest.
package memory

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/workspace"
)

// ErrNothingToCompact is returned by Preview for empty or small memory.
var ErrNothingToCompact = errors.New("memory too small to compact")

// Target is the slice of a workspace store the compactor needs.
type Target interface {
	Name() string
	ReadMemory(ctx context.Context) (workspace.MemoryDocument, error)
	ReadRecent(ctx context.Context, n int, perspective string) ([]workspace.HistoryEntry, error)
	ReplaceMemory(ctx context.Context, text string, expectedVersion int64) (workspace.MemoryDocument, error)
}

// SummaryRequest is the input to a summarization call.
type SummaryRequest struct {
	Workspace string
	Memory    string
	History   []workspace.HistoryEntry
}

// Summarizer produces the replacement memory text.
type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (string, error)
}

// Config holds compaction settings.
type Config struct {
	// ThresholdChars triggers compaction when memory exceeds it (default: 4000).
	ThresholdChars int `yaml:"threshold_chars"`

	// HistoryWindow is how many recent turns accompany the memory (default: 20).
	HistoryWindow int `yaml:"history_window"`

	// Timeout bounds one summarization call (default: 2m).
	Timeout time.Duration `yaml:"timeout"`

	// MinPreviewChars is the smallest memory a manual preview accepts (default: 500).
	MinPreviewChars int `yaml:"min_preview_chars"`

	// Cron schedules a nightly compaction pass (default: "0 3 * * *"; "" disables).
	Cron string `yaml:"cron"`
}

// DefaultConfig returns the default compaction settings.
func DefaultConfig() Config {
	return Config{
		ThresholdChars:  4000,
		HistoryWindow:   20,
		Timeout:         2 * time.Minute,
		MinPreviewChars: 500,
		Cron:            "0 3 * * *",
	}
}

// Status is the outcome of a compaction attempt.
type Status int

const (
	Unchanged Status = iota
	Compacted
)

func (s Status) String() string {
	if s == Compacted {
		return "compacted"
	}
	return "unchanged"
}

// Result describes one MaybeCompact or Commit call.
type Result struct {
	Status  Status
	Version int64
	Before  int
	After   int

	// Conflict is set when a concurrent write won the compare-and-swap.
	Conflict bool

	// TimedOut is set when the summarization call ran out of time.
	TimedOut bool

	// EventID identifies the compaction attempt in logs.
	EventID string
}

// Preview is a dry-run compaction awaiting operator confirmation.
type Preview struct {
	Workspace   string
	BaseVersion int64
	Original    string
	Candidate   string
	Before      int
	After       int
	CreatedAt   time.Time
}

// Reduction returns the size reduction in percent.
func (p *Preview) Reduction() float64 {
	if p.Before == 0 {
		return 0
	}
	return float64(p.Before-p.After) / float64(p.Before) * 100
}

// Summary renders the before/after line shown to the operator.
func (p *Preview) Summary() string {
	return fmt.Sprintf("Original: %d chars → Compacted: %d chars (%.0f%% reduction)", p.Before, p.After, p.Reduction())
}

// ---------- Compactor ----------

// Compactor runs at most one summarization per workspace at a time.
// Concurrent MaybeCompact calls for one workspace share a single result.
type Compactor struct {
	cfg        Config
	summarizer Summarizer
	logger     *slog.Logger
	now        func() time.Time

	group singleflight.Group

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a compactor.
func New(cfg Config, summarizer Summarizer, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.ThresholdChars <= 0 {
		cfg.ThresholdChars = def.ThresholdChars
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = def.HistoryWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MinPreviewChars <= 0 {
		cfg.MinPreviewChars = def.MinPreviewChars
	}
	return &Compactor{
		cfg:        cfg,
		summarizer: summarizer,
		logger:     logger.With("component", "compactor"),
		now:        time.Now,
		locks:      make(map[string]*sync.Mutex),
	}
}

// Config returns the effective settings.
func (c *Compactor) Config() Config { return c.cfg }

// MaybeCompact compacts the target's memory if it is larger than threshold
// characters (0 uses the configured default). Upstream failures, timeouts
// and lost compare-and-swap races yield Unchanged with a nil error; only
// storage failures are returned.
func (c *Compactor) MaybeCompact(ctx context.Context, target Target, threshold int) (Result, error) {
	if threshold <= 0 {
		threshold = c.cfg.ThresholdChars
	}
	doc, err := target.ReadMemory(ctx)
	if err != nil {
		return Result{}, err
	}
	if size(doc.Text) <= threshold {
		return Result{Status: Unchanged, Version: doc.Version, Before: size(doc.Text)}, nil
	}

	v, err, shared := c.group.Do(target.Name(), func() (any, error) {
		return c.compact(ctx, target, threshold)
	})
	if shared {
		c.logger.Debug("joined in-flight compaction", "workspace", target.Name())
	}
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (c *Compactor) compact(ctx context.Context, target Target, threshold int) (Result, error) {
	unlock := c.lock(target.Name())
	defer unlock()

	eventID := newEventID()
	log := c.logger.With("workspace", target.Name(), "event", eventID)

	// Re-read under the lock: another path may have compacted already.
	doc, err := target.ReadMemory(ctx)
	if err != nil {
		return Result{}, err
	}
	before := size(doc.Text)
	if before <= threshold {
		return Result{Status: Unchanged, Version: doc.Version, Before: before, EventID: eventID}, nil
	}

	candidate, res, err := c.summarize(ctx, target, doc)
	res.EventID = eventID
	res.Before = before
	if err != nil {
		return Result{}, err
	}
	if res.TimedOut || candidate == "" {
		log.Warn("compaction skipped", "timed_out", res.TimedOut)
		res.Version = doc.Version
		return res, nil
	}

	newDoc, err := target.ReplaceMemory(ctx, candidate, doc.Version)
	if errors.Is(err, workspace.ErrConcurrentModification) {
		log.Warn("compaction aborted, memory changed concurrently", "base_version", doc.Version)
		res.Conflict = true
		res.Version = newDoc.Version
		return res, nil
	}
	if err != nil {
		return Result{}, err
	}

	res.Status = Compacted
	res.Version = newDoc.Version
	res.After = size(candidate)
	log.Info("memory compacted", "before", before, "after", res.After, "version", newDoc.Version)
	return res, nil
}

// summarize calls the summarizer with a detached, bounded context so one
// caller's cancellation does not abort a result shared with others. Upstream
// failures are absorbed into an Unchanged result.
func (c *Compactor) summarize(ctx context.Context, target Target, doc workspace.MemoryDocument) (string, Result, error) {
	history, err := target.ReadRecent(ctx, c.cfg.HistoryWindow, "")
	if err != nil {
		return "", Result{}, err
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
	defer cancel()

	text, err := c.summarizer.Summarize(sctx, SummaryRequest{
		Workspace: target.Name(),
		Memory:    doc.Text,
		History:   history,
	})
	if err != nil {
		timedOut := errors.Is(err, context.DeadlineExceeded) || sctx.Err() != nil || isUpstreamTimeout(err)
		c.logger.Warn("summarization failed", "workspace", target.Name(), "timed_out", timedOut, "err", err)
		return "", Result{Status: Unchanged, TimedOut: timedOut}, nil
	}
	return strings.TrimSpace(text), Result{Status: Unchanged}, nil
}

// Preview computes a candidate replacement without writing it.
func (c *Compactor) Preview(ctx context.Context, target Target) (*Preview, error) {
	unlock := c.lock(target.Name())
	defer unlock()

	doc, err := target.ReadMemory(ctx)
	if err != nil {
		return nil, err
	}
	if size(strings.TrimSpace(doc.Text)) < c.cfg.MinPreviewChars {
		return nil, ErrNothingToCompact
	}

	candidate, res, err := c.summarize(ctx, target, doc)
	if err != nil {
		return nil, err
	}
	if candidate == "" {
		if res.TimedOut {
			return nil, fmt.Errorf("compaction preview: summarization timed out")
		}
		return nil, fmt.Errorf("compaction preview: summarization failed")
	}
	return &Preview{
		Workspace:   target.Name(),
		BaseVersion: doc.Version,
		Original:    doc.Text,
		Candidate:   candidate,
		Before:      size(doc.Text),
		After:       size(candidate),
		CreatedAt:   c.now(),
	}, nil
}

// Commit writes a confirmed preview. If memory changed since the preview was
// taken the error matches workspace.ErrConcurrentModification.
func (c *Compactor) Commit(ctx context.Context, target Target, p *Preview) (Result, error) {
	if p == nil || p.Workspace != target.Name() {
		return Result{}, errors.New("compaction commit: preview does not belong to this workspace")
	}
	unlock := c.lock(target.Name())
	defer unlock()

	doc, err := target.ReplaceMemory(ctx, p.Candidate, p.BaseVersion)
	if err != nil {
		return Result{}, fmt.Errorf("compaction commit: %w", err)
	}
	eventID := newEventID()
	c.logger.Info("memory compacted from preview", "workspace", target.Name(), "event", eventID,
		"before", p.Before, "after", p.After, "version", doc.Version)
	return Result{Status: Compacted, Version: doc.Version, Before: p.Before, After: p.After, EventID: eventID}, nil
}

func (c *Compactor) lock(name string) func() {
	c.locksMu.Lock()
	m, ok := c.locks[name]
	if !ok {
		m = &sync.Mutex{}
		c.locks[name] = m
	}
	c.locksMu.Unlock()
	m.Lock()
	return m.Unlock
}

func size(s string) int { return utf8.RuneCountInString(s) }

func newEventID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
