// Package scheduler runs the periodic jobs of every workspace: heartbeat
// checks, the daily digest, reminder delivery and memory compaction.
//
// Each (job, workspace) pair moves Idle -> Due -> Running -> Idle. Run
// markers are persisted in SQLite before a run starts, so a restart right
// after a run does not fire it again.
package scheduler

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"

	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/channels"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/llm"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/memory"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/reminders"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/workspace"
)

// Kind names a scheduled job.
type Kind string

const (
	KindHeartbeat  Kind = "heartbeat"
	KindDigest     Kind = "digest"
	KindReminders  Kind = "reminders"
	KindCompaction Kind = "compaction"
)

// State is the lifecycle state of one job.
type State string

const (
	StateIdle    State = "idle"
	StateDue     State = "due"
	StateRunning State = "running"
)

// Config holds the scheduler loop settings.
type Config struct {
	// Tick is how often jobs are evaluated.
	Tick time.Duration `yaml:"tick"`

	// JobTimeout bounds a single run.
	JobTimeout time.Duration `yaml:"job_timeout"`

	// DeliveryTimeout bounds a single outbound message.
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
}

// DefaultConfig returns the default loop settings.
func DefaultConfig() Config {
	return Config{
		Tick:            time.Minute,
		JobTimeout:      5 * time.Minute,
		DeliveryTimeout: 30 * time.Second,
	}
}

// HeartbeatConfig configures the periodic self-check.
type HeartbeatConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`

	// AlertChatID is the global fallback chat for alerts and digests.
	AlertChatID string `yaml:"alert_chat_id"`

	// Prompt is the instruction sent on every check.
	Prompt string `yaml:"prompt"`

	MaxTokens int `yaml:"max_tokens"`
}

// DefaultHeartbeatConfig returns heartbeat defaults (every 30 minutes).
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Enabled:   true,
		Interval:  30 * time.Minute,
		Prompt:    DefaultHeartbeatPrompt,
		MaxTokens: 1024,
	}
}

// DigestConfig configures the daily digest.
type DigestConfig struct {
	Enabled bool `yaml:"enabled"`

	// Time is the local "HH:MM" the digest is sent at.
	Time string `yaml:"time"`

	// CatchupWindow is how late a missed digest may still be sent.
	CatchupWindow time.Duration `yaml:"catchup_window"`
}

// DefaultDigestConfig returns digest defaults (08:00, 2h catch-up).
func DefaultDigestConfig() DigestConfig {
	return DigestConfig{
		Enabled:       true,
		Time:          "08:00",
		CatchupWindow: 2 * time.Hour,
	}
}

// HeartbeatOK is the reply that means "nothing needs attention".
const HeartbeatOK = "HEARTBEAT_OK"

// DefaultHeartbeatPrompt is used when no prompt is configured and as the
// persona when the workspace has no HEARTBEAT.md.
const DefaultHeartbeatPrompt = "Read HEARTBEAT.md if it exists (workspace context). Follow it strictly. " +
	"Do not infer or repeat old tasks from prior chats. If nothing needs attention, reply HEARTBEAT_OK."

const (
	maxAlertLength   = 3500
	heartbeatHistory = 10
	maxCoalesce      = 10000
)

// ErrNoAlertTarget is returned when a workspace has nowhere to send alerts.
var ErrNoAlertTarget = errors.New("no alert chat configured")

// Workspaces is the subset of the registry the scheduler uses.
type Workspaces interface {
	List() []workspace.Info
	Handle(name string) (*workspace.Handle, error)
}

// ReminderQueue is the subset of the reminder store the scheduler uses.
type ReminderQueue interface {
	DueBefore(ctx context.Context, t time.Time) iter.Seq2[*reminders.Reminder, error]
	MarkFired(ctx context.Context, id string) (bool, error)
	RecordFailure(ctx context.Context, id string, cause error) error
	List(ctx context.Context, f reminders.Filter) ([]*reminders.Reminder, error)
}

// Compactor compacts a workspace's memory when it grows too large.
type Compactor interface {
	MaybeCompact(ctx context.Context, target memory.Target, threshold int) (memory.Result, error)
}

// Options wires a Scheduler. Workspaces and Runs are required; a job whose
// dependency is nil is not scheduled.
type Options struct {
	Config    Config
	Heartbeat HeartbeatConfig
	Digest    DigestConfig

	// CompactionCron is a 5-field cron expression evaluated in each
	// workspace's timezone. Empty disables scheduled compaction.
	CompactionCron string

	// AuthorizedUsers is the global allowlist, the last alert fallback.
	AuthorizedUsers []string

	Workspaces Workspaces
	Runs       RunStore
	Sender     channels.Sender
	Reminders  ReminderQueue
	Compactor  Compactor
	Generator  llm.Generator
}

// JobStatus is a snapshot of one job for status displays.
type JobStatus struct {
	Kind      Kind
	Workspace string
	State     State
	LastRunAt time.Time
	NextRunAt time.Time
	LastError string
	RunCount  int64
}

type jobKey struct {
	kind      Kind
	workspace string
}

type jobState struct {
	state     State
	lastRun   time.Time
	next      time.Time
	lastError string
	runs      int64
}

// decision is the outcome of evaluating one job at one instant.
type decision struct {
	run    bool
	skip   bool
	next   time.Time
	reason string
}

// Scheduler evaluates every job on each tick and dispatches due runs.
type Scheduler struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	anchor    time.Time
	jobs      map[jobKey]*jobState
	schedules map[string]cron.Schedule

	wg     sync.WaitGroup
	cancel context.CancelFunc
	done   chan struct{}
}

// New validates the options and creates a Scheduler.
func New(opts Options, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workspaces == nil {
		return nil, fmt.Errorf("scheduler: workspaces are required")
	}
	if opts.Runs == nil {
		return nil, fmt.Errorf("scheduler: run store is required")
	}

	def := DefaultConfig()
	if opts.Config.Tick <= 0 {
		opts.Config.Tick = def.Tick
	}
	if opts.Config.JobTimeout <= 0 {
		opts.Config.JobTimeout = def.JobTimeout
	}
	if opts.Config.DeliveryTimeout <= 0 {
		opts.Config.DeliveryTimeout = def.DeliveryTimeout
	}
	if opts.Heartbeat.Interval <= 0 {
		opts.Heartbeat.Interval = DefaultHeartbeatConfig().Interval
	}
	if opts.Heartbeat.Prompt == "" {
		opts.Heartbeat.Prompt = DefaultHeartbeatPrompt
	}
	if opts.Digest.Time == "" {
		opts.Digest.Time = DefaultDigestConfig().Time
	}
	if _, _, err := ParseClock(opts.Digest.Time); err != nil {
		return nil, fmt.Errorf("scheduler: digest time: %w", err)
	}

	s := &Scheduler{
		opts:      opts,
		logger:    logger.With("component", "scheduler"),
		now:       time.Now,
		jobs:      make(map[jobKey]*jobState),
		schedules: make(map[string]cron.Schedule),
	}
	if opts.CompactionCron != "" {
		if _, err := s.schedule(withTZ(time.UTC, opts.CompactionCron)); err != nil {
			return nil, fmt.Errorf("scheduler: compaction cron %q: %w", opts.CompactionCron, err)
		}
	}
	return s, nil
}

// SetClock overrides the time source.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Start runs Tick immediately and then on every interval until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.opts.Config.Tick)
		defer ticker.Stop()

		s.Tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()

	s.logger.Info("scheduler started",
		"tick", s.opts.Config.Tick,
		"heartbeat", s.opts.Heartbeat.Enabled && s.opts.Generator != nil,
		"digest", s.opts.Digest.Enabled,
		"compaction_cron", s.opts.CompactionCron,
	)
}

// Stop halts the tick loop and waits for in-flight runs (up to 10s).
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out waiting for running jobs")
	}
	s.logger.Info("scheduler stopped")
}

// Wait blocks until every dispatched run has finished.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Tick evaluates every job at the current time and dispatches the due ones.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	if s.anchor.IsZero() {
		s.anchor = now
	}
	s.mu.Unlock()

	if s.opts.Reminders != nil && s.opts.Sender != nil {
		s.consider(ctx, jobKey{KindReminders, ""}, now,
			func(Marker, bool) decision {
				return decision{run: true, next: now.Add(s.opts.Config.Tick)}
			},
			s.sweepReminders)
	}

	for _, info := range s.opts.Workspaces.List() {
		h, err := s.opts.Workspaces.Handle(info.Name)
		if err != nil {
			s.logger.Warn("workspace unavailable, skipping its jobs", "workspace", info.Name, "error", err)
			continue
		}
		s.tickWorkspace(ctx, h, now)
	}
}

func (s *Scheduler) tickWorkspace(ctx context.Context, h *workspace.Handle, now time.Time) {
	if s.heartbeatEnabled(h) {
		interval := h.Config.HeartbeatInterval
		if interval <= 0 {
			interval = s.opts.Heartbeat.Interval
		}
		s.consider(ctx, jobKey{KindHeartbeat, h.Name}, now,
			func(m Marker, ok bool) decision { return intervalDecision(m, ok, interval, now) },
			func(ctx context.Context) error { return s.runHeartbeat(ctx, h) })
	}

	if s.digestEnabled(h) {
		clock := h.Config.DigestTime
		if clock == "" {
			clock = s.opts.Digest.Time
		}
		hour, minute, err := ParseClock(clock)
		if err != nil {
			s.logger.Warn("invalid digest time", "workspace", h.Name, "time", clock, "error", err)
		} else if sched, err := s.schedule(withTZ(h.Location, fmt.Sprintf("%d %d * * *", minute, hour))); err != nil {
			s.logger.Warn("invalid digest schedule", "workspace", h.Name, "error", err)
		} else {
			s.consider(ctx, jobKey{KindDigest, h.Name}, now,
				func(m Marker, ok bool) decision {
					return cronDecision(sched, s.lastOrAnchor(m, ok), now, s.opts.Digest.CatchupWindow)
				},
				func(ctx context.Context) error { return s.runDigest(ctx, h, now) })
		}
	}

	if s.opts.Compactor != nil && s.opts.CompactionCron != "" {
		sched, err := s.schedule(withTZ(h.Location, s.opts.CompactionCron))
		if err != nil {
			s.logger.Warn("invalid compaction schedule", "workspace", h.Name, "error", err)
			return
		}
		s.consider(ctx, jobKey{KindCompaction, h.Name}, now,
			func(m Marker, ok bool) decision {
				return cronDecision(sched, s.lastOrAnchor(m, ok), now, 0)
			},
			func(ctx context.Context) error { return s.runCompaction(ctx, h) })
	}
}

func (s *Scheduler) heartbeatEnabled(h *workspace.Handle) bool {
	return s.opts.Heartbeat.Enabled && s.opts.Generator != nil && !h.Config.DisableHeartbeat
}

func (s *Scheduler) digestEnabled(h *workspace.Handle) bool {
	return s.opts.Digest.Enabled && s.opts.Sender != nil && !h.Config.DisableDigest
}

// lastOrAnchor returns the marker time, or scheduler start when the job
// never ran, so a fresh start after the daily time does not fire a stale run.
func (s *Scheduler) lastOrAnchor(m Marker, ok bool) time.Time {
	if ok {
		return m.LastRunAt
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anchor
}

// ---------- Due evaluation ----------

func intervalDecision(m Marker, ok bool, interval time.Duration, now time.Time) decision {
	if !ok {
		return decision{run: true, next: now.Add(interval)}
	}
	next := m.LastRunAt.Add(interval)
	if now.Before(next) {
		return decision{next: next}
	}
	return decision{run: true, next: now.Add(interval)}
}

// cronDecision finds the latest occurrence after last that is not in the
// future. Missed occurrences coalesce into one run; with a positive
// catchup window a run later than that is skipped instead.
func cronDecision(sched cron.Schedule, last, now time.Time, catchup time.Duration) decision {
	due := sched.Next(last)
	if due.IsZero() || now.Before(due) {
		return decision{next: due}
	}
	for range maxCoalesce {
		n := sched.Next(due)
		if n.IsZero() || n.After(now) {
			break
		}
		due = n
	}

	next := sched.Next(now)
	if late := now.Sub(due); catchup > 0 && late > catchup {
		return decision{
			skip:   true,
			next:   next,
			reason: fmt.Sprintf("skipped: run due at %s missed by %s", due.Format(time.RFC3339), late.Round(time.Second)),
		}
	}
	return decision{run: true, next: next}
}

// ParseClock parses a "HH:MM" wall-clock time.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	return t.Hour(), t.Minute(), nil
}

func withTZ(loc *time.Location, expr string) string {
	if strings.HasPrefix(expr, "CRON_TZ=") || strings.HasPrefix(expr, "TZ=") {
		return expr
	}
	if loc == nil {
		loc = time.UTC
	}
	return "CRON_TZ=" + loc.String() + " " + expr
}

func (s *Scheduler) schedule(spec string) (cron.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sched, ok := s.schedules[spec]; ok {
		return sched, nil
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, err
	}
	s.schedules[spec] = sched
	return sched, nil
}

// ---------- Dispatch ----------

func (s *Scheduler) consider(ctx context.Context, key jobKey, now time.Time, due func(Marker, bool) decision, run func(context.Context) error) {
	if s.busy(key) {
		return
	}

	m, ok, err := s.opts.Runs.Load(ctx, key.kind, key.workspace)
	if err != nil {
		s.logger.Error("failed to load job marker", "kind", key.kind, "workspace", key.workspace, "error", err)
		return
	}
	d := due(m, ok)

	s.mu.Lock()
	st := s.stateLocked(key)
	st.next = d.next
	if ok {
		st.lastRun, st.lastError, st.runs = m.LastRunAt, m.LastError, m.RunCount
	}
	s.mu.Unlock()

	switch {
	case d.skip:
		m.LastRunAt = now
		m.LastError = d.reason
		if err := s.opts.Runs.Save(ctx, m); err != nil {
			s.logger.Error("failed to persist job marker", "kind", key.kind, "workspace", key.workspace, "error", err)
			return
		}
		s.logger.Warn("missed run skipped", "kind", key.kind, "workspace", key.workspace, "reason", d.reason)
	case d.run:
		s.dispatch(ctx, key, now, m, run)
	}
}

func (s *Scheduler) busy(key jobKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[key]
	return ok && st.state != StateIdle
}

func (s *Scheduler) stateLocked(key jobKey) *jobState {
	st, ok := s.jobs[key]
	if !ok {
		st = &jobState{state: StateIdle}
		s.jobs[key] = st
	}
	return st
}

func (s *Scheduler) setState(key jobKey, state State) {
	s.mu.Lock()
	s.stateLocked(key).state = state
	s.mu.Unlock()
}

func (s *Scheduler) dispatch(ctx context.Context, key jobKey, now time.Time, m Marker, run func(context.Context) error) {
	s.mu.Lock()
	st := s.stateLocked(key)
	if st.state != StateIdle {
		s.mu.Unlock()
		s.logger.Debug("skipping job (already running)", "kind", key.kind, "workspace", key.workspace)
		return
	}
	st.state = StateDue
	s.mu.Unlock()

	// The marker goes to disk before the run so a crash mid-run does not
	// cause an immediate re-fire on restart.
	m.Kind, m.Workspace = key.kind, key.workspace
	m.LastRunAt = now
	m.LastRunID = ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
	m.LastError = ""
	m.RunCount++
	if err := s.opts.Runs.Save(ctx, m); err != nil {
		s.logger.Error("failed to persist job marker, run skipped",
			"kind", key.kind, "workspace", key.workspace, "error", err)
		s.setState(key, StateIdle)
		return
	}

	s.mu.Lock()
	st.state = StateRunning
	st.lastRun, st.runs, st.lastError = now, m.RunCount, ""
	s.mu.Unlock()

	log := s.logger.With("kind", key.kind, "workspace", key.workspace, "run", m.LastRunID)
	if key.kind != KindReminders {
		log.Info("executing scheduled job")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		start := time.Now()
		err := s.execute(ctx, run)
		duration := time.Since(start)

		if err != nil {
			m.LastError = err.Error()
			log.Error("scheduled job failed", "error", err, "duration", duration)
		} else if key.kind != KindReminders {
			log.Info("scheduled job completed", "duration", duration)
		}

		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if serr := s.opts.Runs.Save(saveCtx, m); serr != nil {
			log.Error("failed to persist job result", "error", serr)
		}
		cancel()

		s.mu.Lock()
		st.state = StateIdle
		st.lastError = m.LastError
		s.mu.Unlock()
	}()
}

func (s *Scheduler) execute(ctx context.Context, run func(context.Context) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Config.JobTimeout)
	defer cancel()

	// One bad job must not take the scheduler down.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return run(ctx)
}

// Status returns a snapshot of every known job, sorted by workspace and kind.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for key, st := range s.jobs {
		out = append(out, JobStatus{
			Kind:      key.kind,
			Workspace: key.workspace,
			State:     st.state,
			LastRunAt: st.lastRun,
			NextRunAt: st.next,
			LastError: st.lastError,
			RunCount:  st.runs,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Workspace != out[j].Workspace {
			return out[i].Workspace < out[j].Workspace
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}
