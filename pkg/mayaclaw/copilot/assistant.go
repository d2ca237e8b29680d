package copilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/channels"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/llm"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/memory"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/reminders"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/scheduler"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/workspace"
)

// apology is sent when a reply could not be produced.
const apology = "❌ Sorry, something went wrong. Please try again."

// sendTimeout bounds one outbound reply.
const sendTimeout = 30 * time.Second

// Jobs is the part of the scheduler the chat commands use.
type Jobs interface {
	CheckHeartbeat(ctx context.Context, h *workspace.Handle) (string, error)
	BuildDigest(ctx context.Context, h *workspace.Handle, now time.Time) (string, error)
	Status() []scheduler.JobStatus
}

// Options wires an Assistant. Registry, Generator and Channel are required;
// commands whose dependency is nil reply that the feature is unavailable.
type Options struct {
	Registry  *workspace.Registry
	Generator llm.Generator
	Channel   channels.Channel
	Compactor *memory.Compactor
	Reminders *reminders.Store
	Jobs      Jobs
	Reply     ReplyConfig

	// DefaultModel is shown by /model when no override is set.
	DefaultModel string

	// ModelAliases are the short names /model accepts.
	ModelAliases map[string]string
}

// Assistant turns inbound chat messages into workspace turns and replies.
type Assistant struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	pendingMu sync.Mutex
	pending   map[string]*memory.Preview // workspace + sender -> preview

	modelsMu sync.Mutex
	models   map[string]string // workspace -> session model override

	lanesMu sync.Mutex
	lanes   map[string]*lane // chat id -> queued messages

	wg     sync.WaitGroup
	cancel context.CancelFunc
	done   chan struct{}
}

// lane serialises the messages of one chat so its turns are appended in
// arrival order.
type lane struct {
	queue []*channels.IncomingMessage
}

// New creates an Assistant.
func New(opts Options, logger *slog.Logger) (*Assistant, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch {
	case opts.Registry == nil:
		return nil, errors.New("assistant: registry is required")
	case opts.Generator == nil:
		return nil, errors.New("assistant: generator is required")
	case opts.Channel == nil:
		return nil, errors.New("assistant: channel is required")
	}
	def := DefaultConfig().Reply
	if opts.Reply.HistoryLimit <= 0 {
		opts.Reply.HistoryLimit = def.HistoryLimit
	}
	if opts.Reply.Timeout <= 0 {
		opts.Reply.Timeout = def.Timeout
	}
	return &Assistant{
		opts:    opts,
		logger:  logger.With("component", "assistant"),
		now:     time.Now,
		pending: make(map[string]*memory.Preview),
		models:  make(map[string]string),
		lanes:   make(map[string]*lane),
	}, nil
}

// SetClock overrides the time source (tests).
func (a *Assistant) SetClock(now func() time.Time) { a.now = now }

// Start consumes the channel's inbound messages until Stop or ctx ends.
// The channel must already be connected.
func (a *Assistant) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	go a.receiveLoop(ctx)
	a.logger.Info("assistant started", "channel", a.opts.Channel.Name())
}

// Stop stops receiving and waits for in-flight messages and background
// compactions to finish.
func (a *Assistant) Stop() {
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
	a.wg.Wait()
	a.logger.Info("assistant stopped")
}

// ApplyConfig swaps in a reloaded configuration. Only the workspace layout
// is hot-reloadable; other changes need a restart.
func (a *Assistant) ApplyConfig(cfg *Config) {
	if err := a.opts.Registry.Reload(cfg.WorkspaceSettings()); err != nil {
		a.logger.Error("workspace reload rejected", "err", err)
	}
}

func (a *Assistant) receiveLoop(ctx context.Context) {
	defer close(a.done)
	inbox := a.opts.Channel.Receive()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbox:
			if !ok {
				return
			}
			a.enqueue(ctx, msg)
		}
	}
}

func (a *Assistant) enqueue(ctx context.Context, msg *channels.IncomingMessage) {
	a.lanesMu.Lock()
	l, running := a.lanes[msg.ChatID]
	if !running {
		l = &lane{}
		a.lanes[msg.ChatID] = l
	}
	l.queue = append(l.queue, msg)
	a.lanesMu.Unlock()

	if !running {
		a.wg.Add(1)
		go a.drain(ctx, msg.ChatID, l)
	}
}

// drain handles a chat's queue until it is empty. Handlers run detached
// from ctx so a message being answered at shutdown still gets its reply;
// messages still queued at that point are dropped.
func (a *Assistant) drain(ctx context.Context, chatID string, l *lane) {
	defer a.wg.Done()
	for {
		a.lanesMu.Lock()
		if len(l.queue) == 0 || ctx.Err() != nil {
			if n := len(l.queue); n > 0 {
				a.logger.Warn("dropping queued messages at shutdown", "chat", chatID, "count", n)
			}
			delete(a.lanes, chatID)
			a.lanesMu.Unlock()
			return
		}
		msg := l.queue[0]
		l.queue = l.queue[1:]
		a.lanesMu.Unlock()

		if err := a.HandleMessage(context.WithoutCancel(ctx), msg); err != nil {
			a.logger.Error("message handling failed", "chat", chatID, "from", msg.From, "err", err)
		}
	}
}

// HandleMessage processes one inbound message: resolves its workspace,
// runs commands, or records the turn, generates a reply and sends it.
func (a *Assistant) HandleMessage(ctx context.Context, msg *channels.IncomingMessage) error {
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return nil
	}
	cmd, args := parseCommand(content)

	if cmd == "/workspace" && args != "" && !msg.IsGroup {
		return a.reply(ctx, msg, a.switchWorkspace(ctx, msg, args))
	}

	h, err := a.opts.Registry.Resolve(ctx, workspace.Request{
		SenderID: msg.From,
		ChatID:   msg.ChatID,
		IsGroup:  msg.IsGroup,
	})
	if err != nil {
		return a.deny(ctx, msg, cmd, err)
	}

	if msg.IsGroup && cmd == "" && h.Config.ListenMode == workspace.ListenMentions && !msg.Mentioned {
		return nil
	}

	if cmd != "/compact" {
		a.clearPending(h.Name, msg.From)
	}
	if cmd != "" {
		return a.reply(ctx, msg, a.runCommand(ctx, h, msg, cmd, args))
	}
	return a.converse(ctx, h, msg, content)
}

// deny answers a message that could not be resolved to a workspace. Group
// chatter that was not addressed to the assistant is ignored silently.
func (a *Assistant) deny(ctx context.Context, msg *channels.IncomingMessage, cmd string, err error) error {
	var authErr *workspace.AuthorizationError
	switch {
	case errors.As(err, &authErr):
		a.logger.Warn("message denied",
			"from", msg.From, "chat", msg.ChatID, "workspace", authErr.Workspace, "reason", authErr.Reason)
		if msg.IsGroup && cmd == "" && !msg.Mentioned {
			return nil
		}
		if authErr.Workspace != "" {
			return a.reply(ctx, msg, fmt.Sprintf("⛔ Not authorized for `%s`.", authErr.Workspace))
		}
		return a.reply(ctx, msg, "⛔ Not authorized.")

	case errors.Is(err, workspace.ErrUnknownWorkspace):
		return a.reply(ctx, msg, "❌ Unknown workspace.")

	default:
		_ = a.reply(ctx, msg, apology)
		return fmt.Errorf("resolve workspace: %w", err)
	}
}

// converse records the user turn, generates the reply and records it.
func (a *Assistant) converse(ctx context.Context, h *workspace.Handle, msg *channels.IncomingMessage, content string) error {
	logger := a.logger.With("workspace", h.Name, "chat", msg.ChatID)
	author := authorOf(h, msg)

	userTurn, err := h.Store.AppendTurn(ctx, workspace.HistoryEntry{
		Role:     workspace.RoleUser,
		AuthorID: author,
		Content:  content,
	})
	if err != nil {
		_ = a.reply(ctx, msg, apology)
		return err
	}
	// Every recorded turn is a compaction trigger, whether or not a reply
	// follows.
	defer a.compactLater(h)

	a.typing(ctx, msg)

	req, err := a.buildRequest(ctx, h, msg, userTurn)
	if err != nil {
		_ = a.reply(ctx, msg, apology)
		return err
	}

	start := time.Now()
	gctx, cancel := context.WithTimeout(ctx, a.opts.Reply.Timeout)
	resp, err := a.opts.Generator.Generate(gctx, req)
	cancel()
	if err == nil && strings.TrimSpace(resp.Content) == "" {
		err = fmt.Errorf("%w: empty reply", llm.ErrUpstreamFailure)
	}
	if err != nil {
		logger.Warn("reply generation failed",
			"timeout", errors.Is(err, llm.ErrUpstreamTimeout), "err", err)
		return a.reply(ctx, msg, apology)
	}
	text := strings.TrimSpace(resp.Content)
	logger.Debug("reply generated", "model", resp.Model, "duration_ms", time.Since(start).Milliseconds())

	// The reply is still delivered when it cannot be recorded; the error is
	// reported to the caller.
	_, appendErr := h.Store.AppendTurn(ctx, workspace.HistoryEntry{
		Role:     workspace.RoleAssistant,
		AuthorID: author,
		Content:  text,
	})

	if err := a.reply(ctx, msg, text); err != nil {
		return errors.Join(appendErr, err)
	}
	return appendErr
}

// buildRequest assembles persona, memory and recent history for a reply.
// The turn being answered is passed separately, not as history.
func (a *Assistant) buildRequest(ctx context.Context, h *workspace.Handle, msg *channels.IncomingMessage, turn workspace.HistoryEntry) (llm.Request, error) {
	persona, err := h.Store.Persona()
	if err != nil {
		return llm.Request{}, err
	}
	now := a.now().In(h.Location)
	persona = strings.TrimSpace(persona + "\n\n---\n\nCurrent time: " + now.Format("Monday, 2 January 2006 15:04 MST"))

	doc, err := h.Store.ReadMemory(ctx)
	if err != nil {
		return llm.Request{}, err
	}

	limit := h.Config.HistoryLimit
	if limit <= 0 {
		limit = a.opts.Reply.HistoryLimit
	}
	recent, err := h.Store.ReadRecent(ctx, limit+1, h.Perspective)
	if err != nil {
		return llm.Request{}, err
	}
	recent = slices.DeleteFunc(recent, func(e workspace.HistoryEntry) bool {
		return e.Sequence == turn.Sequence
	})
	if len(recent) > limit {
		recent = recent[len(recent)-limit:]
	}

	text := turn.Content
	if h.Config.Mode == workspace.ModeGroup {
		text = speakerName(msg) + ": " + text
	}
	return llm.Request{
		Persona:   persona,
		Memory:    doc.Text,
		History:   llm.HistoryMessages(recent),
		Turn:      text,
		Model:     a.modelFor(h),
		MaxTokens: a.opts.Reply.MaxTokens,
	}, nil
}

// compactLater runs MaybeCompact in the background. Stop waits for it.
func (a *Assistant) compactLater(h *workspace.Handle) {
	if a.opts.Compactor == nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		res, err := a.opts.Compactor.MaybeCompact(context.Background(), h.Store, h.Config.CompactionThreshold)
		if err != nil {
			a.logger.Error("background compaction failed", "workspace", h.Name, "err", err)
			return
		}
		if res.Status == memory.Compacted {
			a.logger.Info("memory compacted in background",
				"workspace", h.Name, "before", res.Before, "after", res.After, "version", res.Version)
		}
	}()
}

func (a *Assistant) typing(ctx context.Context, msg *channels.IncomingMessage) {
	tc, ok := a.opts.Channel.(channels.TypingChannel)
	if !ok {
		return
	}
	if err := tc.SendTyping(ctx, msg.ChatID); err != nil {
		a.logger.Debug("typing indicator failed", "chat", msg.ChatID, "err", err)
	}
}

// reply sends text back to the message's chat. In groups it quotes the
// message being answered.
func (a *Assistant) reply(ctx context.Context, msg *channels.IncomingMessage, text string) error {
	if text == "" {
		return nil
	}
	out := &channels.OutgoingMessage{Content: text}
	if msg.IsGroup {
		out.ReplyTo = msg.ID
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	if err := a.opts.Channel.Send(sctx, msg.ChatID, out); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

// authorOf is the AuthorID recorded for a turn: the sender in shared
// modes, nobody in single mode.
func authorOf(h *workspace.Handle, msg *channels.IncomingMessage) string {
	if h.Config.Mode == workspace.ModeSingle {
		return ""
	}
	return msg.From
}

func speakerName(msg *channels.IncomingMessage) string {
	if msg.FromName != "" {
		return msg.FromName
	}
	return msg.From
}

// ---------- Session models ----------

// modelFor returns the model requested for h: the /model override, then
// the workspace config. Empty means the generator default.
func (a *Assistant) modelFor(h *workspace.Handle) string {
	a.modelsMu.Lock()
	m, ok := a.models[h.Name]
	a.modelsMu.Unlock()
	if ok {
		return m
	}
	return h.Config.Model
}

func (a *Assistant) displayModel(h *workspace.Handle) string {
	if m := a.modelFor(h); m != "" {
		return m
	}
	if a.opts.DefaultModel != "" {
		return a.opts.DefaultModel
	}
	return "default"
}

func (a *Assistant) setModel(ws, model string) {
	a.modelsMu.Lock()
	defer a.modelsMu.Unlock()
	if model == "" {
		delete(a.models, ws)
		return
	}
	a.models[ws] = model
}

// ---------- Pending compaction previews ----------

func pendingKey(ws, sender string) string { return ws + "\x00" + sender }

func (a *Assistant) setPending(ws, sender string, p *memory.Preview) {
	a.pendingMu.Lock()
	a.pending[pendingKey(ws, sender)] = p
	a.pendingMu.Unlock()
}

func (a *Assistant) takePending(ws, sender string) *memory.Preview {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	key := pendingKey(ws, sender)
	p := a.pending[key]
	delete(a.pending, key)
	return p
}

func (a *Assistant) clearPending(ws, sender string) {
	a.pendingMu.Lock()
	delete(a.pending, pendingKey(ws, sender))
	a.pendingMu.Unlock()
}
