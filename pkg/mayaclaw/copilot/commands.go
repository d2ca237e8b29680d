// Package copilot – commands.go implements the chat commands:
//
//	/workspace [name]      - Show or switch the current workspace
//	/workspaces            - List the workspaces you can use
//	/remember <note>       - Append a note to memory
//	/memory                - Show the memory document
//	/remind <when> | <msg> - Set a reminder ("<when> to <msg>" also works)
//	/reminders             - List pending reminders
//	/cancel <id>           - Cancel a reminder
//	/compact [yes]         - Preview a memory compaction, then apply it
//	/heartbeat             - Run the heartbeat check now
//	/digest                - Show today's digest
//	/catchup               - Summarize other members' recent turns (shared-dm)
//	/model [name]          - Show or switch the workspace model
//	/status                - Show workspace status
//	/help                  - Show available commands
package copilot

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/channels"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/llm"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/memory"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/reminders"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/workspace"
)

// maxPreviewLength caps memory and preview text shown in chat.
const maxPreviewLength = 3500

const helpText = `📚 Commands

Workspaces
/workspace — Show the current workspace
/workspace <name> — Switch workspace
/workspaces — List your workspaces
/catchup — Summarize what others discussed (shared workspaces)
/model [name] — Show or switch the model
/status — Workspace status

Memory
/remember <note> — Save a note to memory
/memory — Show memory
/compact — Preview a memory compaction
/compact yes — Apply the previewed compaction

Reminders
/remind <when> | <message> — Set a reminder
/remind <when> to <message> — Same, without the bar
/reminders — List pending reminders
/cancel <id> — Cancel a reminder

Scheduled
/heartbeat — Run the heartbeat check now
/digest — Show today's digest`

var modeEmoji = map[workspace.Mode]string{
	workspace.ModeSingle:   "👤",
	workspace.ModeSharedDM: "👥",
	workspace.ModeGroup:    "💬",
}

// parseCommand splits "/cmd@bot args" into ("/cmd", "args"). Messages that
// are not commands yield "".
func parseCommand(content string) (cmd, args string) {
	if !strings.HasPrefix(content, "/") {
		return "", ""
	}
	name, rest := content, ""
	if i := strings.IndexFunc(content, unicode.IsSpace); i > 0 {
		name, rest = content[:i], content[i:]
	}
	if at := strings.IndexByte(name, '@'); at > 0 {
		name = name[:at]
	}
	return strings.ToLower(name), strings.TrimSpace(rest)
}

func (a *Assistant) runCommand(ctx context.Context, h *workspace.Handle, msg *channels.IncomingMessage, cmd, args string) string {
	switch cmd {
	case "/start", "/help":
		return helpText
	case "/workspace":
		return a.cmdWorkspace(h, msg, args)
	case "/workspaces":
		return a.cmdWorkspaces(h, msg)
	case "/remember":
		return a.cmdRemember(ctx, h, args)
	case "/memory":
		return a.cmdMemory(ctx, h)
	case "/remind":
		return a.cmdRemind(ctx, h, msg, args)
	case "/reminders":
		return a.cmdReminders(ctx, h, msg)
	case "/cancel":
		return a.cmdCancel(ctx, h, msg, args)
	case "/compact":
		return a.cmdCompact(ctx, h, msg, args)
	case "/heartbeat":
		return a.cmdHeartbeat(ctx, h)
	case "/digest":
		return a.cmdDigest(ctx, h)
	case "/status":
		return a.cmdStatus(ctx, h)
	case "/catchup":
		return a.cmdCatchup(ctx, h, msg)
	case "/model":
		return a.cmdModel(h, args)
	default:
		return fmt.Sprintf("Unknown command %s. Send /help for the list.", cmd)
	}
}

// ---------- Workspaces ----------

func (a *Assistant) switchWorkspace(ctx context.Context, msg *channels.IncomingMessage, args string) string {
	target := strings.ToLower(strings.Fields(args)[0])

	if h, err := a.opts.Registry.Resolve(ctx, workspace.Request{SenderID: msg.From, ChatID: msg.ChatID}); err == nil && h.Name == target {
		return fmt.Sprintf("Already in `%s`.", target)
	}

	_, err := a.opts.Registry.Resolve(ctx, workspace.Request{
		SenderID:  msg.From,
		ChatID:    msg.ChatID,
		Workspace: target,
	})
	switch {
	case err == nil:
		a.logger.Info("workspace switched", "from", msg.From, "workspace", target)
		return fmt.Sprintf("✅ Switched to `%s`.", target)
	case errors.Is(err, workspace.ErrUnknownWorkspace):
		return fmt.Sprintf("❌ Workspace `%s` not found.", target)
	case errors.Is(err, workspace.ErrUnauthorized):
		return fmt.Sprintf("❌ Not authorized for `%s`.", target)
	default:
		a.logger.Error("workspace switch failed", "workspace", target, "err", err)
		return apology
	}
}

func (a *Assistant) cmdWorkspace(h *workspace.Handle, msg *channels.IncomingMessage, args string) string {
	if msg.IsGroup {
		if args != "" {
			return fmt.Sprintf("ℹ️ This group is bound to `%s`; group chats cannot switch workspace.", h.Name)
		}
		return fmt.Sprintf("💬 Group workspace: `%s`", h.Name)
	}
	return fmt.Sprintf("%s Current workspace: `%s` (%s)\n\nUse /workspaces to list, /workspace <name> to switch.",
		modeEmoji[h.Config.Mode], h.Name, h.Config.Mode)
}

func (a *Assistant) cmdWorkspaces(h *workspace.Handle, msg *channels.IncomingMessage) string {
	if msg.IsGroup {
		return fmt.Sprintf("💬 Group workspace: `%s`", h.Name)
	}
	modes := make(map[string]workspace.Mode)
	for _, info := range a.opts.Registry.List() {
		modes[info.Name] = info.Mode
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🗂 Workspaces\n\nCurrent: `%s`\n\n", h.Name)
	for _, name := range a.opts.Registry.Authorized(msg.From) {
		marker := "  "
		if name == h.Name {
			marker = "→ "
		}
		fmt.Fprintf(&b, "%s`%s` %s\n", marker, name, modeEmoji[modes[name]])
	}
	b.WriteString("\nUse /workspace <name> to switch.")
	return b.String()
}

// catchupScan is how far back /catchup looks; catchupTurns caps what is
// summarized.
const (
	catchupScan  = 200
	catchupTurns = 50
)

const catchupPersona = "Summarize the following conversations concisely: " +
	"topics, decisions and anything left open. Reply in the language of the conversations."

// cmdCatchup summarizes the recent turns of the other members of a
// shared-dm workspace. Nothing is recorded.
func (a *Assistant) cmdCatchup(ctx context.Context, h *workspace.Handle, msg *channels.IncomingMessage) string {
	if msg.IsGroup {
		return "ℹ️ /catchup is for shared-dm workspaces."
	}
	if h.Config.Mode != workspace.ModeSharedDM {
		return fmt.Sprintf("ℹ️ Workspace `%s` is `%s` mode.", h.Name, h.Config.Mode)
	}
	if users := h.Config.AuthorizedUsers; len(users) == 1 && users[0] == msg.From {
		return "👤 You're the only user."
	}

	recent, err := h.Store.ReadRecent(ctx, catchupScan, "")
	if err != nil {
		a.logger.Error("read history failed", "workspace", h.Name, "err", err)
		return apology
	}
	others := otherMembersTurns(recent, msg.From)
	if len(others) == 0 {
		return "📭 No recent conversations from others."
	}
	if len(others) > catchupTurns {
		others = others[len(others)-catchupTurns:]
	}

	gctx, cancel := context.WithTimeout(ctx, a.opts.Reply.Timeout)
	defer cancel()
	resp, err := a.opts.Generator.Generate(gctx, llm.Request{
		Persona:   catchupPersona,
		Turn:      catchupPrompt(others, h.Location),
		Model:     a.modelFor(h),
		MaxTokens: 1024,
	})
	if err != nil {
		a.logger.Warn("catchup summary failed", "workspace", h.Name, "err", err)
		return "❌ Could not summarize right now. Try again later."
	}
	return "📋 Catchup\n\n" + strings.TrimSpace(resp.Content)
}

// otherMembersTurns keeps the entries authored by, or addressed to, anyone
// but sender.
func otherMembersTurns(entries []workspace.HistoryEntry, sender string) []workspace.HistoryEntry {
	var out []workspace.HistoryEntry
	for _, e := range entries {
		if e.AuthorID == "" || e.AuthorID == sender || e.Role == workspace.RoleSystem {
			continue
		}
		out = append(out, e)
	}
	return out
}

func catchupPrompt(entries []workspace.HistoryEntry, loc *time.Location) string {
	var b strings.Builder
	b.WriteString("Recent conversations from other workspace members:\n\n")
	for _, e := range entries {
		content := e.Content
		if utf8.RuneCountInString(content) > 500 {
			content = string([]rune(content)[:500]) + "..."
		}
		ts := e.Timestamp.In(loc).Format("2006-01-02 15:04")
		if e.Role == workspace.RoleUser {
			fmt.Fprintf(&b, "[%s] User %s: %s\n", ts, e.AuthorID, content)
		} else {
			fmt.Fprintf(&b, "[%s] Assistant (to %s): %s\n", ts, e.AuthorID, content)
		}
	}
	b.WriteString("\n---\nPlease provide a concise summary of what others discussed recently.")
	return b.String()
}

// ---------- Model ----------

// cmdModel shows or sets the session model of the workspace. "default"
// drops the override.
func (a *Assistant) cmdModel(h *workspace.Handle, args string) string {
	name := strings.ToLower(strings.TrimSpace(args))
	if name == "" {
		var b strings.Builder
		fmt.Fprintf(&b, "🤖 Model\n\nCurrent: `%s`\n", a.displayModel(h))
		if aliases := a.opts.ModelAliases; len(aliases) > 0 {
			b.WriteString("\nAvailable:\n")
			for _, k := range slices.Sorted(maps.Keys(aliases)) {
				fmt.Fprintf(&b, "• `%s` → %s\n", k, aliases[k])
			}
		}
		b.WriteString("\nUse /model <name> to switch, /model default to reset.")
		return b.String()
	}

	if name == "default" || name == "reset" {
		a.setModel(h.Name, "")
		return fmt.Sprintf("✅ Workspace `%s` is back on `%s`.", h.Name, a.displayModel(h))
	}
	resolved := name
	if m, ok := a.opts.ModelAliases[name]; ok {
		resolved = m
	}
	a.setModel(h.Name, resolved)
	a.logger.Info("model switched", "workspace", h.Name, "model", resolved)
	return fmt.Sprintf("✅ Model switched to `%s` for workspace `%s`.", resolved, h.Name)
}

// ---------- Memory ----------

func (a *Assistant) cmdRemember(ctx context.Context, h *workspace.Handle, note string) string {
	if note == "" {
		return "Usage: /remember <text to save>"
	}
	if _, err := h.Store.AppendMemory(ctx, note); err != nil {
		a.logger.Error("remember failed", "workspace", h.Name, "err", err)
		return "❌ Failed to save."
	}
	a.compactLater(h)
	return "💾 Saved to memory."
}

func (a *Assistant) cmdMemory(ctx context.Context, h *workspace.Handle) string {
	doc, err := h.Store.ReadMemory(ctx)
	if err != nil {
		a.logger.Error("read memory failed", "workspace", h.Name, "err", err)
		return apology
	}
	text := strings.TrimSpace(doc.Text)
	if text == "" {
		return "🧠 Memory is empty. Use /remember <note> to add to it."
	}
	return fmt.Sprintf("🧠 Memory (v%d, %d chars)\n\n%s", doc.Version, utf8.RuneCountInString(doc.Text), truncate(text))
}

func (a *Assistant) cmdCompact(ctx context.Context, h *workspace.Handle, msg *channels.IncomingMessage, args string) string {
	if a.opts.Compactor == nil {
		return "Memory compaction is not available."
	}

	if strings.EqualFold(args, "yes") {
		p := a.takePending(h.Name, msg.From)
		if p == nil {
			return "No pending compaction. Run /compact first."
		}
		res, err := a.opts.Compactor.Commit(ctx, h.Store, p)
		switch {
		case errors.Is(err, workspace.ErrConcurrentModification):
			return "❌ Memory changed since the preview. Run /compact again."
		case err != nil:
			a.logger.Error("compaction commit failed", "workspace", h.Name, "err", err)
			return "❌ Compaction failed."
		}
		return fmt.Sprintf("✅ Memory compacted (v%d). %s", res.Version, p.Summary())
	}

	p, err := a.opts.Compactor.Preview(ctx, h.Store)
	switch {
	case errors.Is(err, memory.ErrNothingToCompact):
		return "ℹ️ Memory is too small to compact."
	case err != nil:
		a.logger.Warn("compaction preview failed", "workspace", h.Name, "err", err)
		return "❌ Could not generate a preview. Try again later."
	}
	a.setPending(h.Name, msg.From, p)
	return fmt.Sprintf("📋 Compaction preview\n\n%s\n\n%s\n\nSend /compact yes to apply.", p.Summary(), truncate(p.Candidate))
}

// ---------- Reminders ----------

// splitReminder separates "<when> | <message>" or "<when> to <message>".
func splitReminder(args string) (when, message string, ok bool) {
	if w, m, found := strings.Cut(args, "|"); found {
		when, message = strings.TrimSpace(w), strings.TrimSpace(m)
		return when, message, when != "" && message != ""
	}
	if i := strings.Index(strings.ToLower(args), " to "); i > 0 {
		when, message = strings.TrimSpace(args[:i]), strings.TrimSpace(args[i+len(" to "):])
		return when, message, when != "" && message != ""
	}
	return "", "", false
}

const remindUsage = "Usage: /remind <when> | <message>\n\n" +
	"Examples:\n" +
	"• /remind in 2 hours | check email\n" +
	"• /remind tomorrow at 9am to call the bank\n" +
	"• /remind friday at 14:30 | dentist"

func (a *Assistant) cmdRemind(ctx context.Context, h *workspace.Handle, msg *channels.IncomingMessage, args string) string {
	if a.opts.Reminders == nil {
		return "Reminders are not available."
	}
	when, message, ok := splitReminder(args)
	if !ok {
		return remindUsage
	}
	r, err := a.opts.Reminders.Create(ctx, reminders.NewReminder{
		Workspace:  h.Name,
		OwnerID:    msg.From,
		ChatID:     msg.ChatID,
		Expression: when,
		Message:    message,
		Now:        msg.Timestamp,
		Location:   h.Location,
	})
	switch {
	case errors.Is(err, reminders.ErrUnparseableTime):
		return fmt.Sprintf("❌ Couldn't understand %q as a future time. Try: 'in 2 hours', 'tomorrow at 9am', 'friday at 14:30'.", when)
	case errors.Is(err, reminders.ErrEmptyMessage):
		return remindUsage
	case err != nil:
		a.logger.Error("create reminder failed", "workspace", h.Name, "err", err)
		return apology
	}
	return "⏰ " + reminders.FormatConfirmation(r, a.now())
}

// reminderFilter scopes listings to the sender, except in group workspaces
// where every member sees the group's reminders.
func reminderFilter(h *workspace.Handle, msg *channels.IncomingMessage) reminders.Filter {
	f := reminders.Filter{Workspace: h.Name, Status: reminders.StatusPending}
	if h.Config.Mode != workspace.ModeGroup {
		f.OwnerID = msg.From
	}
	return f
}

func (a *Assistant) cmdReminders(ctx context.Context, h *workspace.Handle, msg *channels.IncomingMessage) string {
	if a.opts.Reminders == nil {
		return "Reminders are not available."
	}
	rs, err := a.opts.Reminders.List(ctx, reminderFilter(h, msg))
	if err != nil {
		a.logger.Error("list reminders failed", "workspace", h.Name, "err", err)
		return apology
	}
	return reminders.FormatList(rs, a.now())
}

func (a *Assistant) cmdCancel(ctx context.Context, h *workspace.Handle, msg *channels.IncomingMessage, args string) string {
	if a.opts.Reminders == nil {
		return "Reminders are not available."
	}
	id := strings.TrimSpace(args)
	if id == "" {
		return "Usage: /cancel <id>"
	}
	notFound := fmt.Sprintf("❌ Reminder `%s` not found.", id)

	r, err := a.opts.Reminders.Get(ctx, id)
	if errors.Is(err, reminders.ErrNotFound) {
		return notFound
	}
	if err != nil {
		a.logger.Error("get reminder failed", "id", id, "err", err)
		return apology
	}
	f := reminderFilter(h, msg)
	if r.Workspace != h.Name || (f.OwnerID != "" && r.OwnerID != f.OwnerID) {
		return notFound
	}

	switch err := a.opts.Reminders.Cancel(ctx, id); {
	case errors.Is(err, reminders.ErrNotPending):
		return fmt.Sprintf("ℹ️ Reminder `%s` already fired.", id)
	case err != nil:
		a.logger.Error("cancel reminder failed", "id", id, "err", err)
		return apology
	}
	return fmt.Sprintf("🗑 Reminder `%s` cancelled.", id)
}

// ---------- Scheduled jobs ----------

func (a *Assistant) cmdHeartbeat(ctx context.Context, h *workspace.Handle) string {
	if a.opts.Jobs == nil {
		return "💔 Heartbeat is not available."
	}
	if h.Config.DisableHeartbeat {
		return "💔 Heartbeat is disabled for this workspace."
	}
	alert, err := a.opts.Jobs.CheckHeartbeat(ctx, h)
	if err != nil {
		a.logger.Warn("manual heartbeat failed", "workspace", h.Name, "err", err)
		return "❌ Heartbeat check failed."
	}
	if alert == "" {
		return "💓 All clear, nothing needs attention."
	}
	return "💓 Heartbeat Alert\n\n" + alert
}

func (a *Assistant) cmdDigest(ctx context.Context, h *workspace.Handle) string {
	if a.opts.Jobs == nil {
		return "Digest is not available."
	}
	text, err := a.opts.Jobs.BuildDigest(ctx, h, a.now().In(h.Location))
	if err != nil {
		a.logger.Error("build digest failed", "workspace", h.Name, "err", err)
		return apology
	}
	return text
}

// ---------- Status ----------

func (a *Assistant) cmdStatus(ctx context.Context, h *workspace.Handle) string {
	now := a.now()

	turns := int64(0)
	if recent, err := h.Store.ReadRecent(ctx, 1, ""); err == nil && len(recent) > 0 {
		turns = recent[0].Sequence
	}
	doc, err := h.Store.ReadMemory(ctx)
	if err != nil {
		a.logger.Error("read memory failed", "workspace", h.Name, "err", err)
		return apology
	}

	model := a.displayModel(h)

	var b strings.Builder
	b.WriteString("📊 Status\n\n")
	fmt.Fprintf(&b, "Workspace: `%s` %s %s\n", h.Name, modeEmoji[h.Config.Mode], h.Config.Mode)
	fmt.Fprintf(&b, "Timezone: %s\n", h.Location)
	fmt.Fprintf(&b, "Model: %s\n", model)
	fmt.Fprintf(&b, "History: %d turns\n", turns)
	fmt.Fprintf(&b, "Memory: %d chars (v%d)", utf8.RuneCountInString(doc.Text), doc.Version)
	if !doc.LastCompactedAt.IsZero() {
		fmt.Fprintf(&b, ", compacted %s", humanize.RelTime(doc.LastCompactedAt, now, "ago", "from now"))
	}
	b.WriteString("\n")

	if a.opts.Reminders != nil {
		if n, err := a.opts.Reminders.CountPending(ctx, h.Name); err == nil {
			fmt.Fprintf(&b, "Reminders: %d pending\n", n)
		}
	}

	if a.opts.Jobs != nil {
		for _, js := range a.opts.Jobs.Status() {
			if js.Workspace != h.Name {
				continue
			}
			last := "never"
			if !js.LastRunAt.IsZero() {
				last = humanize.RelTime(js.LastRunAt, now, "ago", "from now")
			}
			fmt.Fprintf(&b, "Job %s: %s, last run %s", js.Kind, js.State, last)
			if js.LastError != "" {
				fmt.Fprintf(&b, " (%s)", js.LastError)
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= maxPreviewLength {
		return s
	}
	return string([]rune(s)[:maxPreviewLength]) + "\n\n... (truncated)"
}
