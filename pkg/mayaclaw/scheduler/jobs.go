package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/channels"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/llm"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/memory"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/reminders"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/workspace"
)

// ---------- Heartbeat ----------

func (s *Scheduler) runHeartbeat(ctx context.Context, h *workspace.Handle) error {
	alert, err := s.CheckHeartbeat(ctx, h)
	if err != nil || alert == "" {
		return err
	}
	if _, err := h.Store.AppendTurn(ctx, workspace.HistoryEntry{
		Role:    workspace.RoleAssistant,
		Content: alert,
	}); err != nil {
		return err
	}
	defer s.compactAfterAppend(ctx, h)
	return s.deliver(ctx, h, "💓 Heartbeat Alert\n\n"+alert)
}

// CheckHeartbeat asks the generator whether anything in the workspace
// needs attention. It returns "" when the reply is HEARTBEAT_OK, otherwise
// the alert text cut to 3500 characters. Nothing is stored or sent.
func (s *Scheduler) CheckHeartbeat(ctx context.Context, h *workspace.Handle) (string, error) {
	if s.opts.Generator == nil {
		return "", fmt.Errorf("heartbeat: no generator configured")
	}

	persona, err := h.Store.ReadFile("HEARTBEAT.md")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(persona) == "" {
		persona = DefaultHeartbeatPrompt
	}
	doc, err := h.Store.ReadMemory(ctx)
	if err != nil {
		return "", err
	}
	recent, err := h.Store.ReadRecent(ctx, heartbeatHistory, "")
	if err != nil {
		return "", err
	}

	resp, err := s.opts.Generator.Generate(ctx, llm.Request{
		Persona:   persona,
		Memory:    doc.Text,
		History:   llm.HistoryMessages(recent),
		Turn:      s.opts.Heartbeat.Prompt,
		Model:     h.Config.Model,
		MaxTokens: s.opts.Heartbeat.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("heartbeat: %w", err)
	}

	reply := strings.TrimSpace(resp.Content)
	if reply == "" || reply == HeartbeatOK {
		s.logger.Debug("heartbeat ok", "workspace", h.Name)
		return "", nil
	}
	return truncateRunes(reply, maxAlertLength), nil
}

// ---------- Digest ----------

func (s *Scheduler) runDigest(ctx context.Context, h *workspace.Handle, now time.Time) error {
	text, err := s.BuildDigest(ctx, h, now)
	if err != nil {
		return err
	}
	return s.deliver(ctx, h, text)
}

// BuildDigest renders the daily digest of a workspace at now.
func (s *Scheduler) BuildDigest(ctx context.Context, h *workspace.Handle, now time.Time) (string, error) {
	var pending []*reminders.Reminder
	if s.opts.Reminders != nil {
		var err error
		pending, err = s.opts.Reminders.List(ctx, reminders.Filter{
			Workspace: h.Name,
			Status:    reminders.StatusPending,
		})
		if err != nil {
			return "", err
		}
	}
	doc, err := h.Store.ReadMemory(ctx)
	if err != nil {
		return "", err
	}
	return FormatDigest(now.In(h.Location), pending, memory.Highlights(doc.Text, digestHighlightLength)), nil
}

// ---------- Reminders ----------

// sweepReminders delivers every pending reminder that is due. A failed
// delivery is recorded and the reminder stays pending for the next tick.
func (s *Scheduler) sweepReminders(ctx context.Context) error {
	now := s.now()
	var delivered, failed int
	for r, err := range s.opts.Reminders.DueBefore(ctx, now) {
		if err != nil {
			return err
		}
		if err := s.fire(ctx, r); err != nil {
			failed++
			s.logger.Warn("reminder delivery failed",
				"id", r.ID, "workspace", r.Workspace, "attempt", r.Attempts+1, "error", err)
			if rerr := s.opts.Reminders.RecordFailure(ctx, r.ID, err); rerr != nil {
				s.logger.Error("failed to record reminder failure", "id", r.ID, "error", rerr)
			}
			continue
		}
		delivered++
	}

	if delivered+failed > 0 {
		s.logger.Info("reminder sweep", "delivered", delivered, "failed", failed)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d reminder deliveries failed", failed, delivered+failed)
	}
	return nil
}

// fire sends one reminder, marks it fired and records it in the history.
// Only the send can fail the delivery; later steps are logged.
func (s *Scheduler) fire(ctx context.Context, r *reminders.Reminder) error {
	to := r.ChatID
	if to == "" {
		to = r.OwnerID
	}
	text := reminders.FormatNotification(r)

	sendCtx, cancel := context.WithTimeout(ctx, s.opts.Config.DeliveryTimeout)
	err := s.opts.Sender.Send(sendCtx, to, &channels.OutgoingMessage{Content: text})
	cancel()
	if err != nil {
		return err
	}

	fired, err := s.opts.Reminders.MarkFired(ctx, r.ID)
	if err != nil {
		s.logger.Error("reminder sent but not marked fired", "id", r.ID, "error", err)
		return nil
	}
	if !fired {
		return nil
	}

	h, err := s.opts.Workspaces.Handle(r.Workspace)
	if err != nil {
		s.logger.Warn("reminder workspace gone, history not updated", "id", r.ID, "workspace", r.Workspace)
		return nil
	}
	if _, err := h.Store.AppendTurn(ctx, workspace.HistoryEntry{
		Role:     workspace.RoleAssistant,
		AuthorID: r.OwnerID,
		Content:  text,
	}); err != nil {
		s.logger.Error("failed to record fired reminder", "id", r.ID, "error", err)
		return nil
	}
	s.compactAfterAppend(ctx, h)
	return nil
}

// ---------- Compaction ----------

func (s *Scheduler) runCompaction(ctx context.Context, h *workspace.Handle) error {
	res, err := s.opts.Compactor.MaybeCompact(ctx, h.Store, h.Config.CompactionThreshold)
	if err != nil {
		return err
	}
	if res.Status == memory.Compacted {
		s.logger.Info("scheduled compaction", "workspace", h.Name,
			"before", res.Before, "after", res.After, "version", res.Version)
	}
	return nil
}

// compactAfterAppend checks the memory threshold after a job recorded a
// turn. Failures are logged; the job itself has already succeeded.
func (s *Scheduler) compactAfterAppend(ctx context.Context, h *workspace.Handle) {
	if s.opts.Compactor == nil {
		return
	}
	res, err := s.opts.Compactor.MaybeCompact(ctx, h.Store, h.Config.CompactionThreshold)
	if err != nil {
		s.logger.Warn("compaction after job append failed", "workspace", h.Name, "error", err)
		return
	}
	if res.Status == memory.Compacted {
		s.logger.Info("memory compacted after job append", "workspace", h.Name,
			"before", res.Before, "after", res.After, "version", res.Version)
	}
}

// ---------- Delivery ----------

// AlertTarget picks the chat that receives a workspace's alerts and
// digests: its alert_chat_id, then the bound group, then the global alert
// chat, then the first authorized user.
func (s *Scheduler) AlertTarget(h *workspace.Handle) string {
	if h.Config.AlertChatID != "" {
		return h.Config.AlertChatID
	}
	if h.Config.Mode == workspace.ModeGroup && h.Config.GroupID != "" {
		return h.Config.GroupID
	}
	if s.opts.Heartbeat.AlertChatID != "" {
		return s.opts.Heartbeat.AlertChatID
	}
	for _, list := range [][]string{h.Config.AuthorizedUsers, s.opts.AuthorizedUsers} {
		for _, id := range list {
			if id != "" && id != "*" {
				return id
			}
		}
	}
	return ""
}

func (s *Scheduler) deliver(ctx context.Context, h *workspace.Handle, text string) error {
	if s.opts.Sender == nil {
		return errors.New("no transport configured")
	}
	to := s.AlertTarget(h)
	if to == "" {
		return fmt.Errorf("workspace %q: %w", h.Name, ErrNoAlertTarget)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Config.DeliveryTimeout)
	defer cancel()
	for _, chunk := range channels.SplitMessage(text, channels.MaxMessageLength) {
		if err := s.opts.Sender.Send(ctx, to, &channels.OutgoingMessage{Content: chunk}); err != nil {
			return fmt.Errorf("deliver to %s: %w", to, err)
		}
	}
	return nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
