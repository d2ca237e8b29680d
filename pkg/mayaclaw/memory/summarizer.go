package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/llm"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/workspace"
)

const summarySystemPrompt = `You are a precise text processing assistant. Your only job is to consolidate and clean up memory logs. Output only the processed content, nothing else.`

const summaryInstructions = `Consolidate the memory log below.

INSTRUCTIONS:
1. Remove duplicate information.
2. Organize entries by topic, using markdown headers and sections.
3. Keep every dated factual statement with its date.
4. Keep open action items and anything the user explicitly asked to remember.
5. Drop resolved items, time-expired plans and conversational filler.
6. Keep it concise but do not lose durable facts or preferences.

Return ONLY the consolidated memory in markdown, with no preamble.`

// GeneratorSummarizer summarizes memory with a reply generator.
type GeneratorSummarizer struct {
	gen   llm.Generator
	model string
}

// NewGeneratorSummarizer wraps gen. model may be empty or an alias.
func NewGeneratorSummarizer(gen llm.Generator, model string) *GeneratorSummarizer {
	return &GeneratorSummarizer{gen: gen, model: model}
}

// Summarize asks the model for a consolidated memory document.
func (s *GeneratorSummarizer) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	resp, err := s.gen.Generate(ctx, llm.Request{
		Persona:   summarySystemPrompt,
		Turn:      buildSummaryPrompt(req),
		Model:     s.model,
		MaxTokens: 4096,
	})
	if err != nil {
		return "", fmt.Errorf("summarize memory: %w", err)
	}
	return stripFence(resp.Content), nil
}

func buildSummaryPrompt(req SummaryRequest) string {
	var b strings.Builder
	b.WriteString(summaryInstructions)
	b.WriteString("\n\nCURRENT MEMORY LOG:\n---\n")
	b.WriteString(strings.TrimSpace(req.Memory))
	b.WriteString("\n---\n")

	if len(req.History) > 0 {
		b.WriteString("\nRECENT CONVERSATION (context only; keep durable facts, do not transcribe):\n")
		for _, e := range req.History {
			fmt.Fprintf(&b, "[%s] %s: %s\n", e.Timestamp.UTC().Format("2006-01-02 15:04"), speaker(e), oneLine(e.Content, 300))
		}
	}
	return b.String()
}

func speaker(e workspace.HistoryEntry) string {
	if e.Role == workspace.RoleUser && e.AuthorID != "" {
		return "user " + e.AuthorID
	}
	return string(e.Role)
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max]) + "…"
	}
	return s
}

// stripFence removes a ```markdown fence some models wrap output in.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func isUpstreamTimeout(err error) bool {
	return errors.Is(err, llm.ErrUpstreamTimeout)
}
