// Package llm defines the reply generator used for normal replies,
// heartbeat checks and memory summaries, and an HTTP client for
// OpenAI-compatible and Anthropic chat APIs.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/workspace"
)

// Message is one prior turn handed to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a generation request.
type Request struct {
	// Persona becomes the system prompt.
	Persona string

	// Memory is appended to the system prompt under a "# Memory" header.
	Memory string

	History []Message

	// Turn is the new user message.
	Turn string

	// Model overrides the client default. Aliases are resolved by the client.
	Model string

	MaxTokens int
}

// HistoryMessages converts stored turns into model messages. System
// entries are dropped; they are bookkeeping, not conversation.
func HistoryMessages(entries []workspace.HistoryEntry) []Message {
	msgs := make([]Message, 0, len(entries))
	for _, e := range entries {
		switch e.Role {
		case workspace.RoleUser, workspace.RoleAssistant:
			msgs = append(msgs, Message{Role: string(e.Role), Content: e.Content})
		}
	}
	return msgs
}

// Usage reports token counts when the provider returns them.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response is a generated reply.
type Response struct {
	Content string
	Model   string
	Usage   Usage
}

// Generator produces a reply for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

var (
	// ErrUpstreamTimeout is matched by generation calls that ran out of time.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrUpstreamFailure is matched by every other failed generation call.
	ErrUpstreamFailure = errors.New("upstream failure")
)

// ErrorKind classifies upstream errors.
type ErrorKind int

const (
	KindFatal ErrorKind = iota
	KindTimeout
	KindRateLimit
	KindOverloaded
	KindAuth
	KindBilling
	KindBadRequest
	KindRetryable
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRateLimit:
		return "rate_limit"
	case KindOverloaded:
		return "overloaded"
	case KindAuth:
		return "auth"
	case KindBilling:
		return "billing"
	case KindBadRequest:
		return "bad_request"
	case KindRetryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// UpstreamError is returned by Client for any failed call.
type UpstreamError struct {
	Kind       ErrorKind
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("llm: %s: API returned %d: %s", e.Kind, e.StatusCode, truncate(e.Body, 200))
	case e.Err != nil:
		return fmt.Sprintf("llm: %s: %v", e.Kind, e.Err)
	default:
		return "llm: " + e.Kind.String()
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Is maps the error onto ErrUpstreamTimeout or ErrUpstreamFailure.
func (e *UpstreamError) Is(target error) bool {
	if target == ErrUpstreamTimeout {
		return e.Kind == KindTimeout
	}
	return target == ErrUpstreamFailure && e.Kind != KindTimeout
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
