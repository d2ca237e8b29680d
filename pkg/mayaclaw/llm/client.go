package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Config configures the HTTP client.
type Config struct {
	// BaseURL of the API (default: https://api.openai.com/v1). URLs on
	// anthropic.com use the Anthropic Messages API.
	BaseURL string `yaml:"base_url"`

	// APIKey, usually resolved from env or the OS keyring by the caller.
	APIKey string `yaml:"api_key"`

	// Model is the default model.
	Model string `yaml:"model"`

	// Aliases map short names to model ids (e.g. "fast": "gpt-4o-mini").
	Aliases map[string]string `yaml:"aliases"`

	// MaxTokens caps the completion length (default: 2048).
	MaxTokens int `yaml:"max_tokens"`

	// Timeout bounds one request (default: 90s).
	Timeout time.Duration `yaml:"timeout"`
}

// ---------- Client ----------

// Client talks to an OpenAI-compatible chat completions endpoint or to the
// Anthropic Messages API.
type Client struct {
	cfg        Config
	baseURL    string
	anthropic  bool
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client from cfg.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 90 * time.Second
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	anthropic := strings.Contains(baseURL, "anthropic.com")

	provider := "openai"
	if anthropic {
		provider = "anthropic"
	}
	return &Client{
		cfg:       cfg,
		baseURL:   baseURL,
		anthropic: anthropic,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 120 * time.Second,
			},
		},
		logger: logger.With("component", "llm", "provider", provider),
	}
}

// ResolveModel maps an alias to a model id. Empty returns the default.
func (c *Client) ResolveModel(name string) string {
	if name == "" {
		return c.cfg.Model
	}
	if m, ok := c.cfg.Aliases[name]; ok {
		return m
	}
	return name
}

// Generate sends one chat completion.
func (c *Client) Generate(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	model := c.ResolveModel(req.Model)
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}

	system := req.Persona
	if strings.TrimSpace(req.Memory) != "" {
		if system != "" {
			system += "\n\n---\n\n"
		}
		system += "# Memory\n\n" + req.Memory
	}

	messages := make([]Message, 0, len(req.History)+1)
	messages = append(messages, req.History...)
	messages = append(messages, Message{Role: "user", Content: req.Turn})

	start := time.Now()
	var (
		resp *Response
		err  error
	)
	if c.anthropic {
		resp, err = c.completeAnthropic(ctx, model, system, messages, maxTokens)
	} else {
		resp, err = c.completeOpenAI(ctx, model, system, messages, maxTokens)
	}
	if err != nil {
		var ue *UpstreamError
		if !errors.As(err, &ue) {
			ue = &UpstreamError{Kind: KindFatal, Err: err}
			if errors.Is(err, context.DeadlineExceeded) {
				ue.Kind = KindTimeout
			}
		}
		c.logger.Warn("completion failed", "model", model, "kind", ue.Kind, "err", err)
		return nil, ue
	}

	c.logger.Debug("completion done", "model", model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)
	return resp, nil
}

// ---------- OpenAI ----------

type chatRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *Client) completeOpenAI(ctx context.Context, model, system string, messages []Message, maxTokens int) (*Response, error) {
	all := messages
	if system != "" {
		all = append([]Message{{Role: "system", Content: system}}, messages...)
	}
	body, err := json.Marshal(chatRequest{Model: model, Messages: all, MaxTokens: maxTokens})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	raw, err := c.post(ctx, c.baseURL+"/chat/completions", body, map[string]string{
		"Authorization": "Bearer " + c.cfg.APIKey,
	})
	if err != nil {
		return nil, err
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parsing response: %w (body: %s)", err, truncate(string(raw), 200))
	}
	if len(out.Choices) == 0 {
		return nil, &UpstreamError{Kind: KindFatal, Err: errors.New("response has no choices")}
	}
	return &Response{
		Content: out.Choices[0].Message.Content,
		Model:   out.Model,
		Usage: Usage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
		},
	}, nil
}

// ---------- Anthropic ----------

type anthropicRequest struct {
	Model     string    `json:"model"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *Client) completeAnthropic(ctx context.Context, model, system string, messages []Message, maxTokens int) (*Response, error) {
	body, err := json.Marshal(anthropicRequest{
		Model:     model,
		System:    system,
		Messages:  mergeConsecutive(messages),
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	raw, err := c.post(ctx, c.baseURL+"/messages", body, map[string]string{
		"x-api-key":         c.cfg.APIKey,
		"anthropic-version": "2023-06-01",
	})
	if err != nil {
		return nil, err
	}

	var out anthropicResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parsing anthropic response: %w (body: %s)", err, truncate(string(raw), 200))
	}
	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &Response{
		Content: text.String(),
		Model:   out.Model,
		Usage: Usage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
		},
	}, nil
}

// mergeConsecutive joins same-role neighbours; the Messages API requires
// alternating roles.
func mergeConsecutive(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	return out
}

// ---------- HTTP ----------

func (c *Client) post(ctx context.Context, url string, body []byte, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{
			Kind:       classifyAPIError(resp.StatusCode, string(raw)),
			StatusCode: resp.StatusCode,
			Body:       string(raw),
		}
	}
	return raw, nil
}

// classifyAPIError determines the error kind from status code and body.
func classifyAPIError(statusCode int, body string) ErrorKind {
	lower := strings.ToLower(body)

	switch {
	case statusCode == 402 || strings.Contains(lower, "billing") || strings.Contains(lower, "insufficient_quota"):
		return KindBilling
	case statusCode == 429 || strings.Contains(lower, "rate_limit") || strings.Contains(lower, "rate limit"):
		return KindRateLimit
	case statusCode == 529 || strings.Contains(lower, "overloaded"):
		return KindOverloaded
	case statusCode == 408 || statusCode == 504 || strings.Contains(lower, "timed out"):
		return KindTimeout
	}

	switch statusCode {
	case 400:
		return KindBadRequest
	case 401, 403:
		return KindAuth
	default:
		if statusCode >= 500 {
			return KindRetryable
		}
		return KindFatal
	}
}
