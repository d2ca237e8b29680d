// Package console implements a local terminal channel. Lines typed at the
// prompt arrive as direct messages from a fixed user id, and replies are
// printed back. It backs the chat command and serve without Telegram.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/chzyer/readline"
	"golang.org/x/term"

	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/channels"
)

// Config holds console channel configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// UserID is the sender id console input is attributed to. It must be in
	// the allowlist of the workspaces you want to reach.
	UserID string `yaml:"user_id"`

	// UserName is shown as the sender's display name.
	UserName string `yaml:"user_name"`

	Prompt        string `yaml:"prompt"`
	AssistantName string `yaml:"assistant_name"`

	// HistoryFile keeps readline history between sessions.
	HistoryFile string `yaml:"history_file"`
}

// DefaultConfig returns the console defaults.
func DefaultConfig() Config {
	return Config{
		UserID:        "console",
		UserName:      "you",
		Prompt:        "you › ",
		AssistantName: "maya",
	}
}

// LineReader reads one line of input at a time.
type LineReader interface {
	Readline() (string, error)
	Close() error
}

// Console implements channels.Channel on a terminal.
type Console struct {
	cfg    Config
	logger *slog.Logger

	reader LineReader
	out    io.Writer
	outMu  sync.Mutex

	messages  chan *channels.IncomingMessage
	connected atomic.Bool
	lastMsg   atomic.Value // time.Time
	seq       atomic.Int64

	nameStyle lipgloss.Style

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a console channel reading from the terminal via readline.
func New(cfg Config, logger *slog.Logger) *Console {
	return NewWithIO(cfg, nil, os.Stdout, logger)
}

// NewWithIO creates a console channel over the given reader and writer. A
// nil reader opens a readline instance on Connect.
func NewWithIO(cfg Config, reader LineReader, out io.Writer, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.UserID == "" {
		cfg.UserID = def.UserID
	}
	if cfg.UserName == "" {
		cfg.UserName = def.UserName
	}
	if cfg.Prompt == "" {
		cfg.Prompt = def.Prompt
	}
	if cfg.AssistantName == "" {
		cfg.AssistantName = def.AssistantName
	}
	return &Console{
		cfg:       cfg,
		logger:    logger.With("component", "console"),
		reader:    reader,
		out:       out,
		messages:  make(chan *channels.IncomingMessage, 16),
		nameStyle: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
	}
}

// Name returns "console".
func (c *Console) Name() string { return "console" }

// Connect opens the prompt and starts reading lines.
func (c *Console) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}
	if c.reader == nil {
		rl, err := readline.NewEx(&readline.Config{
			Prompt:          c.cfg.Prompt,
			HistoryFile:     c.cfg.HistoryFile,
			InterruptPrompt: "^C",
			EOFPrompt:       "exit",
		})
		if err != nil {
			return fmt.Errorf("%w: console: %w", channels.ErrConnectionFailed, err)
		}
		c.reader = rl
		c.out = rl.Stdout()
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.connected.Store(true)
	go c.readLoop(ctx)
	return nil
}

// Disconnect closes the prompt. Receive's channel is closed once the read
// loop exits.
func (c *Console) Disconnect() error {
	if !c.connected.Swap(false) {
		return nil
	}
	c.cancel()
	err := c.reader.Close()
	<-c.done
	return err
}

// Done is closed when the user ends the session (EOF or Ctrl-C twice).
func (c *Console) Done() <-chan struct{} { return c.done }

// Send prints a reply.
func (c *Console) Send(_ context.Context, _ string, message *channels.OutgoingMessage) error {
	if !c.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, err := io.WriteString(c.out, c.render(message.Content))
	return err
}

// Receive returns the incoming messages channel.
func (c *Console) Receive() <-chan *channels.IncomingMessage { return c.messages }

// IsConnected returns true while the prompt is open.
func (c *Console) IsConnected() bool { return c.connected.Load() }

// Health returns the channel health status.
func (c *Console) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := c.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{Connected: c.connected.Load(), LastMessageAt: lastAt}
}

func (c *Console) readLoop(ctx context.Context) {
	defer close(c.done)
	defer close(c.messages)

	interrupts := 0
	for {
		line, err := c.reader.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			interrupts++
			if interrupts >= 2 || line == "" {
				return
			}
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				c.logger.Warn("console: read failed", "error", err)
			}
			return
		}
		interrupts = 0

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return
		}

		msg := &channels.IncomingMessage{
			ID:        strconv.FormatInt(c.seq.Add(1), 10),
			Channel:   "console",
			From:      c.cfg.UserID,
			FromName:  c.cfg.UserName,
			ChatID:    c.cfg.UserID,
			Content:   line,
			Timestamp: time.Now(),
		}
		c.lastMsg.Store(msg.Timestamp)

		select {
		case c.messages <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// render formats a reply under the assistant's name, wrapped to the
// terminal width when stdout is a terminal.
func (c *Console) render(content string) string {
	body := lipgloss.NewStyle().PaddingLeft(2)
	if f, ok := c.out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 20 {
			body = body.Width(w - 2)
		}
	}
	return c.nameStyle.Render(c.cfg.AssistantName) + "\n" + body.Render(content) + "\n\n"
}
