// Package copilot wires the workspace engine, reminders, memory compaction
// and the scheduler to a chat transport. It also owns the configuration:
// loading, validation, hot reload and secret resolution.
package copilot

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/channels/console"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/channels/telegram"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/database"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/llm"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/memory"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/scheduler"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/workspace"
)

// Storage backends for history and memory.
const (
	StorageSQLite = "sqlite"
	StorageFile   = "file"
)

// Config is the complete assistant configuration.
type Config struct {
	// Name is the assistant's display name.
	Name string `yaml:"name"`

	// Timezone is the IANA zone inherited by workspaces that set none.
	Timezone string `yaml:"timezone"`

	// Storage selects where history and memory live: "sqlite" (default)
	// or "file" (JSONL history and MEMORY.md in each workspace directory).
	// Reminders and scheduler markers always use the database.
	Storage string `yaml:"storage"`

	Workspaces workspace.Settings `yaml:"workspaces"`
	API        llm.Config         `yaml:"api"`
	Database   database.Config    `yaml:"database"`
	Memory     memory.Config      `yaml:"memory"`
	Scheduler  SchedulerConfig    `yaml:"scheduler"`
	Channels   ChannelsConfig     `yaml:"channels"`
	Reply      ReplyConfig        `yaml:"reply"`
	Logging    LoggingConfig      `yaml:"logging"`
}

// SchedulerConfig groups the scheduler loop and its jobs.
type SchedulerConfig struct {
	scheduler.Config `yaml:",inline"`

	Heartbeat scheduler.HeartbeatConfig `yaml:"heartbeat"`
	Digest    scheduler.DigestConfig    `yaml:"digest"`
}

// ChannelsConfig configures the transports. Telegram is used by serve when
// a token is set; otherwise serve falls back to the console.
type ChannelsConfig struct {
	Telegram telegram.Config `yaml:"telegram"`
	Console  console.Config  `yaml:"console"`
}

// ReplyConfig tunes normal conversational replies.
type ReplyConfig struct {
	// HistoryLimit is how many recent turns accompany a reply (default: 20).
	// Workspaces may override it.
	HistoryLimit int `yaml:"history_limit"`

	// MaxTokens caps a reply. 0 uses the API default.
	MaxTokens int `yaml:"max_tokens"`

	// Timeout bounds one reply generation (default: 2m).
	Timeout time.Duration `yaml:"timeout"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`

	// Format is "json", "text" or "auto" (text on a terminal, JSON otherwise).
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration: one single-user
// workspace, SQLite storage, heartbeat and digest on.
func DefaultConfig() *Config {
	return &Config{
		Name:       "Maya",
		Timezone:   "UTC",
		Storage:    StorageSQLite,
		Workspaces: workspace.DefaultSettings(),
		API: llm.Config{
			BaseURL:   "https://api.openai.com/v1",
			Model:     "gpt-4o-mini",
			MaxTokens: 2048,
			Timeout:   90 * time.Second,
		},
		Database: database.DefaultConfig(),
		Memory:   memory.DefaultConfig(),
		Scheduler: SchedulerConfig{
			Config:    scheduler.DefaultConfig(),
			Heartbeat: scheduler.DefaultHeartbeatConfig(),
			Digest:    scheduler.DefaultDigestConfig(),
		},
		Channels: ChannelsConfig{
			Telegram: telegram.DefaultConfig(),
			Console:  console.DefaultConfig(),
		},
		Reply: ReplyConfig{
			HistoryLimit: 20,
			Timeout:      2 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// WorkspaceSettings returns the registry settings with the global timezone
// filled into every workspace that sets none.
func (c *Config) WorkspaceSettings() workspace.Settings {
	s := c.Workspaces
	s.Configs = make(map[string]workspace.Config, len(c.Workspaces.Configs))
	for name, wc := range c.Workspaces.Configs {
		if wc.Timezone == "" {
			wc.Timezone = c.Timezone
		}
		if wc.ListenMode == "" {
			wc.ListenMode = workspace.ListenAll
		}
		s.Configs[name] = wc
	}
	return s
}

// Validate checks the configuration for errors that would otherwise only
// surface at run time. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Storage {
	case StorageSQLite, StorageFile:
	default:
		add("storage: unknown backend %q (want %q or %q)", c.Storage, StorageSQLite, StorageFile)
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			add("timezone: %w", err)
		}
	}

	ws := c.Workspaces
	if ws.Dir == "" {
		add("workspaces.dir is required")
	}
	if len(ws.Configs) == 0 {
		add("workspaces.configs: at least one workspace is required")
	} else if _, ok := ws.Configs[ws.Default]; !ok {
		add("workspaces.default: %q is not configured", ws.Default)
	}

	groups := make(map[string]string)
	for name, wc := range ws.Configs {
		if name == "" || name[0] == '_' {
			add("workspace %q: names may not be empty or start with '_'", name)
		}
		if !wc.Mode.Valid() {
			add("workspace %q: invalid mode %q", name, wc.Mode)
		}
		if wc.Mode == workspace.ModeGroup {
			if wc.GroupID == "" {
				add("workspace %q: group mode requires group_id", name)
			} else if other, dup := groups[wc.GroupID]; dup {
				add("workspaces %q and %q are bound to the same group %s", other, name, wc.GroupID)
			} else {
				groups[wc.GroupID] = name
			}
		}
		switch wc.ListenMode {
		case "", workspace.ListenAll, workspace.ListenMentions:
		default:
			add("workspace %q: invalid listen_mode %q", name, wc.ListenMode)
		}
		if wc.Timezone != "" {
			if _, err := time.LoadLocation(wc.Timezone); err != nil {
				add("workspace %q: timezone: %w", name, err)
			}
		}
		if wc.DigestTime != "" {
			if _, _, err := scheduler.ParseClock(wc.DigestTime); err != nil {
				add("workspace %q: digest_time: %w", name, err)
			}
		}
		if wc.HeartbeatInterval < 0 {
			add("workspace %q: heartbeat_interval must not be negative", name)
		}
	}

	if _, _, err := scheduler.ParseClock(c.Scheduler.Digest.Time); err != nil {
		add("scheduler.digest.time: %w", err)
	}
	if c.Memory.Cron != "" {
		if _, err := cron.ParseStandard(c.Memory.Cron); err != nil {
			add("memory.cron %q: %w", c.Memory.Cron, err)
		}
	}

	switch c.Logging.Format {
	case "", "auto", "json", "text":
	default:
		add("logging.format: unknown format %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		add("logging.level: unknown level %q", c.Logging.Level)
	}

	return errors.Join(errs...)
}
