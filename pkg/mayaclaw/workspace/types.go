// Package workspace owns the per-workspace conversational state: the
// append-only history log, the versioned memory document and the static
// persona files. It also resolves inbound events to a workspace according
// to its collaboration mode.
package workspace

import (
	"time"
)

// Mode is a workspace collaboration mode.
type Mode string

const (
	// ModeSingle is a private workspace for the configured owner(s).
	ModeSingle Mode = "single"

	// ModeSharedDM shares memory between several users who each talk to the
	// assistant in a direct chat. History is partitioned per sender.
	ModeSharedDM Mode = "shared-dm"

	// ModeGroup binds the workspace to one group chat. Every member sees
	// every turn.
	ModeGroup Mode = "group"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeSingle, ModeSharedDM, ModeGroup:
		return true
	}
	return false
}

// Role identifies who produced a history entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// Listen modes for group workspaces.
const (
	ListenAll      = "all"
	ListenMentions = "mentions"
)

// HistoryEntry is one immutable turn in a workspace history.
type HistoryEntry struct {
	// Sequence is assigned by the store: 1, 2, 3... per workspace, no gaps.
	Sequence  int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Role      Role      `json:"role"`

	// AuthorID is the sender identity. Set only in shared modes; for
	// assistant entries it names the user the reply was addressed to.
	AuthorID string `json:"author,omitempty"`

	Content string `json:"content"`
}

// MemoryDocument is the long-term memory of a workspace.
type MemoryDocument struct {
	Text string

	// Version increases by one on every write. A never-written document
	// has version 0.
	Version int64

	LastCompactedAt time.Time
	UpdatedAt       time.Time
}

// Snapshot is a read-only copy of a workspace's state for export.
type Snapshot struct {
	Workspace string
	History   []HistoryEntry
	Memory    MemoryDocument
}

// Config is the per-workspace configuration.
type Config struct {
	Mode Mode `yaml:"mode"`

	// AuthorizedUsers are sender ids allowed to use the workspace. Empty
	// inherits the global allowlist.
	AuthorizedUsers []string `yaml:"authorized_users"`

	// GroupID is the bound chat id for group workspaces.
	GroupID string `yaml:"group_id"`

	// ListenMode for group workspaces: "all" (default) or "mentions".
	ListenMode string `yaml:"listen_mode"`

	// Model overrides the default model (may be an alias).
	Model string `yaml:"model"`

	// Timezone is an IANA zone name. Empty inherits the global timezone.
	Timezone string `yaml:"timezone"`

	// AlertChatID receives heartbeat alerts and digests.
	AlertChatID string `yaml:"alert_chat_id"`

	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	DisableHeartbeat    bool          `yaml:"disable_heartbeat"`
	DigestTime          string        `yaml:"digest_time"`
	DisableDigest       bool          `yaml:"disable_digest"`
	CompactionThreshold int           `yaml:"compaction_threshold"`
	HistoryLimit        int           `yaml:"history_limit"`
}

// Settings configures the registry.
type Settings struct {
	// Dir is the base directory holding one sub-directory per workspace
	// plus _global/ and an optional _template/.
	Dir string `yaml:"dir"`

	// Default is the workspace chosen when a sender has no explicit switch.
	Default string `yaml:"default"`

	// AuthorizedUsers is the global allowlist.
	AuthorizedUsers []string `yaml:"authorized_users"`

	// Configs maps workspace names to their configuration.
	Configs map[string]Config `yaml:"configs"`
}

// DefaultSettings returns a single-workspace setup named "main".
func DefaultSettings() Settings {
	return Settings{
		Dir:     "./workspaces",
		Default: "main",
		Configs: map[string]Config{
			"main": {Mode: ModeSingle},
		},
	}
}
