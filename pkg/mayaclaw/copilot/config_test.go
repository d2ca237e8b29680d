package copilot

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/workspace"
)

const sampleYAML = `
name: Maya
timezone: America/New_York
workspaces:
  dir: ./ws
  default: personal
  authorized_users: ["111"]
  configs:
    personal:
      mode: single
      digest_time: "07:30"
    family:
      mode: shared-dm
      authorized_users: ["111", "222"]
      timezone: Europe/Lisbon
    team:
      mode: group
      group_id: "-1001"
      listen_mode: mentions
api:
  model: gpt-4o
  api_key: ${MAYACLAW_TEST_KEY:-fallback-key}
scheduler:
  tick: 30s
  heartbeat:
    interval: 45m
database:
  path: data/test.db
`

func TestParseConfig_OverlaysDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := ParseConfig([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	if _, ok := cfg.Workspaces.Configs["main"]; ok {
		t.Error("default workspace \"main\" was merged into an explicit workspace list")
	}
	if len(cfg.Workspaces.Configs) != 3 {
		t.Errorf("workspaces = %d, want 3", len(cfg.Workspaces.Configs))
	}
	if cfg.Scheduler.Tick != 30*time.Second {
		t.Errorf("tick = %v, want 30s", cfg.Scheduler.Tick)
	}
	if cfg.Scheduler.Heartbeat.Interval != 45*time.Minute {
		t.Errorf("heartbeat interval = %v", cfg.Scheduler.Heartbeat.Interval)
	}

	// Fields absent from the file keep their defaults.
	if !cfg.Scheduler.Heartbeat.Enabled || !cfg.Scheduler.Digest.Enabled {
		t.Error("heartbeat/digest defaults were lost")
	}
	if cfg.Scheduler.JobTimeout != 5*time.Minute {
		t.Errorf("job timeout = %v, want the default", cfg.Scheduler.JobTimeout)
	}
	if cfg.Storage != StorageSQLite || cfg.Reply.HistoryLimit != 20 {
		t.Errorf("storage=%q history_limit=%d", cfg.Storage, cfg.Reply.HistoryLimit)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestParseTOMLConfig(t *testing.T) {
	t.Parallel()

	data := `
timezone = "Asia/Tokyo"
storage = "file"

[workspaces]
dir = "./ws"
default = "home"

[workspaces.configs.home]
mode = "single"
authorized_users = ["42"]

[scheduler.digest]
time = "06:15"
catchup_window = "90m"
`
	cfg, err := ParseTOMLConfig([]byte(data))
	if err != nil {
		t.Fatalf("ParseTOMLConfig: %v", err)
	}
	if cfg.Timezone != "Asia/Tokyo" || cfg.Storage != StorageFile {
		t.Errorf("timezone=%q storage=%q", cfg.Timezone, cfg.Storage)
	}
	home, ok := cfg.Workspaces.Configs["home"]
	if !ok || home.Mode != workspace.ModeSingle || len(home.AuthorizedUsers) != 1 || home.AuthorizedUsers[0] != "42" {
		t.Errorf("home = %+v", home)
	}
	if cfg.Scheduler.Digest.Time != "06:15" || cfg.Scheduler.Digest.CatchupWindow != 90*time.Minute {
		t.Errorf("digest = %+v", cfg.Scheduler.Digest)
	}
	if cfg.API.Model != DefaultConfig().API.Model {
		t.Errorf("api model = %q, want the default", cfg.API.Model)
	}
}

func TestWorkspaceSettings_InheritsTimezone(t *testing.T) {
	t.Parallel()

	cfg, err := ParseConfig([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	s := cfg.WorkspaceSettings()

	if got := s.Configs["personal"].Timezone; got != "America/New_York" {
		t.Errorf("personal timezone = %q, want the global one", got)
	}
	if got := s.Configs["family"].Timezone; got != "Europe/Lisbon" {
		t.Errorf("family timezone = %q, want its own", got)
	}
	if got := s.Configs["personal"].ListenMode; got != workspace.ListenAll {
		t.Errorf("listen mode = %q, want %q", got, workspace.ListenAll)
	}
	if cfg.Workspaces.Configs["personal"].Timezone != "" {
		t.Error("WorkspaceSettings modified the config it was called on")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad storage", func(c *Config) { c.Storage = "mongo" }, "storage"},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "timezone"},
		{"unknown default", func(c *Config) { c.Workspaces.Default = "nope" }, "workspaces.default"},
		{"bad mode", func(c *Config) {
			c.Workspaces.Configs["main"] = workspace.Config{Mode: "party"}
		}, "invalid mode"},
		{"group without id", func(c *Config) {
			c.Workspaces.Configs["g"] = workspace.Config{Mode: workspace.ModeGroup}
		}, "group_id"},
		{"bad digest time", func(c *Config) {
			c.Workspaces.Configs["main"] = workspace.Config{Mode: workspace.ModeSingle, DigestTime: "25:00"}
		}, "digest_time"},
		{"bad listen mode", func(c *Config) {
			c.Workspaces.Configs["main"] = workspace.Config{Mode: workspace.ModeSingle, ListenMode: "sometimes"}
		}, "listen_mode"},
		{"bad cron", func(c *Config) { c.Memory.Cron = "every night" }, "memory.cron"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("MAYACLAW_TEST_SET", "value")

	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"key: ${MAYACLAW_TEST_SET}", "key: value", false},
		{"key: $MAYACLAW_TEST_SET", "key: value", false},
		{"key: ${MAYACLAW_TEST_UNSET}", "key: ${MAYACLAW_TEST_UNSET}", false},
		{"key: ${MAYACLAW_TEST_UNSET:-dflt}", "key: dflt", false},
		{"key: ${MAYACLAW_TEST_SET:-dflt}", "key: value", false},
		{"key: ${MAYACLAW_TEST_UNSET:?set it}", "", true},
	}
	for _, tt := range tests {
		got, err := expandEnvVars(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("expandEnvVars(%q) error = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	t.Setenv("MAYACLAW_TEST_KEY", "sk-from-env")
	t.Setenv(EnvTelegramToken, "tg-token")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFromFile: %v", err)
	}
	if cfg.API.APIKey != "sk-from-env" {
		t.Errorf("api key = %q", cfg.API.APIKey)
	}
	if cfg.Channels.Telegram.Token != "tg-token" {
		t.Errorf("telegram token = %q", cfg.Channels.Telegram.Token)
	}
	if want := filepath.Join(dir, "ws"); cfg.Workspaces.Dir != want {
		t.Errorf("workspaces dir = %q, want %q", cfg.Workspaces.Dir, want)
	}
	if want := filepath.Join(dir, "data", "test.db"); cfg.Database.Path != want {
		t.Errorf("database path = %q, want %q", cfg.Database.Path, want)
	}
}

func TestSaveConfigToFile_RoundTrip(t *testing.T) {
	t.Setenv(EnvAPIKey, "sk-secret-from-env")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("name: old\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.Name = "New"
	cfg.API.APIKey = "sk-secret-from-env"
	if err := SaveConfigToFile(cfg, path); err != nil {
		t.Fatalf("SaveConfigToFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "sk-secret-from-env") {
		t.Error("secret written in plain text")
	}
	if !strings.Contains(string(data), "${"+EnvAPIKey+"}") {
		t.Error("secret was not replaced by an env reference")
	}
	if bak, err := os.ReadFile(path + ".bak"); err != nil || string(bak) != "name: old\n" {
		t.Errorf("backup = %q, %v", bak, err)
	}

	back, err := ParseConfig(data)
	if err != nil {
		t.Fatalf("ParseConfig of saved file: %v", err)
	}
	if back.Name != "New" || back.Scheduler.Heartbeat.Interval != cfg.Scheduler.Heartbeat.Interval {
		t.Errorf("round trip lost fields: name=%q interval=%v", back.Name, back.Scheduler.Heartbeat.Interval)
	}
}
