// Package copilot – loader.go reads YAML or TOML configuration files,
// loads .env files and expands environment variable references.
package copilot

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?message} and $VAR.
//
// Groups: 1 name, 2 modifier ("-" or "?"), 3 default or message, 4 bare name.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// Environment variables consulted for secrets left empty in the file.
const (
	EnvAPIKey        = "MAYACLAW_API_KEY"
	EnvOpenAIKey     = "OPENAI_API_KEY"
	EnvTelegramToken = "MAYACLAW_TELEGRAM_TOKEN"
)

// LoadConfigFromFile reads a configuration file. Files ending in .toml are
// parsed as TOML, everything else as YAML. .env files are loaded first and
// environment references are expanded before parsing.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles(filepath.Dir(path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	var cfg *Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		cfg, err = ParseTOMLConfig([]byte(expanded))
	} else {
		cfg, err = ParseConfig([]byte(expanded))
	}
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)
	return cfg, nil
}

// ParseConfig parses YAML bytes over DefaultConfig.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	// Decoding into a non-nil map merges keys; a file that lists its own
	// workspaces replaces the default "main" instead of adding to it.
	if ws, ok := raw["workspaces"].(map[string]any); ok {
		if _, set := ws["configs"]; set {
			cfg.Workspaces.Configs = nil
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("mapping config: %w", err)
	}
	return cfg, nil
}

// ParseTOMLConfig parses TOML bytes over DefaultConfig. The document is
// normalised through YAML so both formats share one set of field tags.
func ParseTOMLConfig(data []byte) (*Config, error) {
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config TOML: %w", err)
	}
	normalized, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("normalizing TOML config: %w", err)
	}
	return ParseConfig(normalized)
}

// SaveConfigToFile writes cfg as YAML. Secrets that came from the
// environment are written back as ${VAR} references and the previous file
// is kept as path.bak.
func SaveConfigToFile(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.API.APIKey = sanitizeSecret(cfg.API.APIKey, EnvAPIKey, EnvOpenAIKey)
	sanitized.Channels.Telegram.Token = sanitizeSecret(cfg.Channels.Telegram.Token, EnvTelegramToken)

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	var check map[string]any
	if err := yaml.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("config validation failed (refusing to write corrupt data): %w", err)
	}

	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile returns the first existing config file among the standard
// locations, or "".
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"config.toml",
		"mayaclaw.yaml",
		"mayaclaw.toml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".mayaclaw", "config.yaml"),
			filepath.Join(home, ".mayaclaw", "config.toml"),
		)
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// DefaultConfigPath is where setup writes a new configuration.
func DefaultConfigPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".mayaclaw", "config.yaml")
	}
	return "config.yaml"
}

// AuditSecrets warns about secrets written in plain text in the config.
func AuditSecrets(cfg *Config, logger *slog.Logger) {
	if looksLikeRealKey(cfg.API.APIKey) && os.Getenv(EnvAPIKey) != cfg.API.APIKey && os.Getenv(EnvOpenAIKey) != cfg.API.APIKey {
		logger.Warn("API key appears to be hardcoded in config",
			"hint", "run 'mayaclaw config set-key' or use api_key: ${"+EnvAPIKey+"}")
	}
}

// ---------- Internal ----------

// loadEnvFiles loads .env files from the working directory and the config
// directory. Existing variables are never overwritten.
func loadEnvFiles(configDir string) {
	files := []string{".env", ".env.local"}
	if configDir != "" && configDir != "." {
		files = append(files, filepath.Join(configDir, ".env"))
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces environment references in input. ${VAR} and $VAR
// stay as written when VAR is unset; ${VAR:-default} falls back to the
// default and ${VAR:?message} fails.
func expandEnvVars(input string) (string, error) {
	var missing []error
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		m := envVarPattern.FindStringSubmatch(match)
		name, modifier, value, bare := m[1], m[2], m[3], m[4]

		if bare != "" {
			if v, ok := os.LookupEnv(bare); ok {
				return v
			}
			return match
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			missing = append(missing, fmt.Errorf("%s: %s", name, value))
		}
		return match
	})
	if len(missing) > 0 {
		return "", errors.Join(missing...)
	}
	return out, nil
}

// resolveSecrets fills secrets left empty (or as unresolved references)
// from the environment. The keyring is consulted later by ResolveAPIKey.
func resolveSecrets(cfg *Config) {
	if cfg.API.APIKey == "" || IsEnvReference(cfg.API.APIKey) {
		cfg.API.APIKey = ""
		for _, name := range []string{EnvAPIKey, EnvOpenAIKey} {
			if v := os.Getenv(name); v != "" {
				cfg.API.APIKey = v
				break
			}
		}
	}
	if cfg.Channels.Telegram.Token == "" || IsEnvReference(cfg.Channels.Telegram.Token) {
		cfg.Channels.Telegram.Token = os.Getenv(EnvTelegramToken)
	}
}

// resolveRelativePaths makes file paths relative to the config file's
// directory, so the process can start from anywhere.
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	cfg.Workspaces.Dir = resolvePathFromConfig(cfg.Workspaces.Dir, dir)
	cfg.Database.Path = resolvePathFromConfig(cfg.Database.Path, dir)
	cfg.Channels.Console.HistoryFile = resolvePathFromConfig(cfg.Channels.Console.HistoryFile, dir)
}

func resolvePathFromConfig(path, configDir string) string {
	if path == "" || path == ":memory:" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// sanitizeSecret swaps a secret for a reference to the first environment
// variable holding the same value.
func sanitizeSecret(value string, envVars ...string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	for _, name := range envVars {
		if os.Getenv(name) == value {
			return "${" + name + "}"
		}
	}
	return value
}

// IsEnvReference reports whether s is an unexpanded environment reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "$")
}

func looksLikeRealKey(s string) bool {
	if s == "" || IsEnvReference(s) {
		return false
	}
	return strings.HasPrefix(s, "sk-") || len(s) > 20
}

// checkFilePermissions warns if the config file is readable by others.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
