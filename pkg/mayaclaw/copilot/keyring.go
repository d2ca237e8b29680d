// Package copilot – keyring.go stores the API key in the operating system's
// keyring (Secret Service on Linux, Keychain on macOS, Credential Manager
// on Windows).
//
// The API key is resolved in this order:
//  1. config value (after ${VAR} expansion)
//  2. MAYACLAW_API_KEY, then OPENAI_API_KEY
//  3. OS keyring
package copilot

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	keyringService = "mayaclaw"
	keyringAPIKey  = "api_key"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring. A missing entry or an
// unavailable keyring yields "".
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret. Deleting a missing entry is not an error.
func DeleteKeyring(key string) error {
	err := keyring.Delete(keyringService, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	const probe = "__mayaclaw_probe__"
	if err := keyring.Set(keyringService, probe, "probe"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, probe)
	return true
}

// StoreAPIKey saves the API key to the keyring.
func StoreAPIKey(apiKey string) error {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return errors.New("empty API key")
	}
	if err := StoreKeyring(keyringAPIKey, apiKey); err != nil {
		return fmt.Errorf("storing in keyring: %w", err)
	}
	return nil
}

// DeleteAPIKey removes the API key from the keyring.
func DeleteAPIKey() error {
	return DeleteKeyring(keyringAPIKey)
}

// ResolveAPIKey fills cfg.API.APIKey from the keyring when neither the
// config nor the environment provided one. It reports where the key came
// from: "config", "keyring" or "" when none was found.
func ResolveAPIKey(cfg *Config, logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.API.APIKey != "" && !IsEnvReference(cfg.API.APIKey) {
		logger.Debug("API key loaded from config/env")
		return "config"
	}
	if val := GetKeyring(keyringAPIKey); val != "" {
		cfg.API.APIKey = val
		logger.Debug("API key loaded from OS keyring")
		return "keyring"
	}
	if !isLocalEndpoint(cfg.API.BaseURL) {
		logger.Warn("no API key found. Set one with: mayaclaw config set-key")
	}
	return ""
}

// isLocalEndpoint reports whether url points at a local model server that
// needs no key.
func isLocalEndpoint(url string) bool {
	return strings.Contains(url, "localhost") || strings.Contains(url, "127.0.0.1")
}

// ReadPassword prompts on stderr and reads a line from the terminal
// without echo.
func ReadPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}
