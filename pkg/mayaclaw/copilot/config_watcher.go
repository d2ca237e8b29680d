package copilot

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher reloads the configuration file when its content changes.
// Editors often replace files instead of writing them in place, so the
// watcher follows the parent directory and filters by file name.
type ConfigWatcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)
	logger   *slog.Logger

	lastHash [sha256.Size]byte

	// pollInterval is used when fsnotify is unavailable.
	pollInterval time.Duration
}

// NewConfigWatcher creates a watcher for path. onChange receives every
// successfully parsed and validated new configuration.
func NewConfigWatcher(path string, debounce time.Duration, onChange func(*Config), logger *slog.Logger) *ConfigWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = time.Second
	}
	return &ConfigWatcher{
		path:         path,
		debounce:     debounce,
		onChange:     onChange,
		logger:       logger.With("component", "config-watcher"),
		pollInterval: 5 * time.Second,
	}
}

// Start blocks until ctx is cancelled.
func (w *ConfigWatcher) Start(ctx context.Context) {
	w.lastHash, _ = w.hash()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable, polling config file", "err", err)
		w.poll(ctx)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		w.logger.Warn("cannot watch config directory, polling config file", "err", err)
		w.poll(ctx)
		return
	}

	name := filepath.Base(w.path)
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name || ev.Op == fsnotify.Chmod {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "err", err)

		case <-timer.C:
			w.check()
		}
	}
}

func (w *ConfigWatcher) poll(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check reloads the file if its hash changed. Invalid files are logged and
// the previous configuration stays in effect.
func (w *ConfigWatcher) check() {
	sum, err := w.hash()
	if err != nil {
		w.logger.Warn("cannot read config file", "path", w.path, "err", err)
		return
	}
	if sum == w.lastHash {
		return
	}

	cfg, err := LoadConfigFromFile(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous config", "err", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Error("reloaded config is invalid, keeping previous config", "err", err)
		return
	}

	w.lastHash = sum
	w.logger.Info("config file changed, applying", "path", w.path)
	w.onChange(cfg)
}

func (w *ConfigWatcher) hash() ([sha256.Size]byte, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	return sha256.Sum256(data), nil
}
