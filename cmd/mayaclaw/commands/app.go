package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/copilot"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/database"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/llm"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/memory"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/reminders"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/workspace"
)

// resolveConfig loads the config from --config or the usual locations. When
// none exists and stdin is a terminal it offers to run the setup wizard.
func resolveConfig(cmd *cobra.Command) (*copilot.Config, string, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath != "" {
		cfg, err := copilot.LoadConfigFromFile(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading config: %w", err)
		}
		return cfg, configPath, nil
	}

	if found := copilot.FindConfigFile(); found != "" {
		cfg, err := copilot.LoadConfigFromFile(found)
		if err != nil {
			return nil, "", fmt.Errorf("loading config from %s: %w", found, err)
		}
		return cfg, found, nil
	}

	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return nil, "", errors.New("no configuration file found, run 'mayaclaw setup' first")
	}

	runSetup := true
	err := huh.NewConfirm().
		Title("No configuration file found. Run the setup wizard now?").
		Affirmative("Yes").
		Negative("No").
		Value(&runSetup).
		Run()
	if err != nil {
		return nil, "", fmt.Errorf("prompt: %w", err)
	}
	if !runSetup {
		return nil, "", errors.New("configuration required, run 'mayaclaw setup'")
	}

	target, err := runInteractiveSetup(defaultSetupTarget)
	if err != nil {
		return nil, "", fmt.Errorf("setup: %w", err)
	}
	cfg, err := copilot.LoadConfigFromFile(target)
	if err != nil {
		return nil, "", fmt.Errorf("loading config from %s: %w", target, err)
	}
	return cfg, target, nil
}

// newLogger builds the process logger from the logging section. "auto"
// picks text on a terminal and JSON otherwise.
func newLogger(cmd *cobra.Command, cfg copilot.LoggingConfig, w io.Writer) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	format := cfg.Format
	if format == "" || format == "auto" {
		format = "json"
		if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			format = "text"
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// app holds the storage shared by every command: the database, the
// workspace registry and the reminder store.
type app struct {
	cfg       *copilot.Config
	logger    *slog.Logger
	db        *database.DB
	backend   workspace.Backend
	registry  *workspace.Registry
	reminders *reminders.Store
}

// openApp opens the database and builds the registry over the
// configured storage backend.
func openApp(ctx context.Context, cfg *copilot.Config, logger *slog.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	var backend workspace.Backend
	switch cfg.Storage {
	case copilot.StorageFile:
		backend = workspace.NewFileBackend(cfg.Workspaces.Dir, logger)
	default:
		backend = workspace.NewSQLiteBackend(db.DB, logger)
	}

	registry, err := workspace.NewRegistry(cfg.WorkspaceSettings(), backend, logger)
	if err != nil {
		backend.Close()
		db.Close()
		return nil, fmt.Errorf("workspaces: %w", err)
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		backend:   backend,
		registry:  registry,
		reminders: reminders.NewStore(db.DB, logger),
	}, nil
}

// Close releases the backend and the database.
func (a *app) Close() error {
	return errors.Join(a.backend.Close(), a.db.Close())
}

// generator resolves the API key and creates the LLM client.
func (a *app) generator() llm.Generator {
	copilot.ResolveAPIKey(a.cfg, a.logger)
	return llm.NewClient(a.cfg.API, a.logger)
}

// compactor creates a memory compactor summarizing with gen.
func (a *app) compactor(gen llm.Generator) *memory.Compactor {
	return memory.New(a.cfg.Memory, memory.NewGeneratorSummarizer(gen, a.cfg.API.Model), a.logger)
}

// handle returns a workspace by name, or the default one when name is
// empty.
func (a *app) handle(name string) (*workspace.Handle, error) {
	if name == "" {
		name = a.cfg.Workspaces.Default
	}
	return a.registry.Handle(name)
}

// withApp loads the config and opens the app for one-shot
// commands. Logs go to stderr at warn level unless --verbose is set.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logCfg := cfg.Logging
	if logCfg.Level == "" || logCfg.Level == "info" || logCfg.Level == "debug" {
		logCfg.Level = "warn"
	}
	logger := newLogger(cmd, logCfg, os.Stderr)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
