package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/channels"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/channels/console"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/channels/telegram"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/copilot"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/scheduler"
)

const shutdownTimeout = 10 * time.Second

// newServeCmd creates the `mayaclaw serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the assistant with its scheduler",
		Long: `Start Maya as a long-running service. Messages arrive over Telegram
(or the terminal with --channel console); reminders, heartbeat alerts, the
daily digest and nightly memory compaction run in the background.

The config file is watched: workspace changes apply without a restart.

Examples:
  mayaclaw serve
  mayaclaw serve --channel console
  mayaclaw serve --config ./config.yaml`,
		RunE: runServe,
	}

	cmd.Flags().String("channel", "", "transport to use (telegram, console); default picks telegram when a token is set")
	cmd.Flags().Bool("no-watch", false, "do not reload the config file on changes")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, path, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	name, _ := cmd.Flags().GetString("channel")
	if name == "" {
		name = defaultChannel(cfg)
	}
	if name == "" {
		return errors.New("no channel configured: set channels.telegram.token or use --channel console")
	}

	noWatch, _ := cmd.Flags().GetBool("no-watch")
	if noWatch {
		path = ""
	}

	var logOut io.Writer = os.Stdout
	if name == "console" {
		logOut = os.Stderr
	}
	logger := newLogger(cmd, cfg.Logging, logOut)
	slog.SetDefault(logger)

	copilot.AuditSecrets(cfg, logger)
	return runAssistant(cfg, path, name, logger)
}

// defaultChannel picks telegram when a token is configured, then the
// console when it is enabled.
func defaultChannel(cfg *copilot.Config) string {
	switch {
	case cfg.Channels.Telegram.Token != "":
		return "telegram"
	case cfg.Channels.Console.Enabled:
		return "console"
	}
	return ""
}

// runAssistant wires storage, the scheduler and the assistant over one
// channel and blocks until a shutdown signal (or the console session ends).
func runAssistant(cfg *copilot.Config, configPath, channelName string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var ch channels.Channel
	switch channelName {
	case "telegram":
		ch = telegram.New(cfg.Channels.Telegram, logger)
	case "console":
		cc := cfg.Channels.Console
		if cc.AssistantName == "" {
			cc.AssistantName = cfg.Name
		}
		ch = console.New(cc, logger)
	default:
		return fmt.Errorf("unknown channel %q", channelName)
	}
	if err := ch.Connect(ctx); err != nil {
		return fmt.Errorf("connecting %s: %w", channelName, err)
	}

	// A nil channel never fires, so only the console ends the session.
	var sessionDone <-chan struct{}
	if con, ok := ch.(*console.Console); ok {
		sessionDone = con.Done()
	}

	gen := a.generator()
	compactor := a.compactor(gen)

	sched, err := scheduler.New(scheduler.Options{
		Config:          cfg.Scheduler.Config,
		Heartbeat:       cfg.Scheduler.Heartbeat,
		Digest:          cfg.Scheduler.Digest,
		CompactionCron:  cfg.Memory.Cron,
		AuthorizedUsers: cfg.Workspaces.AuthorizedUsers,
		Workspaces:      a.registry,
		Runs:            scheduler.NewSQLiteRunStore(a.db.DB),
		Sender:          ch,
		Reminders:       a.reminders,
		Compactor:       compactor,
		Generator:       gen,
	}, logger)
	if err != nil {
		ch.Disconnect()
		return err
	}

	assistant, err := copilot.New(copilot.Options{
		Registry:  a.registry,
		Generator: gen,
		Channel:   ch,
		Compactor: compactor,
		Reminders: a.reminders,
		Jobs:      sched,
		Reply:     cfg.Reply,

		DefaultModel: cfg.API.Model,
		ModelAliases: cfg.API.Aliases,
	}, logger)
	if err != nil {
		ch.Disconnect()
		return err
	}

	sched.Start(ctx)
	assistant.Start(ctx)

	if configPath != "" {
		watcher := copilot.NewConfigWatcher(configPath, time.Second, assistant.ApplyConfig, logger)
		go watcher.Start(ctx)
	}

	logger.Info("Maya running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"channel", channelName,
		"workspaces", len(cfg.Workspaces.Configs),
		"storage", cfg.Storage,
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping...")
	case <-sessionDone:
		logger.Info("console session ended, stopping...")
	}
	stop()

	done := make(chan struct{})
	go func() {
		assistant.Stop()
		sched.Stop()
		if err := ch.Disconnect(); err != nil {
			logger.Warn("channel disconnect failed", "channel", channelName, "err", err)
		}
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit", "timeout", shutdownTimeout)
	}
	return nil
}
