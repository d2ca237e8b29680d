package commands

import (
	"os"

	"github.com/spf13/cobra"
)

// newChatCmd creates the `mayaclaw chat` command for terminal conversations.
func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Talk to the assistant in the terminal",
		Long: `Start an interactive session in the terminal. Input is attributed to
channels.console.user_id, which must be allowed in the workspaces you want
to reach. All chat commands work here too (/help, /workspace, /remind...).
Reminders and alerts due during the session are printed inline.

Type /quit or press Ctrl+D to leave.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			logCfg := cfg.Logging
			if logCfg.Level == "" || logCfg.Level == "info" {
				logCfg.Level = "warn"
			}
			logger := newLogger(cmd, logCfg, os.Stderr)
			return runAssistant(cfg, path, "console", logger)
		},
	}
}
