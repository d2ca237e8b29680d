// Package commands implements the mayaclaw CLI using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mayaclaw",
		Short: "Maya - a personal assistant with workspaces, memory and reminders",
		Long: `Maya is a personal assistant that keeps separate workspaces (personal,
family, team), each with its own conversation history and long-term memory.
It runs as a Telegram bot or in the terminal, and sends reminders, heartbeat
alerts and a daily digest on its own.

Examples:
  mayaclaw setup
  mayaclaw serve
  mayaclaw chat
  mayaclaw remind add personal "tomorrow 9am" "call the dentist"
  mayaclaw compact family --yes`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newSetupCmd(),
		newConfigCmd(),
		newWorkspaceCmd(),
		newRemindCmd(),
		newMemoryCmd(),
		newCompactCmd(),
		newHistoryCmd(),
		newStatusCmd(),
		newCompletionCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
