package commands

import (
	"context"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/workspace"
)

var (
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
)

// newHistoryCmd creates the `mayaclaw history` command.
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [workspace]",
		Short: "Print recent conversation turns",
		Long: `Print the most recent turns of a workspace's conversation history.
In shared-dm workspaces --as shows the history as one member sees it.

Examples:
  mayaclaw history
  mayaclaw history family --as 222 --limit 50`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			as, _ := cmd.Flags().GetString("as")

			return withApp(cmd, func(ctx context.Context, a *app) error {
				h, err := a.handle(firstArg(args))
				if err != nil {
					return err
				}
				entries, err := h.Store.ReadRecent(ctx, limit, as)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Printf("No history in %s.\n", h.Name)
					return nil
				}
				for _, e := range entries {
					printEntry(e, h)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntP("limit", "n", 20, "number of turns to show")
	cmd.Flags().String("as", "", "show the history as this member sees it (shared-dm)")
	return cmd
}

func printEntry(e workspace.HistoryEntry, h *workspace.Handle) {
	who := userStyle.Render("user")
	switch e.Role {
	case workspace.RoleAssistant:
		who = assistantStyle.Render("assistant")
	case workspace.RoleSystem:
		who = dimStyle.Render("system")
	}
	if e.AuthorID != "" && e.Role == workspace.RoleUser {
		who += dimStyle.Render(" (" + e.AuthorID + ")")
	}
	fmt.Println(dimStyle.Render(fmt.Sprintf("#%d", e.Sequence)),
		e.Timestamp.In(h.Location).Format("2006-01-02 15:04"), who)
	fmt.Println(lipgloss.NewStyle().PaddingLeft(2).Render(e.Content))
	fmt.Println()
}
