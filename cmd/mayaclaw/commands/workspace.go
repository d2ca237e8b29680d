package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/workspace"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Width(14)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

// newWorkspaceCmd creates the `mayaclaw workspace` command group.
func newWorkspaceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workspace",
		Aliases: []string{"ws"},
		Short:   "List, inspect and provision workspaces",
		Long: `Workspaces isolate conversation history and memory. They are declared
under workspaces.configs in the config file.

Examples:
  mayaclaw workspace list
  mayaclaw workspace show family
  mayaclaw workspace provision team
  mayaclaw workspace export personal > personal.json`,
	}

	cmd.AddCommand(
		newWorkspaceListCmd(),
		newWorkspaceShowCmd(),
		newWorkspaceProvisionCmd(),
		newWorkspaceExportCmd(),
	)
	return cmd
}

func newWorkspaceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured workspaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				t := table.New().
					Border(lipgloss.NormalBorder()).
					BorderStyle(dimStyle).
					StyleFunc(func(row, _ int) lipgloss.Style {
						if row == table.HeaderRow {
							return headerStyle.Padding(0, 1)
						}
						return lipgloss.NewStyle().Padding(0, 1)
					}).
					Headers("NAME", "MODE", "GROUP", "TURNS", "MEMORY", "REMINDERS")

				for _, info := range a.registry.List() {
					h, err := a.registry.Handle(info.Name)
					if err != nil {
						return err
					}
					turns, doc, err := workspaceStats(ctx, h)
					if err != nil {
						return err
					}
					pending, err := a.reminders.CountPending(ctx, info.Name)
					if err != nil {
						return err
					}
					name := info.Name
					if info.Default {
						name += " *"
					}
					t.Row(name, string(info.Mode), info.GroupID,
						strconv.FormatInt(turns, 10),
						humanize.Comma(int64(len(doc.Text)))+" chars",
						strconv.Itoa(pending))
				}
				fmt.Println(t)
				fmt.Println(dimStyle.Render("* default workspace"))
				return nil
			})
		},
	}
}

func newWorkspaceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [name]",
		Short: "Show a workspace's settings and state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				h, err := a.handle(firstArg(args))
				if err != nil {
					return err
				}
				turns, doc, err := workspaceStats(ctx, h)
				if err != nil {
					return err
				}
				pending, err := a.reminders.CountPending(ctx, h.Name)
				if err != nil {
					return err
				}

				now := time.Now()
				row := func(label, value string) {
					fmt.Println(labelStyle.Render(label) + value)
				}
				fmt.Println(headerStyle.Render(h.Name))
				row("Mode", string(h.Config.Mode))
				if h.Config.GroupID != "" {
					row("Group", h.Config.GroupID+" (listen: "+h.Config.ListenMode+")")
				}
				row("Directory", h.Store.Dir())
				row("Timezone", h.Location.String())
				switch {
				case h.Config.Mode == workspace.ModeGroup:
					row("Users", "members of the bound group")
				case len(h.Config.AuthorizedUsers) > 0:
					row("Users", strings.Join(h.Config.AuthorizedUsers, ", "))
				default:
					row("Users", strings.Join(a.cfg.Workspaces.AuthorizedUsers, ", ")+" (global)")
				}
				row("Model", valueOr(h.Config.Model, "default"))
				row("History", fmt.Sprintf("%d turns", turns))
				mem := fmt.Sprintf("%s chars, v%d", humanize.Comma(int64(len(doc.Text))), doc.Version)
				if !doc.LastCompactedAt.IsZero() {
					mem += ", compacted " + humanize.RelTime(doc.LastCompactedAt, now, "ago", "from now")
				}
				row("Memory", mem)
				row("Reminders", fmt.Sprintf("%d pending", pending))
				row("Heartbeat", enabledLabel(!h.Config.DisableHeartbeat))
				row("Digest", enabledLabel(!h.Config.DisableDigest)+" "+h.Config.DigestTime)
				return nil
			})
		},
	}
}

func newWorkspaceProvisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provision <name>",
		Short: "Create a workspace directory from the templates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				h, err := a.registry.Provision(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Workspace %s ready at %s\n", h.Name, h.Store.Dir())
				return nil
			})
		},
	}
}

func newWorkspaceExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export [name]",
		Short: "Print a workspace's history and memory as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				h, err := a.handle(firstArg(args))
				if err != nil {
					return err
				}
				snap, err := h.Store.Export(ctx)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			})
		},
	}
}

// workspaceStats returns the number of recorded turns and the memory
// document of a workspace.
func workspaceStats(ctx context.Context, h *workspace.Handle) (int64, workspace.MemoryDocument, error) {
	var turns int64
	last, err := h.Store.ReadRecent(ctx, 1, "")
	if err != nil {
		return 0, workspace.MemoryDocument{}, err
	}
	if len(last) > 0 {
		turns = last[0].Sequence
	}
	doc, err := h.Store.ReadMemory(ctx)
	return turns, doc, err
}

func firstArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func enabledLabel(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
