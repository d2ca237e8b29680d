package commands

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/scheduler"
)

// newStatusCmd creates the `mayaclaw status` command.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show storage health and scheduled job history",
		Long: `Show database health, the configured workspaces and when each scheduled
job last ran. Run markers are persisted, so this works while serve runs in
another process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				now := time.Now()

				fmt.Println(headerStyle.Render("Database"))
				health := a.db.Health.Status(ctx)
				keys := make([]string, 0, len(health))
				for k := range health {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				fmt.Println(labelStyle.Render("path") + a.db.Config.Path)
				for _, k := range keys {
					fmt.Println(labelStyle.Render(k) + fmt.Sprint(health[k]))
				}
				fmt.Println(labelStyle.Render("storage") + a.cfg.Storage)
				fmt.Println()

				runs := scheduler.NewSQLiteRunStore(a.db.DB)
				printMarker := func(kind scheduler.Kind, ws string) error {
					m, ok, err := runs.Load(ctx, kind, ws)
					if err != nil {
						return err
					}
					last := "never"
					if ok {
						last = humanize.RelTime(m.LastRunAt, now, "ago", "from now") +
							fmt.Sprintf(" (%d runs)", m.RunCount)
					}
					if m.LastError != "" {
						last += dimStyle.Render(" error: " + m.LastError)
					}
					fmt.Println(labelStyle.Render(string(kind)) + last)
					return nil
				}

				fmt.Println(headerStyle.Render("Reminders"))
				if err := printMarker(scheduler.KindReminders, ""); err != nil {
					return err
				}
				fmt.Println()

				for _, info := range a.registry.List() {
					pending, err := a.reminders.CountPending(ctx, info.Name)
					if err != nil {
						return err
					}
					fmt.Println(headerStyle.Render(info.Name) + dimStyle.Render(fmt.Sprintf("  %s, %d pending reminders", info.Mode, pending)))
					for _, kind := range []scheduler.Kind{scheduler.KindHeartbeat, scheduler.KindDigest, scheduler.KindCompaction} {
						if err := printMarker(kind, info.Name); err != nil {
							return err
						}
					}
					fmt.Println()
				}
				return nil
			})
		},
	}
}
