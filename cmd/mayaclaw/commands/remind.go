package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/reminders"
)

// newRemindCmd creates the `mayaclaw remind` command group.
func newRemindCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remind",
		Short: "Create, list and cancel reminders",
		Long: `Manage reminders from the command line. Reminders are delivered by
'mayaclaw serve' when they come due, to the owner's direct chat unless
--chat is given.

Time expressions: "in 20 minutes", "tomorrow 9am", "friday 18:30",
"2025-03-01 08:00", "at 7pm".

Examples:
  mayaclaw remind add personal "tomorrow 9am" call the dentist
  mayaclaw remind list --all
  mayaclaw remind cancel 3fa2c9`,
	}

	cmd.AddCommand(
		newRemindAddCmd(),
		newRemindListCmd(),
		newRemindCancelCmd(),
	)
	return cmd
}

func newRemindAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <workspace> <when> <message...>",
		Short: "Schedule a reminder",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, _ := cmd.Flags().GetString("owner")
			chat, _ := cmd.Flags().GetString("chat")

			return withApp(cmd, func(ctx context.Context, a *app) error {
				h, err := a.handle(args[0])
				if err != nil {
					return err
				}
				if owner == "" {
					owner = a.defaultOwner(h.Config.AuthorizedUsers)
				}
				if owner == "" {
					return errors.New("no owner: pass --owner or configure authorized_users")
				}
				if chat == "" {
					chat = h.Config.GroupID
				}
				if chat == "" {
					chat = owner
				}

				r, err := a.reminders.Create(ctx, reminders.NewReminder{
					Workspace:  h.Name,
					OwnerID:    owner,
					ChatID:     chat,
					Expression: args[1],
					Message:    strings.Join(args[2:], " "),
					Location:   h.Location,
				})
				if err != nil {
					return err
				}
				local := *r
				local.DueAt = r.DueAt.In(h.Location)
				fmt.Println(reminders.FormatConfirmation(&local, time.Now()))
				return nil
			})
		},
	}

	cmd.Flags().String("owner", "", "user id the reminder belongs to (default: first authorized user)")
	cmd.Flags().String("chat", "", "chat id to deliver to (default: the group, or the owner's DM)")
	return cmd
}

func newRemindListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list [workspace]",
		Short: "List pending reminders",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			owner, _ := cmd.Flags().GetString("owner")

			return withApp(cmd, func(ctx context.Context, a *app) error {
				f := reminders.Filter{OwnerID: owner, Status: reminders.StatusPending}
				if len(args) > 0 {
					if _, err := a.handle(args[0]); err != nil {
						return err
					}
					f.Workspace = args[0]
				}
				if all {
					f.Status = ""
				}
				rs, err := a.reminders.List(ctx, f)
				if err != nil {
					return err
				}
				if !all {
					fmt.Println(reminders.FormatList(rs, time.Now()))
					return nil
				}
				printReminderTable(rs)
				return nil
			})
		},
	}

	cmd.Flags().Bool("all", false, "include fired and cancelled reminders")
	cmd.Flags().String("owner", "", "only show this user's reminders")
	return cmd
}

func newRemindCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending reminder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				err := a.reminders.Cancel(ctx, args[0])
				switch {
				case errors.Is(err, reminders.ErrNotFound):
					return fmt.Errorf("reminder %s not found", args[0])
				case errors.Is(err, reminders.ErrNotPending):
					return fmt.Errorf("reminder %s already fired", args[0])
				case err != nil:
					return err
				}
				fmt.Printf("Reminder %s cancelled.\n", args[0])
				return nil
			})
		},
	}
}

// printReminderTable prints reminders of every status.
func printReminderTable(rs []*reminders.Reminder) {
	if len(rs) == 0 {
		fmt.Println("No reminders.")
		return
	}
	now := time.Now()
	for _, r := range rs {
		when := humanize.RelTime(r.DueAt, now, "ago", "from now")
		line := fmt.Sprintf("%-8s %-10s %-10s %s  %s (%s)",
			r.ID, r.Workspace, r.Status, r.DueAt.Local().Format("2006-01-02 15:04"), r.Message, when)
		if r.LastError != "" {
			line += dimStyle.Render(fmt.Sprintf("  [%d failed attempts: %s]", r.Attempts, r.LastError))
		}
		fmt.Println(line)
	}
}

// defaultOwner picks the first workspace user, then the first global one.
func (a *app) defaultOwner(users []string) string {
	if len(users) > 0 {
		return users[0]
	}
	if len(a.cfg.Workspaces.AuthorizedUsers) > 0 {
		return a.cfg.Workspaces.AuthorizedUsers[0]
	}
	return ""
}
