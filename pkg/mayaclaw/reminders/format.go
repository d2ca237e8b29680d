package reminders

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// FormatNotification renders the message delivered when a reminder fires.
func FormatNotification(r *Reminder) string {
	return "⏰ Reminder\n\n" + r.Message
}

// FormatConfirmation renders the reply sent after a reminder is created.
func FormatConfirmation(r *Reminder, now time.Time) string {
	return fmt.Sprintf("Reminder %s set for %s (%s).",
		r.ID, r.DueAt.Format("Mon Jan 2 15:04 MST"), humanize.RelTime(r.DueAt, now, "ago", "from now"))
}

// FormatList renders pending reminders, one per line.
func FormatList(rs []*Reminder, now time.Time) string {
	if len(rs) == 0 {
		return "No pending reminders."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d pending %s:\n", len(rs), plural(len(rs), "reminder", "reminders"))
	for _, r := range rs {
		fmt.Fprintf(&b, "• %s  %s  %s (%s)\n",
			r.ID,
			r.DueAt.Format("Mon Jan 2 15:04"),
			r.Message,
			humanize.RelTime(r.DueAt, now, "ago", "from now"))
	}
	return strings.TrimRight(b.String(), "\n")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
