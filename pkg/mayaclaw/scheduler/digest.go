package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/reminders"
)

const (
	digestMaxReminders    = 5
	digestMessageLength   = 40
	digestHighlightLength = 200
)

// FormatDigest renders the daily digest: a greeting with the local date,
// up to five pending reminders and the latest memory highlight.
func FormatDigest(now time.Time, pending []*reminders.Reminder, highlight string) string {
	parts := []string{fmt.Sprintf("☀️ Good morning!\n%s", now.Format("Monday, January 2, 2006"))}

	if len(pending) > 0 {
		var b strings.Builder
		noun := "reminders"
		if len(pending) == 1 {
			noun = "reminder"
		}
		fmt.Fprintf(&b, "⏰ %d pending %s", len(pending), noun)
		for i, r := range pending {
			if i == digestMaxReminders {
				fmt.Fprintf(&b, "\n  ... and %d more", len(pending)-digestMaxReminders)
				break
			}
			due := r.DueAt.In(now.Location())
			when := due.Format("15:04")
			if y, m, d := due.Date(); y != now.Year() || m != now.Month() || d != now.Day() {
				when = due.Format("Mon Jan 2 15:04")
			}
			fmt.Fprintf(&b, "\n  • %s: %s", when, truncateRunes(r.Message, digestMessageLength))
		}
		parts = append(parts, b.String())
	}

	if highlight != "" {
		parts = append(parts, "📝 Recent memory\n  "+highlight)
	}

	if len(parts) == 1 {
		parts = append(parts, "Nothing specific to report. Have a great day! 🌟")
	}
	return strings.Join(parts, "\n\n")
}
