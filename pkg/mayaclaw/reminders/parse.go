package reminders

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrUnparseableTime is matched by every *UnparseableTimeError.
var ErrUnparseableTime = errors.New("unparseable time expression")

// UnparseableTimeError reports a reminder time that could not be resolved.
type UnparseableTimeError struct {
	Expression string
	Reason     string
}

func (e *UnparseableTimeError) Error() string {
	return fmt.Sprintf("cannot understand time %q: %s", e.Expression, e.Reason)
}

// Is makes errors.Is(err, ErrUnparseableTime) match.
func (e *UnparseableTimeError) Is(target error) bool { return target == ErrUnparseableTime }

// defaultHour is used for day expressions without a time ("tomorrow", "friday").
const defaultHour = 9

// ParseTime resolves a natural-language time expression against now in loc.
//
// Supported forms:
//   - "in N minutes/hours/days/weeks", "in an hour", "in half an hour"
//   - "today/tomorrow/tonight [at TIME]", "TIME tomorrow"
//   - "[on|next] <weekday> [at TIME]"
//   - "[at] TIME" (today, or tomorrow once passed)
//   - "2006-01-02 [15:04]" and RFC 3339
//
// TIME is "9am", "9:30 pm", "21:00", "noon" or "midnight". The result must
// lie strictly after now.
func ParseTime(expr string, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	fail := func(reason string) (time.Time, error) {
		return time.Time{}, &UnparseableTimeError{Expression: expr, Reason: reason}
	}

	s := normalize(expr)
	if s == "" {
		return fail("empty expression")
	}
	local := now.In(loc)

	t, ok, err := parseExpression(s, local, loc)
	if err != nil {
		return fail(err.Error())
	}
	if !ok {
		return fail("unrecognised format")
	}
	if !t.After(now) {
		return fail("time is in the past")
	}
	return t, nil
}

func parseExpression(s string, now time.Time, loc *time.Location) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, strings.ToUpper(s)); err == nil {
		return t.In(loc), true, nil
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02t15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			if layout == "2006-01-02" {
				t = dateAt(t, loc, defaultHour, 0)
			}
			return t, true, nil
		}
	}

	if s == "in half an hour" {
		return now.Add(30 * time.Minute), true, nil
	}
	if m := reIn.FindStringSubmatch(s); m != nil {
		n := parseCount(m[1])
		if n <= 0 {
			return time.Time{}, false, fmt.Errorf("invalid amount %q", m[1])
		}
		switch normalizeUnit(m[2]) {
		case "m":
			return now.Add(time.Duration(n) * time.Minute), true, nil
		case "h":
			return now.Add(time.Duration(n) * time.Hour), true, nil
		case "d":
			return now.AddDate(0, 0, n), true, nil
		case "w":
			return now.AddDate(0, 0, 7*n), true, nil
		}
		return time.Time{}, false, fmt.Errorf("unknown unit %q", m[2])
	}

	if m := reDay.FindStringSubmatch(s); m != nil {
		return atDay(now, loc, m[1], m[2])
	}
	if m := reTimeThenDay.FindStringSubmatch(s); m != nil {
		return atDay(now, loc, m[2], m[1])
	}

	if m := reWeekday.FindStringSubmatch(s); m != nil && parseDayOfWeek(m[2]) >= 0 {
		dow := parseDayOfWeek(m[2])
		hour, minute := defaultHour, 0
		if m[3] != "" {
			var err error
			if hour, minute, err = parseClock(m[3]); err != nil {
				return time.Time{}, false, err
			}
		}
		days := (dow - int(now.Weekday()) + 7) % 7
		t := dateAt(now.AddDate(0, 0, days), loc, hour, minute)
		if days == 0 && (m[1] == "next" || !t.After(now)) {
			t = dateAt(now.AddDate(0, 0, 7), loc, hour, minute)
		}
		return t, true, nil
	}

	if m := reAt.FindStringSubmatch(s); m != nil {
		hour, minute, err := parseClock(m[1])
		if err != nil {
			return time.Time{}, false, nil
		}
		t := dateAt(now, loc, hour, minute)
		if !t.After(now) {
			t = dateAt(now.AddDate(0, 0, 1), loc, hour, minute)
		}
		return t, true, nil
	}

	return time.Time{}, false, nil
}

// atDay resolves "today"/"tomorrow"/"tonight" with an optional clock time.
func atDay(now time.Time, loc *time.Location, day, clock string) (time.Time, bool, error) {
	hour, minute := defaultHour, 0
	if day == "tonight" {
		hour = 20
	}
	if clock != "" {
		var err error
		if hour, minute, err = parseClock(clock); err != nil {
			return time.Time{}, false, err
		}
		if day == "tonight" && hour < 12 {
			hour += 12
		}
	}

	base := now
	if day == "tomorrow" {
		base = now.AddDate(0, 0, 1)
	}
	return dateAt(base, loc, hour, minute), true, nil
}

// dateAt builds the wall-clock time hour:minute on day's date in loc.
func dateAt(day time.Time, loc *time.Location, hour, minute int) time.Time {
	y, mo, d := day.In(loc).Date()
	return time.Date(y, mo, d, hour, minute, 0, 0, loc)
}

// ---------- Regex patterns ----------

var (
	reIn          = regexp.MustCompile(`^in\s+(\d+|an?|one|two|three|four|five|six|seven|eight|nine|ten|twelve)\s+(minute|min|hour|hr|day|week|wk)s?$`)
	reDay         = regexp.MustCompile(`^(today|tomorrow|tonight)(?:\s+(?:at\s+)?(.+))?$`)
	reTimeThenDay = regexp.MustCompile(`^(?:at\s+)?(.+?)\s+(today|tomorrow|tonight)$`)
	reWeekday     = regexp.MustCompile(`^(?:(on|next|this)\s+)?([a-z]+)(?:\s+(?:at\s+)?(.+))?$`)
	reAt          = regexp.MustCompile(`^(?:at\s+)?(.+)$`)
	reSpaces      = regexp.MustCompile(`\s+`)
)

// ---------- Helpers ----------

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, ".")
	return reSpaces.ReplaceAllString(s, " ")
}

var countWords = map[string]int{
	"a": 1, "an": 1, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10, "twelve": 12,
}

func parseCount(s string) int {
	if n, ok := countWords[s]; ok {
		return n
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return n
}

// normalizeUnit converts a unit word to a single-letter code.
func normalizeUnit(unit string) string {
	switch strings.TrimSuffix(unit, "s") {
	case "minute", "min":
		return "m"
	case "hour", "hr":
		return "h"
	case "day":
		return "d"
	case "week", "wk":
		return "w"
	default:
		return ""
	}
}

// parseClock parses "9", "9am", "9:30 pm", "21:00", "noon" or "midnight".
func parseClock(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	switch s {
	case "noon", "midday":
		return 12, 0, nil
	case "midnight":
		return 0, 0, nil
	}

	isPM := strings.HasSuffix(s, "pm") || strings.HasSuffix(s, "p.m.")
	isAM := strings.HasSuffix(s, "am") || strings.HasSuffix(s, "a.m.")
	s = strings.TrimSuffix(strings.TrimSuffix(s, "p.m."), "a.m.")
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(s, "pm"), "am"))
	s = strings.ReplaceAll(s, ".", ":")

	parts := strings.SplitN(s, ":", 2)
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	if len(parts) == 2 {
		if len(parts[1]) != 2 {
			return 0, 0, fmt.Errorf("invalid minutes in %q", s)
		}
		minute, err = strconv.Atoi(parts[1])
		if err != nil || minute < 0 || minute > 59 {
			return 0, 0, fmt.Errorf("invalid minutes in %q", s)
		}
	}

	if isAM || isPM {
		if hour < 1 || hour > 12 {
			return 0, 0, fmt.Errorf("ambiguous hour %d with am/pm", hour)
		}
		if isPM && hour < 12 {
			hour += 12
		}
		if isAM && hour == 12 {
			hour = 0
		}
	}
	return hour, minute, nil
}

// parseDayOfWeek converts a day name to time.Weekday order (0=Sunday), -1 if unknown.
func parseDayOfWeek(day string) int {
	switch day {
	case "sunday", "sun":
		return 0
	case "monday", "mon":
		return 1
	case "tuesday", "tue", "tues":
		return 2
	case "wednesday", "wed":
		return 3
	case "thursday", "thu", "thur", "thurs":
		return 4
	case "friday", "fri":
		return 5
	case "saturday", "sat":
		return 6
	default:
		return -1
	}
}
