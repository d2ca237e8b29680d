package channels

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitMessage(t *testing.T) {
	t.Parallel()

	if got := SplitMessage("short", 10); len(got) != 1 || got[0] != "short" {
		t.Errorf("SplitMessage(short) = %q", got)
	}

	para := strings.Repeat("a", 30)
	text := para + "\n\n" + para + "\n\n" + para
	got := SplitMessage(text, 70)
	if len(got) != 2 {
		t.Fatalf("chunks = %d, want 2: %q", len(got), got)
	}
	if got[0] != para+"\n\n"+para || got[1] != para {
		t.Errorf("chunks = %q", got)
	}

	long := strings.Repeat("é", 250)
	for _, c := range SplitMessage(long, 100) {
		if n := utf8.RuneCountInString(c); n > 100 {
			t.Errorf("chunk has %d runes, want <= 100", n)
		}
	}
	if joined := strings.Join(SplitMessage(long, 100), ""); joined != long {
		t.Error("hard-split chunks do not reassemble the input")
	}
}
