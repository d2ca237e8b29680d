package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chzyer/readline"

	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/channels"
)

// scriptReader replays fixed lines, then reports EOF.
type scriptReader struct {
	mu    sync.Mutex
	lines []string
	errs  map[int]error
	n     int
}

func (r *scriptReader) Readline() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n >= len(r.lines) {
		return "", io.EOF
	}
	i := r.n
	r.n++
	return r.lines[i], r.errs[i]
}

func (r *scriptReader) Close() error { return nil }

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func collect(t *testing.T, ch <-chan *channels.IncomingMessage) []*channels.IncomingMessage {
	t.Helper()
	var out []*channels.IncomingMessage
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, msg)
		case <-timeout:
			t.Fatal("timed out waiting for the read loop to finish")
		}
	}
}

func TestConsole_ReadsLinesUntilEOF(t *testing.T) {
	t.Parallel()
	r := &scriptReader{
		lines: []string{"hello", "   ", "abandoned", "/remind in 5 minutes | tea"},
		errs:  map[int]error{2: readline.ErrInterrupt},
	}
	c := NewWithIO(Config{UserID: "42"}, r, io.Discard, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	msgs := collect(t, c.Receive())
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2: %+v", len(msgs), msgs)
	}
	if msgs[0].Content != "hello" || msgs[0].From != "42" || msgs[0].ChatID != "42" || msgs[0].IsGroup {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[1].Content != "/remind in 5 minutes | tea" || msgs[1].ID == msgs[0].ID {
		t.Errorf("second message = %+v", msgs[1])
	}

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Error("Done not closed after EOF")
	}
}

func TestConsole_QuitCommand(t *testing.T) {
	t.Parallel()
	c := NewWithIO(Config{}, &scriptReader{lines: []string{"/quit", "never read"}}, io.Discard, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	if msgs := collect(t, c.Receive()); len(msgs) != 0 {
		t.Errorf("got %d messages after /quit, want 0", len(msgs))
	}
}

func TestConsole_Send(t *testing.T) {
	t.Parallel()
	out := &syncBuffer{}
	c := NewWithIO(Config{AssistantName: "maya"}, &scriptReader{}, out, nil)

	if err := c.Send(context.Background(), "", &channels.OutgoingMessage{Content: "x"}); !errors.Is(err, channels.ErrChannelDisconnected) {
		t.Errorf("Send before Connect = %v, want ErrChannelDisconnected", err)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Send(context.Background(), "console", &channels.OutgoingMessage{Content: "Hi there"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "maya") || !strings.Contains(got, "Hi there") {
		t.Errorf("output = %q", got)
	}

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if c.IsConnected() {
		t.Error("still connected after Disconnect")
	}
}
