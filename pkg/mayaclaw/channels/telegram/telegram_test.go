package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/channels"
)

type fakeBotAPI struct {
	mu      sync.Mutex
	updates []map[string]any
	sent    []map[string]any
}

func (f *fakeBotAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)

		var result any
		switch method {
		case "getMe":
			result = map[string]any{"id": 99, "is_bot": true, "username": "MayaBot"}
		case "getUpdates":
			f.mu.Lock()
			pending := f.updates
			f.updates = nil
			f.mu.Unlock()
			if len(pending) == 0 {
				time.Sleep(20 * time.Millisecond)
				pending = []map[string]any{}
			}
			result = pending
		case "sendMessage", "sendChatAction":
			f.mu.Lock()
			f.sent = append(f.sent, payload)
			f.mu.Unlock()
			result = map[string]any{"message_id": 1}
		default:
			t.Errorf("unexpected method %s", method)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
	})
}

func (f *fakeBotAPI) sentPayloads() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.sent...)
}

func update(id int64, chat map[string]any, from map[string]any, text string) map[string]any {
	return map[string]any{
		"update_id": id,
		"message": map[string]any{
			"message_id": id * 10,
			"from":       from,
			"chat":       chat,
			"date":       1771372800,
			"text":       text,
		},
	}
}

func receive(t *testing.T, ch <-chan *channels.IncomingMessage) *channels.IncomingMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func TestTelegram_ReceiveAndSend(t *testing.T) {
	t.Parallel()
	api := &fakeBotAPI{}
	user := map[string]any{"id": 7, "first_name": "Ana", "last_name": "Lima"}
	api.updates = []map[string]any{
		update(1, map[string]any{"id": -100, "type": "supergroup"}, map[string]any{"id": 5, "is_bot": true}, "bot noise"),
		update(2, map[string]any{"id": -100, "type": "supergroup"}, user, "@MayaBot what's up"),
		update(3, map[string]any{"id": 7, "type": "private"}, user, "hello"),
	}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	tg := New(Config{Token: "T", APIURL: srv.URL, RespondToGroups: true, RespondToDMs: true, PollTimeout: time.Second}, nil)
	if err := tg.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tg.Disconnect()

	group := receive(t, tg.Receive())
	if !group.IsGroup || !group.Mentioned || group.Content != "what's up" || group.ChatID != "-100" {
		t.Errorf("group message = %+v", group)
	}
	if group.From != "7" || group.FromName != "Ana Lima" || group.ID != "20" {
		t.Errorf("sender = %q %q id %q", group.From, group.FromName, group.ID)
	}

	dm := receive(t, tg.Receive())
	if dm.IsGroup || dm.Mentioned || dm.Content != "hello" {
		t.Errorf("dm = %+v", dm)
	}

	ctx := context.Background()
	if err := tg.Send(ctx, "7", &channels.OutgoingMessage{Content: "hi", ReplyTo: "30"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sent := api.sentPayloads()
	if len(sent) != 1 || sent[0]["text"] != "hi" || sent[0]["chat_id"] != float64(7) {
		t.Fatalf("sent = %+v", sent)
	}
	if _, ok := sent[0]["reply_parameters"]; !ok {
		t.Error("reply_parameters missing")
	}

	if err := tg.Send(ctx, "not-a-chat", &channels.OutgoingMessage{Content: "x"}); err == nil {
		t.Error("Send to invalid chat id succeeded")
	}

	if err := tg.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if tg.IsConnected() {
		t.Error("still connected after Disconnect")
	}
	if err := tg.Send(ctx, "7", &channels.OutgoingMessage{Content: "x"}); !errors.Is(err, channels.ErrChannelDisconnected) {
		t.Errorf("Send after disconnect = %v, want ErrChannelDisconnected", err)
	}
}

func TestTelegram_ConnectRequiresToken(t *testing.T) {
	t.Parallel()
	if err := New(Config{}, nil).Connect(context.Background()); err == nil {
		t.Error("Connect without token succeeded")
	}
}

func TestDetectMention(t *testing.T) {
	t.Parallel()
	tg := New(Config{Token: "T"}, nil)
	tg.botID, tg.botUsername = 99, "MayaBot"

	tests := []struct {
		name          string
		msg           *tgMessage
		wantMentioned bool
		wantText      string
	}{
		{"plain", &tgMessage{Text: "hello all"}, false, "hello all"},
		{"mention", &tgMessage{Text: "hey @mayabot remind me"}, true, "hey  remind me"},
		{"command suffix", &tgMessage{Text: "/remind@MayaBot in 5 minutes | tea"}, true, "/remind in 5 minutes | tea"},
		{"reply to bot", &tgMessage{Text: "thanks", ReplyToMessage: &tgMessage{From: &tgUser{ID: 99}}}, true, "thanks"},
		{"reply to human", &tgMessage{Text: "thanks", ReplyToMessage: &tgMessage{From: &tgUser{ID: 3}}}, false, "thanks"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mentioned, text := tg.detectMention(tt.msg, tt.msg.Text)
			if mentioned != tt.wantMentioned || text != tt.wantText {
				t.Errorf("detectMention = %v, %q; want %v, %q", mentioned, text, tt.wantMentioned, tt.wantText)
			}
		})
	}
}
