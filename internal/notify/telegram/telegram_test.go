package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sentinel/internal/notify"
)

type botServer struct {
	mu    sync.Mutex
	chats []string
	texts []string
	fail  bool
}

func (b *botServer) handler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Sentinel","username":"sentinel_bot"}}`))
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.fail {
			_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
			return
		}
		_ = r.ParseForm()
		b.chats = append(b.chats, r.FormValue("chat_id"))
		b.texts = append(b.texts, r.FormValue("text"))
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":42,"date":0,"chat":{"id":99,"type":"private"},"text":"x"}}`))
	default:
		http.NotFound(w, r)
	}
}

func newTest(t *testing.T, b *botServer) *Notifier {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(b.handler))
	t.Cleanup(srv.Close)
	n, err := New("TOKEN", 99, log.Nop(), WithEndpoint(srv.URL+"/bot%s/%s"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return n
}

func TestDeliver(t *testing.T) {
	t.Parallel()

	b := &botServer{}
	n := newTest(t, b)

	id, ok := n.Deliver(context.Background(), notify.Message{Subject: "Alert Digest — 2 items", Body: "line"})
	if !ok {
		t.Fatal("Deliver reported failure")
	}
	if id != "telegram:42" {
		t.Errorf("id = %q, want %q", id, "telegram:42")
	}
	if len(b.texts) != 1 || b.texts[0] != "Alert Digest — 2 items\n\nline" {
		t.Errorf("texts = %q", b.texts)
	}
	if b.chats[0] != "99" {
		t.Errorf("chat_id = %q, want 99", b.chats[0])
	}
}

func TestDeliver_RecipientOverride(t *testing.T) {
	t.Parallel()

	b := &botServer{}
	n := newTest(t, b)
	if _, ok := n.Deliver(context.Background(), notify.Message{Recipient: "123", Body: "x"}); !ok {
		t.Fatal("Deliver reported failure")
	}
	if b.chats[0] != "123" {
		t.Errorf("chat_id = %q, want 123", b.chats[0])
	}
}

func TestDeliver_APIError(t *testing.T) {
	t.Parallel()

	b := &botServer{fail: true}
	n := newTest(t, b)
	if _, ok := n.Deliver(context.Background(), notify.Message{Body: "x"}); ok {
		t.Fatal("Deliver should report failure")
	}
}

func TestNew_BadToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
	}))
	defer srv.Close()

	if _, err := New("BAD", 1, nil, WithEndpoint(srv.URL+"/bot%s/%s")); err == nil {
		t.Fatal("expected error for unauthorized token")
	}
}

func TestSplitMessage(t *testing.T) {
	t.Parallel()

	if got := splitMessage("short"); len(got) != 1 {
		t.Errorf("short split = %d parts", len(got))
	}

	long := strings.Repeat(strings.Repeat("x", 99)+"\n", 60) // 6000 bytes
	parts := splitMessage(long)
	if len(parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(parts))
	}
	if strings.Join(parts, "") != long {
		t.Error("split lost content")
	}
	if !strings.HasSuffix(parts[0], "\n") {
		t.Error("first part should end on a line break")
	}
	for _, p := range parts {
		if len(p) > maxMessageLen {
			t.Errorf("part length %d exceeds %d", len(p), maxMessageLen)
		}
	}
}
