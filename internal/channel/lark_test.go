package channel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"larkrelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// recordingDispatcher captures dispatched events.
type recordingDispatcher struct {
	mu     sync.Mutex
	events []domain.InboundEvent
}

func (r *recordingDispatcher) Dispatch(ev domain.InboundEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingDispatcher) seen() []domain.InboundEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.InboundEvent(nil), r.events...)
}

func newTestLark(t *testing.T, cfg LarkConfig) (*Lark, *recordingDispatcher) {
	t.Helper()
	rec := &recordingDispatcher{}
	cfg.AppID = "app"
	cfg.AppSecret = "secret"
	cfg.Dispatcher = rec
	cfg.Logger = testLogger()
	return NewLark(cfg), rec
}

const messageEventBody = `{
	"schema": "2.0",
	"header": {
		"event_id": "e1",
		"event_type": "im.message.receive_v1",
		"token": "vtoken",
		"create_time": "1700000000000"
	},
	"event": {
		"sender": {"sender_id": {"open_id": "ou_sender"}, "sender_type": "user"},
		"message": {
			"message_id": "om_1",
			"chat_id": "oc_1",
			"chat_type": "p2p",
			"message_type": "text",
			"content": "{\"text\":\"hi\"}",
			"create_time": "1700000000000"
		}
	}
}`

func postEvent(t *testing.T, l *Lark, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/event", strings.NewReader(body))
	rw := httptest.NewRecorder()
	l.handleEvent(rw, req)
	return rw
}

func TestHandleEvent_URLVerification(t *testing.T) {
	l, _ := newTestLark(t, LarkConfig{VerificationToken: "vtoken"})

	rw := postEvent(t, l, `{"challenge":"c123","token":"vtoken","type":"url_verification"}`)
	if rw.Code != http.StatusOK {
		t.Fatalf("status %d", rw.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(rw.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["challenge"] != "c123" {
		t.Errorf("challenge = %q, want c123", resp["challenge"])
	}
}

func TestHandleEvent_URLVerificationBadToken(t *testing.T) {
	l, _ := newTestLark(t, LarkConfig{VerificationToken: "vtoken"})

	rw := postEvent(t, l, `{"challenge":"c123","token":"wrong","type":"url_verification"}`)
	if rw.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rw.Code)
	}
}

func TestHandleEvent_DispatchesMessage(t *testing.T) {
	l, rec := newTestLark(t, LarkConfig{VerificationToken: "vtoken"})

	rw := postEvent(t, l, messageEventBody)
	if rw.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rw.Code, rw.Body.String())
	}

	got := rec.seen()
	if len(got) != 1 {
		t.Fatalf("dispatched %d events, want 1", len(got))
	}
	ev := got[0]
	if ev.MessageID != "om_1" || ev.ChatID != "oc_1" || ev.SenderID != "ou_sender" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.MessageType != "text" || ev.Content != `{"text":"hi"}` {
		t.Errorf("content not preserved: %+v", ev)
	}
	if ev.Timestamp.UnixMilli() != 1700000000000 {
		t.Errorf("timestamp = %v", ev.Timestamp)
	}
}

func TestHandleEvent_TokenMismatch(t *testing.T) {
	l, rec := newTestLark(t, LarkConfig{VerificationToken: "other"})

	rw := postEvent(t, l, messageEventBody)
	if rw.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rw.Code)
	}
	if len(rec.seen()) != 0 {
		t.Error("event with bad token must not be dispatched")
	}
}

func TestHandleEvent_IgnoresOtherEventTypes(t *testing.T) {
	l, rec := newTestLark(t, LarkConfig{})

	body := `{"header":{"event_id":"e2","event_type":"im.chat.updated_v1"},"event":{}}`
	rw := postEvent(t, l, body)
	if rw.Code != http.StatusOK {
		t.Errorf("unhandled event types still get acknowledged, got %d", rw.Code)
	}
	if len(rec.seen()) != 0 {
		t.Error("non-message event must not be dispatched")
	}
}

func TestHandleEvent_Encrypted(t *testing.T) {
	const key = "enc-key"
	l, rec := newTestLark(t, LarkConfig{EncryptKey: key})

	wrapped := `{"encrypt":"` + encryptEvent(t, messageEventBody, key) + `"}`
	rw := postEvent(t, l, wrapped)
	if rw.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rw.Code, rw.Body.String())
	}
	if len(rec.seen()) != 1 {
		t.Fatalf("encrypted event not dispatched")
	}
}

func TestHandleEvent_BadSignature(t *testing.T) {
	l, rec := newTestLark(t, LarkConfig{EncryptKey: "enc-key"})

	req := httptest.NewRequest(http.MethodPost, "/webhook/event", strings.NewReader(messageEventBody))
	req.Header.Set("X-Lark-Signature", "deadbeef")
	req.Header.Set("X-Lark-Request-Timestamp", "1700000000")
	req.Header.Set("X-Lark-Request-Nonce", "n1")
	rw := httptest.NewRecorder()
	l.handleEvent(rw, req)

	if rw.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rw.Code)
	}
	if len(rec.seen()) != 0 {
		t.Error("event with bad signature must not be dispatched")
	}
}

func TestHandleEvent_MethodNotAllowed(t *testing.T) {
	l, _ := newTestLark(t, LarkConfig{})

	req := httptest.NewRequest(http.MethodGet, "/webhook/event", nil)
	rw := httptest.NewRecorder()
	l.handleEvent(rw, req)
	if rw.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rw.Code)
	}
}

func TestHandlePing(t *testing.T) {
	l, _ := newTestLark(t, LarkConfig{})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rw := httptest.NewRecorder()
	l.handlePing(rw, req)
	if rw.Body.String() != "pong" {
		t.Errorf("ping replied %q", rw.Body.String())
	}
}

// fakeLarkAPI serves the token and message endpoints the client uses.
func fakeLarkAPI(t *testing.T) (*httptest.Server, *[]map[string]string) {
	t.Helper()
	var mu sync.Mutex
	sent := &[]map[string]string{}

	mux := http.NewServeMux()
	mux.HandleFunc(tokenEndpoint, func(rw http.ResponseWriter, r *http.Request) {
		json.NewEncoder(rw).Encode(map[string]any{
			"code": 0, "tenant_access_token": "tok", "expire": 7200,
		})
	})
	mux.HandleFunc(messagesEndpoint, func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var msg map[string]string
		json.Unmarshal(body, &msg)
		msg["receive_id_type"] = r.URL.Query().Get("receive_id_type")
		msg["authorization"] = r.Header.Get("Authorization")
		mu.Lock()
		*sent = append(*sent, msg)
		mu.Unlock()
		json.NewEncoder(rw).Encode(map[string]any{
			"code": 0, "data": map[string]string{"message_id": "om_new"},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, sent
}

func TestSend_TextMessage(t *testing.T) {
	srv, sent := fakeLarkAPI(t)
	l, _ := newTestLark(t, LarkConfig{Domain: srv.URL})
	l.client = NewLarkClient("app", "secret", srv.URL)

	if err := l.Send(context.Background(), "oc_1", "hello"); err != nil {
		t.Fatal(err)
	}

	if len(*sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(*sent))
	}
	msg := (*sent)[0]
	if msg["receive_id"] != "oc_1" || msg["msg_type"] != "text" {
		t.Errorf("unexpected message: %v", msg)
	}
	if msg["content"] != `{"text":"hello"}` {
		t.Errorf("content = %q", msg["content"])
	}
	if msg["receive_id_type"] != "chat_id" {
		t.Errorf("receive_id_type = %q", msg["receive_id_type"])
	}
	if msg["authorization"] != "Bearer tok" {
		t.Errorf("authorization = %q", msg["authorization"])
	}
}

func TestSend_ChunksLongContent(t *testing.T) {
	srv, sent := fakeLarkAPI(t)
	l, _ := newTestLark(t, LarkConfig{Domain: srv.URL, ChunkLimit: 5})
	l.client = NewLarkClient("app", "secret", srv.URL)

	if err := l.Send(context.Background(), "ou_2", "abcdefghijkl"); err != nil {
		t.Fatal(err)
	}

	if len(*sent) != 3 {
		t.Fatalf("sent %d messages, want 3", len(*sent))
	}
	if (*sent)[0]["receive_id_type"] != "open_id" {
		t.Errorf("receive_id_type = %q", (*sent)[0]["receive_id_type"])
	}
	var texts []string
	for _, msg := range *sent {
		var content struct {
			Text string `json:"text"`
		}
		json.Unmarshal([]byte(msg["content"]), &content)
		texts = append(texts, content.Text)
	}
	if texts[0] != "abcde" || texts[1] != "fghij" || texts[2] != "kl" {
		t.Errorf("chunks = %v", texts)
	}
}

func TestResolveReceiveIDType(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"oc_abc", "chat_id"},
		{"ou_abc", "open_id"},
		{"on_abc", "union_id"},
		{"something", "chat_id"},
	}
	for _, tt := range tests {
		if got := resolveReceiveIDType(tt.id); got != tt.want {
			t.Errorf("resolveReceiveIDType(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestSplitChunks(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		want  []string
	}{
		{"short", "hi", 10, []string{"hi"}},
		{"exact", "abcde", 5, []string{"abcde"}},
		{"split", "abcdef", 5, []string{"abcde", "f"}},
		{"multibyte", "你好世界", 2, []string{"你好", "世界"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitChunks(tt.in, tt.limit)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
