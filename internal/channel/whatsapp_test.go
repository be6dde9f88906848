package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/finbuddyhq/finbuddy/internal/bus"
	"github.com/finbuddyhq/finbuddy/internal/config"
)

type mockGraphSend struct {
	To   string
	Text string
}

type mockGraphClient struct {
	sent []mockGraphSend
	err  error
}

func (m *mockGraphClient) SendText(ctx context.Context, to, text string) error {
	m.sent = append(m.sent, mockGraphSend{To: to, Text: text})
	return m.err
}

func (m *mockGraphClient) Close() {}

func mockGraphClientFactory(client *mockGraphClient) GraphClientFactory {
	return func(cfg config.WhatsAppConfig) GraphClient {
		return client
	}
}

func testWhatsAppConfig() config.WhatsAppConfig {
	return config.WhatsAppConfig{
		MetaToken:     "EAAtest",
		PhoneNumberID: "1234567890",
		VerifyToken:   "verify-token",
	}
}

func newTestWhatsAppChannel(t *testing.T, cfg config.WhatsAppConfig) (*WhatsAppChannel, *bus.MessageBus, *mockGraphClient) {
	t.Helper()
	b := bus.NewMessageBus(10)
	client := &mockGraphClient{}
	ch, err := NewWhatsAppChannelWithFactory(cfg, b, mockGraphClientFactory(client))
	if err != nil {
		t.Fatalf("NewWhatsAppChannelWithFactory error: %v", err)
	}
	ch.client = client
	return ch, b, client
}

func TestNewWhatsAppChannel_Valid(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, err := NewWhatsAppChannel(testWhatsAppConfig(), b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.Name() != "whatsapp" {
		t.Errorf("Name = %q, want whatsapp", ch.Name())
	}
}

func TestNewWhatsAppChannel_MissingRequiredConfig(t *testing.T) {
	b := bus.NewMessageBus(10)

	tests := []struct {
		name string
		cfg  config.WhatsAppConfig
	}{
		{"empty", config.WhatsAppConfig{}},
		{"no token", config.WhatsAppConfig{PhoneNumberID: "1", VerifyToken: "v"}},
		{"no phone id", config.WhatsAppConfig{MetaToken: "t", VerifyToken: "v"}},
		{"no verify token", config.WhatsAppConfig{MetaToken: "t", PhoneNumberID: "1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewWhatsAppChannel(tt.cfg, b); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestWhatsAppWebhook_Verify_OK(t *testing.T) {
	ch, _, _ := newTestWhatsAppChannel(t, testWhatsAppConfig())

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=verify-token&hub.challenge=12345", nil)
	w := httptest.NewRecorder()
	ch.handleWebhook(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "12345" {
		t.Fatalf("body = %q, want 12345", w.Body.String())
	}
}

func TestWhatsAppWebhook_Verify_BadToken(t *testing.T) {
	ch, _, _ := newTestWhatsAppChannel(t, testWhatsAppConfig())

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	w := httptest.NewRecorder()
	ch.handleWebhook(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestWhatsAppWebhook_Verify_BadMode(t *testing.T) {
	ch, _, _ := newTestWhatsAppChannel(t, testWhatsAppConfig())

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=unsubscribe&hub.verify_token=verify-token", nil)
	w := httptest.NewRecorder()
	ch.handleWebhook(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func inboundPayload(msgID, from, msgType, body string) string {
	return fmt.Sprintf(`{
		"entry": [{
			"id": "entry-1",
			"changes": [{
				"value": {
					"messages": [{
						"from": %q,
						"id": %q,
						"timestamp": "1735000000",
						"type": %q,
						"text": {"body": %q}
					}]
				}
			}]
		}]
	}`, from, msgID, msgType, body)
}

func TestWhatsAppWebhook_Inbound_Text(t *testing.T) {
	ch, b, _ := newTestWhatsAppChannel(t, testWhatsAppConfig())

	body := inboundPayload("wamid.1", "2348012345678", "text", "how do I save for rent?")
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	w := httptest.NewRecorder()
	ch.handleWebhook(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Fatalf("body = %q, want ok ack", w.Body.String())
	}

	select {
	case inbound := <-b.Inbound:
		if inbound.Channel != "whatsapp" {
			t.Errorf("channel = %q, want whatsapp", inbound.Channel)
		}
		if inbound.SenderID != "2348012345678" {
			t.Errorf("senderID = %q", inbound.SenderID)
		}
		if inbound.ChatID != "2348012345678" {
			t.Errorf("chatID = %q", inbound.ChatID)
		}
		if inbound.Content != "how do I save for rent?" {
			t.Errorf("content = %q", inbound.Content)
		}
		if inbound.Metadata["message_id"] != "wamid.1" {
			t.Errorf("metadata message_id = %v", inbound.Metadata["message_id"])
		}
	case <-time.After(time.Second):
		t.Fatal("expected inbound message")
	}
}

func TestWhatsAppWebhook_Inbound_Duplicate(t *testing.T) {
	ch, b, _ := newTestWhatsAppChannel(t, testWhatsAppConfig())

	body := inboundPayload("wamid.dup", "2348012345678", "text", "hello")
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		w := httptest.NewRecorder()
		ch.handleWebhook(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
	}

	select {
	case <-b.Inbound:
	case <-time.After(time.Second):
		t.Fatal("expected first delivery")
	}

	select {
	case <-b.Inbound:
		t.Fatal("duplicate delivery should be dropped")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWhatsAppWebhook_Inbound_Rejected(t *testing.T) {
	cfg := testWhatsAppConfig()
	cfg.AllowFrom = []string{"2348099999999"}
	ch, b, _ := newTestWhatsAppChannel(t, cfg)

	body := inboundPayload("wamid.2", "2348012345678", "text", "hello")
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	w := httptest.NewRecorder()
	ch.handleWebhook(w, req)

	select {
	case <-b.Inbound:
		t.Fatal("should not publish message from unlisted sender")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWhatsAppWebhook_Inbound_ImageCaption(t *testing.T) {
	ch, b, _ := newTestWhatsAppChannel(t, testWhatsAppConfig())

	body := `{
		"entry": [{"changes": [{"value": {"messages": [{
			"from": "2348012345678",
			"id": "wamid.3",
			"type": "image",
			"image": {"caption": "my bank statement", "id": "media-1", "mime_type": "image/jpeg"}
		}]}}]}]
	}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	w := httptest.NewRecorder()
	ch.handleWebhook(w, req)

	select {
	case inbound := <-b.Inbound:
		if inbound.Content != "my bank statement" {
			t.Errorf("content = %q, want caption", inbound.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("expected inbound message")
	}
}

func TestWhatsAppWebhook_Inbound_InvalidJSON(t *testing.T) {
	ch, _, _ := newTestWhatsAppChannel(t, testWhatsAppConfig())

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	ch.handleWebhook(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestWhatsAppWebhook_Signature(t *testing.T) {
	cfg := testWhatsAppConfig()
	cfg.AppSecret = "app-secret"
	ch, b, _ := newTestWhatsAppChannel(t, cfg)

	body := inboundPayload("wamid.4", "2348012345678", "text", "signed hello")

	// Missing signature is rejected when a secret is configured.
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	w := httptest.NewRecorder()
	ch.handleWebhook(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}

	// Valid signature is accepted.
	mac := hmac.New(sha256.New, []byte("app-secret"))
	mac.Write([]byte(body))
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req = httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sig)
	w = httptest.NewRecorder()
	ch.handleWebhook(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	select {
	case inbound := <-b.Inbound:
		if inbound.Content != "signed hello" {
			t.Errorf("content = %q", inbound.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("expected inbound message")
	}
}

func TestWhatsAppChannel_Send(t *testing.T) {
	ch, _, client := newTestWhatsAppChannel(t, testWhatsAppConfig())

	if err := ch.Send(bus.OutboundMessage{ChatID: "2348012345678", Content: "reply"}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(client.sent))
	}
	if client.sent[0].To != "2348012345678" || client.sent[0].Text != "reply" {
		t.Errorf("sent = %+v", client.sent[0])
	}
}

func TestWhatsAppChannel_Send_NilClient(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, _ := NewWhatsAppChannel(testWhatsAppConfig(), b)

	if err := ch.Send(bus.OutboundMessage{ChatID: "2348012345678", Content: "hello"}); err == nil {
		t.Fatal("expected error when client is nil")
	}
}

func TestWhatsAppChannel_Send_EmptyChatID(t *testing.T) {
	ch, _, _ := newTestWhatsAppChannel(t, testWhatsAppConfig())

	if err := ch.Send(bus.OutboundMessage{Content: "hello"}); err == nil {
		t.Fatal("expected error for empty chat id")
	}
}

func TestTruncateRunes(t *testing.T) {
	tests := []struct {
		input string
		max   int
		want  string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"héllo", 2, "hé"},
		{"", 5, ""},
		{"hello", 0, "hello"},
	}

	for _, tt := range tests {
		if got := truncateRunes(tt.input, tt.max); got != tt.want {
			t.Errorf("truncateRunes(%q, %d) = %q, want %q", tt.input, tt.max, got, tt.want)
		}
	}
}

func TestGraphClient_SendText(t *testing.T) {
	var gotPath string
	var gotAuth string
	var gotPayload map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotPayload)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.out"}]}`))
	}))
	defer server.Close()

	client := newDefaultGraphClient(config.WhatsAppConfig{
		MetaToken:     "EAAtest",
		PhoneNumberID: "1234567890",
		GraphBaseURL:  server.URL,
	})

	if err := client.SendText(context.Background(), "2348012345678", "hello"); err != nil {
		t.Fatalf("SendText error: %v", err)
	}

	if gotPath != "/1234567890/messages" {
		t.Errorf("path = %q, want /1234567890/messages", gotPath)
	}
	if gotAuth != "Bearer EAAtest" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotPayload["messaging_product"] != "whatsapp" {
		t.Errorf("messaging_product = %v", gotPayload["messaging_product"])
	}
	if gotPayload["to"] != "2348012345678" {
		t.Errorf("to = %v", gotPayload["to"])
	}
	text, _ := gotPayload["text"].(map[string]any)
	if text["body"] != "hello" {
		t.Errorf("text.body = %v", text["body"])
	}
}

func TestGraphClient_SendText_RetryOnTransient(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"code":2,"message":"service temporarily unavailable"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.out"}]}`))
	}))
	defer server.Close()

	client := newDefaultGraphClient(config.WhatsAppConfig{
		MetaToken:     "EAAtest",
		PhoneNumberID: "1234567890",
		GraphBaseURL:  server.URL,
	})

	if err := client.SendText(context.Background(), "2348012345678", "hello"); err != nil {
		t.Fatalf("SendText error: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestGraphClient_SendText_NoRetryOnAuthError(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":190,"message":"invalid access token"}}`))
	}))
	defer server.Close()

	client := newDefaultGraphClient(config.WhatsAppConfig{
		MetaToken:     "bad-token",
		PhoneNumberID: "1234567890",
		GraphBaseURL:  server.URL,
	})

	err := client.SendText(context.Background(), "2348012345678", "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry)", calls.Load())
	}
}

func TestWhatsAppMsgCache(t *testing.T) {
	cache := newWhatsAppMsgCache(time.Minute)

	if cache.Seen("wamid.a") {
		t.Error("first sighting should not be seen")
	}
	if !cache.Seen("wamid.a") {
		t.Error("second sighting should be seen")
	}
	if cache.Seen("") {
		t.Error("empty key should never be seen")
	}
}
