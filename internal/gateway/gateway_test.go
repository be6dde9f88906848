package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/finbuddyhq/finbuddy/internal/advisor"
	"github.com/finbuddyhq/finbuddy/internal/bus"
	"github.com/finbuddyhq/finbuddy/internal/config"
	"github.com/finbuddyhq/finbuddy/internal/cron"
	"github.com/finbuddyhq/finbuddy/internal/knowledge"
	"github.com/finbuddyhq/finbuddy/internal/logging"
	"github.com/finbuddyhq/finbuddy/internal/session"
)

type fakeAdviser struct {
	reply string
	err   error
	calls int
}

func (f *fakeAdviser) Advise(ctx context.Context, knowledgeContext string, history []advisor.Turn, userText string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

type fakeRetriever struct {
	chunks []knowledge.ScoredChunk
	err    error
}

func (f *fakeRetriever) Retrieve(ctx context.Context, query string) ([]knowledge.ScoredChunk, error) {
	return f.chunks, f.err
}

type fakeLimiter struct {
	allow bool
	err   error
	calls int
}

func (f *fakeLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	f.calls++
	return f.allow, f.err
}

// newTestGateway builds a gateway against an unreachable Redis so session
// writes fail soft, a temp-dir knowledge store, and injected fakes.
func newTestGateway(t *testing.T, adviser Adviser, retriever Retriever) *Gateway {
	t.Helper()

	sessions, err := session.NewStore(config.SessionConfig{RedisURL: "redis://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { _ = sessions.Close() })

	store, err := knowledge.NewStore(filepath.Join(t.TempDir(), "knowledge.db"))
	if err != nil {
		t.Fatalf("knowledge.NewStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.DefaultConfig()
	return &Gateway{
		cfg:         cfg,
		bus:         bus.NewMessageBus(10),
		sessions:    sessions,
		limiter:     session.NewRateLimiter(sessions.Client(), cfg.Session.RateLimit),
		knowledge:   store,
		ingestor:    knowledge.NewIngestor(store, nil, cfg.Knowledge.ChunkSize),
		retriever:   retriever,
		adviser:     adviser,
		bookingLink: cfg.Booking.Link,
		log:         logging.Component("gateway"),
	}
}

func inbound(content string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:   "whatsapp",
		SenderID:  "2348012345678",
		ChatID:    "2348012345678",
		Content:   content,
		Timestamp: time.Now(),
	}
}

func awaitReply(t *testing.T, g *Gateway) bus.OutboundMessage {
	t.Helper()
	select {
	case msg := <-g.bus.Outbound:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
		return bus.OutboundMessage{}
	}
}

func TestNormalizeMessage(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"  Hello   World  ", "hello world"},
		{"HI", "hi"},
		{"", ""},
		{"line\nbreaks\tand   spaces", "line breaks and spaces"},
	}
	for _, tt := range tests {
		if got := normalizeMessage(tt.input); got != tt.want {
			t.Errorf("normalizeMessage(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}

	long := normalizeMessage(strings.Repeat("a", 600))
	if len([]rune(long)) != maxInboundChars {
		t.Errorf("expected %d-char cap, got %d", maxInboundChars, len([]rune(long)))
	}
}

func TestHandleMessageRateLimited(t *testing.T) {
	adviser := &fakeAdviser{reply: "unused"}
	g := newTestGateway(t, adviser, &fakeRetriever{})
	limiter := &fakeLimiter{allow: false}
	g.limiter = limiter

	g.handleMessage(context.Background(), inbound("are bonds safe?"))

	reply := awaitReply(t, g)
	if reply.Content != rateLimitText {
		t.Errorf("expected rate limit notice, got %q", reply.Content)
	}
	if limiter.calls != 1 {
		t.Errorf("expected 1 limiter call, got %d", limiter.calls)
	}
	if adviser.calls != 0 {
		t.Errorf("rate-limited message should not reach the advisor, got %d calls", adviser.calls)
	}
}

func TestHandleMessageLimiterErrorFailsOpen(t *testing.T) {
	adviser := &fakeAdviser{reply: "Bonds pay fixed interest."}
	g := newTestGateway(t, adviser, &fakeRetriever{})
	g.limiter = &fakeLimiter{err: fmt.Errorf("redis timeout")}

	g.handleMessage(context.Background(), inbound("are bonds safe?"))

	reply := awaitReply(t, g)
	if !strings.HasPrefix(reply.Content, "Bonds pay fixed interest.") {
		t.Errorf("limiter failure should not block the reply, got %q", reply.Content)
	}
}

func TestHandleMessageGreeting(t *testing.T) {
	adviser := &fakeAdviser{reply: "unused"}
	g := newTestGateway(t, adviser, &fakeRetriever{})

	g.handleMessage(context.Background(), inbound("Hello"))

	reply := awaitReply(t, g)
	if !strings.Contains(reply.Content, "Welcome! I am FinBuddy!") {
		t.Errorf("expected welcome text, got %q", reply.Content)
	}
	if adviser.calls != 0 {
		t.Errorf("greeting should not reach the advisor, got %d calls", adviser.calls)
	}
}

func TestHandleMessageSchedule(t *testing.T) {
	g := newTestGateway(t, &fakeAdviser{reply: "unused"}, &fakeRetriever{})

	g.handleMessage(context.Background(), inbound("  Schedule "))

	reply := awaitReply(t, g)
	if !strings.Contains(reply.Content, "schedule a consultation") {
		t.Errorf("expected schedule prompt, got %q", reply.Content)
	}
	if !strings.Contains(reply.Content, g.bookingLink) {
		t.Errorf("expected booking link in reply, got %q", reply.Content)
	}
}

func TestHandleMessageAdvice(t *testing.T) {
	adviser := &fakeAdviser{reply: "Treasury bills are a safe place to start."}
	g := newTestGateway(t, adviser, &fakeRetriever{})

	g.handleMessage(context.Background(), inbound("are treasury bills safe?"))

	reply := awaitReply(t, g)
	if !strings.HasPrefix(reply.Content, "Treasury bills are a safe place to start.") {
		t.Errorf("expected advice, got %q", reply.Content)
	}
	if !strings.Contains(reply.Content, `Type and send "schedule"`) {
		t.Errorf("expected consultation footer, got %q", reply.Content)
	}
	if reply.Channel != "whatsapp" || reply.ChatID != "2348012345678" {
		t.Errorf("reply misrouted: %+v", reply)
	}
}

func TestHandleMessageAdvisorFailureSendsApology(t *testing.T) {
	adviser := &fakeAdviser{err: fmt.Errorf("all providers down")}
	g := newTestGateway(t, adviser, &fakeRetriever{})

	g.handleMessage(context.Background(), inbound("help me invest"))

	reply := awaitReply(t, g)
	if reply.Content != apologyText {
		t.Errorf("expected apology, got %q", reply.Content)
	}
}

func TestHandleMessageRetrievalFailureDegrades(t *testing.T) {
	adviser := &fakeAdviser{reply: "General guidance."}
	g := newTestGateway(t, adviser, &fakeRetriever{err: fmt.Errorf("fts index corrupt")})

	g.handleMessage(context.Background(), inbound("what is compound interest"))

	reply := awaitReply(t, g)
	if !strings.HasPrefix(reply.Content, "General guidance.") {
		t.Errorf("retrieval failure should not block advice, got %q", reply.Content)
	}
}

func TestHandleCronJobReindex(t *testing.T) {
	g := newTestGateway(t, &fakeAdviser{}, &fakeRetriever{})

	docsDir := t.TempDir()
	if err := writeTestDoc(docsDir, "savings.md", "Savings accounts earn interest on deposits."); err != nil {
		t.Fatalf("write doc: %v", err)
	}
	g.cfg.Knowledge.DocsDir = docsDir

	result, err := g.handleCronJob(cron.CronJob{Payload: cron.Payload{Kind: cron.JobKindReindex}})
	if err != nil {
		t.Fatalf("reindex job failed: %v", err)
	}
	if !strings.Contains(result, "reindexed 1 documents") {
		t.Errorf("unexpected result: %q", result)
	}
}

func TestHandleCronJobReindexNoDocsDir(t *testing.T) {
	g := newTestGateway(t, &fakeAdviser{}, &fakeRetriever{})
	g.cfg.Knowledge.DocsDir = ""

	result, err := g.handleCronJob(cron.CronJob{Payload: cron.Payload{Kind: cron.JobKindReindex}})
	if err != nil {
		t.Fatalf("job should not fail without docs dir: %v", err)
	}
	if !strings.Contains(result, "no docs dir") {
		t.Errorf("unexpected result: %q", result)
	}
}

func TestHandleCronJobUnknownKind(t *testing.T) {
	g := newTestGateway(t, &fakeAdviser{}, &fakeRetriever{})
	if _, err := g.handleCronJob(cron.CronJob{Payload: cron.Payload{Kind: "mystery"}}); err == nil {
		t.Error("expected error for unknown job kind")
	}
}

func TestHealthEndpointDegradedWithoutRedis(t *testing.T) {
	g := newTestGateway(t, &fakeAdviser{}, &fakeRetriever{})

	rec := httptest.NewRecorder()
	g.handleHealth(rec, httptest.NewRequest("GET", "/health", nil))

	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if resp.Status != "degraded" {
		t.Errorf("expected degraded status without redis, got %q", resp.Status)
	}
	if resp.Services["redis"] != "unhealthy" {
		t.Errorf("expected unhealthy redis, got %q", resp.Services["redis"])
	}
	if resp.Services["knowledge"] != "healthy" {
		t.Errorf("expected healthy knowledge store, got %q", resp.Services["knowledge"])
	}
}

func TestStatsEndpointErrorsWithoutRedis(t *testing.T) {
	g := newTestGateway(t, &fakeAdviser{}, &fakeRetriever{})

	rec := httptest.NewRecorder()
	g.handleStats(rec, httptest.NewRequest("GET", "/stats", nil))

	if rec.Code != 500 {
		t.Errorf("expected 500 without redis, got %d", rec.Code)
	}
}

func writeTestDoc(dir, name, content string) error {
	return os.WriteFile(filepath.Join(dir, name), []byte(content), 0644)
}
