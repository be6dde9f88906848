// Package gateway wires the channels, session store, knowledge retriever,
// and advisor chain together and runs the message loop.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/finbuddyhq/finbuddy/internal/advisor"
	"github.com/finbuddyhq/finbuddy/internal/bus"
	"github.com/finbuddyhq/finbuddy/internal/channel"
	"github.com/finbuddyhq/finbuddy/internal/config"
	"github.com/finbuddyhq/finbuddy/internal/cron"
	"github.com/finbuddyhq/finbuddy/internal/knowledge"
	"github.com/finbuddyhq/finbuddy/internal/logging"
	"github.com/finbuddyhq/finbuddy/internal/metrics"
	"github.com/finbuddyhq/finbuddy/internal/session"
)

const (
	welcomeText = "👋 Welcome! I am FinBuddy! I will get to know you and share *personalised educational info* about finance and investment.\n\n" +
		"Ask me what you want to know about finance and investments. " +
		"Or type 'schedule' to book a consultation with our experts."

	schedulePromptPrefix = "Click the attached link to schedule a consultation with one of our experts.\n\n"

	scheduleFooter = "\n\n\nType and send \"schedule\" if you want to book a consultation with one of our experts"

	apologyText = "Sorry, I encountered an issue processing your message. Please try again"

	rateLimitText = "You're sending messages too quickly. Please wait a moment and try again."

	maxInboundChars = 500
)

// greetings trigger the onboarding reply instead of the advisor.
var greetings = map[string]struct{}{
	"hi": {}, "hello": {}, "hey": {},
	"good morning": {}, "good afternoon": {}, "good evening": {},
	"start": {},
}

// Adviser is the slice of advisor.Service the gateway needs; tests swap in
// a fake.
type Adviser interface {
	Advise(ctx context.Context, knowledgeContext string, history []advisor.Turn, userText string) (string, error)
}

// Retriever is the knowledge lookup the gateway consults before advising.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]knowledge.ScoredChunk, error)
}

// Limiter guards the process loop; tests swap in a fake.
type Limiter interface {
	Allow(ctx context.Context, userID string) (bool, error)
}

// Options carries test seams for NewWithOptions.
type Options struct {
	Adviser    Adviser
	Retriever  Retriever
	Limiter    Limiter
	SignalChan chan os.Signal
}

type Gateway struct {
	cfg       *config.Config
	bus       *bus.MessageBus
	channels  *channel.Manager
	sessions  *session.Store
	limiter   Limiter
	knowledge *knowledge.Store
	retriever Retriever
	adviser   Adviser
	cron      *cron.Service
	ingestor  *knowledge.Ingestor
	ops       *http.Server

	bookingLink string
	signalChan  chan os.Signal
	log         zerolog.Logger
}

func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		log:        logging.Component("gateway"),
		signalChan: opts.SignalChan,
	}

	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	sessions, err := session.NewStore(cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}
	g.sessions = sessions
	g.limiter = opts.Limiter
	if g.limiter == nil {
		g.limiter = session.NewRateLimiter(sessions.Client(), cfg.Session.RateLimit)
	}

	dbPath := strings.TrimSpace(cfg.Knowledge.DBPath)
	if dbPath == "" {
		dbPath = filepath.Join(config.ConfigDir(), "data", "knowledge.db")
	}
	store, err := knowledge.NewStore(dbPath)
	if err != nil {
		_ = sessions.Close()
		return nil, fmt.Errorf("open knowledge store: %w", err)
	}
	g.knowledge = store

	var embedder knowledge.Embedder
	if cfg.Knowledge.Embedding.Enabled {
		embedder = knowledge.NewEmbedder(cfg.Knowledge.Embedding)
	}
	g.ingestor = knowledge.NewIngestor(store, embedder, cfg.Knowledge.ChunkSize)

	g.retriever = opts.Retriever
	if g.retriever == nil {
		g.retriever = knowledge.NewRetriever(store, embedder, cfg.Knowledge.Retrieve)
	}

	g.adviser = opts.Adviser
	if g.adviser == nil {
		svc, err := advisor.NewService(cfg.Advisor)
		if err != nil {
			g.closeStores()
			return nil, fmt.Errorf("create advisor: %w", err)
		}
		g.adviser = svc
	}

	g.bookingLink = strings.TrimSpace(cfg.Booking.Link)
	if g.bookingLink == "" {
		g.bookingLink = config.DefaultBookingLink
	}

	channels, err := channel.NewManager(cfg.Channels, g.bus)
	if err != nil {
		g.closeStores()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = channels

	g.cron = cron.NewService(filepath.Join(config.ConfigDir(), "data", "cron", "jobs.json"))
	g.cron.OnJob = g.handleCronJob

	return g, nil
}

func (g *Gateway) closeStores() {
	if g.sessions != nil {
		_ = g.sessions.Close()
	}
	if g.knowledge != nil {
		_ = g.knowledge.Close()
	}
}

// Run starts channels, the ops server, the scheduler, and the message loop,
// then blocks until SIGINT or SIGTERM.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	g.log.Info().Strs("channels", g.channels.EnabledChannels()).Msg("channels started")

	if g.cfg.Advisor.Local.Enabled {
		go func() {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			local := advisor.NewOllamaProvider(g.cfg.Advisor.Local, 5*time.Second)
			if err := local.Ping(pingCtx); err != nil {
				g.log.Warn().Err(err).Msg("local model unavailable, remote fallback will serve")
			} else {
				g.log.Info().Str("model", g.cfg.Advisor.Local.Model).Msg("local model reachable")
			}
		}()
	}

	if err := g.cron.Start(ctx); err != nil {
		g.log.Warn().Err(err).Msg("cron start failed")
	}
	if err := g.ensureMaintenanceJobs(); err != nil {
		g.log.Warn().Err(err).Msg("ensure maintenance jobs failed")
	}

	g.startOpsServer()

	go g.processLoop(ctx)

	g.log.Info().
		Str("host", g.cfg.Gateway.Host).
		Int("port", g.opsPort()).
		Msg("gateway running")

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	<-sigCh

	g.log.Info().Msg("shutting down")
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			go g.handleMessage(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handleMessage(ctx context.Context, msg bus.InboundMessage) {
	timer := time.Now()
	defer func() {
		metrics.ProcessingSeconds.Observe(time.Since(timer).Seconds())
	}()

	log := g.log.With().Str("channel", msg.Channel).Str("sender", msg.SenderID).Logger()

	allowed, err := g.limiter.Allow(ctx, msg.SenderID)
	if err != nil {
		// Redis trouble should not silence the bot.
		log.Warn().Err(err).Msg("rate limit check failed, allowing")
		allowed = true
	}
	if !allowed {
		metrics.MessagesTotal.WithLabelValues("text", "rate_limited").Inc()
		log.Info().Msg("rate limited")
		g.reply(msg, rateLimitText)
		return
	}

	sessionKey := msg.SessionKey()
	if _, err := g.sessions.AddMessage(ctx, sessionKey, session.DirectionIncoming, msg.Content); err != nil {
		log.Warn().Err(err).Msg("record incoming message failed")
	}

	normalized := normalizeMessage(msg.Content)
	metrics.MessagesTotal.WithLabelValues("text", "processed").Inc()

	if _, isGreeting := greetings[normalized]; isGreeting {
		if err := g.sessions.SetStage(ctx, sessionKey, session.StageActive); err != nil {
			log.Warn().Err(err).Msg("set session stage failed")
		}
		g.reply(msg, welcomeText)
		return
	}

	if normalized == "schedule" {
		g.reply(msg, schedulePromptPrefix+g.bookingLink)
		return
	}

	reply, err := g.advise(ctx, sessionKey, normalized)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("error", "failed").Inc()
		log.Error().Err(err).Msg("advice generation failed")
		g.reply(msg, apologyText)
		return
	}

	g.reply(msg, reply+scheduleFooter)
	if _, err := g.sessions.AddMessage(ctx, sessionKey, session.DirectionOutgoing, reply); err != nil {
		log.Warn().Err(err).Msg("record outgoing message failed")
	}
}

func (g *Gateway) advise(ctx context.Context, sessionKey, userText string) (string, error) {
	var knowledgeContext string
	if g.retriever != nil {
		chunks, err := g.retriever.Retrieve(ctx, userText)
		if err != nil {
			// Degrade to an uncontexted answer.
			g.log.Warn().Err(err).Msg("knowledge retrieval failed")
		} else {
			knowledgeContext = knowledge.FormatContext(chunks)
		}
	}

	history := g.conversationHistory(ctx, sessionKey)
	return g.adviser.Advise(ctx, knowledgeContext, history, userText)
}

// conversationHistory maps the stored session transcript to advisor turns.
// The current inbound message is excluded; it travels as UserText.
func (g *Gateway) conversationHistory(ctx context.Context, sessionKey string) []advisor.Turn {
	sess, err := g.sessions.Get(ctx, sessionKey)
	if err != nil {
		g.log.Warn().Err(err).Msg("load session history failed")
		return nil
	}

	history := make([]advisor.Turn, 0, len(sess.History))
	for i, m := range sess.History {
		if i == len(sess.History)-1 && m.Direction == session.DirectionIncoming {
			break
		}
		role := advisor.RoleUser
		if m.Direction == session.DirectionOutgoing {
			role = advisor.RoleAssistant
		}
		history = append(history, advisor.Turn{Role: role, Text: m.Text})
	}
	return history
}

func (g *Gateway) reply(msg bus.InboundMessage, text string) {
	g.bus.Outbound <- bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: text,
	}
}

func normalizeMessage(text string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(text))), " ")
	runes := []rune(normalized)
	if len(runes) > maxInboundChars {
		normalized = string(runes[:maxInboundChars])
	}
	return normalized
}

func (g *Gateway) handleCronJob(job cron.CronJob) (string, error) {
	switch job.Payload.Kind {
	case cron.JobKindReindex:
		docsDir := strings.TrimSpace(g.cfg.Knowledge.DocsDir)
		if docsDir == "" {
			return "no docs dir configured", nil
		}
		result, err := g.ingestor.IngestDir(context.Background(), docsDir)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("reindexed %d documents (%d chunks)", result.Documents, result.Chunks), nil
	case cron.JobKindSessionGauge:
		count, err := g.sessions.CountSessions(context.Background())
		if err != nil {
			return "", err
		}
		metrics.ActiveSessions.Set(float64(count))
		return fmt.Sprintf("%d active sessions", count), nil
	default:
		return "", fmt.Errorf("unknown job kind %q", job.Payload.Kind)
	}
}

// ensureMaintenanceJobs seeds the recurring jobs on first run.
func (g *Gateway) ensureMaintenanceJobs() error {
	const (
		reindexName = "knowledge-nightly-reindex"
		gaugeName   = "session-gauge-refresh"
	)

	hasReindex, hasGauge := false, false
	for _, job := range g.cron.ListJobs() {
		switch job.Payload.Kind {
		case cron.JobKindReindex:
			hasReindex = true
		case cron.JobKindSessionGauge:
			hasGauge = true
		}
	}

	if !hasReindex {
		if _, err := g.cron.AddJob(reindexName,
			cron.Schedule{Kind: "cron", Expr: "0 0 3 * * *"},
			cron.Payload{Kind: cron.JobKindReindex}); err != nil {
			return err
		}
	}
	if !hasGauge {
		if _, err := g.cron.AddJob(gaugeName,
			cron.Schedule{Kind: "every", EveryMs: (5 * time.Minute).Milliseconds()},
			cron.Payload{Kind: cron.JobKindSessionGauge}); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) Shutdown() error {
	g.cron.Stop()

	if g.ops != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := g.ops.Shutdown(shutdownCtx); err != nil {
			g.log.Warn().Err(err).Msg("ops server shutdown failed")
		}
		cancel()
	}

	if err := g.channels.StopAll(); err != nil {
		g.log.Warn().Err(err).Msg("channel shutdown failed")
	}
	g.closeStores()

	g.log.Info().Msg("shutdown complete")
	return nil
}

func (g *Gateway) opsPort() int {
	if g.cfg.Gateway.Port > 0 {
		return g.cfg.Gateway.Port
	}
	return config.DefaultPort
}

func (g *Gateway) startOpsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/healthz", g.handleHealth)
	mux.HandleFunc("/stats", g.handleStats)

	host := g.cfg.Gateway.Host
	if host == "" {
		host = config.DefaultHost
	}

	g.ops = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, g.opsPort()),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := g.ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.Error().Err(err).Msg("ops server failed")
		}
	}()
}
