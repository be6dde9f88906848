package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/finbuddyhq/finbuddy/internal/bus"
	"github.com/finbuddyhq/finbuddy/internal/config"
	"github.com/finbuddyhq/finbuddy/internal/logging"
	"github.com/finbuddyhq/finbuddy/internal/metrics"
)

const whatsappChannelName = "whatsapp"

const (
	// Meta caps text message bodies at 4096 characters.
	whatsappMaxTextRunes = 4096

	whatsappSendMaxRetries      = 3
	whatsappSendTimeout         = 20 * time.Second
	whatsappDefaultMsgCacheTTL  = 5 * time.Minute
	whatsappDefaultMsgCacheScan = 1 * time.Minute
	whatsappWebhookBodyLimit    = 1 << 20 // 1MB
)

// GraphClient sends messages through the Meta Cloud API.
type GraphClient interface {
	SendText(ctx context.Context, to, text string) error
	Close()
}

type GraphClientFactory func(cfg config.WhatsAppConfig) GraphClient

type defaultGraphClient struct {
	httpClient    *http.Client
	baseURL       string
	phoneNumberID string
	token         string
}

var defaultGraphClientFactory GraphClientFactory = func(cfg config.WhatsAppConfig) GraphClient {
	return newDefaultGraphClient(cfg)
}

func newDefaultGraphClient(cfg config.WhatsAppConfig) GraphClient {
	baseURL := strings.TrimSpace(cfg.GraphBaseURL)
	if baseURL == "" {
		baseURL = config.DefaultGraphBaseURL
	}
	return &defaultGraphClient{
		httpClient:    &http.Client{Timeout: whatsappSendTimeout},
		baseURL:       strings.TrimRight(baseURL, "/"),
		phoneNumberID: strings.TrimSpace(cfg.PhoneNumberID),
		token:         strings.TrimSpace(cfg.MetaToken),
	}
}

func (c *defaultGraphClient) Close() {}

type graphAPIError struct {
	Code    int
	Subcode int
	Msg     string
}

func (e *graphAPIError) Error() string {
	return fmt.Sprintf("graph api error: %d/%d %s", e.Code, e.Subcode, e.Msg)
}

// IsRetryable covers the Cloud API's transient codes: unknown (1), service
// temporarily unavailable (2), too many calls (4), rate limits (80007,
// 130429).
func (e *graphAPIError) IsRetryable() bool {
	switch e.Code {
	case 1, 2, 4, 80007, 130429:
		return true
	}
	return false
}

type graphHTTPStatusError struct {
	Code int
	Body string
}

func (e *graphHTTPStatusError) Error() string {
	return fmt.Sprintf("graph api status %d: %s", e.Code, e.Body)
}

type graphSendResponse struct {
	Error *struct {
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		Message      string `json:"message"`
	} `json:"error"`
}

func (c *defaultGraphClient) SendText(ctx context.Context, to, text string) error {
	if strings.TrimSpace(to) == "" {
		return fmt.Errorf("whatsapp recipient is required")
	}
	return c.sendTextWithRetry(ctx, to, truncateRunes(text, whatsappMaxTextRunes))
}

func (c *defaultGraphClient) sendTextWithRetry(ctx context.Context, to, text string) error {
	var lastErr error
	for attempt := 1; attempt <= whatsappSendMaxRetries; attempt++ {
		err := c.sendTextOnce(ctx, to, text)
		if err == nil {
			return nil
		}

		lastErr = err
		if !c.shouldRetry(err) || attempt == whatsappSendMaxRetries {
			return err
		}

		backoff := time.Duration(attempt*attempt) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return lastErr
}

func (c *defaultGraphClient) shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *graphAPIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}

	var statusErr *graphHTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 || statusErr.Code == http.StatusTooManyRequests
	}

	return true
}

func (c *defaultGraphClient) sendTextOnce(ctx context.Context, to, text string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text": map[string]any{
			"preview_url": false,
			"body":        text,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal graph payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create graph request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	timer := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.APIResponseSeconds.Observe(time.Since(timer).Seconds())
	if err != nil {
		metrics.APICallsTotal.WithLabelValues("messages", "error").Inc()
		return fmt.Errorf("send graph request: %w", err)
	}
	defer resp.Body.Close()

	metrics.APICallsTotal.WithLabelValues("messages", strconv.Itoa(resp.StatusCode)).Inc()

	raw, _ := io.ReadAll(resp.Body)

	var result graphSendResponse
	if jsonErr := json.Unmarshal(raw, &result); jsonErr == nil && result.Error != nil {
		return &graphAPIError{
			Code:    result.Error.Code,
			Subcode: result.Error.ErrorSubcode,
			Msg:     result.Error.Message,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &graphHTTPStatusError{
			Code: resp.StatusCode,
			Body: strings.TrimSpace(string(raw)),
		}
	}

	return nil
}

func truncateRunes(text string, max int) string {
	if max <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max])
}

// whatsappMsgCache deduplicates webhook deliveries; Meta redelivers events
// that are not acked fast enough.
type whatsappMsgCache struct {
	mu     sync.Mutex
	items  map[string]time.Time
	ttl    time.Duration
	lastGC time.Time
}

func newWhatsAppMsgCache(ttl time.Duration) *whatsappMsgCache {
	if ttl <= 0 {
		ttl = whatsappDefaultMsgCacheTTL
	}
	return &whatsappMsgCache{
		items: make(map[string]time.Time),
		ttl:   ttl,
	}
}

func (c *whatsappMsgCache) Seen(key string) bool {
	if key == "" {
		return false
	}

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if exp, ok := c.items[key]; ok {
		if now.Before(exp) {
			return true
		}
		delete(c.items, key)
	}

	c.items[key] = now.Add(c.ttl)
	c.gcLocked(now)

	return false
}

func (c *whatsappMsgCache) gcLocked(now time.Time) {
	if c.lastGC.IsZero() || now.Sub(c.lastGC) >= whatsappDefaultMsgCacheScan {
		for id, exp := range c.items {
			if now.After(exp) {
				delete(c.items, id)
			}
		}
		c.lastGC = now
	}
}

// WhatsAppChannel is the Meta Cloud API surface: a webhook server for
// inbound messages and a Graph API client for replies.
type WhatsAppChannel struct {
	BaseChannel
	cfg           config.WhatsAppConfig
	server        *http.Server
	cancel        context.CancelFunc
	client        GraphClient
	clientFactory GraphClientFactory
	msgCache      *whatsappMsgCache
	log           zerolog.Logger
}

func NewWhatsAppChannel(cfg config.WhatsAppConfig, b *bus.MessageBus) (*WhatsAppChannel, error) {
	return NewWhatsAppChannelWithFactory(cfg, b, defaultGraphClientFactory)
}

func NewWhatsAppChannelWithFactory(cfg config.WhatsAppConfig, b *bus.MessageBus, factory GraphClientFactory) (*WhatsAppChannel, error) {
	if strings.TrimSpace(cfg.MetaToken) == "" {
		return nil, fmt.Errorf("whatsapp meta token is required")
	}
	if strings.TrimSpace(cfg.PhoneNumberID) == "" {
		return nil, fmt.Errorf("whatsapp phone number id is required")
	}
	if strings.TrimSpace(cfg.VerifyToken) == "" {
		return nil, fmt.Errorf("whatsapp verify token is required")
	}

	if factory == nil {
		factory = defaultGraphClientFactory
	}

	ch := &WhatsAppChannel{
		BaseChannel:   NewBaseChannel(whatsappChannelName, b, cfg.AllowFrom),
		cfg:           cfg,
		clientFactory: factory,
		msgCache:      newWhatsAppMsgCache(whatsappDefaultMsgCacheTTL),
		log:           logging.Component("whatsapp"),
	}

	return ch, nil
}

func (w *WhatsAppChannel) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)
	w.client = w.clientFactory(w.cfg)

	port := w.cfg.Port
	if port == 0 {
		port = config.DefaultWebhookPort
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", w.handleWebhook)

	w.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		w.log.Info().Int("port", port).Msg("webhook server listening")
		if err := w.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.log.Error().Err(err).Msg("webhook server error")
		}
	}()

	go func() {
		<-ctx.Done()
		_ = w.server.Close()
	}()

	return nil
}

func (w *WhatsAppChannel) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	if w.server != nil {
		_ = w.server.Close()
	}
	if w.client != nil {
		w.client.Close()
	}
	w.log.Info().Msg("stopped")
	return nil
}

func (w *WhatsAppChannel) Send(msg bus.OutboundMessage) error {
	if w.client == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}

	to := strings.TrimSpace(msg.ChatID)
	if to == "" {
		return fmt.Errorf("whatsapp chat id is required")
	}

	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), whatsappSendTimeout)
	defer cancel()

	return w.client.SendText(ctx, to, content)
}

// Webhook payload shapes per the Cloud API messages object.
type whatsappWebhookPayload struct {
	Entry []struct {
		ID      string `json:"id"`
		Changes []struct {
			Value whatsappChangeValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type whatsappChangeValue struct {
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []whatsappInbound `json:"messages"`
}

type whatsappInbound struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text"`
	Image struct {
		Caption  string `json:"caption"`
		ID       string `json:"id"`
		MimeType string `json:"mime_type"`
	} `json:"image"`
}

func (w *WhatsAppChannel) handleWebhook(resp http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		w.verifyWebhook(resp, req)
	case http.MethodPost:
		w.handleInbound(resp, req)
	default:
		http.Error(resp, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// verifyWebhook answers Meta's subscription handshake.
func (w *WhatsAppChannel) verifyWebhook(resp http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	mode := query.Get("hub.mode")
	token := query.Get("hub.verify_token")
	challenge := query.Get("hub.challenge")

	if mode == "subscribe" && token == w.cfg.VerifyToken {
		resp.WriteHeader(http.StatusOK)
		_, _ = resp.Write([]byte(challenge))
		return
	}

	http.Error(resp, "verification failed", http.StatusForbidden)
}

func (w *WhatsAppChannel) handleInbound(resp http.ResponseWriter, req *http.Request) {
	req.Body = http.MaxBytesReader(resp, req.Body, whatsappWebhookBodyLimit)
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(resp, "read body failed", http.StatusBadRequest)
		return
	}

	if w.cfg.AppSecret != "" && !w.verifySignature(req.Header.Get("X-Hub-Signature-256"), body) {
		http.Error(resp, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload whatsappWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(resp, "invalid json", http.StatusBadRequest)
		return
	}

	// Ack before processing; Meta redelivers slow responses.
	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(http.StatusOK)
	_, _ = resp.Write([]byte(`{"status":"ok"}`))

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, message := range change.Value.Messages {
				go w.processInbound(message)
			}
		}
	}
}

func (w *WhatsAppChannel) verifySignature(header string, body []byte) bool {
	signature := strings.TrimPrefix(header, "sha256=")
	if signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(w.cfg.AppSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}

func (w *WhatsAppChannel) processInbound(message whatsappInbound) {
	senderID := strings.TrimSpace(message.From)
	if senderID == "" {
		return
	}

	if !w.IsAllowed(senderID) {
		w.log.Warn().Str("sender", senderID).Msg("rejected message from sender")
		metrics.MessagesTotal.WithLabelValues(message.Type, "rejected").Inc()
		return
	}

	messageID := strings.TrimSpace(message.ID)
	if messageID != "" && w.msgCache.Seen(messageID) {
		w.log.Debug().Str("message_id", messageID).Msg("duplicate message dropped")
		return
	}

	content := extractWhatsAppContent(message)
	if content == "" {
		metrics.MessagesTotal.WithLabelValues(message.Type, "skipped").Inc()
		return
	}

	timestamp := time.Now()
	if unix, err := strconv.ParseInt(message.Timestamp, 10, 64); err == nil && unix > 0 {
		timestamp = time.Unix(unix, 0)
	}

	w.bus.Inbound <- bus.InboundMessage{
		Channel:   whatsappChannelName,
		SenderID:  senderID,
		ChatID:    senderID,
		Content:   content,
		Timestamp: timestamp,
		Metadata: map[string]any{
			"message_id": messageID,
			"msg_type":   strings.TrimSpace(message.Type),
		},
	}
}

func extractWhatsAppContent(message whatsappInbound) string {
	switch strings.ToLower(strings.TrimSpace(message.Type)) {
	case "text":
		return strings.TrimSpace(message.Text.Body)
	case "image":
		if caption := strings.TrimSpace(message.Image.Caption); caption != "" {
			return caption
		}
		return "[image]"
	default:
		return ""
	}
}
