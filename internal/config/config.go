package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

const (
	DefaultGraphBaseURL = "https://graph.facebook.com/v22.0"
	DefaultWebhookPort  = 8000

	DefaultRedisURL          = "redis://localhost:6379"
	DefaultSessionTTLSeconds = 3600
	DefaultSessionHistory    = 5
	DefaultRateLimitRequests = 10
	DefaultRateLimitWindowS  = 60

	DefaultLocalModel        = "finbuddy-gpt-oss-20b"
	DefaultOllamaBaseURL     = "http://127.0.0.1:11434"
	DefaultRemoteBaseURL     = "https://openrouter.ai/api/v1"
	DefaultRemoteModel       = "openai/gpt-oss-20b:free"
	DefaultAdvisorTimeoutS   = 60
	DefaultMaxReplyTokens    = 1024
	DefaultProviderCooldownS = 120

	DefaultEmbeddingBatchSize = 16
	DefaultEmbeddingTimeoutMs = 10000
	DefaultRetrieveLimit      = 4
	DefaultChunkSize          = 1200

	DefaultStrongSignalGap = 0.2

	DefaultHost    = "0.0.0.0"
	DefaultPort    = 8090
	DefaultBufSize = 100

	DefaultBookingLink = "https://calendar.app.google/WmSWjb33sXf8taLe6"
)

type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Channels  ChannelsConfig  `json:"channels"`
	Session   SessionConfig   `json:"session"`
	Advisor   AdvisorConfig   `json:"advisor"`
	Knowledge KnowledgeConfig `json:"knowledge"`
	Booking   BookingConfig   `json:"booking"`
	Log       LogConfig       `json:"log"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type ChannelsConfig struct {
	WhatsApp    WhatsAppConfig    `json:"whatsapp"`
	WhatsAppWeb WhatsAppWebConfig `json:"whatsappWeb"`
	Telegram    TelegramConfig    `json:"telegram"`
}

// WhatsAppConfig is the Meta Cloud API webhook surface.
type WhatsAppConfig struct {
	Enabled       bool     `json:"enabled"`
	MetaToken     string   `json:"metaToken"`
	PhoneNumberID string   `json:"phoneNumberId"`
	VerifyToken   string   `json:"verifyToken"`
	AppSecret     string   `json:"appSecret,omitempty"`
	GraphBaseURL  string   `json:"graphBaseUrl,omitempty"`
	Port          int      `json:"port,omitempty"`
	AllowFrom     []string `json:"allowFrom"`
}

// WhatsAppWebConfig is the linked-device (whatsmeow) surface for installs
// without a Meta business number.
type WhatsAppWebConfig struct {
	Enabled   bool     `json:"enabled"`
	StorePath string   `json:"storePath,omitempty"`
	JID       string   `json:"jid,omitempty"`
	AllowFrom []string `json:"allowFrom"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type SessionConfig struct {
	RedisURL     string          `json:"redisUrl"`
	TTLSeconds   int             `json:"ttlSeconds"`
	HistoryLimit int             `json:"historyLimit"`
	RateLimit    RateLimitConfig `json:"rateLimit"`
}

type RateLimitConfig struct {
	Requests      int `json:"requests"`
	WindowSeconds int `json:"windowSeconds"`
}

type AdvisorConfig struct {
	// Order lists provider names ("local", "remote") in fallback order.
	Order            []string     `json:"order"`
	Local            LocalConfig  `json:"local"`
	Remote           RemoteConfig `json:"remote"`
	TimeoutSeconds   int          `json:"timeoutSeconds"`
	MaxReplyTokens   int          `json:"maxReplyTokens"`
	CooldownSeconds  int          `json:"cooldownSeconds"`
	SystemPromptPath string       `json:"systemPromptPath,omitempty"`
}

type LocalConfig struct {
	Enabled bool   `json:"enabled"`
	BaseURL string `json:"baseUrl,omitempty"`
	Model   string `json:"model,omitempty"`
}

type RemoteConfig struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
	Model   string `json:"model,omitempty"`
}

type KnowledgeConfig struct {
	DBPath    string          `json:"dbPath,omitempty"`
	DocsDir   string          `json:"docsDir,omitempty"`
	ChunkSize int             `json:"chunkSize,omitempty"`
	Retrieve  RetrieveConfig  `json:"retrieve"`
	Embedding EmbeddingConfig `json:"embedding"`
}

type RetrieveConfig struct {
	Limit int `json:"limit,omitempty"`
	// StrongSignalGap is the normalized bm25 margin over the runner-up at
	// which keyword results alone are decisive. Values above 1 disable the
	// gate, forcing vector re-ranking whenever embeddings are available.
	StrongSignalGap float64 `json:"strongSignalGap,omitempty"`
}

type EmbeddingConfig struct {
	Enabled   bool   `json:"enabled"`
	Provider  string `json:"provider,omitempty"` // "api" or "ollama"
	BaseURL   string `json:"baseUrl,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	Model     string `json:"model,omitempty"`
	Dimension int    `json:"dimension,omitempty"`
	BatchSize int    `json:"batchSize,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

type BookingConfig struct {
	Link string `json:"link,omitempty"`
}

type LogConfig struct {
	Level  string `json:"level,omitempty"`  // debug/info/warn/error
	Format string `json:"format,omitempty"` // console or json
	Output string `json:"output,omitempty"` // stdout/stderr/file
	File   string `json:"file,omitempty"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".finbuddy")
	return &Config{
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				GraphBaseURL: DefaultGraphBaseURL,
				Port:         DefaultWebhookPort,
			},
		},
		Session: SessionConfig{
			RedisURL:     DefaultRedisURL,
			TTLSeconds:   DefaultSessionTTLSeconds,
			HistoryLimit: DefaultSessionHistory,
			RateLimit: RateLimitConfig{
				Requests:      DefaultRateLimitRequests,
				WindowSeconds: DefaultRateLimitWindowS,
			},
		},
		Advisor: AdvisorConfig{
			Order: []string{"local", "remote"},
			Local: LocalConfig{
				BaseURL: DefaultOllamaBaseURL,
				Model:   DefaultLocalModel,
			},
			Remote: RemoteConfig{
				BaseURL: DefaultRemoteBaseURL,
				Model:   DefaultRemoteModel,
			},
			TimeoutSeconds:  DefaultAdvisorTimeoutS,
			MaxReplyTokens:  DefaultMaxReplyTokens,
			CooldownSeconds: DefaultProviderCooldownS,
		},
		Knowledge: KnowledgeConfig{
			DBPath:    filepath.Join(base, "data", "knowledge.db"),
			DocsDir:   filepath.Join(base, "docs"),
			ChunkSize: DefaultChunkSize,
			Retrieve: RetrieveConfig{
				Limit:           DefaultRetrieveLimit,
				StrongSignalGap: DefaultStrongSignalGap,
			},
			Embedding: EmbeddingConfig{
				Provider:  "ollama",
				BatchSize: DefaultEmbeddingBatchSize,
				TimeoutMs: DefaultEmbeddingTimeoutMs,
			},
		},
		Booking: BookingConfig{Link: DefaultBookingLink},
		Log:     LogConfig{Level: "info", Format: "console", Output: "stdout"},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".finbuddy")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	// .env values never override already-exported variables.
	_ = godotenv.Load()

	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// WhatsApp Cloud API (names kept from the original deployment).
	if v := os.Getenv("META_TOKEN"); v != "" {
		cfg.Channels.WhatsApp.MetaToken = v
		cfg.Channels.WhatsApp.Enabled = true
	}
	if v := os.Getenv("WHATSAPP_PHONE_NUMBER_ID"); v != "" {
		cfg.Channels.WhatsApp.PhoneNumberID = v
	}
	if v := os.Getenv("VERIFY_TOKEN"); v != "" {
		cfg.Channels.WhatsApp.VerifyToken = v
	}
	if v := os.Getenv("WHATSAPP_APP_SECRET"); v != "" {
		cfg.Channels.WhatsApp.AppSecret = v
	}
	if v := os.Getenv("GRAPH_BASE_URL"); v != "" {
		cfg.Channels.WhatsApp.GraphBaseURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Channels.WhatsApp.Port = parsed
		}
	}

	if v := os.Getenv("FINBUDDY_TELEGRAM_TOKEN"); v != "" {
		cfg.Channels.Telegram.Token = v
		cfg.Channels.Telegram.Enabled = true
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Session.RedisURL = v
	}
	if v := os.Getenv("SESSION_TTL"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Session.TTLSeconds = parsed
		}
	}
	if v := os.Getenv("RATE_LIMIT_REQUESTS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Session.RateLimit.Requests = parsed
		}
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Session.RateLimit.WindowSeconds = parsed
		}
	}

	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		cfg.Advisor.Remote.APIKey = v
	}
	if v := os.Getenv("OPENROUTER_BASE_URL"); v != "" {
		cfg.Advisor.Remote.BaseURL = v
	}
	if v := os.Getenv("FINBUDDY_REMOTE_MODEL"); v != "" {
		cfg.Advisor.Remote.Model = v
	}
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		cfg.Advisor.Local.BaseURL = v
		cfg.Advisor.Local.Enabled = true
	}
	if v := os.Getenv("FINBUDDY_LOCAL_MODEL"); v != "" {
		cfg.Advisor.Local.Model = v
	}

	if v := os.Getenv("FINBUDDY_KNOWLEDGE_DB"); v != "" {
		cfg.Knowledge.DBPath = v
	}
	if v := os.Getenv("FINBUDDY_DOCS_DIR"); v != "" {
		cfg.Knowledge.DocsDir = v
	}
	if v := os.Getenv("FINBUDDY_EMBEDDING_ENABLED"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.Knowledge.Embedding.Enabled = parsed
		}
	}
	if v := os.Getenv("FINBUDDY_EMBEDDING_MODEL"); v != "" {
		cfg.Knowledge.Embedding.Model = v
	}

	if v := os.Getenv("FINBUDDY_BOOKING_LINK"); v != "" {
		cfg.Booking.Link = v
	}
	if v := os.Getenv("FINBUDDY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Channels.WhatsApp.GraphBaseURL == "" {
		cfg.Channels.WhatsApp.GraphBaseURL = DefaultGraphBaseURL
	}
	if cfg.Channels.WhatsApp.Port == 0 {
		cfg.Channels.WhatsApp.Port = DefaultWebhookPort
	}
	if cfg.Session.RedisURL == "" {
		cfg.Session.RedisURL = DefaultRedisURL
	}
	if cfg.Session.TTLSeconds <= 0 {
		cfg.Session.TTLSeconds = DefaultSessionTTLSeconds
	}
	if cfg.Session.HistoryLimit <= 0 {
		cfg.Session.HistoryLimit = DefaultSessionHistory
	}
	if cfg.Session.RateLimit.Requests <= 0 {
		cfg.Session.RateLimit.Requests = DefaultRateLimitRequests
	}
	if cfg.Session.RateLimit.WindowSeconds <= 0 {
		cfg.Session.RateLimit.WindowSeconds = DefaultRateLimitWindowS
	}
	if len(cfg.Advisor.Order) == 0 {
		cfg.Advisor.Order = []string{"local", "remote"}
	}
	if cfg.Advisor.TimeoutSeconds <= 0 {
		cfg.Advisor.TimeoutSeconds = DefaultAdvisorTimeoutS
	}
	if cfg.Advisor.MaxReplyTokens <= 0 {
		cfg.Advisor.MaxReplyTokens = DefaultMaxReplyTokens
	}
	if cfg.Advisor.CooldownSeconds <= 0 {
		cfg.Advisor.CooldownSeconds = DefaultProviderCooldownS
	}
	if cfg.Advisor.Local.BaseURL == "" {
		cfg.Advisor.Local.BaseURL = DefaultOllamaBaseURL
	}
	if cfg.Advisor.Local.Model == "" {
		cfg.Advisor.Local.Model = DefaultLocalModel
	}
	if cfg.Advisor.Remote.BaseURL == "" {
		cfg.Advisor.Remote.BaseURL = DefaultRemoteBaseURL
	}
	if cfg.Advisor.Remote.Model == "" {
		cfg.Advisor.Remote.Model = DefaultRemoteModel
	}
	if cfg.Knowledge.DBPath == "" {
		cfg.Knowledge.DBPath = filepath.Join(ConfigDir(), "data", "knowledge.db")
	}
	if cfg.Knowledge.ChunkSize <= 0 {
		cfg.Knowledge.ChunkSize = DefaultChunkSize
	}
	if cfg.Knowledge.Retrieve.Limit <= 0 {
		cfg.Knowledge.Retrieve.Limit = DefaultRetrieveLimit
	}
	if cfg.Knowledge.Embedding.BatchSize <= 0 {
		cfg.Knowledge.Embedding.BatchSize = DefaultEmbeddingBatchSize
	}
	if cfg.Knowledge.Embedding.TimeoutMs <= 0 {
		cfg.Knowledge.Embedding.TimeoutMs = DefaultEmbeddingTimeoutMs
	}
	if cfg.Booking.Link == "" {
		cfg.Booking.Link = DefaultBookingLink
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// Validate checks the parts required to run the full gateway.
func (c *Config) Validate() error {
	wa := c.Channels.WhatsApp
	if wa.Enabled {
		if wa.MetaToken == "" {
			return fmt.Errorf("whatsapp: META_TOKEN is required")
		}
		if wa.PhoneNumberID == "" {
			return fmt.Errorf("whatsapp: WHATSAPP_PHONE_NUMBER_ID is required")
		}
		if wa.VerifyToken == "" {
			return fmt.Errorf("whatsapp: VERIFY_TOKEN is required")
		}
	}
	if !wa.Enabled && !c.Channels.WhatsAppWeb.Enabled && !c.Channels.Telegram.Enabled {
		return fmt.Errorf("no channel enabled")
	}
	return nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
