// Package session keeps per-user conversation state in Redis.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/finbuddyhq/finbuddy/internal/config"
	"github.com/finbuddyhq/finbuddy/internal/logging"
	"github.com/finbuddyhq/finbuddy/internal/metrics"
)

const (
	StageIdle   = "idle"
	StageActive = "active"

	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"

	sessionKeyPrefix   = "session:"
	rateLimitKeyPrefix = "rate_limit:"
)

// Message is one history entry in a session.
type Message struct {
	Direction string    `json:"direction"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the per-user conversation state. History is bounded to the
// configured limit to conserve memory and model input tokens.
type Session struct {
	Stage        string    `json:"stage"`
	History      []Message `json:"message_history"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

func newSession(now time.Time) *Session {
	return &Session{
		Stage:        StageIdle,
		History:      []Message{},
		CreatedAt:    now,
		LastActivity: now,
	}
}

// Record appends a history entry, trimming to the last limit entries.
func (s *Session) Record(direction, text string, limit int) {
	s.History = append(s.History, Message{
		Direction: direction,
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
	if limit > 0 && len(s.History) > limit {
		s.History = s.History[len(s.History)-limit:]
	}
}

// Store wraps the Redis client behind session-shaped operations.
type Store struct {
	client       *redis.Client
	ttl          time.Duration
	historyLimit int
	log          zerolog.Logger
}

func NewStore(cfg config.SessionConfig) (*Store, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Duration(config.DefaultSessionTTLSeconds) * time.Second
	}

	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = config.DefaultSessionHistory
	}

	return &Store{
		client:       redis.NewClient(opts),
		ttl:          ttl,
		historyLimit: historyLimit,
		log:          logging.Component("session"),
	}, nil
}

// Client exposes the underlying Redis client for the rate limiter.
func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Get loads a session, creating and persisting a fresh idle one when the key
// is missing or expired.
func (s *Store) Get(ctx context.Context, key string) (*Session, error) {
	data, err := s.client.Get(ctx, sessionKeyPrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			sess := newSession(time.Now().UTC())
			if err := s.Save(ctx, key, sess); err != nil {
				return nil, err
			}
			return sess, nil
		}
		return nil, fmt.Errorf("get session %s: %w", key, err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", key, err)
	}
	return &sess, nil
}

// Save persists a session and refreshes its TTL.
func (s *Store) Save(ctx context.Context, key string, sess *Session) error {
	sess.LastActivity = time.Now().UTC()

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", key, err)
	}

	if err := s.client.Set(ctx, sessionKeyPrefix+key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session %s: %w", key, err)
	}

	s.refreshActiveGauge(ctx)
	return nil
}

// AddMessage records a history entry and persists the session.
func (s *Store) AddMessage(ctx context.Context, key, direction, text string) (*Session, error) {
	sess, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	sess.Record(direction, text, s.historyLimit)
	if err := s.Save(ctx, key, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// SetStage updates the session stage and persists it.
func (s *Store) SetStage(ctx context.Context, key, stage string) error {
	sess, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	sess.Stage = stage
	return s.Save(ctx, key, sess)
}

// CountSessions counts live session keys with SCAN.
func (s *Store) CountSessions(ctx context.Context) (int64, error) {
	return s.countKeys(ctx, sessionKeyPrefix+"*")
}

// CountRateLimited counts live rate-limit keys with SCAN.
func (s *Store) CountRateLimited(ctx context.Context) (int64, error) {
	return s.countKeys(ctx, rateLimitKeyPrefix+"*")
}

func (s *Store) countKeys(ctx context.Context, pattern string) (int64, error) {
	var count int64
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scan %s: %w", pattern, err)
	}
	return count, nil
}

func (s *Store) refreshActiveGauge(ctx context.Context) {
	count, err := s.CountSessions(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("refresh active sessions gauge failed")
		return
	}
	metrics.ActiveSessions.Set(float64(count))
}
