package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finbuddyhq/finbuddy/internal/config"
)

func TestNewSession_Defaults(t *testing.T) {
	now := time.Now().UTC()
	sess := newSession(now)

	assert.Equal(t, StageIdle, sess.Stage)
	assert.Empty(t, sess.History)
	assert.Equal(t, now, sess.CreatedAt)
	assert.Equal(t, now, sess.LastActivity)
}

func TestSession_Record_TrimsHistory(t *testing.T) {
	sess := newSession(time.Now().UTC())

	for i := 0; i < 8; i++ {
		sess.Record(DirectionIncoming, "message", 5)
	}

	require.Len(t, sess.History, 5)
	assert.Equal(t, DirectionIncoming, sess.History[0].Direction)
}

func TestSession_Record_NoLimit(t *testing.T) {
	sess := newSession(time.Now().UTC())

	for i := 0; i < 8; i++ {
		sess.Record(DirectionOutgoing, "message", 0)
	}

	assert.Len(t, sess.History, 8)
}

func TestSession_JSONFieldNames(t *testing.T) {
	sess := newSession(time.Now().UTC())
	sess.Record(DirectionIncoming, "hello", 5)

	data, err := json.Marshal(sess)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	// Stored field names are shared with monitoring tooling.
	assert.Contains(t, raw, "stage")
	assert.Contains(t, raw, "message_history")
	assert.Contains(t, raw, "created_at")
	assert.Contains(t, raw, "last_activity")
}

func TestNewStore_InvalidURL(t *testing.T) {
	_, err := NewStore(config.SessionConfig{RedisURL: "not-a-url"})
	assert.Error(t, err)
}

func TestNewStore_Defaults(t *testing.T) {
	store, err := NewStore(config.SessionConfig{RedisURL: "redis://localhost:6379"})
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, time.Duration(config.DefaultSessionTTLSeconds)*time.Second, store.ttl)
	assert.Equal(t, config.DefaultSessionHistory, store.historyLimit)
}

func TestNewStore_ConfiguredValues(t *testing.T) {
	store, err := NewStore(config.SessionConfig{
		RedisURL:     "redis://localhost:6379/1",
		TTLSeconds:   600,
		HistoryLimit: 3,
	})
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, 10*time.Minute, store.ttl)
	assert.Equal(t, 3, store.historyLimit)
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	store, err := NewStore(config.SessionConfig{RedisURL: "redis://localhost:6379"})
	require.NoError(t, err)
	defer store.Close()

	rl := NewRateLimiter(store.Client(), config.RateLimitConfig{})
	assert.Equal(t, config.DefaultRateLimitRequests, rl.limit)
	assert.Equal(t, time.Duration(config.DefaultRateLimitWindowS)*time.Second, rl.window)

	rl = NewRateLimiter(store.Client(), config.RateLimitConfig{Requests: 3, WindowSeconds: 10})
	assert.Equal(t, 3, rl.limit)
	assert.Equal(t, 10*time.Second, rl.window)
}
