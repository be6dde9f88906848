package session

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finbuddyhq/finbuddy/internal/config"
)

func newTestLimiter(t *testing.T, cfg config.RateLimitConfig) (*RateLimiter, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRateLimiter(client, cfg), client
}

func TestRateLimiter_AllowUpToLimit(t *testing.T) {
	rl, _ := newTestLimiter(t, config.RateLimitConfig{Requests: 3, WindowSeconds: 60})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := rl.Allow(ctx, "2348012345678")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should be allowed", i+1)
	}

	allowed, err := rl.Allow(ctx, "2348012345678")
	require.NoError(t, err)
	assert.False(t, allowed, "request past the limit should be rejected")
}

func TestRateLimiter_PerUserWindows(t *testing.T) {
	rl, _ := newTestLimiter(t, config.RateLimitConfig{Requests: 1, WindowSeconds: 60})
	ctx := context.Background()

	allowed, err := rl.Allow(ctx, "user-a")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = rl.Allow(ctx, "user-a")
	require.NoError(t, err)
	assert.False(t, allowed)

	// A different user gets a fresh window.
	allowed, err = rl.Allow(ctx, "user-b")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRateLimiter_PrunesExpiredEntries(t *testing.T) {
	rl, client := newTestLimiter(t, config.RateLimitConfig{Requests: 1, WindowSeconds: 60})
	ctx := context.Background()

	// Seed requests that fell out of the window two minutes ago.
	key := rateLimitKeyPrefix + "user-a"
	stale := time.Now().Add(-2 * time.Minute)
	for i := 0; i < 3; i++ {
		require.NoError(t, client.ZAdd(ctx, key, redis.Z{
			Score:  float64(stale.Unix()),
			Member: strconv.FormatInt(stale.UnixNano()+int64(i), 10),
		}).Err())
	}

	allowed, err := rl.Allow(ctx, "user-a")
	require.NoError(t, err)
	assert.True(t, allowed, "stale entries should not count against the limit")

	// Only the request just recorded survives the prune.
	count, err := client.ZCard(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
