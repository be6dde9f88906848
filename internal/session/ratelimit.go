package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/finbuddyhq/finbuddy/internal/config"
	"github.com/finbuddyhq/finbuddy/internal/metrics"
)

// RateLimiter enforces a sliding-window limit per user, backed by a Redis
// sorted set of request timestamps.
type RateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

func NewRateLimiter(client *redis.Client, cfg config.RateLimitConfig) *RateLimiter {
	limit := cfg.Requests
	if limit <= 0 {
		limit = config.DefaultRateLimitRequests
	}
	window := time.Duration(cfg.WindowSeconds) * time.Second
	if window <= 0 {
		window = time.Duration(config.DefaultRateLimitWindowS) * time.Second
	}
	return &RateLimiter{client: client, limit: limit, window: window}
}

// Allow reports whether userID may make another request right now. The
// window prune, count, and record run in one pipeline round trip.
func (r *RateLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	key := rateLimitKeyPrefix + userID
	now := time.Now()
	cutoff := now.Add(-r.window).Unix()

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff, 10))
	card := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.Unix()),
		Member: strconv.FormatInt(now.UnixNano(), 10),
	})
	pipe.Expire(ctx, key, r.window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit check for %s: %w", userID, err)
	}

	if card.Val() >= int64(r.limit) {
		metrics.RateLimitsTotal.WithLabelValues(userID).Inc()
		return false, nil
	}
	return true, nil
}
