package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiter implements sliding window rate limiting using Redis
// sorted sets.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	limit  int
	window time.Duration
}

// RateLimitResult describes the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// NewRateLimiter creates a rate limiter allowing limit requests per
// window.
func NewRateLimiter(client *Client, logger *zap.Logger, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		limit:  limit,
		window: window,
	}
}

// Allow checks whether the request identified by key is within the
// rate limit, recording it if so.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	redisKey := fmt.Sprintf("ratelimit:%s", key)

	now := time.Now()
	windowStart := now.Add(-r.window)

	pipe := r.client.rdb.Pipeline()

	// Drop entries outside the window, then count what remains.
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, redisKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	count := int(countCmd.Val())
	if count >= r.limit {
		r.logger.Warn("rate limit exceeded",
			zap.String("key", key),
			zap.Int("count", count),
			zap.Int("limit", r.limit),
		)
		return &RateLimitResult{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   now.Add(r.window),
		}, nil
	}

	member := redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	}

	pipe = r.client.rdb.Pipeline()
	pipe.ZAdd(ctx, redisKey, member)
	pipe.Expire(ctx, redisKey, r.window)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("rate limit record failed: %w", err)
	}

	return &RateLimitResult{
		Allowed:   true,
		Remaining: r.limit - count - 1,
		ResetAt:   now.Add(r.window),
	}, nil
}

// Limit returns the configured request limit per window.
func (r *RateLimiter) Limit() int {
	return r.limit
}

// Window returns the configured window duration.
func (r *RateLimiter) Window() time.Duration {
	return r.window
}
