package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/keyfleet/keyfleet/internal/cache"
	"github.com/keyfleet/keyfleet/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RateLimiter implements sliding window rate limiting for the webhook
// surface using Redis. The webhook caller is a single provisioning
// system, so the limit is keyed by client address rather than tenant.
type RateLimiter struct {
	redis  *cache.Redis
	config *config.RateLimitConfig
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int64
	Limit      int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(redis *cache.Redis, cfg *config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		redis:  redis,
		config: cfg,
	}
}

// Check checks whether a webhook request from the given caller is allowed.
// Uses a sliding window over a Redis sorted set; on Redis failure the
// request is allowed so a cache outage never blocks key rotation.
func (r *RateLimiter) Check(ctx context.Context, caller string) (*RateLimitResult, error) {
	limit := r.config.WebhookLimit
	windowSeconds := r.config.WindowSeconds
	if windowSeconds <= 0 {
		windowSeconds = 60
	}

	now := time.Now()
	windowDuration := time.Duration(windowSeconds) * time.Second
	windowStart := now.Add(-windowDuration)

	key := fmt.Sprintf("ratelimit:webhook:%s", caller)

	pipe := r.redis.Client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Str("caller", caller).Msg("Failed to check webhook rate limit")
		return &RateLimitResult{
			Allowed:   true,
			Remaining: int64(limit),
			Limit:     limit,
			ResetAt:   now.Add(windowDuration),
		}, nil
	}

	currentCount := countCmd.Val()
	result := &RateLimitResult{
		Limit:   limit,
		ResetAt: now.Add(windowDuration),
	}

	if currentCount >= int64(limit) {
		result.Allowed = false
		result.Remaining = 0

		oldest, err := r.redis.Client.ZRangeWithScores(ctx, key, 0, 0).Result()
		if err == nil && len(oldest) > 0 {
			oldestTime := time.Unix(0, int64(oldest[0].Score))
			result.RetryAfter = oldestTime.Add(windowDuration).Sub(now)
			if result.RetryAfter < 0 {
				result.RetryAfter = time.Second
			}
		} else {
			result.RetryAfter = windowDuration
		}
		return result, nil
	}

	member := fmt.Sprintf("%d-%s", now.UnixNano(), caller)
	if err := r.redis.Client.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: member,
	}).Err(); err != nil {
		log.Warn().Err(err).Str("caller", caller).Msg("Failed to record webhook rate limit entry")
	}
	r.redis.Client.Expire(ctx, key, windowDuration*2)

	result.Allowed = true
	result.Remaining = int64(limit) - currentCount - 1
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	return result, nil
}

// Reset clears the rate limit window for a caller
func (r *RateLimiter) Reset(ctx context.Context, caller string) error {
	key := fmt.Sprintf("ratelimit:webhook:%s", caller)
	return r.redis.Client.Del(ctx, key).Err()
}
