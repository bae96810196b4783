package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/keyfleet/keyfleet/internal/config"
	"github.com/redis/go-redis/v9"
)

// Redis wraps the go-redis client
type Redis struct {
	Client *redis.Client
}

// New creates a new Redis connection from the configured URL
func New(cfg *config.RedisConfig) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{Client: client}, nil
}

// Close closes the Redis connection
func (r *Redis) Close() error {
	return r.Client.Close()
}

// Health checks the Redis connection
func (r *Redis) Health(ctx context.Context) error {
	if err := r.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// CheckRateLimit counts a request against a fixed window and reports
// whether it is allowed and how many requests remain in the window.
func (r *Redis) CheckRateLimit(ctx context.Context, key string, limit, windowSeconds int) (bool, int64, error) {
	redisKey := fmt.Sprintf("ratelimit:%s", key)

	count, err := r.Client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}
	if count == 1 {
		r.Client.Expire(ctx, redisKey, time.Duration(windowSeconds)*time.Second)
	}

	remaining := int64(limit) - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= int64(limit), remaining, nil
}
