package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DistributedRateLimiter is a fixed-window counter in Redis, shared by every
// API instance.
type DistributedRateLimiter struct {
	redis  *redis.Client
	config *RateLimitConfig
	prefix string
}

// NewDistributedRateLimiter creates a new Redis-backed rate limiter
func NewDistributedRateLimiter(redisClient *redis.Client, config *RateLimitConfig, prefix string) *DistributedRateLimiter {
	if config == nil || config.RequestsPerWindow <= 0 || config.WindowDuration <= 0 {
		config = DefaultLoginRateLimitConfig()
	}
	if prefix == "" {
		prefix = "fleetwise:ratelimit"
	}

	return &DistributedRateLimiter{
		redis:  redisClient,
		config: config,
		prefix: prefix,
	}
}

// Allow counts one request against key's current window. The window starts
// with the first request; later requests do not extend it.
func (rl *DistributedRateLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	redisKey := rl.key(key)

	pipe := rl.redis.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{Allowed: true}, fmt.Errorf("redis error: %w", err)
	}

	window := ttl.Val()
	if window < 0 {
		// first hit, or a key left without expiry by an earlier failure
		if err := rl.redis.PExpire(ctx, redisKey, rl.config.WindowDuration).Err(); err != nil {
			return Decision{Allowed: true}, fmt.Errorf("redis error: %w", err)
		}
		window = rl.config.WindowDuration
	}

	count := incr.Val()
	d := Decision{Limit: rl.config.RequestsPerWindow}
	if count <= int64(rl.config.RequestsPerWindow) {
		d.Allowed = true
		d.Remaining = rl.config.RequestsPerWindow - int(count)
		return d, nil
	}

	d.RetryAfter = window
	return d, nil
}

// Reset clears the counter for key.
func (rl *DistributedRateLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, rl.key(key)).Err()
}

// TTL returns the time until key's window resets.
func (rl *DistributedRateLimiter) TTL(ctx context.Context, key string) (time.Duration, error) {
	return rl.redis.PTTL(ctx, rl.key(key)).Result()
}

func (rl *DistributedRateLimiter) key(key string) string {
	return fmt.Sprintf("%s:%s", rl.prefix, key)
}
