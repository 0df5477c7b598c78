package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/fleetwise/pkg/async"
	"github.com/platinummonkey/fleetwise/pkg/config"
	"github.com/platinummonkey/fleetwise/pkg/middleware"
	"github.com/platinummonkey/fleetwise/pkg/notifications"
	"github.com/platinummonkey/fleetwise/pkg/observability"
	"github.com/platinummonkey/fleetwise/pkg/realtime"
)

// openRedis returns nil when no URL is configured.
func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	opts.PoolSize = cfg.PoolSize
	opts.MaxRetries = cfg.MaxRetries

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func newTransport(ctx context.Context, cfg config.BroadcastConfig, client *redis.Client, logger *observability.Logger) (realtime.Transport, error) {
	switch cfg.Driver {
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis broadcast driver needs a redis connection")
		}
		t, err := realtime.NewRedisTransport(ctx, client, cfg.RedisPrefix, logger)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "kafka":
		t, err := realtime.NewKafkaTransport(realtime.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		}, logger)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return realtime.NewHub(0), nil
	}
}

// newQueue builds the notification queue and starts its consumers. The
// memory queue's workers stop when ctx is cancelled.
func newQueue(ctx context.Context, cfg config.NotificationsConfig, client *redis.Client, handler notifications.Handler, logger *observability.Logger) (notifications.Queue, error) {
	switch cfg.Queue {
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis notification queue needs a redis connection")
		}
		q := notifications.NewRedisQueue(client, notifications.RedisQueueConfig{
			Key:     cfg.QueueKey,
			Workers: cfg.Workers,
		}, handler, logger)
		if err := q.Start(ctx); err != nil {
			return nil, err
		}
		return q, nil
	default:
		return notifications.NewMemoryQueue(ctx, handler, async.PoolConfig{
			Name:      "notifications",
			Workers:   cfg.Workers,
			QueueSize: cfg.QueueSize,
			Timeout:   30 * time.Second,
		}, logger), nil
	}
}

// newLoginLimiter shares the login budget across instances when Redis is
// available.
func newLoginLimiter(ctx context.Context, cfg config.AuthConfig, client *redis.Client) middleware.Limiter {
	limit := middleware.DefaultLoginRateLimitConfig()
	if cfg.LoginRateLimit > 0 {
		limit.RequestsPerWindow = cfg.LoginRateLimit
	}
	if cfg.LoginRateWindow > 0 {
		limit.WindowDuration = cfg.LoginRateWindow
	}

	if client != nil {
		return middleware.NewDistributedRateLimiter(client, limit, "fleetwise:ratelimit:login:")
	}
	limiter := middleware.NewRateLimiter(limit)
	limiter.StartCleanup(ctx)
	return limiter
}
