package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/talgya/tradersim/internal/config"
)

// RedisSink republishes facts on a Redis pub/sub channel for analytics
// consumers. It reads from its own Subscription, so a slow Redis only ever
// costs the sink its oldest facts.
type RedisSink struct {
	rdb     *redis.Client
	channel string
}

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(ctx context.Context, cfg config.RedisConfig) (*RedisSink, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return &RedisSink{rdb: rdb, channel: cfg.Channel}, nil
}

// Run forwards facts from sub until ctx is done or sub is closed. Publish
// failures are logged and skipped.
func (s *RedisSink) Run(ctx context.Context, sub *Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-sub.C:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(f)
			if err != nil {
				slog.Warn("redis sink: encoding fact", "kind", f.Kind, "error", err)
				continue
			}
			if err := s.rdb.Publish(ctx, s.channel, payload).Err(); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				slog.Warn("redis sink: publish failed", "channel", s.channel, "error", err)
			}
		}
	}
}

// Close closes the Redis connection.
func (s *RedisSink) Close() error {
	return s.rdb.Close()
}
