// Package cache keeps a short-lived record of processed webhook keys in Redis
// so replayed deliveries are answered without touching the database.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/DanielPopoola/ficmart-ticketing/internal/config"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
	"github.com/redis/go-redis/v9"
)

// Connect creates the Redis client and pings it.
func Connect(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Error("failed to ping redis", "addr", cfg.Addr, "error", err)
		_ = client.Close()
		return nil, err
	}

	logger.Info("connected to redis", "addr", cfg.Addr)
	return client, nil
}

// Dedupe implements ports.DedupeCache. It is an optimization only: the
// webhook_events table stays the source of truth, so a Redis outage just
// sends every delivery through the ledger.
type Dedupe struct {
	client *redis.Client
	ttl    time.Duration
}

func NewDedupe(client *redis.Client, ttl time.Duration) *Dedupe {
	return &Dedupe{client: client, ttl: ttl}
}

func (d *Dedupe) Seen(ctx context.Context, provider domain.ProviderID, key string) (bool, error) {
	n, err := d.client.Exists(ctx, cacheKey(provider, key)).Result()
	if err != nil {
		return false, fmt.Errorf("check webhook key: %w", err)
	}
	return n > 0, nil
}

func (d *Dedupe) Remember(ctx context.Context, provider domain.ProviderID, key string) error {
	if err := d.client.SetNX(ctx, cacheKey(provider, key), 1, d.ttl).Err(); err != nil {
		return fmt.Errorf("remember webhook key: %w", err)
	}
	return nil
}

func cacheKey(provider domain.ProviderID, key string) string {
	return fmt.Sprintf("webhook:%s:%s", provider, key)
}
