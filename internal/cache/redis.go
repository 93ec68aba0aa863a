// Package cache wraps Redis for the two short-lived states the pipeline
// keeps outside PostgreSQL: the speed layer's redelivery guard and the
// serving layer's combined-view cache.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/Aftaza/polution-traffic-lambda/internal/metrics"
	"github.com/Aftaza/polution-traffic-lambda/internal/retry"
	"github.com/Aftaza/polution-traffic-lambda/pkg/config"
)

// RedisCache is a thin wrapper around a go-redis client.
type RedisCache struct {
	client    *redis.Client
	dedupeTTL time.Duration
	viewTTL   time.Duration
}

// Connect dials Redis and pings it under the retry policy.
func Connect(ctx context.Context, cfg config.RedisConfig, policy retry.Policy, log logrus.FieldLogger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     20,
		MinIdleConns: 2,
		MaxRetries:   3,
	})

	err := retry.Do(ctx, policy, log, "redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		client.Close()
		return nil, err
	}

	return New(client, cfg.DedupeTTL, cfg.ViewTTL), nil
}

// New wraps an existing client.
func New(client *redis.Client, dedupeTTL, viewTTL time.Duration) *RedisCache {
	return &RedisCache{client: client, dedupeTTL: dedupeTTL, viewTTL: viewTTL}
}

// SeenKey identifies one delivered payload of a location.
func SeenKey(location string, payload []byte) string {
	return "speed:seen:" + location + ":" + strconv.FormatUint(xxhash.Sum64(payload), 16)
}

// Seen reports whether the payload was already processed. A zero dedupe
// TTL disables the guard.
func (r *RedisCache) Seen(ctx context.Context, location string, payload []byte) (bool, error) {
	if r.dedupeTTL <= 0 {
		return false, nil
	}

	n, err := r.client.Exists(ctx, SeenKey(location, payload)).Result()
	if err != nil {
		metrics.RedisOperations.WithLabelValues("exists", "error").Inc()
		return false, fmt.Errorf("failed to check seen key: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("exists", "ok").Inc()
	return n > 0, nil
}

// MarkSeen remembers a processed payload for the dedupe TTL.
func (r *RedisCache) MarkSeen(ctx context.Context, location string, payload []byte) error {
	if r.dedupeTTL <= 0 {
		return nil
	}

	if err := r.client.Set(ctx, SeenKey(location, payload), 1, r.dedupeTTL).Err(); err != nil {
		metrics.RedisOperations.WithLabelValues("set", "error").Inc()
		return fmt.Errorf("failed to set seen key: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("set", "ok").Inc()
	return nil
}

// GetJSON loads a cached value into dst. It returns false on a miss.
func (r *RedisCache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		metrics.RedisOperations.WithLabelValues("get", "miss").Inc()
		return false, nil
	}
	if err != nil {
		metrics.RedisOperations.WithLabelValues("get", "error").Inc()
		return false, fmt.Errorf("failed to get %s from Redis: %w", key, err)
	}
	metrics.RedisOperations.WithLabelValues("get", "hit").Inc()

	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

// SetJSON stores v under key for the view TTL.
func (r *RedisCache) SetJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}

	if err := r.client.Set(ctx, key, data, r.viewTTL).Err(); err != nil {
		metrics.RedisOperations.WithLabelValues("set", "error").Inc()
		return fmt.Errorf("failed to set %s in Redis: %w", key, err)
	}
	metrics.RedisOperations.WithLabelValues("set", "ok").Inc()
	return nil
}

// Ping checks Redis availability
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *RedisCache) Close() error {
	return r.client.Close()
}
