/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cache holds the ephemeral decision state in Redis: per-JTI
// revocation tombstones and fixed-window rate counters. Redis is never the
// source of truth; every probe degrades cleanly when it is unreachable. A
// circuit breaker keeps a dead Redis from stalling the verify pipeline.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
)

const revocationKeyPrefix = "revoked:jti:"

var cacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "limiq_cache_errors_total",
	Help: "Redis operation failures by operation.",
}, []string{"op"})

// Config carries connection and rate-limit settings for the cache.
type Config struct {
	// Addr is the Redis host:port.
	Addr string

	// Password authenticates to Redis. Empty means no auth.
	Password string

	// DB selects the Redis logical database.
	DB int

	// Window is the rate-limit window. Counters are bucketed by
	// floor(now / Window).
	Window time.Duration

	// KeyTTL is the expiry set on a rate counter when it is created. It
	// must exceed Window so in-window reads never see a vanished key.
	KeyTTL time.Duration

	// FailOpen controls the rate-limit outcome when Redis is unreachable.
	// False (the default) denies; true admits.
	FailOpen bool

	// Tracing instruments the client so Redis commands show up as spans
	// under the request trace.
	Tracing bool
}

// Cache wraps the Redis client with the decision-state operations.
type Cache struct {
	client  redis.UniversalClient
	breaker *gobreaker.CircuitBreaker[any]
	cfg     Config
	log     logr.Logger
	now     func() time.Time
}

// New connects to Redis with bounded timeouts and returns a Cache.
func New(cfg Config, log logr.Logger) (*Cache, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("cache: redis address must not be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})
	if cfg.Tracing {
		if err := redisotel.InstrumentTracing(client); err != nil {
			log.Error(err, "failed to instrument redis client for tracing")
		}
	}
	return NewFromClient(client, cfg, log), nil
}

// NewFromClient wraps an existing Redis client. Used by tests, which hand in
// a miniredis-backed client.
func NewFromClient(client redis.UniversalClient, cfg Config, log logr.Logger) *Cache {
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.KeyTTL <= 0 {
		cfg.KeyTTL = cfg.Window + 10*time.Second
	}
	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "redis",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Cache{
		client:  client,
		breaker: breaker,
		cfg:     cfg,
		log:     log.WithName("cache"),
		now:     time.Now,
	}
}

// Client exposes the underlying Redis client for lifecycle management.
func (c *Cache) Client() redis.UniversalClient { return c.client }

// Ping checks connectivity. Used by readiness probes.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: ping: %w", err)
	}
	return nil
}

// Close releases the client's connections.
func (c *Cache) Close() error {
	return c.client.Close()
}

// --- revocation blacklist ---

// MarkRevoked writes the tombstone for jti, expiring when the capability
// would have. The durable store stays authoritative, so callers treat a
// returned error as a degradation, not a failure.
func (c *Cache) MarkRevoked(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(c.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.client.Set(ctx, revocationKeyPrefix+jti, "1", ttl).Err()
	})
	if err != nil {
		cacheErrors.WithLabelValues("revocation_write").Inc()
		c.log.Error(err, "revocation blacklist write failed", "jti", jti)
		return fmt.Errorf("cache: mark revoked: %w", err)
	}
	return nil
}

// IsRevoked probes the blacklist. An error means the revocation state is
// unknown; the caller falls back to the durable store.
func (c *Cache) IsRevoked(ctx context.Context, jti string) (bool, error) {
	res, err := c.breaker.Execute(func() (any, error) {
		return c.client.Exists(ctx, revocationKeyPrefix+jti).Result()
	})
	if err != nil {
		cacheErrors.WithLabelValues("revocation_probe").Inc()
		c.log.Error(err, "revocation blacklist probe failed", "jti", jti)
		return false, fmt.Errorf("cache: revocation probe: %w", err)
	}
	return res.(int64) > 0, nil
}

// --- rate limiter ---

// AllowRate counts this action in the current fixed window and reports
// whether the post-increment count stays within limit. When Redis is
// unreachable the outcome follows the configured FailOpen policy; context
// cancellation still surfaces as an error.
func (c *Cache) AllowRate(ctx context.Context, workspaceID, agentID, actionType string, limit int) (bool, error) {
	bucket := c.now().Unix() / int64(c.cfg.Window/time.Second)
	key := fmt.Sprintf("rate:%s:%s:%s:%d", workspaceID, agentID, actionType, bucket)

	res, err := c.breaker.Execute(func() (any, error) {
		count, err := c.client.Incr(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		if count == 1 {
			if err := c.client.Expire(ctx, key, c.cfg.KeyTTL).Err(); err != nil {
				return nil, err
			}
		}
		return count, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		cacheErrors.WithLabelValues("rate_incr").Inc()
		c.log.Error(err, "rate limit probe failed",
			"workspace_id", workspaceID, "agent_id", agentID,
			"action_type", actionType, "fail_open", c.cfg.FailOpen)
		return c.cfg.FailOpen, nil
	}
	return res.(int64) <= int64(limit), nil
}
