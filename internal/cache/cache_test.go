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

package cache

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
)

func setupTestCache(t *testing.T, cfg Config) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewFromClient(client, cfg, logr.Discard()), mr
}

func TestMarkRevokedAndProbe(t *testing.T) {
	c, mr := setupTestCache(t, Config{})
	ctx := context.Background()

	jti := "f2b7a7f0-1111-4222-8333-944445555666"
	expiresAt := time.Now().Add(10 * time.Minute)
	if err := c.MarkRevoked(ctx, jti, expiresAt); err != nil {
		t.Fatalf("MarkRevoked: %v", err)
	}

	revoked, err := c.IsRevoked(ctx, jti)
	if err != nil {
		t.Fatalf("IsRevoked: %v", err)
	}
	if !revoked {
		t.Error("expected jti to be blacklisted")
	}

	ttl := mr.TTL("revoked:jti:" + jti)
	if ttl <= 0 || ttl > 10*time.Minute {
		t.Errorf("unexpected tombstone TTL %v", ttl)
	}

	other, err := c.IsRevoked(ctx, "some-other-jti")
	if err != nil {
		t.Fatalf("IsRevoked: %v", err)
	}
	if other {
		t.Error("unknown jti must not be revoked")
	}
}

func TestMarkRevokedClampsExpiredTTL(t *testing.T) {
	c, mr := setupTestCache(t, Config{})
	ctx := context.Background()

	jti := "already-expired"
	if err := c.MarkRevoked(ctx, jti, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("MarkRevoked: %v", err)
	}
	ttl := mr.TTL("revoked:jti:" + jti)
	if ttl < time.Second || ttl > 2*time.Second {
		t.Errorf("expected ~1s floor TTL, got %v", ttl)
	}
}

func TestAllowRateWithinLimit(t *testing.T) {
	c, _ := setupTestCache(t, Config{Window: 60 * time.Second, KeyTTL: 70 * time.Second})
	ctx := context.Background()
	base := time.Unix(1_756_000_000, 0)
	c.now = func() time.Time { return base }

	for i := 1; i <= 3; i++ {
		allowed, err := c.AllowRate(ctx, "ws-1", "agent-1", "purchase", 3)
		if err != nil {
			t.Fatalf("AllowRate #%d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("request %d of 3 should be allowed", i)
		}
	}

	allowed, err := c.AllowRate(ctx, "ws-1", "agent-1", "purchase", 3)
	if err != nil {
		t.Fatalf("AllowRate: %v", err)
	}
	if allowed {
		t.Error("fourth request in the window must be denied")
	}
}

func TestAllowRateKeysAreScoped(t *testing.T) {
	c, _ := setupTestCache(t, Config{Window: 60 * time.Second, KeyTTL: 70 * time.Second})
	ctx := context.Background()
	base := time.Unix(1_756_000_000, 0)
	c.now = func() time.Time { return base }

	if allowed, _ := c.AllowRate(ctx, "ws-1", "agent-1", "purchase", 1); !allowed {
		t.Fatal("first request should be allowed")
	}
	if allowed, _ := c.AllowRate(ctx, "ws-1", "agent-1", "purchase", 1); allowed {
		t.Fatal("second request should be denied")
	}

	// A different agent, action, or workspace counts separately.
	if allowed, _ := c.AllowRate(ctx, "ws-1", "agent-2", "purchase", 1); !allowed {
		t.Error("different agent must have its own counter")
	}
	if allowed, _ := c.AllowRate(ctx, "ws-1", "agent-1", "deploy", 1); !allowed {
		t.Error("different action must have its own counter")
	}
	if allowed, _ := c.AllowRate(ctx, "ws-2", "agent-1", "purchase", 1); !allowed {
		t.Error("different workspace must have its own counter")
	}
}

func TestAllowRateSetsTTLOnFirstIncrement(t *testing.T) {
	c, mr := setupTestCache(t, Config{Window: 60 * time.Second, KeyTTL: 70 * time.Second})
	ctx := context.Background()

	base := time.Unix(1_756_000_000, 0)
	c.now = func() time.Time { return base }

	if _, err := c.AllowRate(ctx, "ws-1", "agent-1", "purchase", 10); err != nil {
		t.Fatalf("AllowRate: %v", err)
	}

	bucket := base.Unix() / 60
	key := "rate:ws-1:agent-1:purchase:" + strconv.FormatInt(bucket, 10)
	ttl := mr.TTL(key)
	if ttl != 70*time.Second {
		t.Errorf("expected 70s TTL on first increment, got %v", ttl)
	}

	// Second increment must not reset the TTL.
	mr.FastForward(30 * time.Second)
	if _, err := c.AllowRate(ctx, "ws-1", "agent-1", "purchase", 10); err != nil {
		t.Fatalf("AllowRate: %v", err)
	}
	if got := mr.TTL(key); got != 40*time.Second {
		t.Errorf("expected TTL to keep draining, got %v", got)
	}
}

func TestAllowRateNextBucketResets(t *testing.T) {
	c, _ := setupTestCache(t, Config{Window: 60 * time.Second, KeyTTL: 70 * time.Second})
	ctx := context.Background()

	base := time.Unix(1_756_000_000, 0)
	c.now = func() time.Time { return base }

	if allowed, _ := c.AllowRate(ctx, "ws-1", "agent-1", "purchase", 1); !allowed {
		t.Fatal("first request should be allowed")
	}
	if allowed, _ := c.AllowRate(ctx, "ws-1", "agent-1", "purchase", 1); allowed {
		t.Fatal("second request in the same bucket should be denied")
	}

	c.now = func() time.Time { return base.Add(60 * time.Second) }
	allowed, err := c.AllowRate(ctx, "ws-1", "agent-1", "purchase", 1)
	if err != nil {
		t.Fatalf("AllowRate: %v", err)
	}
	if !allowed {
		t.Error("first request of the next bucket must be allowed")
	}
}

func TestAllowRateFailClosed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := NewFromClient(client, Config{Window: 60 * time.Second, FailOpen: false}, logr.Discard())
	mr.Close()

	allowed, err := c.AllowRate(context.Background(), "ws-1", "agent-1", "purchase", 10)
	if err != nil {
		t.Fatalf("AllowRate: %v", err)
	}
	if allowed {
		t.Error("fail-closed cache outage must deny")
	}
}

func TestAllowRateFailOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := NewFromClient(client, Config{Window: 60 * time.Second, FailOpen: true}, logr.Discard())
	mr.Close()

	allowed, err := c.AllowRate(context.Background(), "ws-1", "agent-1", "purchase", 10)
	if err != nil {
		t.Fatalf("AllowRate: %v", err)
	}
	if !allowed {
		t.Error("fail-open cache outage must admit")
	}
}

func TestIsRevokedReportsOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := NewFromClient(client, Config{}, logr.Discard())
	mr.Close()

	if _, err := c.IsRevoked(context.Background(), "any-jti"); err == nil {
		t.Error("expected an error so the caller falls back to the store")
	}
}
