package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Backend = (*RedisBackend)(nil)

func newTestRedisBackend(t *testing.T) *RedisBackend {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available, skipping: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return NewRedisBackend(client, "aside:test:rl:")
}

func TestRedisBackend_Bucket(t *testing.T) {
	b := newTestRedisBackend(t)
	ctx := context.Background()

	steps := []struct {
		cost          int
		wantAllowed   bool
		wantRemaining int
	}{
		{1, true, 4},
		{3, true, 1},
		{2, false, 1},
		{1, true, 0},
		{1, false, 0},
		{0, true, 0},
	}
	for i, s := range steps {
		// A near-zero refill rate keeps the arithmetic exact.
		allowed, remaining, err := b.CheckRateLimit(ctx, "bucket", 5, 0.0001, s.cost)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if allowed != s.wantAllowed || remaining != s.wantRemaining {
			t.Fatalf("step %d (cost %d): allowed=%v remaining=%d, want %v/%d",
				i, s.cost, allowed, remaining, s.wantAllowed, s.wantRemaining)
		}
	}
}

func TestRedisBackend_Refill(t *testing.T) {
	b := newTestRedisBackend(t)
	ctx := context.Background()

	b.CheckRateLimit(ctx, "refill", 2, 100.0, 2)
	time.Sleep(50 * time.Millisecond)

	allowed, _, err := b.CheckRateLimit(ctx, "refill", 2, 100.0, 1)
	if err != nil {
		t.Fatalf("CheckRateLimit: %v", err)
	}
	if !allowed {
		t.Fatal("bucket should have refilled")
	}
}

func TestRedisBackend_BucketsExpire(t *testing.T) {
	b := newTestRedisBackend(t)
	ctx := context.Background()

	b.CheckRateLimit(ctx, "idle", 1, 1, 1)
	ttl, err := b.client.(*redis.Client).TTL(ctx, "aside:test:rl:idle").Result()
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= 0 || ttl > 2*time.Minute {
		t.Fatalf("expected idle bucket to carry a bounded TTL, got %v", ttl)
	}
}

func TestRedisBackend_UnreachableFallsBack(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond})
	defer client.Close()

	f := NewFallbackBackend(NewRedisBackend(client, ""))
	allowed, _, err := f.CheckRateLimit(context.Background(), "down", 3, 1, 1)
	if err != nil {
		t.Fatalf("fallback should absorb the error: %v", err)
	}
	if !allowed {
		t.Fatal("local fallback should allow the first request")
	}
	if !f.Degraded() {
		t.Fatal("expected degraded mode")
	}
}
