// Package ratelimit throttles inbound lookups per client so a single caller
// cannot burn the shared upstream quota. Buckets live in Redis when a client
// is configured and fall back to in-process buckets when Redis is unreachable.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Backend performs an atomic token bucket check for key.
type Backend interface {
	CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (allowed bool, remaining int, err error)
}

// Config holds the bucket shape applied to every client.
type Config struct {
	RequestsPerSecond float64
	BurstSize         int
}

// Limiter applies one Config to all keys through a Backend.
type Limiter struct {
	backend Backend
	cfg     Config
}

// New creates a limiter. A non-positive burst defaults to one request per
// second of refill, rounded up.
func New(backend Backend, cfg Config) *Limiter {
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = int(cfg.RequestsPerSecond + 0.999)
		if cfg.BurstSize < 1 {
			cfg.BurstSize = 1
		}
	}
	return &Limiter{backend: backend, cfg: cfg}
}

// Result contains the result of a rate limit check
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Allow checks if a single request is allowed for key.
func (l *Limiter) Allow(ctx context.Context, key string) (Result, error) {
	allowed, remaining, err := l.backend.CheckRateLimit(ctx, key, l.cfg.BurstSize, l.cfg.RequestsPerSecond, 1)
	if err != nil {
		return Result{}, fmt.Errorf("rate limit check: %w", err)
	}

	// Time until the bucket is full again
	missing := float64(l.cfg.BurstSize - remaining)
	refill := time.Duration(missing / l.cfg.RequestsPerSecond * float64(time.Second))

	return Result{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   time.Now().Add(refill),
	}, nil
}

// KeyForIP returns the rate limit key for a client address.
func KeyForIP(ip string) string {
	return "ip:" + ip
}
