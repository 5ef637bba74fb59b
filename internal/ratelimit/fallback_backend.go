package ratelimit

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/aside/internal/logging"
)

// DefaultProbeInterval is the minimum time between health probes of the
// primary backend while degraded.
const DefaultProbeInterval = 5 * time.Second

// FallbackBackend prefers a shared primary backend and switches to local
// buckets as soon as the primary errors. While degraded it probes the
// primary in the background and switches back once a probe succeeds.
type FallbackBackend struct {
	primary       Backend
	local         *LocalBackend
	probeInterval time.Duration

	degraded  atomic.Bool
	probeMu   sync.Mutex
	lastProbe atomic.Int64 // unix nanos
}

// NewFallbackBackend wraps primary with an in-process fallback.
func NewFallbackBackend(primary Backend) *FallbackBackend {
	return &FallbackBackend{
		primary:       primary,
		local:         NewLocalBackend(),
		probeInterval: DefaultProbeInterval,
	}
}

func (f *FallbackBackend) CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error) {
	if f.degraded.Load() {
		if f.probeDue() {
			go f.probe()
		}
		return f.local.CheckRateLimit(ctx, key, maxTokens, refillRate, requested)
	}

	allowed, remaining, err := f.primary.CheckRateLimit(ctx, key, maxTokens, refillRate, requested)
	if err != nil {
		if ctx.Err() == nil && f.degraded.CompareAndSwap(false, true) {
			f.lastProbe.Store(time.Now().UnixNano())
			logging.Op().Warn("rate limit backend unavailable, using local buckets", "error", err)
		}
		return f.local.CheckRateLimit(ctx, key, maxTokens, refillRate, requested)
	}
	return allowed, remaining, nil
}

func (f *FallbackBackend) probeDue() bool {
	return time.Since(time.Unix(0, f.lastProbe.Load())) > f.probeInterval
}

func (f *FallbackBackend) probe() {
	if !f.probeMu.TryLock() {
		return
	}
	defer f.probeMu.Unlock()
	if !f.probeDue() {
		return
	}
	f.lastProbe.Store(time.Now().UnixNano())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// A zero-cost check touches Redis without spending tokens.
	if _, _, err := f.primary.CheckRateLimit(ctx, "probe", 1, 1, 0); err == nil {
		if f.degraded.CompareAndSwap(true, false) {
			logging.Op().Info("rate limit backend recovered")
		}
	}
}

// Degraded reports whether the backend is currently using local buckets.
func (f *FallbackBackend) Degraded() bool {
	return f.degraded.Load()
}

// LocalBackend keeps token buckets in process memory.
type LocalBackend struct {
	mu      sync.Mutex
	buckets map[string]*localBucket
	now     func() time.Time
}

type localBucket struct {
	tokens float64
	last   time.Time
}

// NewLocalBackend creates an in-process token bucket backend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{
		buckets: make(map[string]*localBucket),
		now:     time.Now,
	}
}

func (l *LocalBackend) CheckRateLimit(_ context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &localBucket{tokens: float64(maxTokens), last: now}
		l.buckets[key] = b
	}
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = math.Min(float64(maxTokens), b.tokens+elapsed*refillRate)
		b.last = now
	}

	if b.tokens >= float64(requested) {
		b.tokens -= float64(requested)
		return true, int(b.tokens), nil
	}
	return false, int(b.tokens), nil
}
