package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/aside/internal/logging"
	"github.com/oriys/aside/internal/metrics"
)

const (
	// DefaultOpTimeout bounds a single backend round-trip.
	DefaultOpTimeout = 250 * time.Millisecond
	// DefaultProbeInterval is the minimum time between health probes while degraded.
	DefaultProbeInterval = 5 * time.Second
)

// Write outcomes reported by FailOpenStore.SetIfAbsent.
const (
	WriteStored  = "stored"
	WriteRaced   = "raced"
	WriteFailed  = "failed"
	WriteSkipped = "skipped"
)

// FailOpenOptions tunes a FailOpenStore.
type FailOpenOptions struct {
	Name          string        // backend label used in logs and metrics
	OpTimeout     time.Duration // per-operation deadline (default 250ms)
	ProbeInterval time.Duration // minimum delay between recovery probes (default 5s)
}

// FailOpenStore wraps a Cache so that no backend failure ever reaches the
// caller. Reads that fail or time out report a miss and writes that fail
// report false. The first failure switches the store into degraded mode:
// operations bypass the backend entirely and a background probe pings it at
// most once per ProbeInterval, restoring normal mode once it answers.
type FailOpenStore struct {
	backend       Cache
	name          string
	timeout       time.Duration
	probeInterval time.Duration

	degraded  atomic.Bool
	probeMu   sync.Mutex
	lastProbe atomic.Int64 // unix nanos of the last probe or degradation
}

// NewFailOpenStore wraps backend with fail-open semantics.
func NewFailOpenStore(backend Cache, opts FailOpenOptions) *FailOpenStore {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = DefaultOpTimeout
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}
	if opts.Name == "" {
		opts.Name = "cache"
	}
	return &FailOpenStore{
		backend:       backend,
		name:          opts.Name,
		timeout:       opts.OpTimeout,
		probeInterval: opts.ProbeInterval,
	}
}

// Backend returns the wrapped cache for administrative operations.
func (s *FailOpenStore) Backend() Cache {
	return s.backend
}

// Degraded reports whether the store is currently bypassing its backend.
func (s *FailOpenStore) Degraded() bool {
	return s.degraded.Load()
}

// Get returns the cached value and true on a hit. Misses, backend errors,
// timeouts and degraded mode all return false.
func (s *FailOpenStore) Get(ctx context.Context, key string) ([]byte, bool) {
	if s.bypass() {
		return nil, false
	}
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	val, err := s.backend.Get(opCtx, key)
	switch {
	case err == nil:
		return val, true
	case errors.Is(err, ErrNotFound):
		return nil, false
	default:
		s.fail(ctx, "get", key, err)
		return nil, false
	}
}

// SetIfAbsent writes value only when key has no live entry and reports
// whether the write took effect. Races and failures both return false.
func (s *FailOpenStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	if s.bypass() {
		metrics.RecordStoreWrite(s.name, WriteSkipped)
		return false
	}
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ok, err := s.backend.SetIfAbsent(opCtx, key, value, ttl)
	if err != nil {
		metrics.RecordStoreWrite(s.name, WriteFailed)
		s.fail(ctx, "set", key, err)
		return false
	}
	if !ok {
		metrics.RecordStoreWrite(s.name, WriteRaced)
		logging.FromContext(ctx).Debug("cache write raced, keeping existing entry", "backend", s.name, "key", key)
		return false
	}
	metrics.RecordStoreWrite(s.name, WriteStored)
	return true
}

// HealthCheck pings the backend. A failure is logged and puts the store in
// degraded mode; it never prevents the caller from continuing.
func (s *FailOpenStore) HealthCheck(ctx context.Context) bool {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.backend.Ping(opCtx); err != nil {
		logging.Op().Warn("cache backend unreachable, serving without cache", "backend", s.name, "error", err)
		s.markDegraded()
		return false
	}
	if s.degraded.CompareAndSwap(true, false) {
		metrics.SetStoreDegraded(s.name, false)
		logging.Op().Info("cache backend recovered", "backend", s.name)
	}
	return true
}

// bypass reports whether the backend should be skipped, scheduling a
// recovery probe when one is due.
func (s *FailOpenStore) bypass() bool {
	if !s.degraded.Load() {
		return false
	}
	if time.Since(time.Unix(0, s.lastProbe.Load())) >= s.probeInterval {
		go s.probe()
	}
	return true
}

func (s *FailOpenStore) probe() {
	if !s.probeMu.TryLock() {
		return
	}
	defer s.probeMu.Unlock()

	// Another probe may have finished between the check and the lock.
	if time.Since(time.Unix(0, s.lastProbe.Load())) < s.probeInterval {
		return
	}
	s.lastProbe.Store(time.Now().UnixNano())

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.backend.Ping(ctx); err != nil {
		logging.Op().Debug("cache backend still unreachable", "backend", s.name, "error", err)
		return
	}
	if s.degraded.CompareAndSwap(true, false) {
		metrics.SetStoreDegraded(s.name, false)
		logging.Op().Info("cache backend recovered, resuming cached lookups", "backend", s.name)
	}
}

func (s *FailOpenStore) fail(ctx context.Context, op, key string, err error) {
	// The caller giving up is not a backend fault.
	if ctx.Err() != nil {
		return
	}
	metrics.RecordStoreError(s.name, op)
	if s.markDegraded() {
		logging.FromContext(ctx).Warn("cache backend error, degrading to pass-through",
			"backend", s.name, "op", op, "key", key, "error", err)
	}
}

// markDegraded switches to degraded mode and reports whether this call did it.
func (s *FailOpenStore) markDegraded() bool {
	s.lastProbe.Store(time.Now().UnixNano())
	if !s.degraded.CompareAndSwap(false, true) {
		return false
	}
	metrics.SetStoreDegraded(s.name, true)
	return true
}
