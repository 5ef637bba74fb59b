// Package resolver implements read-through cache-aside lookups.
//
// Resolve checks the store, and on a miss invokes the caller's fetch function
// at most once per key at a time: concurrent misses for the same key attach to
// the fetch already in flight and all receive its outcome. A successful value
// is written back with a conditional set so the first writer across processes
// stays authoritative until the entry expires. Store failures never reach the
// caller; only fetch errors do.
package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oriys/aside/internal/logging"
	"github.com/oriys/aside/internal/metrics"
	"github.com/oriys/aside/internal/observability"
)

// DefaultTTL applies when Resolve is called with a non-positive TTL.
const DefaultTTL = time.Hour

// Source tells the caller where a resolved value came from.
type Source string

const (
	SourceCache  Source = "cache"
	SourceOrigin Source = "origin"
)

func (s Source) String() string { return string(s) }

// ErrNilFetch is returned when Resolve misses and has no fetch function.
var ErrNilFetch = errors.New("resolver: nil fetch function")

// ErrFetchPanic wraps a panic raised by a fetch function.
var ErrFetchPanic = errors.New("resolver: fetch panicked")

// Result is a resolved value and its provenance. Value may be shared with
// other callers of the same flight and must not be modified.
type Result struct {
	Source Source
	Value  []byte
	// Shared is set when the origin value was delivered to more than one caller.
	Shared bool
}

// FetchFunc retrieves the value for a key from the origin. A nil or empty
// value is returned to callers but never cached.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Store is the cache contract the coordinator relies on. Implementations fail
// open: Get reports a miss and SetIfAbsent reports false on any backend error.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) bool
	HealthCheck(ctx context.Context) bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDefaultTTL overrides DefaultTTL.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

// Coordinator resolves keys through a Store, coalescing concurrent misses.
// The in-flight registry is private to the Coordinator, so coalescing is
// per process; the store's conditional write is the only cross-process guard.
type Coordinator struct {
	store      Store
	flights    singleflight.Group
	defaultTTL time.Duration
}

// New creates a Coordinator over store.
func New(store Store, opts ...Option) *Coordinator {
	c := &Coordinator{store: store, defaultTTL: DefaultTTL}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckStore reports whether the backing store is reachable.
func (c *Coordinator) CheckStore(ctx context.Context) bool {
	return c.store.HealthCheck(ctx)
}

// Resolve returns the value for key, from the store when present and from
// fetch otherwise. Keys are compared exactly; callers normalize them.
//
// The fetch runs detached from the cancellation of whichever caller started
// it, so one caller going away does not fail the others attached to the
// flight. A caller whose ctx ends while waiting gets ctx.Err().
func (c *Coordinator) Resolve(ctx context.Context, key string, fetch FetchFunc, ttl time.Duration) (Result, error) {
	ctx, span := observability.StartSpan(ctx, "resolver.Resolve", observability.AttrCacheKey.String(key))
	defer span.End()

	if val, ok := c.store.Get(ctx, key); ok {
		metrics.RecordLookup(string(SourceCache))
		span.SetAttributes(observability.AttrSource.String(string(SourceCache)))
		return Result{Source: SourceCache, Value: val}, nil
	}

	if fetch == nil {
		return Result{}, ErrNilFetch
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	leader := false
	flightCtx := context.WithoutCancel(ctx)
	ch := c.flights.DoChan(key, func() (any, error) {
		leader = true
		return c.fill(flightCtx, key, fetch, ttl)
	})

	select {
	case res := <-ch:
		coalesced := !leader
		if coalesced {
			metrics.RecordCoalesced()
		}
		span.SetAttributes(
			observability.AttrSource.String(string(SourceOrigin)),
			observability.AttrCoalesced.Bool(coalesced),
		)
		if res.Err != nil {
			observability.SetSpanError(span, res.Err)
			return Result{}, res.Err
		}
		metrics.RecordLookup(string(SourceOrigin))
		val, _ := res.Val.([]byte)
		return Result{Source: SourceOrigin, Value: val, Shared: res.Shared}, nil
	case <-ctx.Done():
		observability.SetSpanError(span, ctx.Err())
		return Result{}, ctx.Err()
	}
}

// fill runs one origin fetch for key and writes a successful, non-empty
// value back to the store. The registry entry is dropped by singleflight
// before any waiter is released.
func (c *Coordinator) fill(ctx context.Context, key string, fetch FetchFunc, ttl time.Duration) (val []byte, err error) {
	metrics.IncInflight()
	defer metrics.DecInflight()

	ctx, span := observability.StartSpan(ctx, "resolver.fetch", observability.AttrCacheKey.String(key))
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			val, err = nil, fmt.Errorf("%w: %v", ErrFetchPanic, r)
		}
		outcome := "ok"
		switch {
		case err != nil:
			outcome = "error"
			observability.SetSpanError(span, err)
		case isEmpty(val):
			outcome = "empty"
		}
		metrics.RecordOriginFetch(outcome, time.Since(start))
	}()

	val, err = fetch(ctx)
	if err != nil {
		return nil, err
	}
	if isEmpty(val) {
		logging.FromContext(ctx).Debug("origin returned empty value, not caching", "key", key)
		return val, nil
	}

	c.store.SetIfAbsent(ctx, key, val, ttl)
	return val, nil
}

func isEmpty(val []byte) bool {
	trimmed := bytes.TrimSpace(val)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
