package cache

import (
	"context"
	"time"
)

// DefaultL1TTL bounds how long the in-process tier may serve an entry
// without consulting the shared tier.
const DefaultL1TTL = 10 * time.Second

// TieredCache implements Cache with a fast L1 (in-memory) cache backed by a
// shared L2 (typically Redis or memcached). Reads check L1 first and populate
// it on an L2 hit. Conditional writes are decided by L2 alone so the first
// writer across all instances stays authoritative.
type TieredCache struct {
	l1    Cache
	l2    Cache
	l1TTL time.Duration
}

// NewTieredCache creates a two-level cache.
// l1TTL controls how long items live in the L1 cache (default: 10s).
func NewTieredCache(l1, l2 Cache, l1TTL time.Duration) *TieredCache {
	if l1TTL <= 0 {
		l1TTL = DefaultL1TTL
	}
	return &TieredCache{l1: l1, l2: l2, l1TTL: l1TTL}
}

func (t *TieredCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := t.l1.Get(ctx, key)
	if err == nil {
		return val, nil
	}

	val, err = t.l2.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	_ = t.l1.Set(ctx, key, val, t.l1TTL)
	return val, nil
}

func (t *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := t.l2.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	_ = t.l1.Set(ctx, key, value, t.shortTTL(ttl))
	return nil
}

func (t *TieredCache) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := t.l2.SetIfAbsent(ctx, key, value, ttl)
	if err != nil || !ok {
		// Lost the race: leave L1 empty so the next read picks up the winner from L2.
		return ok, err
	}
	_ = t.l1.Set(ctx, key, value, t.shortTTL(ttl))
	return true, nil
}

func (t *TieredCache) Delete(ctx context.Context, key string) error {
	_ = t.l1.Delete(ctx, key)
	return t.l2.Delete(ctx, key)
}

func (t *TieredCache) Ping(ctx context.Context) error {
	if err := t.l1.Ping(ctx); err != nil {
		return err
	}
	return t.l2.Ping(ctx)
}

func (t *TieredCache) Close() error {
	_ = t.l1.Close()
	return t.l2.Close()
}

// shortTTL keeps L1 entries from outliving the L2 entry they mirror.
func (t *TieredCache) shortTTL(ttl time.Duration) time.Duration {
	if ttl > 0 && ttl < t.l1TTL {
		return ttl
	}
	return t.l1TTL
}
