package cache

import (
	"context"
	"errors"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// DefaultMemcacheKeyPrefix namespaces keys written by MemcacheCache.
const DefaultMemcacheKeyPrefix = "aside:"

// memcached interprets expirations above 30 days as absolute unix times.
const maxRelativeExpiration = 30 * 24 * time.Hour

// MemcacheCache implements Cache on top of one or more memcached servers.
// SetIfAbsent maps to the memcached "add" command.
type MemcacheCache struct {
	client *memcache.Client
	prefix string
}

// MemcacheCacheConfig holds configuration for the memcached cache.
type MemcacheCacheConfig struct {
	Servers   []string      // host:port list, keys are distributed across them
	KeyPrefix string        // default: "aside:"
	Timeout   time.Duration // socket read/write timeout; 0 keeps the client default
}

// NewMemcacheCache creates a memcached-backed cache.
func NewMemcacheCache(cfg MemcacheCacheConfig) *MemcacheCache {
	client := memcache.New(cfg.Servers...)
	if cfg.Timeout > 0 {
		client.Timeout = cfg.Timeout
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultMemcacheKeyPrefix
	}
	return &MemcacheCache{client: client, prefix: prefix}
}

func (c *MemcacheCache) key(k string) string {
	return c.prefix + k
}

// The memcache client has no context support; a context that is already
// done short-circuits the call and the client Timeout bounds the rest.

func (c *MemcacheCache) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	item, err := c.client.Get(c.key(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.Value, nil
}

func (c *MemcacheCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.client.Set(&memcache.Item{
		Key:        c.key(key),
		Value:      value,
		Expiration: memcacheExpiration(ttl, time.Now()),
	})
}

func (c *MemcacheCache) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := c.client.Add(&memcache.Item{
		Key:        c.key(key),
		Value:      value,
		Expiration: memcacheExpiration(ttl, time.Now()),
	})
	if errors.Is(err, memcache.ErrNotStored) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *MemcacheCache) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.client.Delete(c.key(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	return err
}

func (c *MemcacheCache) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.client.Ping()
}

// Close is a no-op; idle connections are reaped by the client.
func (c *MemcacheCache) Close() error { return nil }

// memcacheExpiration converts a TTL to memcached's expiration field.
// Sub-second TTLs round up to one second so they never mean "no expiry".
func memcacheExpiration(ttl time.Duration, now time.Time) int32 {
	if ttl <= 0 {
		return 0
	}
	if ttl > maxRelativeExpiration {
		return int32(now.Add(ttl).Unix())
	}
	secs := int32(ttl / time.Second)
	if ttl%time.Second != 0 {
		secs++
	}
	return secs
}
