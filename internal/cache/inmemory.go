package cache

import (
	"context"
	"sync"
	"time"
)

// DefaultEvictInterval is how often InMemoryCache sweeps expired entries.
const DefaultEvictInterval = 30 * time.Second

// InMemoryCache is a process-local Cache. It is the default backend when no
// shared store is configured and serves as the L1 of a TieredCache.
type InMemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	closed  bool
	done    chan struct{}
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// NewInMemoryCache creates an in-memory cache with periodic eviction.
func NewInMemoryCache() *InMemoryCache {
	return NewInMemoryCacheWithInterval(DefaultEvictInterval)
}

// NewInMemoryCacheWithInterval is NewInMemoryCache with a custom sweep interval.
func NewInMemoryCacheWithInterval(interval time.Duration) *InMemoryCache {
	if interval <= 0 {
		interval = DefaultEvictInterval
	}
	c := &InMemoryCache{
		entries: make(map[string]*memEntry),
		done:    make(chan struct{}),
	}
	go c.evictLoop(interval)
	return c
}

func (c *InMemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || entry.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return cloneBytes(entry.value), nil
}

func (c *InMemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.entries[key] = newMemEntry(value, ttl)
	return nil
}

func (c *InMemoryCache) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, nil
	}
	if entry, ok := c.entries[key]; ok && !entry.expired(time.Now()) {
		return false, nil
	}
	c.entries[key] = newMemEntry(value, ttl)
	return true, nil
}

func (c *InMemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *InMemoryCache) Ping(_ context.Context) error { return nil }

func (c *InMemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.entries = make(map[string]*memEntry)
	close(c.done)
	return nil
}

func (c *InMemoryCache) evictLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for key, entry := range c.entries {
				if entry.expired(now) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}

func newMemEntry(value []byte, ttl time.Duration) *memEntry {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	return &memEntry{value: cloneBytes(value), expiresAt: expiresAt}
}

func cloneBytes(b []byte) []byte {
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}
