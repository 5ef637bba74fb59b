package cache

import (
	"fmt"
	"time"
)

// Backend names accepted by Open.
const (
	KindMemory   = "memory"
	KindRedis    = "redis"
	KindMemcache = "memcache"
	KindTiered   = "tiered"
)

// OpenOptions describes which backend to build.
type OpenOptions struct {
	Kind     string
	Redis    RedisCacheConfig
	Memcache MemcacheCacheConfig
	L1TTL    time.Duration // tiered only
}

// Open builds the backend named by opts.Kind. Construction never dials, so
// an unreachable server is reported by the first operation, not here.
func Open(opts OpenOptions) (Cache, error) {
	switch opts.Kind {
	case KindMemory:
		return NewInMemoryCache(), nil
	case KindRedis:
		return NewRedisCache(opts.Redis), nil
	case KindMemcache:
		if len(opts.Memcache.Servers) == 0 {
			return nil, fmt.Errorf("memcache backend: no servers configured")
		}
		return NewMemcacheCache(opts.Memcache), nil
	case KindTiered:
		return NewTieredCache(NewInMemoryCache(), NewRedisCache(opts.Redis), opts.L1TTL), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", opts.Kind)
	}
}
