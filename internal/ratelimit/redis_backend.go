package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// bucketScript refills and drains one bucket in a single round trip.
//
// KEYS[1] bucket key
// ARGV[1] capacity, ARGV[2] refill per second, ARGV[3] cost, ARGV[4] now (unix µs)
// Reply: {allowed (0/1), remaining tokens}
var bucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "t", "ts")
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now

if now > ts then
    tokens = math.min(capacity, tokens + (now - ts) / 1000000.0 * rate)
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", KEYS[1], "t", tostring(tokens), "ts", tostring(now))
local idle = math.max(60, math.ceil(capacity / rate * 2))
redis.call("EXPIRE", KEYS[1], idle)

return {allowed, math.floor(tokens)}
`)

// RedisBackend shares token buckets between every process pointing at the
// same Redis, so the per-client budget holds across replicas.
type RedisBackend struct {
	client redis.Scripter
	prefix string
}

// NewRedisBackend creates a Redis-backed rate limiting backend. An empty
// prefix defaults to "aside:rl:".
func NewRedisBackend(client redis.Scripter, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "aside:rl:"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

// CheckRateLimit runs the bucket script against prefix+key.
func (b *RedisBackend) CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error) {
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + key},
		maxTokens, refillRate, requested, nowMicros(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis rate limit check: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("redis rate limit check: unexpected reply length %d", len(res))
	}
	return res[0] == 1, int(res[1]), nil
}

var nowMicros = func() int64 {
	return time.Now().UnixMicro()
}
