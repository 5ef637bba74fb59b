package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ResolveJSON is Resolve for JSON-encodable values. fetch produces a T, which
// is encoded for storage; cached bytes are decoded back into a T.
func ResolveJSON[T any](ctx context.Context, c *Coordinator, key string, fetch func(context.Context) (T, error), ttl time.Duration) (T, Source, error) {
	var zero T
	res, err := c.Resolve(ctx, key, func(ctx context.Context) ([]byte, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	}, ttl)
	if err != nil {
		return zero, "", err
	}

	var out T
	if err := json.Unmarshal(res.Value, &out); err != nil {
		return zero, res.Source, fmt.Errorf("decode cached value for %q: %w", key, err)
	}
	return out, res.Source, nil
}
