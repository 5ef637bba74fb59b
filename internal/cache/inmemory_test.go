package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestInMemoryCache_SetAndGet(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "key1", []byte("value1"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	val, err := c.Get(ctx, "key1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(val) != "value1" {
		t.Fatalf("expected 'value1', got '%s'", string(val))
	}
}

func TestInMemoryCache_GetMissing(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()

	_, err := c.Get(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
}

func TestInMemoryCache_Expiry(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "expiring", []byte("value"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := c.Get(ctx, "expiring"); err != nil {
		t.Fatalf("Get failed immediately after set: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if _, err := c.Get(ctx, "expiring"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got: %v", err)
	}
}

func TestInMemoryCache_SetIfAbsent(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()
	ctx := context.Background()

	ok, err := c.SetIfAbsent(ctx, "k", []byte("first"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetIfAbsent should store, got ok=%v err=%v", ok, err)
	}
	ok, err = c.SetIfAbsent(ctx, "k", []byte("second"), time.Minute)
	if err != nil || ok {
		t.Fatalf("second SetIfAbsent should be refused, got ok=%v err=%v", ok, err)
	}

	val, _ := c.Get(ctx, "k")
	if string(val) != "first" {
		t.Fatalf("first writer must win, got %q", val)
	}
}

func TestInMemoryCache_SetIfAbsentAfterExpiry(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()
	ctx := context.Background()

	_, _ = c.SetIfAbsent(ctx, "k", []byte("old"), 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	ok, err := c.SetIfAbsent(ctx, "k", []byte("new"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("expired entry should not block a conditional write, got ok=%v err=%v", ok, err)
	}
	val, _ := c.Get(ctx, "k")
	if string(val) != "new" {
		t.Fatalf("expected 'new', got %q", val)
	}
}

func TestInMemoryCache_SetIfAbsentConcurrent(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()
	ctx := context.Background()

	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := c.SetIfAbsent(ctx, "race", []byte("v"), time.Minute); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winning writer, got %d", wins.Load())
	}
}

func TestInMemoryCache_Delete(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()
	ctx := context.Background()

	_ = c.Set(ctx, "del-key", []byte("value"), time.Minute)
	if err := c.Delete(ctx, "del-key"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := c.Get(ctx, "del-key"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got: %v", err)
	}
	if err := c.Delete(ctx, "nonexistent"); err != nil {
		t.Fatalf("Delete non-existent should not fail: %v", err)
	}
}

func TestInMemoryCache_EvictLoop(t *testing.T) {
	c := NewInMemoryCacheWithInterval(5 * time.Millisecond)
	defer c.Close()

	_ = c.Set(context.Background(), "short", []byte("v"), time.Millisecond)
	deadline := time.Now().Add(time.Second)
	for c.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Len() != 0 {
		t.Fatalf("expected expired entry to be swept, %d remain", c.Len())
	}
}

func TestInMemoryCache_ValueIsolation(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()
	ctx := context.Background()

	original := []byte("original")
	_ = c.Set(ctx, "iso", original, time.Minute)
	original[0] = 'X'

	val, _ := c.Get(ctx, "iso")
	if string(val) != "original" {
		t.Fatal("cache should store a copy, not reference to original slice")
	}

	val[0] = 'Z'
	val2, _ := c.Get(ctx, "iso")
	if string(val2) != "original" {
		t.Fatal("cache should return a copy, not reference to internal slice")
	}
}

func TestInMemoryCache_ZeroTTL(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "forever", []byte("value"), 0); err != nil {
		t.Fatalf("Set with zero TTL failed: %v", err)
	}
	if _, err := c.Get(ctx, "forever"); err != nil {
		t.Fatalf("Get with zero TTL failed: %v", err)
	}
}

func TestInMemoryCache_CloseIsIdempotent(t *testing.T) {
	c := NewInMemoryCache()
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if ok, _ := c.SetIfAbsent(context.Background(), "k", []byte("v"), time.Minute); ok {
		t.Fatal("closed cache should refuse writes")
	}
}
