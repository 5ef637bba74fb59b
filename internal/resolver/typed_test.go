package resolver

import (
	"context"
	"testing"
	"time"
)

type user struct {
	Login string `json:"login"`
	ID    int    `json:"id"`
}

func TestResolveJSON_RoundTrip(t *testing.T) {
	_, store := newMemoryStore(t)
	c := New(store)
	calls := 0
	fetch := func(context.Context) (user, error) {
		calls++
		return user{Login: "octocat", ID: 583231}, nil
	}

	u, src, err := ResolveJSON(context.Background(), c, "octocat", fetch, time.Minute)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if src != SourceOrigin || u.Login != "octocat" {
		t.Fatalf("unexpected first result %+v from %s", u, src)
	}

	u, src, err = ResolveJSON(context.Background(), c, "octocat", fetch, time.Minute)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if src != SourceCache || u.ID != 583231 {
		t.Fatalf("unexpected cached result %+v from %s", u, src)
	}
	if calls != 1 {
		t.Fatalf("expected one fetch, got %d", calls)
	}
}

func TestResolveJSON_DecodeError(t *testing.T) {
	mem, store := newMemoryStore(t)
	_ = mem.Set(context.Background(), "bad", []byte("not json"), time.Minute)
	c := New(store)

	_, src, err := ResolveJSON(context.Background(), c, "bad", func(context.Context) (user, error) {
		return user{}, nil
	}, time.Minute)
	if err == nil {
		t.Fatal("expected decode error for corrupt cached value")
	}
	if src != SourceCache {
		t.Fatalf("expected source to be reported, got %q", src)
	}
}
