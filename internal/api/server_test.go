package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriys/aside/internal/cache"
	"github.com/oriys/aside/internal/circuitbreaker"
	"github.com/oriys/aside/internal/github"
	"github.com/oriys/aside/internal/ratelimit"
	"github.com/oriys/aside/internal/resolver"
)

type stubOrigin struct {
	calls atomic.Int64
	delay time.Duration
	fn    func(login string) (json.RawMessage, error)
}

func (o *stubOrigin) FetchUser(_ context.Context, login string) (json.RawMessage, error) {
	o.calls.Add(1)
	if o.delay > 0 {
		time.Sleep(o.delay)
	}
	if o.fn != nil {
		return o.fn(login)
	}
	return json.RawMessage(`{"login":"` + login + `"}`), nil
}

type testEnv struct {
	srv    *httptest.Server
	origin *stubOrigin
	mem    *cache.InMemoryCache
	store  *cache.FailOpenStore
}

func newTestEnv(t *testing.T, origin *stubOrigin, mutate func(*ServerConfig)) *testEnv {
	t.Helper()
	mem := cache.NewInMemoryCache()
	t.Cleanup(func() { mem.Close() })
	store := cache.NewFailOpenStore(mem, cache.FailOpenOptions{Name: "memory"})

	cfg := ServerConfig{
		Resolver: resolver.New(store),
		Origin:   origin,
		TTL:      time.Hour,
		Store:    store,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := httptest.NewServer(NewServer(cfg))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, origin: origin, mem: mem, store: store}
}

func getJSON(t *testing.T, url string) (int, map[string]any, http.Header) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode, body, resp.Header
}

func TestUserLookup_OriginThenCache(t *testing.T) {
	env := newTestEnv(t, &stubOrigin{}, nil)

	code, body, hdr := getJSON(t, env.srv.URL+"/github/octocat")
	if code != http.StatusOK || body["source"] != "origin" {
		t.Fatalf("first lookup: code=%d body=%v", code, body)
	}
	data, _ := body["data"].(map[string]any)
	if data["login"] != "octocat" {
		t.Fatalf("unexpected data %v", body["data"])
	}
	if hdr.Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}

	code, body, _ = getJSON(t, env.srv.URL+"/github/octocat")
	if code != http.StatusOK || body["source"] != "cache" {
		t.Fatalf("second lookup: code=%d body=%v", code, body)
	}
	if env.origin.calls.Load() != 1 {
		t.Fatalf("expected 1 origin call, got %d", env.origin.calls.Load())
	}
}

func TestUserLookup_NormalizesUsername(t *testing.T) {
	env := newTestEnv(t, &stubOrigin{}, nil)

	getJSON(t, env.srv.URL+"/github/OctoCat")
	code, body, _ := getJSON(t, env.srv.URL+"/github/octocat")
	if code != http.StatusOK || body["source"] != "cache" {
		t.Fatalf("case variants should share a cache entry: code=%d body=%v", code, body)
	}
	if _, err := env.mem.Get(context.Background(), UserKey("octocat")); err != nil {
		t.Fatalf("expected normalized key in store: %v", err)
	}
}

func TestUserLookup_ConcurrentRequestsCoalesce(t *testing.T) {
	env := newTestEnv(t, &stubOrigin{delay: 150 * time.Millisecond}, nil)

	const n = 20
	var wg sync.WaitGroup
	codes := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := http.Get(env.srv.URL + "/github/torvalds")
			if err != nil {
				return
			}
			resp.Body.Close()
			codes[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	for i, c := range codes {
		if c != http.StatusOK {
			t.Fatalf("request %d: status %d", i, c)
		}
	}
	if got := env.origin.calls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 origin call, got %d", got)
	}
}

func TestUserLookup_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
		msg  string
	}{
		{"not found", github.ErrUserNotFound, http.StatusNotFound, "user not found"},
		{"rate limited", &github.RateLimitError{Reset: time.Now().Add(time.Minute)}, http.StatusTooManyRequests, "Upstream rate limit exceeded"},
		{"breaker open", circuitbreaker.ErrOpen, http.StatusServiceUnavailable, "Upstream unavailable"},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, "Upstream timeout"},
		{"status error", &github.StatusError{StatusCode: 502}, http.StatusInternalServerError, "Internal Server Error"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "Internal Server Error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			origin := &stubOrigin{fn: func(string) (json.RawMessage, error) { return nil, tc.err }}
			env := newTestEnv(t, origin, nil)

			code, body, _ := getJSON(t, env.srv.URL+"/github/octocat")
			if code != tc.code || body["error"] != tc.msg {
				t.Fatalf("got %d %v, want %d %q", code, body, tc.code, tc.msg)
			}
			if env.mem.Len() != 0 {
				t.Fatal("failed lookups must not be cached")
			}
		})
	}
}

func TestUserLookup_RateLimitedSetsRetryAfter(t *testing.T) {
	origin := &stubOrigin{fn: func(string) (json.RawMessage, error) {
		return nil, &github.RateLimitError{Reset: time.Now().Add(90 * time.Second)}
	}}
	env := newTestEnv(t, origin, nil)

	_, _, hdr := getJSON(t, env.srv.URL+"/github/octocat")
	if hdr.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestUserLookup_InvalidUsername(t *testing.T) {
	env := newTestEnv(t, &stubOrigin{}, nil)

	for _, name := range []string{"-bad", "dou--ble", strings.Repeat("x", 40)} {
		code, body, _ := getJSON(t, env.srv.URL+"/github/"+name)
		if code != http.StatusBadRequest || body["error"] != "Invalid username" {
			t.Fatalf("%q: got %d %v", name, code, body)
		}
	}
	if env.origin.calls.Load() != 0 {
		t.Fatal("invalid usernames must not reach the origin")
	}
}

func TestUserLookup_StoreDownStillServes(t *testing.T) {
	origin := &stubOrigin{}
	broken := cache.NewRedisCache(cache.RedisCacheConfig{Addr: "127.0.0.1:1", Timeout: 50 * time.Millisecond})
	t.Cleanup(func() { broken.Close() })
	store := cache.NewFailOpenStore(broken, cache.FailOpenOptions{Name: "redis", OpTimeout: 100 * time.Millisecond, ProbeInterval: time.Hour})

	srv := httptest.NewServer(NewServer(ServerConfig{
		Resolver: resolver.New(store),
		Origin:   origin,
		TTL:      time.Hour,
		Store:    store,
	}))
	defer srv.Close()

	for i := 0; i < 2; i++ {
		code, body, _ := getJSON(t, srv.URL+"/github/octocat")
		if code != http.StatusOK || body["source"] != "origin" {
			t.Fatalf("lookup %d: code=%d body=%v", i, code, body)
		}
	}

	code, body, _ := getJSON(t, srv.URL+"/health/ready")
	if code != http.StatusOK || body["cache"] != "degraded" {
		t.Fatalf("readiness should report degraded cache with 200: code=%d body=%v", code, body)
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, &stubOrigin{}, nil)

	code, body, _ := getJSON(t, env.srv.URL+"/health/live")
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("live: %d %v", code, body)
	}
	code, body, _ = getJSON(t, env.srv.URL+"/health/ready")
	if code != http.StatusOK || body["cache"] != "ok" {
		t.Fatalf("ready: %d %v", code, body)
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t, &stubOrigin{}, nil)

	code, body, hdr := getJSON(t, env.srv.URL+"/nope")
	if code != http.StatusNotFound || body["error"] != "Page not found" {
		t.Fatalf("got %d %v", code, body)
	}
	if hdr.Get("X-Request-ID") == "" {
		t.Fatal("unmatched routes should still get a request ID")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, &stubOrigin{}, nil)

	resp, err := http.Post(env.srv.URL+"/github/octocat", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestPanicRecovery(t *testing.T) {
	origin := &stubOrigin{fn: func(string) (json.RawMessage, error) { panic("kaboom") }}
	env := newTestEnv(t, origin, nil)

	// The coordinator converts a fetch panic into an error.
	code, body, _ := getJSON(t, env.srv.URL+"/github/octocat")
	if code != http.StatusInternalServerError || body["error"] != "Internal Server Error" {
		t.Fatalf("got %d %v", code, body)
	}

	h := requestMiddleware(recoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("handler bug")
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), "Something went wrong!") {
		t.Fatalf("got %d %s", rec.Code, rec.Body.String())
	}
}

func TestRequestIDPropagated(t *testing.T) {
	env := newTestEnv(t, &stubOrigin{}, nil)

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/health/live", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "abc-123" {
		t.Fatalf("expected caller's request ID, got %q", got)
	}
}

func TestLookupRateLimited(t *testing.T) {
	env := newTestEnv(t, &stubOrigin{}, func(cfg *ServerConfig) {
		cfg.Limiter = ratelimit.New(ratelimit.NewLocalBackend(), ratelimit.Config{RequestsPerSecond: 0.01, BurstSize: 1})
	})

	code, _, _ := getJSON(t, env.srv.URL+"/github/octocat")
	if code != http.StatusOK {
		t.Fatalf("first lookup: %d", code)
	}
	code, body, _ := getJSON(t, env.srv.URL+"/github/octocat")
	if code != http.StatusTooManyRequests || body["error"] != "Too many requests" {
		t.Fatalf("second lookup: %d %v", code, body)
	}

	// Health checks are not throttled.
	if code, _, _ := getJSON(t, env.srv.URL+"/health/live"); code != http.StatusOK {
		t.Fatalf("health should bypass the limiter, got %d", code)
	}
}

func TestLookupRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	trusted, err := ratelimit.ParseTrustedProxies([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatal(err)
	}
	env := newTestEnv(t, &stubOrigin{}, func(cfg *ServerConfig) {
		cfg.Limiter = ratelimit.New(ratelimit.NewLocalBackend(), ratelimit.Config{RequestsPerSecond: 0.001, BurstSize: 1})
		cfg.TrustedProxies = trusted
	})

	allowed := 0
	for i := 0; i < 10; i++ {
		req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/github/octocat", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113."+strconv.Itoa(i))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			allowed++
		}
	}
	if allowed != 1 {
		t.Fatalf("loopback peer is not a trusted proxy, expected 1 allowed, got %d", allowed)
	}
}

func TestStatsEndpoint(t *testing.T) {
	env := newTestEnv(t, &stubOrigin{}, nil)
	code, body, _ := getJSON(t, env.srv.URL+"/stats")
	if code != http.StatusOK {
		t.Fatalf("stats: %d", code)
	}
	if _, ok := body["hit_ratio"]; !ok {
		t.Fatalf("expected hit_ratio in stats, got %v", body)
	}
}
