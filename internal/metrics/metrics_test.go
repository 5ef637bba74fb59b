package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSnapshotHitRatio(t *testing.T) {
	global.Reset()
	defer global.Reset()

	RecordLookup("cache")
	RecordLookup("cache")
	RecordLookup("cache")
	RecordLookup("origin")
	RecordOriginFetch("ok", 40*time.Millisecond)
	RecordOriginFetch("error", 20*time.Millisecond)

	snap := Global().Snapshot()
	if snap.CacheHits != 3 || snap.CacheMisses != 1 {
		t.Fatalf("unexpected hit/miss counts: %+v", snap)
	}
	if snap.HitRatio != 0.75 {
		t.Fatalf("expected hit ratio 0.75, got %v", snap.HitRatio)
	}
	if snap.OriginErrors != 1 {
		t.Fatalf("expected 1 origin error, got %d", snap.OriginErrors)
	}
	if snap.AvgOriginMs != 30 {
		t.Fatalf("expected avg origin 30ms, got %v", snap.AvgOriginMs)
	}
}

func TestStoreWriteCounters(t *testing.T) {
	global.Reset()
	defer global.Reset()

	RecordStoreWrite("memory", "stored")
	RecordStoreWrite("memory", "raced")
	RecordStoreWrite("memory", "raced")
	RecordStoreWrite("memory", "skipped")
	SetStoreDegraded("memory", true)

	snap := Global().Snapshot()
	if snap.WritesStored != 1 || snap.WritesRaced != 2 || snap.WritesSkipped != 1 {
		t.Fatalf("unexpected write counters: %+v", snap)
	}
	if !snap.StoreDegraded {
		t.Fatal("expected degraded flag to be set")
	}
}

func TestStatsHandler(t *testing.T) {
	global.Reset()
	defer global.Reset()
	RecordLookup("origin")

	rec := httptest.NewRecorder()
	StatsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.CacheMisses != 1 {
		t.Fatalf("expected 1 miss, got %d", snap.CacheMisses)
	}
}

func TestPrometheusHandlerExposesLookups(t *testing.T) {
	InitPrometheus("aside_test", nil)
	defer func() { promMetrics = nil }()

	RecordLookup("cache")
	RecordStoreWrite("redis", "raced")

	srv := httptest.NewServer(PrometheusHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`aside_test_lookups_total{source="cache"} 1`,
		`aside_test_store_writes_total{backend="redis",result="raced"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("expected %q in scrape output", want)
		}
	}
}
