// Package metrics exposes lookup, origin and store instrumentation through
// Prometheus collectors and an always-on in-process snapshot.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the prometheus collectors for the service.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	lookupsTotal      *prometheus.CounterVec
	coalescedTotal    prometheus.Counter
	originFetchTotal  *prometheus.CounterVec
	originDuration    *prometheus.HistogramVec
	inflightFetches   prometheus.Gauge
	storeErrorsTotal  *prometheus.CounterVec
	storeWritesTotal  *prometheus.CounterVec
	storeDegraded     *prometheus.GaugeVec
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	breakerState      *prometheus.GaugeVec
	breakerTrips      *prometheus.CounterVec
}

// Default histogram buckets for origin and HTTP latency (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		lookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lookups_total",
				Help:      "Resolved lookups by result source",
			},
			[]string{"source"},
		),

		coalescedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coalesced_lookups_total",
				Help:      "Lookups that attached to another caller's in-flight origin fetch",
			},
		),

		originFetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "origin_fetches_total",
				Help:      "Origin fetches by outcome",
			},
			[]string{"outcome"},
		),

		originDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "origin_fetch_duration_milliseconds",
				Help:      "Duration of origin fetches in milliseconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),

		inflightFetches: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inflight_origin_fetches",
				Help:      "Origin fetches currently in flight",
			},
		),

		storeErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_errors_total",
				Help:      "Cache backend failures absorbed by the fail-open store",
			},
			[]string{"backend", "op"},
		),

		storeWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_writes_total",
				Help:      "Conditional cache writes by result (stored, raced, failed, skipped)",
			},
			[]string{"backend", "result"},
		),

		storeDegraded: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "store_degraded",
				Help:      "1 while the cache backend is bypassed after a failure",
			},
			[]string{"backend"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_milliseconds",
				Help:      "HTTP request latency in milliseconds",
				Buckets:   buckets,
			},
			[]string{"route"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"name"},
		),

		breakerTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"name", "to_state"},
		),
	}

	registry.MustRegister(
		pm.lookupsTotal,
		pm.coalescedTotal,
		pm.originFetchTotal,
		pm.originDuration,
		pm.inflightFetches,
		pm.storeErrorsTotal,
		pm.storeWritesTotal,
		pm.storeDegraded,
		pm.httpRequestsTotal,
		pm.httpDuration,
		pm.breakerState,
		pm.breakerTrips,
	)

	promMetrics = pm
}

// RecordLookup records a resolved lookup. source is "cache" or "origin".
func RecordLookup(source string) {
	if source == "cache" {
		global.CacheHits.Add(1)
	} else {
		global.CacheMisses.Add(1)
	}
	if promMetrics == nil {
		return
	}
	promMetrics.lookupsTotal.WithLabelValues(source).Inc()
}

// RecordCoalesced records a caller that shared another caller's fetch.
func RecordCoalesced() {
	global.Coalesced.Add(1)
	if promMetrics == nil {
		return
	}
	promMetrics.coalescedTotal.Inc()
}

// RecordOriginFetch records one origin fetch. outcome is "ok", "empty" or "error".
func RecordOriginFetch(outcome string, d time.Duration) {
	global.OriginFetches.Add(1)
	global.OriginMs.Add(d.Milliseconds())
	if outcome == "error" {
		global.OriginErrors.Add(1)
	}
	if promMetrics == nil {
		return
	}
	promMetrics.originFetchTotal.WithLabelValues(outcome).Inc()
	promMetrics.originDuration.WithLabelValues(outcome).Observe(float64(d.Microseconds()) / 1000)
}

// IncInflight increments the in-flight origin fetch gauge.
func IncInflight() {
	global.InflightNow.Add(1)
	if promMetrics == nil {
		return
	}
	promMetrics.inflightFetches.Inc()
}

// DecInflight decrements the in-flight origin fetch gauge.
func DecInflight() {
	global.InflightNow.Add(-1)
	if promMetrics == nil {
		return
	}
	promMetrics.inflightFetches.Dec()
}

// RecordStoreError records a cache backend failure.
func RecordStoreError(backend, op string) {
	global.StoreErrors.Add(1)
	if promMetrics == nil {
		return
	}
	promMetrics.storeErrorsTotal.WithLabelValues(backend, op).Inc()
}

// RecordStoreWrite records the result of a conditional cache write.
func RecordStoreWrite(backend, result string) {
	switch result {
	case "stored":
		global.WritesStored.Add(1)
	case "raced":
		global.WritesRaced.Add(1)
	case "failed":
		global.WritesFailed.Add(1)
	case "skipped":
		global.WritesSkipped.Add(1)
	}
	if promMetrics == nil {
		return
	}
	promMetrics.storeWritesTotal.WithLabelValues(backend, result).Inc()
}

// SetStoreDegraded sets the degraded gauge for a cache backend.
func SetStoreDegraded(backend string, degraded bool) {
	global.StoreDegraded.Store(degraded)
	if promMetrics == nil {
		return
	}
	v := 0.0
	if degraded {
		v = 1
	}
	promMetrics.storeDegraded.WithLabelValues(backend).Set(v)
}

// RecordHTTPRequest records a served HTTP request.
func RecordHTTPRequest(route string, code int, d time.Duration) {
	global.HTTPRequests.Add(1)
	if code >= 500 {
		global.HTTPErrors.Add(1)
	}
	if promMetrics == nil {
		return
	}
	promMetrics.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	promMetrics.httpDuration.WithLabelValues(route).Observe(float64(d.Microseconds()) / 1000)
}

// SetCircuitBreakerState sets the circuit breaker state gauge.
// state: 0=closed, 1=open, 2=half_open
func SetCircuitBreakerState(name string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker state transition.
func RecordCircuitBreakerTrip(name, toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.breakerTrips.WithLabelValues(name, toState).Inc()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors).
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
