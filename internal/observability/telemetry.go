package observability

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config mirrors the tracing section of the service config.
type Config struct {
	Enabled        bool
	Exporter       string // otlp-http (default) or none
	Endpoint       string // host:port of the OTLP HTTP collector
	ServiceName    string
	ServiceVersion string
	SampleRate     float64 // fraction of new root traces kept
}

// tracing is swapped atomically so spans started concurrently with Init or
// Shutdown always see a usable tracer.
type tracing struct {
	tp     *sdktrace.TracerProvider // nil when disabled
	tracer trace.Tracer
}

var active atomic.Pointer[tracing]

func init() {
	active.Store(disabled())
}

func disabled() *tracing {
	return &tracing{tracer: noop.NewTracerProvider().Tracer("")}
}

// Init installs the tracer provider described by cfg. A disabled config
// leaves a noop tracer in place, so span helpers never need a nil check.
func Init(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		active.Store(disabled())
		return nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return err
	}

	name := cfg.ServiceName
	if name == "" {
		name = "aside"
	}
	version := cfg.ServiceVersion
	if version == "" {
		version = "dev"
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(name),
			semconv.ServiceVersion(version),
		)),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	active.Store(&tracing{tp: tp, tracer: tp.Tracer(name)})
	return nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "otlp", "":
		exp, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create OTLP exporter: %w", err)
		}
		return exp, nil
	case "none":
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
}

// sampler keeps every trace at rate >= 1 and otherwise samples new roots by
// trace ID while following the caller's decision for propagated traces.
func sampler(rate float64) sdktrace.Sampler {
	if rate >= 1 || rate < 0 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Shutdown flushes pending spans and reverts to the noop tracer.
func Shutdown(ctx context.Context) error {
	prev := active.Swap(disabled())
	if prev.tp == nil {
		return nil
	}
	return prev.tp.Shutdown(ctx)
}

// Tracer returns the active tracer.
func Tracer() trace.Tracer {
	return active.Load().tracer
}

// Enabled reports whether a real tracer provider is installed.
func Enabled() bool {
	return active.Load().tp != nil
}

// discardExporter samples and propagates spans but never ships them.
type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                            { return nil }
