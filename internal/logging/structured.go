package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// InitStructured reconfigures the operational logger.
// format: "text" (default) or "json"
// level: "debug", "info", "warn", "error"
func InitStructured(format, level string) {
	InitStructuredTo(os.Stderr, format, level)
}

// InitStructuredTo is InitStructured with an explicit destination.
func InitStructuredTo(w io.Writer, format, level string) {
	SetLevelFromString(level)

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	opLogger.Store(slog.New(handler))
}

type ctxKey struct{}

// WithContext returns a copy of ctx carrying l.
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the request-scoped logger stored in ctx, falling back
// to the operational logger.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return Op()
}

// WithRequest returns the operational logger annotated with request and
// trace identifiers. Empty values are omitted.
func WithRequest(requestID, traceID, spanID string) *slog.Logger {
	l := opLogger.Load()
	var args []any
	if requestID != "" {
		args = append(args, "request_id", requestID)
	}
	if traceID != "" {
		args = append(args, "trace_id", traceID)
		if spanID != "" {
			args = append(args, "span_id", spanID)
		}
	}
	if len(args) == 0 {
		return l
	}
	return l.With(args...)
}
