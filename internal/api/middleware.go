package api

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/oriys/aside/internal/logging"
	"github.com/oriys/aside/internal/metrics"
	"github.com/oriys/aside/internal/observability"
)

const requestIDHeader = "X-Request-ID"

// requestMiddleware assigns a request ID, attaches a request-scoped logger
// and records access metrics.
func requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, reqID)

		ctx := r.Context()
		log := logging.WithRequest(reqID, observability.GetTraceID(ctx), observability.GetSpanID(ctx))
		r = r.WithContext(logging.WithContext(ctx, log))

		rec := observability.NewStatusRecorder(w)
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		metrics.RecordHTTPRequest(routeName(r), rec.Status, elapsed)
		log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.Status,
			"bytes", rec.BytesWritten,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

// recoverMiddleware turns a handler panic into a 500.
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				logging.FromContext(r.Context()).Error("handler panic",
					"panic", p,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				writeJSONError(w, http.StatusInternalServerError, "Something went wrong!")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// routeName keeps metric label cardinality bounded.
func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if name := route.GetName(); name != "" {
			return name
		}
	}
	return "unmatched"
}
