package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/oriys/aside/internal/logging"
)

// Middleware rejects requests from clients that exhausted their bucket with
// 429. Backend errors let the request through. Clients are keyed by
// trusted.ClientIP; a nil trusted keys on the connection address only.
func Middleware(limiter *Limiter, trusted *TrustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := limiter.Allow(r.Context(), KeyForIP(trusted.ClientIP(r)))
			if err != nil {
				logging.FromContext(r.Context()).Debug("rate limit check failed, allowing", "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed {
				retryAfter := int(time.Until(res.ResetAt).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"Too many requests"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
