// Package api exposes the cache-aside lookup over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/oriys/aside/internal/cache"
	"github.com/oriys/aside/internal/circuitbreaker"
	"github.com/oriys/aside/internal/github"
	"github.com/oriys/aside/internal/logging"
	"github.com/oriys/aside/internal/metrics"
	"github.com/oriys/aside/internal/observability"
	"github.com/oriys/aside/internal/ratelimit"
	"github.com/oriys/aside/internal/resolver"
)

// UserFetcher is the origin for user documents.
type UserFetcher interface {
	FetchUser(ctx context.Context, login string) (json.RawMessage, error)
}

// ServerConfig contains dependencies for the HTTP server.
type ServerConfig struct {
	Resolver *resolver.Coordinator
	Origin   UserFetcher
	TTL      time.Duration

	// Store is reported by the readiness probe. Optional.
	Store *cache.FailOpenStore
	// Limiter throttles lookups per client. Optional.
	Limiter *ratelimit.Limiter
	// TrustedProxies may set the client address via forwarding headers.
	TrustedProxies *ratelimit.TrustedProxies
	// MetricsHandler serves /metrics. Optional.
	MetricsHandler http.Handler
}

// Server routes HTTP requests to the coordinator.
type Server struct {
	cfg     ServerConfig
	router  *mux.Router
	handler http.Handler
}

// NewServer builds the router and middleware chain.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{cfg: cfg, router: mux.NewRouter()}

	lookup := http.Handler(http.HandlerFunc(s.handleUser))
	if cfg.Limiter != nil {
		lookup = ratelimit.Middleware(cfg.Limiter, cfg.TrustedProxies)(lookup)
	}
	s.router.Handle("/github/{username}", lookup).Methods(http.MethodGet).Name("github_user")
	s.router.HandleFunc("/health/live", s.handleLive).Methods(http.MethodGet).Name("health_live")
	s.router.HandleFunc("/health/ready", s.handleReady).Methods(http.MethodGet).Name("health_ready")
	s.router.Handle("/stats", metrics.StatsHandler()).Methods(http.MethodGet).Name("stats")
	if cfg.MetricsHandler != nil {
		s.router.Handle("/metrics", cfg.MetricsHandler).Methods(http.MethodGet).Name("metrics")
	}

	// Router middleware only runs for matched routes.
	s.router.NotFoundHandler = requestMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "Page not found")
	}))
	s.router.MethodNotAllowedHandler = requestMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}))

	s.router.Use(requestMiddleware, recoverMiddleware)

	// Tracing wraps the whole router so unmatched routes get a span too.
	s.handler = observability.HTTPMiddleware(s.router)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type userResponse struct {
	Source string          `json:"source"`
	Data   json.RawMessage `json:"data"`
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	login := strings.ToLower(strings.TrimSpace(mux.Vars(r)["username"]))
	if !github.ValidLogin(login) {
		writeJSONError(w, http.StatusBadRequest, "Invalid username")
		return
	}

	res, err := s.cfg.Resolver.Resolve(r.Context(), UserKey(login), func(ctx context.Context) ([]byte, error) {
		return s.cfg.Origin.FetchUser(ctx, login)
	}, s.cfg.TTL)
	if err != nil {
		status, msg := errorStatus(err)
		log := logging.FromContext(r.Context())
		if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
			log.Warn("lookup failed", "login", login, "error", err)
		} else {
			log.Debug("lookup rejected", "login", login, "error", err)
		}
		var rl *github.RateLimitError
		if errors.As(err, &rl) && !rl.Reset.IsZero() {
			if secs := int(time.Until(rl.Reset).Seconds()); secs > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
		}
		writeJSONError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, userResponse{Source: res.Source.String(), Data: json.RawMessage(res.Value)})
}

// UserKey is the cache key for a normalized login.
func UserKey(login string) string {
	return "github:user:" + login
}

// errorStatus maps a lookup error to an HTTP status and client message.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, github.ErrUserNotFound):
		return http.StatusNotFound, "user not found"
	case errors.Is(err, github.ErrInvalidLogin):
		return http.StatusBadRequest, "Invalid username"
	case errors.Is(err, github.ErrRateLimited):
		return http.StatusTooManyRequests, "Upstream rate limit exceeded"
	case errors.Is(err, circuitbreaker.ErrOpen):
		return http.StatusServiceUnavailable, "Upstream unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Upstream timeout"
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady always answers 200: the cache is optional, so a degraded
// store only changes the reported state.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.cfg.Store != nil {
		state := "ok"
		if s.cfg.Store.Degraded() {
			state = "degraded"
			body["status"] = "degraded"
		}
		body["cache"] = state
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
