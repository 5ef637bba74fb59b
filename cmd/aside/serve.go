package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/oriys/aside/internal/api"
	"github.com/oriys/aside/internal/config"
	"github.com/oriys/aside/internal/logging"
	"github.com/oriys/aside/internal/metrics"
	"github.com/oriys/aside/internal/observability"
	"github.com/oriys/aside/internal/ratelimit"
	"github.com/oriys/aside/internal/resolver"
)

func serveCmd(opts *rootOptions) *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP lookup service",
		Long:  "Serve GET /github/{username} through the cache, falling back to the GitHub API on a miss",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Server.Addr = listenAddr
			}

			ctx := context.Background()
			if err := observability.Init(ctx, observability.Config{
				Enabled:        cfg.Tracing.Enabled,
				Exporter:       cfg.Tracing.Exporter,
				Endpoint:       cfg.Tracing.Endpoint,
				ServiceName:    cfg.Tracing.ServiceName,
				ServiceVersion: version,
				SampleRate:     cfg.Tracing.SampleRate,
			}); err != nil {
				logging.Op().Warn("tracing disabled", "error", err)
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				observability.Shutdown(sctx)
			}()

			var metricsHandler http.Handler
			if cfg.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Metrics.Namespace, nil)
				metricsHandler = metrics.PrometheusHandler()
			}

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Backend().Close()

			coord := resolver.New(store, resolver.WithDefaultTTL(cfg.Cache.TTL))

			// The cache is optional: an unreachable store is logged and
			// the service starts in pass-through mode.
			hctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if coord.CheckStore(hctx) {
				logging.Op().Info("cache store reachable", "backend", cfg.Cache.Backend)
			} else {
				logging.Op().Warn("cache store unreachable, serving without cache until it recovers", "backend", cfg.Cache.Backend)
			}
			cancel()

			limiter, closeLimiter := newLimiter(cfg)
			defer closeLimiter()
			trusted, err := ratelimit.ParseTrustedProxies(cfg.RateLimit.TrustedProxies)
			if err != nil {
				return err
			}

			server := &http.Server{
				Addr: cfg.Server.Addr,
				Handler: api.NewServer(api.ServerConfig{
					Resolver:       coord,
					Origin:         newGitHubClient(cfg),
					TTL:            cfg.Cache.TTL,
					Store:          store,
					Limiter:        limiter,
					TrustedProxies: trusted,
					MetricsHandler: metricsHandler,
				}),
				ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
			}

			errCh := make(chan error, 1)
			go func() {
				logging.Op().Info("aside started", "addr", cfg.Server.Addr, "cache", cfg.Cache.Backend, "ttl", cfg.Cache.TTL)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logging.Op().Info("shutdown signal received", "signal", sig.String())
				sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(sctx); err != nil {
					return fmt.Errorf("shutdown: %w", err)
				}
				return nil
			case err := <-errCh:
				return fmt.Errorf("server error: %w", err)
			}
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", ":3000", "HTTP listen address")
	return cmd
}

// newLimiter builds the per-client limiter, or nil when disabled. The
// returned func releases the Redis connection used for shared buckets.
func newLimiter(cfg *config.Config) (*ratelimit.Limiter, func()) {
	if !cfg.RateLimit.Enabled {
		return nil, func() {}
	}
	limits := ratelimit.Config{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		BurstSize:         cfg.RateLimit.BurstSize,
	}
	if !cfg.RateLimit.Distributed || cfg.Redis.Addr == "" {
		return ratelimit.New(ratelimit.NewLocalBackend(), limits), func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Cache.OpTimeout,
		ReadTimeout:  cfg.Cache.OpTimeout,
		WriteTimeout: cfg.Cache.OpTimeout,
	})
	backend := ratelimit.NewFallbackBackend(ratelimit.NewRedisBackend(client, ""))
	logging.Op().Info("rate limiting enabled", "rps", limits.RequestsPerSecond, "burst", limits.BurstSize, "distributed", true)
	return ratelimit.New(backend, limits), func() { client.Close() }
}
