package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oriys/aside/internal/cache"
	"github.com/oriys/aside/internal/circuitbreaker"
	"github.com/oriys/aside/internal/config"
	"github.com/oriys/aside/internal/github"
	"github.com/oriys/aside/internal/logging"
)

// rootOptions holds persistent flags shared by every subcommand.
type rootOptions struct {
	configPath      string
	backend         string
	redisAddr       string
	redisPass       string
	redisDB         int
	memcacheServers []string
	logLevel        string
}

// loadConfig merges defaults, the config file, ASIDE_* variables and
// explicitly set flags, then validates the result.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if opts.configPath != "" {
		loaded, err := config.LoadFromFile(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("cache") {
		cfg.Cache.Backend = opts.backend
	}
	if flags.Changed("redis") {
		cfg.Redis.Addr = opts.redisAddr
	}
	if flags.Changed("redis-pass") {
		cfg.Redis.Password = opts.redisPass
	}
	if flags.Changed("redis-db") {
		cfg.Redis.DB = opts.redisDB
	}
	if flags.Changed("memcache") {
		cfg.Memcache.Servers = opts.memcacheServers
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logging.InitStructured(cfg.Log.Format, cfg.Log.Level)
	return cfg, nil
}

// openStore builds the configured backend wrapped in the fail-open guard.
func openStore(cfg *config.Config) (*cache.FailOpenStore, error) {
	backend, err := cache.Open(cache.OpenOptions{
		Kind: cfg.Cache.Backend,
		Redis: cache.RedisCacheConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			Timeout:   cfg.Cache.OpTimeout,
		},
		Memcache: cache.MemcacheCacheConfig{
			Servers:   cfg.Memcache.Servers,
			KeyPrefix: cfg.Memcache.KeyPrefix,
			Timeout:   cfg.Cache.OpTimeout,
		},
		L1TTL: cfg.Cache.L1TTL,
	})
	if err != nil {
		return nil, err
	}
	return cache.NewFailOpenStore(backend, cache.FailOpenOptions{
		Name:          cfg.Cache.Backend,
		OpTimeout:     cfg.Cache.OpTimeout,
		ProbeInterval: cfg.Cache.ProbeInterval,
	}), nil
}

func newGitHubClient(cfg *config.Config) *github.Client {
	return github.NewClient(github.Config{
		BaseURL:   cfg.GitHub.BaseURL,
		Token:     cfg.GitHub.Token,
		UserAgent: cfg.GitHub.UserAgent,
		Timeout:   cfg.GitHub.Timeout,
		Breaker: circuitbreaker.Config{
			ErrorPct:       cfg.Breaker.ErrorPct,
			MinRequests:    cfg.Breaker.MinRequests,
			WindowDuration: cfg.Breaker.Window,
			OpenDuration:   cfg.Breaker.OpenDuration,
			HalfOpenProbes: cfg.Breaker.HalfOpenProbes,
		},
	})
}

// normalizeLogin applies the same normalization as the HTTP handler.
func normalizeLogin(login string) (string, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	if !github.ValidLogin(login) {
		return "", fmt.Errorf("%w: %q", github.ErrInvalidLogin, login)
	}
	return login, nil
}
