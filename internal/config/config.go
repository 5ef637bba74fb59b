// Package config loads service configuration from defaults, an optional YAML
// file and ASIDE_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Cache backends accepted by CacheConfig.Backend.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendMemcache = "memcache"
	BackendTiered   = "tiered"
)

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// CacheConfig selects the cache backend and its fail-open behaviour.
type CacheConfig struct {
	Backend       string        `yaml:"backend"` // memory, redis, memcache, tiered
	TTL           time.Duration `yaml:"ttl"`
	OpTimeout     time.Duration `yaml:"op_timeout"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	L1TTL         time.Duration `yaml:"l1_ttl"` // tiered only
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// MemcacheConfig holds memcached connection settings.
type MemcacheConfig struct {
	Servers   []string `yaml:"servers"`
	KeyPrefix string   `yaml:"key_prefix"`
}

// GitHubConfig configures the origin client.
type GitHubConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Token     string        `yaml:"token"`
	UserAgent string        `yaml:"user_agent"`
	Timeout   time.Duration `yaml:"timeout"`
}

// BreakerConfig configures the circuit breaker in front of the origin.
// ErrorPct 0 disables it.
type BreakerConfig struct {
	ErrorPct       float64       `yaml:"error_pct"`
	MinRequests    int           `yaml:"min_requests"`
	Window         time.Duration `yaml:"window"`
	OpenDuration   time.Duration `yaml:"open_duration"`
	HalfOpenProbes int           `yaml:"half_open_probes"`
}

// RateLimitConfig throttles lookups per client address.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
	Distributed       bool    `yaml:"distributed"` // share buckets through Redis

	// TrustedProxies are CIDRs or addresses whose X-Forwarded-For and
	// X-Real-IP headers are believed. Empty keys clients on the peer address.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// LogConfig controls the operational logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Config is the central configuration struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Cache     CacheConfig     `yaml:"cache"`
	Redis     RedisConfig     `yaml:"redis"`
	Memcache  MemcacheConfig  `yaml:"memcache"`
	GitHub    GitHubConfig    `yaml:"github"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Log       LogConfig       `yaml:"log"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":3000",
			ShutdownTimeout:   10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
		},
		Cache: CacheConfig{
			Backend:       BackendRedis,
			TTL:           time.Hour,
			OpTimeout:     250 * time.Millisecond,
			ProbeInterval: 5 * time.Second,
			L1TTL:         10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "aside:cache:",
		},
		Memcache: MemcacheConfig{
			Servers:   []string{"localhost:11211"},
			KeyPrefix: "aside:",
		},
		GitHub: GitHubConfig{
			BaseURL:   "https://api.github.com",
			UserAgent: "aside",
			Timeout:   10 * time.Second,
		},
		Breaker: BreakerConfig{
			ErrorPct:       50,
			MinRequests:    10,
			Window:         30 * time.Second,
			OpenDuration:   15 * time.Second,
			HalfOpenProbes: 1,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerSecond: 5,
			BurstSize:         20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "aside",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "aside",
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
// Malformed numeric or duration values are reported and leave the field
// unchanged.
func LoadFromEnv(cfg *Config) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if v := os.Getenv(name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = f
		}
	}
	flag := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}

	str("ASIDE_HTTP_ADDR", &cfg.Server.Addr)
	dur("ASIDE_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	str("ASIDE_CACHE_BACKEND", &cfg.Cache.Backend)
	dur("ASIDE_CACHE_TTL", &cfg.Cache.TTL)
	dur("ASIDE_CACHE_OP_TIMEOUT", &cfg.Cache.OpTimeout)
	dur("ASIDE_CACHE_PROBE_INTERVAL", &cfg.Cache.ProbeInterval)
	dur("ASIDE_CACHE_L1_TTL", &cfg.Cache.L1TTL)

	str("ASIDE_REDIS_ADDR", &cfg.Redis.Addr)
	str("ASIDE_REDIS_PASSWORD", &cfg.Redis.Password)
	num("ASIDE_REDIS_DB", &cfg.Redis.DB)
	str("ASIDE_REDIS_KEY_PREFIX", &cfg.Redis.KeyPrefix)

	if v := os.Getenv("ASIDE_MEMCACHE_SERVERS"); v != "" {
		cfg.Memcache.Servers = splitList(v)
	}

	str("ASIDE_GITHUB_BASE_URL", &cfg.GitHub.BaseURL)
	str("ASIDE_GITHUB_TOKEN", &cfg.GitHub.Token)
	dur("ASIDE_GITHUB_TIMEOUT", &cfg.GitHub.Timeout)

	float("ASIDE_BREAKER_ERROR_PCT", &cfg.Breaker.ErrorPct)

	flag("ASIDE_RATELIMIT_ENABLED", &cfg.RateLimit.Enabled)
	float("ASIDE_RATELIMIT_RPS", &cfg.RateLimit.RequestsPerSecond)
	num("ASIDE_RATELIMIT_BURST", &cfg.RateLimit.BurstSize)
	if v := os.Getenv("ASIDE_RATELIMIT_TRUSTED_PROXIES"); v != "" {
		cfg.RateLimit.TrustedProxies = splitList(v)
	}

	str("ASIDE_LOG_LEVEL", &cfg.Log.Level)
	str("ASIDE_LOG_FORMAT", &cfg.Log.Format)

	flag("ASIDE_TRACING_ENABLED", &cfg.Tracing.Enabled)
	str("ASIDE_TRACING_ENDPOINT", &cfg.Tracing.Endpoint)

	flag("ASIDE_METRICS_ENABLED", &cfg.Metrics.Enabled)

	return errors.Join(errs...)
}

// Validate checks the config for values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Cache.Backend {
	case BackendMemory:
	case BackendRedis, BackendTiered:
		if c.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("redis.addr is required for cache backend %q", c.Cache.Backend))
		}
	case BackendMemcache:
		if len(c.Memcache.Servers) == 0 {
			errs = append(errs, errors.New("memcache.servers is required for cache backend \"memcache\""))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
	}

	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	if c.Cache.OpTimeout <= 0 {
		errs = append(errs, errors.New("cache.op_timeout must be positive"))
	}
	if c.Cache.Backend == BackendTiered && c.Cache.L1TTL <= 0 {
		errs = append(errs, errors.New("cache.l1_ttl must be positive for the tiered backend"))
	}
	if c.GitHub.BaseURL == "" {
		errs = append(errs, errors.New("github.base_url is required"))
	}
	if c.Breaker.ErrorPct < 0 || c.Breaker.ErrorPct > 100 {
		errs = append(errs, fmt.Errorf("breaker.error_pct must be within 0-100, got %v", c.Breaker.ErrorPct))
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0 {
		errs = append(errs, errors.New("ratelimit.requests_per_second must be positive when enabled"))
	}
	for _, p := range c.RateLimit.TrustedProxies {
		if !validProxy(p) {
			errs = append(errs, fmt.Errorf("ratelimit.trusted_proxies: %q is not a CIDR or IP address", p))
		}
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate must be within 0-1, got %v", c.Tracing.SampleRate))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

func validProxy(s string) bool {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		_, err := netip.ParsePrefix(s)
		return err == nil
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
