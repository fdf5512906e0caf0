package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const envPrefix = "SHELLCACHE_"

const (
	StoreS3     = "s3"
	StoreMemory = "memory"
)

type Config struct {
	ListenAddr             string   `env:"LISTEN_ADDR" envDefault:":8080"`
	UpstreamURL            string   `env:"UPSTREAM_URL"`
	CacheVersion           string   `env:"CACHE_VERSION"`
	SeedPaths              []string `env:"SEED_PATHS" envDefault:"/" envSeparator:","`
	SkipWaiting            bool     `env:"SKIP_WAITING" envDefault:"true"`
	Store                  string   `env:"STORE" envDefault:"s3"`
	S3Endpoint             string   `env:"S3_ENDPOINT"`
	S3Region               string   `env:"S3_REGION"`
	S3Bucket               string   `env:"S3_BUCKET"`
	S3AccessKey            string   `env:"S3_ACCESS_KEY"`
	S3SecretKey            string   `env:"S3_SECRET_KEY"`
	HotCacheSize           int      `env:"HOT_CACHE_SIZE" envDefault:"1024"`
	RedisAddr              string   `env:"REDIS_ADDR"`
	RedisPassword          string   `env:"REDIS_PASSWORD"`
	RedisDB                int      `env:"REDIS_DB" envDefault:"0"`
	LockTTLSeconds         int      `env:"LOCK_TTL_SECONDS" envDefault:"45"`
	MaxLockWaitSeconds     int      `env:"MAX_LOCK_WAIT_SECONDS" envDefault:"30"`
	UpstreamTimeoutSeconds int      `env:"UPSTREAM_TIMEOUT_SECONDS" envDefault:"10"`
	MaxBodyBytes           int64    `env:"MAX_BODY_BYTES" envDefault:"33554432"`
	DNSRefreshSeconds      int      `env:"DNS_REFRESH_SECONDS" envDefault:"300"`
	AdminToken             string   `env:"ADMIN_TOKEN"`
	MetricsEnabled         bool     `env:"METRICS_ENABLED" envDefault:"true"`
	TracingEndpoint        string   `env:"TRACING_ENDPOINT"`
	TracingSampleRate      float64  `env:"TRACING_SAMPLE_RATE" envDefault:"1.0"`
	ShutdownTimeoutSeconds int      `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"15"`
}

// Load reads the configuration from the environment. A .env file in the
// working directory is applied first when present; real environment
// variables win over it.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse reads the configuration from the process environment only.
func Parse() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.SeedPaths = cleanSeeds(cfg.SeedPaths)
	cfg.CacheVersion = strings.TrimSpace(cfg.CacheVersion)
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))

	if cfg.UpstreamURL == "" {
		return cfg, errors.New("SHELLCACHE_UPSTREAM_URL is required")
	}
	if cfg.CacheVersion == "" {
		return cfg, errors.New("SHELLCACHE_CACHE_VERSION is required")
	}
	if strings.Contains(cfg.CacheVersion, "/") {
		return cfg, errors.New("SHELLCACHE_CACHE_VERSION must not contain '/'")
	}
	switch cfg.Store {
	case StoreS3:
		if cfg.S3Endpoint == "" || cfg.S3Bucket == "" || cfg.S3AccessKey == "" || cfg.S3SecretKey == "" {
			return cfg, errors.New("S3 endpoint/bucket/access/secret are required")
		}
	case StoreMemory:
	default:
		return cfg, fmt.Errorf("unknown SHELLCACHE_STORE %q", cfg.Store)
	}
	return cfg, nil
}

func (c Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

func (c Config) MaxLockWait() time.Duration {
	return time.Duration(c.MaxLockWaitSeconds) * time.Second
}

func (c Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSeconds) * time.Second
}

func (c Config) DNSRefresh() time.Duration {
	return time.Duration(c.DNSRefreshSeconds) * time.Second
}

func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

func cleanSeeds(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.HasPrefix(s, "/") {
			s = "/" + s
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
