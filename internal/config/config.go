// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example DATABASE_URL becomes
// database_url in YAML.
//
// Provider credentials are NOT configured here: deployments and their
// encrypted keys live in Postgres and are loaded through the deployment
// cache. The only secrets this package carries are the gateway's own
// (master key, encryption key, session secret).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// DatabaseURL is the Postgres connection string (postgres://...). Required.
	DatabaseURL string

	// MasterKey is the gateway admin bearer token. Requests presenting it
	// bypass per-key model and budget restrictions. Required.
	MasterKey string

	// EncryptionKey decrypts provider API keys stored in the database.
	// Any non-empty passphrase works; it is hashed to a 256-bit AES key. Required.
	EncryptionKey string

	// Redis holds the connection URL for the Redis-backed auth cache and rate
	// limiter. Required only when CacheMode is "redis" or RPMLimit > 0.
	Redis RedisConfig

	// Cache controls the auth-context cache backend.
	Cache CacheConfig

	// ClickHouse mirrors spend logs for analytics. Optional; empty disables it.
	ClickHouse ClickHouseConfig

	// Router controls deployment selection, retries and fallbacks.
	Router RouterConfig

	// RateLimit controls per-key request-rate limiting.
	RateLimit RateLimitConfig

	// Session controls dashboard session tokens and SSO.
	Session SessionConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// StaticModels is an optional list of model names always advertised by
	// GET /v1/models, merged with the database's active deployments.
	StaticModels []string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the auth-context cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  - Redis-backed cache (requires REDIS_URL). Shared across replicas.
	//   "memory" - In-process TTL cache. No external deps; not shared across replicas.
	//   "none"   - Cache disabled entirely; every request hits the database.
	// Default: "memory".
	Mode string
}

// ClickHouseConfig holds the optional spend-log analytics mirror.
type ClickHouseConfig struct {
	// DSN is a clickhouse:// connection string. Empty disables mirroring.
	DSN string
}

// RouterConfig controls deployment routing behaviour.
type RouterConfig struct {
	// Strategy selects how a deployment is picked among healthy candidates.
	// One of: simple-shuffle, least-busy, latency-based, priority-based,
	// round-robin. Default: simple-shuffle.
	Strategy string

	// NumRetries is the maximum number of deployment attempts per request
	// (including the first). Default: 3.
	NumRetries int

	// Timeout is the per-attempt upstream timeout. Default: 30s.
	Timeout time.Duration

	// CooldownSeconds is how long a deployment is excluded after crossing the
	// failure threshold. Default: 60s.
	Cooldown time.Duration

	// FailureThreshold is the number of failures inside the cooldown window
	// that trips the cooldown. Default: 3.
	FailureThreshold int

	// DeployCacheTTL is how long resolved deployment lists are served from
	// memory before re-reading the database. Default: 60s.
	DeployCacheTTL time.Duration

	// Fallbacks maps a public model name to the models tried after its own
	// deployments are exhausted. Configured as a JSON object, e.g.
	// FALLBACKS='{"gpt-4o":["claude-sonnet-4"]}'.
	Fallbacks map[string][]string
}

// RateLimitConfig controls per-key request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed per API key.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// SessionConfig controls dashboard sessions and the optional SSO flow.
type SessionConfig struct {
	// Secret signs session JWTs. Required when SSO is configured.
	Secret string

	// TTL is the session token lifetime. Default: 12h.
	TTL time.Duration

	// SSO holds the OAuth2 client settings. All-empty disables SSO.
	SSO SSOConfig
}

// SSOConfig holds OAuth2 authorization-code flow settings.
type SSOConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	RedirectURL  string
}

// Enabled reports whether an SSO provider is configured.
func (s SSOConfig) Enabled() bool {
	return s.ClientID != "" && s.AuthURL != "" && s.TokenURL != ""
}

// validStrategies mirrors the router's strategy set.
var validStrategies = map[string]bool{
	"simple-shuffle": true,
	"least-busy":     true,
	"latency-based":  true,
	"priority-based": true,
	"round-robin":    true,
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// DATABASE_URL, MASTER_KEY and ENCRYPTION_KEY are always required.
// REDIS_URL is required when CACHE_MODE=redis or RPM_LIMIT > 0.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Router defaults.
	v.SetDefault("ROUTING_STRATEGY", "simple-shuffle")
	v.SetDefault("NUM_RETRIES", 3)
	v.SetDefault("ROUTER_TIMEOUT", "30s")
	v.SetDefault("COOLDOWN", "60s")
	v.SetDefault("FAILURE_THRESHOLD", 3)
	v.SetDefault("DEPLOY_CACHE_TTL", "60s")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	// Session defaults.
	v.SetDefault("SESSION_TTL", "12h")

	fallbacks, err := parseFallbacks(v.GetString("FALLBACKS"))
	if err != nil {
		return nil, err
	}

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		DatabaseURL:   v.GetString("DATABASE_URL"),
		MasterKey:     v.GetString("MASTER_KEY"),
		EncryptionKey: v.GetString("ENCRYPTION_KEY"),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode: strings.ToLower(v.GetString("CACHE_MODE")),
		},

		ClickHouse: ClickHouseConfig{DSN: v.GetString("CLICKHOUSE_DSN")},

		Router: RouterConfig{
			Strategy:         strings.ToLower(v.GetString("ROUTING_STRATEGY")),
			NumRetries:       v.GetInt("NUM_RETRIES"),
			Timeout:          v.GetDuration("ROUTER_TIMEOUT"),
			Cooldown:         v.GetDuration("COOLDOWN"),
			FailureThreshold: v.GetInt("FAILURE_THRESHOLD"),
			DeployCacheTTL:   v.GetDuration("DEPLOY_CACHE_TTL"),
			Fallbacks:        fallbacks,
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		Session: SessionConfig{
			Secret: v.GetString("SESSION_SECRET"),
			TTL:    v.GetDuration("SESSION_TTL"),
			SSO: SSOConfig{
				ClientID:     v.GetString("SSO_CLIENT_ID"),
				ClientSecret: v.GetString("SSO_CLIENT_SECRET"),
				AuthURL:      v.GetString("SSO_AUTH_URL"),
				TokenURL:     v.GetString("SSO_TOKEN_URL"),
				UserInfoURL:  v.GetString("SSO_USERINFO_URL"),
				RedirectURL:  v.GetString("SSO_REDIRECT_URL"),
			},
		},

		CORSOrigins:  v.GetStringSlice("CORS_ORIGINS"),
		StaticModels: v.GetStringSlice("STATIC_MODELS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.MasterKey == "" {
		return fmt.Errorf("config: MASTER_KEY is required")
	}
	if c.EncryptionKey == "" {
		return fmt.Errorf("config: ENCRYPTION_KEY is required (decrypts provider keys at rest)")
	}

	// Redis URL is required when anything depends on it.
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}
	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RPM_LIMIT > 0")
	}

	// Validate cache mode value.
	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	// Router sanity checks.
	if !validStrategies[c.Router.Strategy] {
		return fmt.Errorf(
			"config: invalid ROUTING_STRATEGY %q; must be one of: simple-shuffle, "+
				"least-busy, latency-based, priority-based, round-robin",
			c.Router.Strategy,
		)
	}
	if c.Router.NumRetries < 1 {
		return fmt.Errorf("config: NUM_RETRIES must be ≥ 1, got %d", c.Router.NumRetries)
	}
	if c.Router.Timeout <= 0 {
		return fmt.Errorf("config: ROUTER_TIMEOUT must be a positive duration")
	}
	if c.Router.Cooldown <= 0 {
		return fmt.Errorf("config: COOLDOWN must be a positive duration")
	}
	if c.Router.FailureThreshold < 1 {
		return fmt.Errorf("config: FAILURE_THRESHOLD must be ≥ 1, got %d", c.Router.FailureThreshold)
	}
	if c.Router.DeployCacheTTL <= 0 {
		return fmt.Errorf("config: DEPLOY_CACHE_TTL must be a positive duration")
	}

	// SSO requires a session secret to issue tokens.
	if c.Session.SSO.Enabled() && c.Session.Secret == "" {
		return fmt.Errorf("config: SESSION_SECRET is required when SSO is configured")
	}

	return nil
}

// parseFallbacks decodes the FALLBACKS JSON object. Empty input is fine.
func parseFallbacks(raw string) (map[string][]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var m map[string][]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("config: FALLBACKS must be a JSON object of model to model list: %w", err)
	}
	return m, nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
