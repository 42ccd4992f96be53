package config

import (
	"strings"
	"testing"
	"time"
)

// setBase sets the required variables and clears everything optional so tests
// are insulated from the ambient environment.
func setBase(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://gw:gw@localhost:5432/gw")
	t.Setenv("MASTER_KEY", "sk-master-test")
	t.Setenv("ENCRYPTION_KEY", "test-passphrase")

	for _, k := range []string{
		"PORT", "LOG_LEVEL", "REDIS_URL", "CACHE_MODE", "CLICKHOUSE_DSN",
		"ROUTING_STRATEGY", "NUM_RETRIES", "ROUTER_TIMEOUT", "COOLDOWN",
		"FAILURE_THRESHOLD", "DEPLOY_CACHE_TTL", "FALLBACKS", "RPM_LIMIT",
		"SESSION_SECRET", "SESSION_TTL", "SSO_CLIENT_ID", "SSO_CLIENT_SECRET",
		"SSO_AUTH_URL", "SSO_TOKEN_URL", "SSO_USERINFO_URL", "SSO_REDIRECT_URL",
		"CORS_ORIGINS", "STATIC_MODELS",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	setBase(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected default log level info, got %q", cfg.LogLevel)
	}
	if cfg.Cache.Mode != "memory" {
		t.Errorf("expected default cache mode memory, got %q", cfg.Cache.Mode)
	}
	if cfg.Router.Strategy != "simple-shuffle" {
		t.Errorf("expected default strategy simple-shuffle, got %q", cfg.Router.Strategy)
	}
	if cfg.Router.NumRetries != 3 {
		t.Errorf("expected default NUM_RETRIES 3, got %d", cfg.Router.NumRetries)
	}
	if cfg.Router.Timeout != 30*time.Second {
		t.Errorf("expected default router timeout 30s, got %v", cfg.Router.Timeout)
	}
	if cfg.Router.Cooldown != 60*time.Second {
		t.Errorf("expected default cooldown 60s, got %v", cfg.Router.Cooldown)
	}
	if cfg.Router.FailureThreshold != 3 {
		t.Errorf("expected default failure threshold 3, got %d", cfg.Router.FailureThreshold)
	}
	if cfg.RateLimit.RPMLimit != 0 {
		t.Errorf("expected rate limiting disabled by default, got %d", cfg.RateLimit.RPMLimit)
	}
	if cfg.Session.TTL != 12*time.Hour {
		t.Errorf("expected default session TTL 12h, got %v", cfg.Session.TTL)
	}
	if cfg.Session.SSO.Enabled() {
		t.Error("SSO should be disabled by default")
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	for _, missing := range []string{"DATABASE_URL", "MASTER_KEY", "ENCRYPTION_KEY"} {
		t.Run(missing, func(t *testing.T) {
			setBase(t)
			t.Setenv(missing, "")

			_, err := Load()
			if err == nil {
				t.Fatalf("expected error when %s is missing", missing)
			}
			if !strings.Contains(err.Error(), missing) {
				t.Errorf("error should name %s, got: %v", missing, err)
			}
		})
	}
}

func TestLoad_RedisRequiredForRedisCache(t *testing.T) {
	setBase(t)
	t.Setenv("CACHE_MODE", "redis")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for CACHE_MODE=redis without REDIS_URL")
	}

	t.Setenv("REDIS_URL", "redis://localhost:6379")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Cache.Mode != "redis" {
		t.Errorf("expected cache mode redis, got %q", cfg.Cache.Mode)
	}
}

func TestLoad_RedisRequiredForRateLimit(t *testing.T) {
	setBase(t)
	t.Setenv("RPM_LIMIT", "60")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for RPM_LIMIT > 0 without REDIS_URL")
	}

	t.Setenv("REDIS_URL", "redis://localhost:6379")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RateLimit.RPMLimit != 60 {
		t.Errorf("expected RPM limit 60, got %d", cfg.RateLimit.RPMLimit)
	}
}

func TestLoad_InvalidEnums(t *testing.T) {
	cases := []struct {
		key, value string
	}{
		{"CACHE_MODE", "memcached"},
		{"LOG_LEVEL", "verbose"},
		{"ROUTING_STRATEGY", "weighted"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			setBase(t)
			t.Setenv(tc.key, tc.value)

			_, err := Load()
			if err == nil {
				t.Fatalf("expected error for %s=%s", tc.key, tc.value)
			}
			if !strings.Contains(err.Error(), tc.value) {
				t.Errorf("error should quote the bad value, got: %v", err)
			}
		})
	}
}

func TestLoad_RouterBounds(t *testing.T) {
	setBase(t)
	t.Setenv("NUM_RETRIES", "0")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for NUM_RETRIES=0")
	}
}

func TestLoad_Fallbacks(t *testing.T) {
	setBase(t)
	t.Setenv("FALLBACKS", `{"gpt-4o":["claude-sonnet-4","gemini-2.5-pro"]}`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := cfg.Router.Fallbacks["gpt-4o"]
	if len(got) != 2 || got[0] != "claude-sonnet-4" {
		t.Errorf("unexpected fallbacks: %v", got)
	}
}

func TestLoad_FallbacksRejectsBadJSON(t *testing.T) {
	setBase(t)
	t.Setenv("FALLBACKS", `gpt-4o=claude`)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed FALLBACKS")
	}
}

func TestLoad_SSORequiresSessionSecret(t *testing.T) {
	setBase(t)
	t.Setenv("SSO_CLIENT_ID", "client-1")
	t.Setenv("SSO_AUTH_URL", "https://idp.example.com/authorize")
	t.Setenv("SSO_TOKEN_URL", "https://idp.example.com/token")

	if _, err := Load(); err == nil {
		t.Fatal("expected error: SSO without SESSION_SECRET")
	}

	t.Setenv("SSO_CLIENT_SECRET", "shh")
	t.Setenv("SESSION_SECRET", "signing-secret")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Session.SSO.Enabled() {
		t.Error("SSO should be enabled")
	}
}
