// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    - Postgres pool, Redis when needed
//  2. initServices - secrets, caches, adapter registry, pricing, spend, router
//  3. initAuth     - authenticator, sessions, SSO, rate limiter
//  4. initGateway  - HTTP server and routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/modelriver/modelriver/internal/adapter"
	"github.com/modelriver/modelriver/internal/auth"
	mrCache "github.com/modelriver/modelriver/internal/cache"
	"github.com/modelriver/modelriver/internal/config"
	"github.com/modelriver/modelriver/internal/deploycache"
	"github.com/modelriver/modelriver/internal/gateway"
	"github.com/modelriver/modelriver/internal/metrics"
	"github.com/modelriver/modelriver/internal/ratelimit"
	"github.com/modelriver/modelriver/internal/router"
	"github.com/modelriver/modelriver/internal/spend"
	"github.com/modelriver/modelriver/internal/store"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// External connections - rdb is nil when not configured.
	pg  *store.Postgres
	rdb *redis.Client

	memCache  *mrCache.MemoryCache
	authCache mrCache.Cache

	prom *metrics.Registry

	deployCache *deploycache.Cache
	tracker     *router.Tracker
	registry    *adapter.Registry
	pricing     *spend.PricingManager
	mirror      *spend.ClickHouseMirror
	recorder    *spend.Recorder
	router      *router.Router

	authn    *auth.Authenticator
	sessions *auth.SessionManager
	sso      *auth.SSO
	limiter  *ratelimit.RPMLimiter

	gw      *gateway.Server
	httpSrv *fasthttp.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"auth", a.initAuth},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// fails. Shutdown drains in-flight requests before Close releases resources.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.String("routing_strategy", a.cfg.Router.Strategy),
		slog.Any("providers", a.registry.Types()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.httpSrv.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.httpSrv.ShutdownWithContext(shutdownCtx); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	// Recorder first: it flushes queued spend rows into Postgres/ClickHouse.
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.log.Error("spend recorder close error", slog.String("error", err.Error()))
		}
		a.recorder = nil
	}
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
		a.mirror = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
	if a.pg != nil {
		a.pg.Close()
		a.pg = nil
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
