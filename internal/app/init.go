package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/modelriver/modelriver/internal/adapter"
	anthropicad "github.com/modelriver/modelriver/internal/adapter/anthropic"
	azuread "github.com/modelriver/modelriver/internal/adapter/azure"
	bedrockad "github.com/modelriver/modelriver/internal/adapter/bedrock"
	coheread "github.com/modelriver/modelriver/internal/adapter/cohere"
	geminiad "github.com/modelriver/modelriver/internal/adapter/gemini"
	mistralad "github.com/modelriver/modelriver/internal/adapter/mistral"
	ollamaad "github.com/modelriver/modelriver/internal/adapter/ollama"
	openaiad "github.com/modelriver/modelriver/internal/adapter/openai"
	"github.com/modelriver/modelriver/internal/adapter/openaicompat"
	"github.com/modelriver/modelriver/internal/auth"
	mrCache "github.com/modelriver/modelriver/internal/cache"
	"github.com/modelriver/modelriver/internal/deploycache"
	"github.com/modelriver/modelriver/internal/gateway"
	"github.com/modelriver/modelriver/internal/metrics"
	"github.com/modelriver/modelriver/internal/ratelimit"
	"github.com/modelriver/modelriver/internal/router"
	"github.com/modelriver/modelriver/internal/secrets"
	"github.com/modelriver/modelriver/internal/spend"
	"github.com/modelriver/modelriver/internal/store"
)

// initInfra establishes the external connections: Postgres always, Redis when
// the cache or the rate limiter needs it.
func (a *App) initInfra(ctx context.Context) error {
	a.log.Info("connecting to postgres", slog.String("url", redactURL(a.cfg.DatabaseURL)))
	pg, err := store.NewPostgres(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	a.pg = pg

	needsRedis := a.cfg.Cache.Mode == "redis" || a.cfg.RateLimit.RPMLimit > 0
	if needsRedis {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))
		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
	}

	return nil
}

// initServices builds everything between the store and the router: secrets,
// the auth cache backend, metrics, the deployment cache, the adapter
// registry, pricing and spend recording.
func (a *App) initServices(ctx context.Context) error {
	box, err := secrets.New(a.cfg.EncryptionKey)
	if err != nil {
		return err
	}

	switch a.cfg.Cache.Mode {
	case "redis":
		a.authCache = mrCache.NewRedisCacheFromClient(a.rdb)
		a.log.Info("auth cache backend: redis")
	case "memory":
		a.memCache = mrCache.NewMemoryCache(ctx)
		a.authCache = a.memCache
		a.log.Info("auth cache backend: memory (in-process)")
	case "none":
		a.log.Info("auth cache backend: disabled")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.deployCache = deploycache.New(a.pg, box, a.cfg.Router.DeployCacheTTL, a.log)
	a.tracker = router.NewTracker(a.cfg.Router.Cooldown, a.cfg.Router.FailureThreshold)
	a.registry = buildRegistry()

	a.pricing = spend.NewPricingManager(a.pg)

	if a.cfg.ClickHouse.DSN != "" {
		mirror, err := spend.NewClickHouseMirror(ctx, a.cfg.ClickHouse.DSN, "")
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.mirror = mirror
		a.log.Info("spend mirror: clickhouse")
	}

	var mirror spend.Mirror
	if a.mirror != nil {
		mirror = a.mirror
	}
	a.recorder = spend.NewRecorder(a.pg, a.pricing, mirror, a.log,
		spend.WithDropHook(a.prom.RecordSpendDropped))

	// The config counts attempts including the first; the router counts
	// retries after it.
	a.router = router.New(a.deployCache, a.tracker, a.registry, router.Config{
		Strategy:   router.Strategy(a.cfg.Router.Strategy),
		NumRetries: a.cfg.Router.NumRetries - 1,
		Timeout:    a.cfg.Router.Timeout,
		Fallbacks:  a.cfg.Router.Fallbacks,
	},
		router.WithCostEstimator(a.pricing),
		router.WithMetrics(a.prom),
		router.WithLogger(a.log),
	)

	return nil
}

// initAuth builds the authenticator, optional SSO, and the rate limiter.
func (a *App) initAuth(_ context.Context) error {
	if a.cfg.Session.Secret != "" {
		sm, err := auth.NewSessionManager(a.cfg.Session.Secret, a.cfg.Session.TTL)
		if err != nil {
			return err
		}
		a.sessions = sm
	}

	a.authn = auth.New(a.pg, a.authCache, a.sessions, a.cfg.MasterKey)

	if sso := a.cfg.Session.SSO; sso.Enabled() {
		a.sso = auth.NewSSO(
			sso.ClientID, sso.ClientSecret,
			sso.AuthURL, sso.TokenURL, sso.UserInfoURL, sso.RedirectURL,
			a.sessions, a.userLookup(),
		)
		a.log.Info("sso enabled")
	}

	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		a.limiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	return nil
}

// initGateway assembles the HTTP server.
func (a *App) initGateway(_ context.Context) error {
	a.gw = gateway.New(gateway.Options{
		Logger:       a.log,
		Metrics:      a.prom,
		Auth:         a.authn,
		RateLimiter:  a.limiter,
		Dispatcher:   a.router,
		Spend:        a.recorder,
		Store:        a.pg,
		DB:           a.pg,
		Tracker:      a.tracker,
		DeployCache:  a.deployCache,
		SSO:          a.sso,
		CORSOrigins:  a.cfg.CORSOrigins,
		StaticModels: a.cfg.StaticModels,
		Version:      a.version,
	})
	a.httpSrv = a.gw.NewHTTPServer()
	return nil
}

// userLookup adapts the store's user query to the SSO callback.
func (a *App) userLookup() auth.UserLookup {
	return func(ctx context.Context, email string) (auth.SSOUser, bool, error) {
		u, err := a.pg.UserByEmail(ctx, email)
		if err != nil {
			return auth.SSOUser{}, false, err
		}
		if u == nil || !u.IsActive {
			return auth.SSOUser{}, false, nil
		}
		return auth.SSOUser{ID: u.ID, OrgID: u.OrgID}, true, nil
	}
}

// buildRegistry registers every provider adapter the gateway can dispatch to.
// Adapters are stateless; deployments select them by provider type at
// dispatch time, so all of them are always registered.
func buildRegistry() *adapter.Registry {
	r := adapter.NewRegistry()
	r.Register(openaiad.New())
	r.Register(anthropicad.New())
	r.Register(geminiad.New())
	r.Register(mistralad.New())
	r.Register(azuread.New())
	r.Register(bedrockad.New())
	r.Register(coheread.New())
	r.Register(ollamaad.New())
	r.Register(openaicompat.Groq())
	r.Register(openaicompat.VLLM())
	return r
}
