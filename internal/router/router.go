package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/modelriver/modelriver/internal/adapter"
	"github.com/modelriver/modelriver/internal/deploycache"
	"github.com/modelriver/modelriver/internal/metrics"
)

const (
	DefaultNumRetries = 2
	DefaultTimeout    = 120 * time.Second
)

// CostEstimator stamps the advisory response cost on unary completions. The
// authoritative recording happens in the spend pipeline.
type CostEstimator interface {
	EstimateCost(model string, usage adapter.Usage) float64
}

// Config is the router's tunable surface.
type Config struct {
	Strategy   Strategy
	NumRetries int
	Timeout    time.Duration
	// Fallbacks maps a public model name to alternates tried after all of the
	// primary model's deployments are exhausted.
	Fallbacks map[string][]string
}

// Dispatch describes the deployment that served (or last attempted) a
// request; the gateway feeds it into spend recording.
type Dispatch struct {
	DeploymentID  uuid.UUID
	Provider      string
	ProviderModel string
	Model         string // public model actually routed (fallback-aware)
	Attempts      int
	Started       time.Time
}

type Router struct {
	cache    *deploycache.Cache
	tracker  *Tracker
	registry *adapter.Registry
	pricer   CostEstimator
	metrics  *metrics.Registry
	log      *slog.Logger

	strategy   Strategy
	numRetries int
	timeout    time.Duration
	fallbacks  map[string][]string

	rr rrCounters

	// sleep is swapped out by tests to skip real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cache *deploycache.Cache, tracker *Tracker, registry *adapter.Registry, cfg Config, opts ...Option) *Router {
	r := &Router{
		cache:      cache,
		tracker:    tracker,
		registry:   registry,
		strategy:   cfg.Strategy,
		numRetries: cfg.NumRetries,
		timeout:    cfg.Timeout,
		fallbacks:  cfg.Fallbacks,
		log:        slog.Default(),
		sleep:      sleepCtx,
	}
	if !ValidStrategy(r.strategy) {
		r.strategy = StrategySimpleShuffle
	}
	if r.numRetries < 0 {
		r.numRetries = DefaultNumRetries
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

type Option func(*Router)

func WithCostEstimator(p CostEstimator) Option { return func(r *Router) { r.pricer = p } }
func WithMetrics(m *metrics.Registry) Option   { return func(r *Router) { r.metrics = m } }
func WithLogger(l *slog.Logger) Option         { return func(r *Router) { r.log = l } }

// Complete routes one unary chat completion: candidates are the requested
// model plus its fallbacks, each tried across its healthy deployments with
// per-deployment retries and exponential backoff.
func (r *Router) Complete(ctx context.Context, req *adapter.CompletionRequest, orgID, teamID *uuid.UUID) (*adapter.CompletionResponse, *Dispatch, error) {
	var resp *adapter.CompletionResponse
	disp, err := r.route(ctx, req.Model, orgID, teamID, string(adapter.ModelTypeChat),
		func(ctx context.Context, _ context.CancelFunc, cd *deploycache.CachedDeployment, a adapter.Adapter) (bool, error) {
			attempt := *req
			attempt.Model = cd.Deployment.ProviderModel
			var err error
			resp, err = a.Chat(ctx, &attempt, credentialsFor(cd))
			return false, err
		})
	if err != nil {
		return nil, disp, err
	}
	if resp != nil {
		resp.Model = req.Model
		if r.pricer != nil {
			cost := r.pricer.EstimateCost(req.Model, resp.Usage)
			if cost > 0 {
				resp.HiddenParams = &adapter.HiddenParams{ResponseCost: cost}
			}
		}
	}
	return resp, disp, nil
}

// Stream routes one streaming completion. The returned channel forwards the
// adapter's chunks and settles stats at termination; mid-stream errors are
// not retried.
func (r *Router) Stream(ctx context.Context, req *adapter.CompletionRequest, orgID, teamID *uuid.UUID) (<-chan adapter.StreamChunk, *Dispatch, error) {
	var out <-chan adapter.StreamChunk
	disp, err := r.route(ctx, req.Model, orgID, teamID, string(adapter.ModelTypeChat),
		func(ctx context.Context, cancel context.CancelFunc, cd *deploycache.CachedDeployment, a adapter.Adapter) (bool, error) {
			attempt := *req
			attempt.Model = cd.Deployment.ProviderModel
			attempt.Stream = true
			upstream, err := a.Stream(ctx, &attempt, credentialsFor(cd))
			if err != nil {
				return false, err
			}
			// The wrapper owns stat settlement and the attempt context from
			// here on.
			out = r.wrapStream(ctx, upstream, cancel, cd.Deployment.ID, time.Now())
			return true, nil
		})
	if err != nil {
		return nil, disp, err
	}
	return out, disp, nil
}

// Embed routes one embedding request through the same candidate loop.
func (r *Router) Embed(ctx context.Context, req *adapter.EmbeddingRequest, orgID, teamID *uuid.UUID) (*adapter.EmbeddingResponse, *Dispatch, error) {
	var resp *adapter.EmbeddingResponse
	disp, err := r.route(ctx, req.Model, orgID, teamID, string(adapter.ModelTypeEmbedding),
		func(ctx context.Context, _ context.CancelFunc, cd *deploycache.CachedDeployment, a adapter.Adapter) (bool, error) {
			emb, ok := a.(adapter.Embedder)
			if !ok {
				return false, adapter.Errorf(adapter.KindBadRequest, a.Name(),
					"provider %s does not support embeddings", a.Name())
			}
			attempt := *req
			attempt.Model = cd.Deployment.ProviderModel
			var err error
			resp, err = emb.Embed(ctx, &attempt, credentialsFor(cd))
			return false, err
		})
	if err != nil {
		return nil, disp, err
	}
	if resp != nil {
		resp.Model = req.Model
	}
	return resp, disp, nil
}

// route runs the candidate/retry loop and invokes dispatch once per attempt.
// The callback reports deferred=true when it handed stat settlement and the
// attempt context off to a stream wrapper; unary calls settle here.
func (r *Router) route(ctx context.Context, model string, orgID, teamID *uuid.UUID, modelType string,
	dispatch func(ctx context.Context, cancel context.CancelFunc, cd *deploycache.CachedDeployment, a adapter.Adapter) (bool, error),
) (*Dispatch, error) {
	candidates := append([]string{model}, r.fallbacks[model]...)

	var (
		lastErr   error
		attempted bool
		foundAny  bool
		disp      = &Dispatch{Started: time.Now()}
	)

	for _, current := range candidates {
		cached, err := r.cache.Get(ctx, current, orgID, teamID, modelType)
		if err != nil {
			lastErr = err
			continue
		}
		if len(cached) == 0 {
			continue
		}
		foundAny = true

		for attempt := 0; attempt <= r.numRetries; attempt++ {
			healthy := cached[:0:0]
			for _, cd := range cached {
				if r.tracker.IsHealthy(cd.Deployment.ID) {
					healthy = append(healthy, cd)
				}
			}
			if len(healthy) == 0 {
				break
			}

			pick := r.selectDeployment(healthy, current)
			provider := pick.ProviderType()
			a, err := r.registry.ForType(provider)
			if err != nil {
				lastErr = err
				break
			}

			disp.Attempts++
			disp.DeploymentID = pick.Deployment.ID
			disp.Provider = provider
			disp.ProviderModel = pick.Deployment.ProviderModel
			disp.Model = current
			attempted = true

			r.tracker.BeginDispatch(pick.Deployment.ID)
			start := time.Now()

			attemptCtx, cancel := context.WithTimeout(ctx, r.attemptTimeout(pick))
			deferred, err := dispatch(attemptCtx, cancel, pick, a)
			elapsed := time.Since(start)

			if err == nil {
				if !deferred {
					r.tracker.RecordSuccess(pick.Deployment.ID, elapsed)
					r.tracker.EndDispatch(pick.Deployment.ID)
					cancel()
				}
				if r.metrics != nil {
					r.metrics.SetCooldown(pick.Deployment.ID.String(), false)
				}
				r.observe(provider, current, "success", elapsed)
				return disp, nil
			}
			cancel()

			r.tracker.EndDispatch(pick.Deployment.ID)
			cooled := r.tracker.RecordFailure(pick.Deployment.ID)
			if r.metrics != nil {
				r.metrics.SetCooldown(pick.Deployment.ID.String(), cooled)
			}
			r.observe(provider, current, "error", elapsed)
			r.log.Warn("deployment attempt failed",
				slog.String("model", current),
				slog.String("deployment_id", pick.Deployment.ID.String()),
				slog.String("provider", provider),
				slog.Int("attempt", attempt),
				slog.Bool("cooldown", cooled),
				slog.String("error", err.Error()))
			lastErr = err

			if !adapter.IsRetriable(err) {
				return disp, err
			}
			if attempt < r.numRetries {
				if serr := r.sleep(ctx, backoff(attempt)); serr != nil {
					return disp, adapter.AsError(provider, serr)
				}
			}
		}
	}

	if lastErr != nil {
		return disp, lastErr
	}
	if !attempted {
		// No candidate had a deployment of the requested type. Distinguish a
		// type mismatch (model exists, wrong endpoint) from a truly unknown
		// or fully cooled-down model.
		if !foundAny && modelType != "" {
			if all, err := r.cache.Get(ctx, model, orgID, teamID, ""); err == nil && len(all) > 0 {
				e := adapter.Errorf(adapter.KindBadRequest, "",
					"model %s does not serve %s requests", model, modelType)
				e.Param = "model"
				return disp, e
			}
		}
		return disp, adapter.E(adapter.KindRouter, "", "no healthy deployments for model "+model)
	}
	return disp, adapter.E(adapter.KindRouter, "", "all deployments exhausted for model "+model)
}

// attemptTimeout resolves the per-attempt deadline chain:
// deployment timeout, then router default. A caller-supplied timeout is
// already folded into ctx by the gateway.
func (r *Router) attemptTimeout(cd *deploycache.CachedDeployment) time.Duration {
	if cd.Deployment.Timeout > 0 {
		return cd.Deployment.Timeout
	}
	return r.timeout
}

func (r *Router) observe(provider, model, outcome string, dur time.Duration) {
	if r.metrics != nil {
		r.metrics.ObserveUpstreamAttempt(provider, model, outcome, dur)
	}
}

// Tracker exposes the stats tracker for health reporting.
func (r *Router) Tracker() *Tracker { return r.tracker }

func credentialsFor(cd *deploycache.CachedDeployment) adapter.Credentials {
	return adapter.Credentials{
		APIKey:   cd.PlainKey,
		APIBase:  cd.APIBase(),
		Settings: cd.Settings(),
	}
}

func backoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
