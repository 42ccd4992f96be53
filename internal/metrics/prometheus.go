// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_upstream_attempts_total{provider,model,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{provider,model,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_deployment_cooldown{deployment_id}, 1 while cooling
	cooldownState *prometheus.GaugeVec

	// gateway_tokens_total{model,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_spend_usd_total{model,provider}
	spendTotal *prometheus.CounterVec

	// gateway_spend_records_dropped_total
	spendDropped prometheus.Counter

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_auth_failures_total{reason}
	authFailures *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	durBuckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120}

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes routing + upstream)",
				Buckets: durBuckets,
			},
			[]string{"route"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total upstream deployment attempts (includes retries and fallbacks)",
			},
			[]string{"provider", "model", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream deployment attempt duration in seconds",
				Buckets: durBuckets,
			},
			[]string{"provider", "model", "outcome"},
		),

		cooldownState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_deployment_cooldown",
				Help: "Deployment cooldown state (1=cooling, 0=healthy)",
			},
			[]string{"deployment_id"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals from upstream usage fields",
			},
			[]string{"model", "direction"},
		),

		spendTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_spend_usd_total",
				Help: "Accumulated request cost in USD (display precision)",
			},
			[]string{"model", "provider"},
		),

		spendDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_spend_records_dropped_total",
			Help: "Spend records dropped because the recorder channel was full",
		}),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_auth_failures_total",
				Help: "Rejected authentications by reason",
			},
			[]string{"reason"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.cooldownState,
		r.tokensTotal,
		r.spendTotal,
		r.spendDropped,
		r.rateLimitTotal,
		r.authFailures,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one deployment attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, model, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, model, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, model, outcome).Observe(dur.Seconds())
}

// SetCooldown flips the per-deployment cooldown gauge.
func (r *Registry) SetCooldown(deploymentID string, cooling bool) {
	v := 0.0
	if cooling {
		v = 1.0
	}
	r.cooldownState.WithLabelValues(deploymentID).Set(v)
}

func (r *Registry) AddTokens(model string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
}

// AddSpend accumulates display-precision cost. The decimal spend log is the
// authoritative record; this counter exists for dashboards.
func (r *Registry) AddSpend(model, provider string, usd float64) {
	if usd > 0 {
		r.spendTotal.WithLabelValues(model, provider).Add(usd)
	}
}

func (r *Registry) RecordSpendDropped() { r.spendDropped.Inc() }

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) RecordAuthFailure(reason string) {
	r.authFailures.WithLabelValues(reason).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
