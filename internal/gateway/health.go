package gateway

import (
	"github.com/valyala/fasthttp"

	"github.com/modelriver/modelriver/internal/router"
)

// handleHealth is the basic load-balancer probe.
func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "healthy", "version": s.version})
}

// handleLiveness reports only that the process is serving requests.
func (s *Server) handleLiveness(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "alive"})
}

// handleReadiness pings the database; a gateway that cannot resolve keys or
// deployments should be pulled from rotation.
func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if err := s.pingDB(ctx); err != nil {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(ctx, map[string]string{"status": "ready"})
}

type detailedHealth struct {
	Status          string             `json:"status"`
	Version         string             `json:"version"`
	Deployments     []router.StatsView `json:"deployments"`
	DeployCacheKeys int                `json:"deploy_cache_keys"`
	SpendDropped    int64              `json:"spend_records_dropped"`
}

// handleDetailedHealth exposes per-deployment routing state for operators.
func (s *Server) handleDetailedHealth(ctx *fasthttp.RequestCtx) {
	out := detailedHealth{
		Status:      "healthy",
		Version:     s.version,
		Deployments: []router.StatsView{},
	}
	if s.tracker != nil {
		out.Deployments = s.tracker.Snapshot()
	}
	if s.deployCache != nil {
		out.DeployCacheKeys = s.deployCache.Len()
	}
	if s.spend != nil {
		out.SpendDropped = s.spend.Dropped()
	}
	writeJSON(ctx, out)
}
