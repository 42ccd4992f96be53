package router

import (
	"math"
	"math/rand"
	"sync"

	"github.com/modelriver/modelriver/internal/deploycache"
)

// Strategy names accepted by the router configuration.
type Strategy string

const (
	StrategySimpleShuffle Strategy = "simple-shuffle"
	StrategyLeastBusy     Strategy = "least-busy"
	StrategyLatencyBased  Strategy = "latency-based"
	StrategyPriorityBased Strategy = "priority-based"
	StrategyRoundRobin    Strategy = "round-robin"
)

// ValidStrategy reports whether s names a known selection strategy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategySimpleShuffle, StrategyLeastBusy, StrategyLatencyBased,
		StrategyPriorityBased, StrategyRoundRobin:
		return true
	}
	return false
}

type rrCounters struct {
	mu sync.Mutex
	n  map[string]int
}

func (r *rrCounters) next(model string, mod int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n == nil {
		r.n = make(map[string]int)
	}
	i := r.n[model]
	r.n[model] = i + 1
	return i % mod
}

// selectDeployment picks one deployment from the healthy set. The model key
// is the public model name; it scopes the round-robin counter.
func (r *Router) selectDeployment(healthy []*deploycache.CachedDeployment, model string) *deploycache.CachedDeployment {
	if len(healthy) == 0 {
		return nil
	}
	if len(healthy) == 1 {
		return healthy[0]
	}

	switch r.strategy {
	case StrategyLeastBusy:
		return minBy(healthy, func(d *deploycache.CachedDeployment) float64 {
			return float64(r.tracker.InFlight(d.Deployment.ID))
		})

	case StrategyLatencyBased:
		// Unsampled deployments rank as infinitely slow so the router prefers
		// paths it has measured.
		return minBy(healthy, func(d *deploycache.CachedDeployment) float64 {
			l := r.tracker.AvgLatency(d.Deployment.ID)
			if l == 0 {
				return math.Inf(1)
			}
			return l
		})

	case StrategyPriorityBased:
		max := healthy[0].Deployment.Priority
		for _, d := range healthy[1:] {
			if d.Deployment.Priority > max {
				max = d.Deployment.Priority
			}
		}
		top := healthy[:0:0]
		for _, d := range healthy {
			if d.Deployment.Priority == max {
				top = append(top, d)
			}
		}
		return top[rand.Intn(len(top))]

	case StrategyRoundRobin:
		return healthy[r.rr.next(model, len(healthy))]

	default: // simple-shuffle
		return healthy[rand.Intn(len(healthy))]
	}
}

// minBy returns the element with the minimum score, breaking ties randomly.
func minBy(deps []*deploycache.CachedDeployment, score func(*deploycache.CachedDeployment) float64) *deploycache.CachedDeployment {
	best := score(deps[0])
	ties := []*deploycache.CachedDeployment{deps[0]}
	for _, d := range deps[1:] {
		s := score(d)
		switch {
		case s < best:
			best = s
			ties = ties[:0]
			ties = append(ties, d)
		case s == best:
			ties = append(ties, d)
		}
	}
	if len(ties) == 1 {
		return ties[0]
	}
	return ties[rand.Intn(len(ties))]
}
