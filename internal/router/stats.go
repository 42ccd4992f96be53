// Package router selects deployments, drives the retry/fallback loop, and
// owns the per-deployment cooldown and stats state.
package router

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultCooldown         = 60 * time.Second
	DefaultFailureThreshold = 3

	// EWMA weights for the latency average.
	ewmaOld = 0.7
	ewmaNew = 0.3
)

// deploymentStats is the in-memory per-deployment state. Created lazily on
// first use, lives for the process, never persisted.
type deploymentStats struct {
	mu         sync.Mutex
	inFlight   int
	total      int64
	failures   []time.Time
	avgLatency float64 // milliseconds
	lastUsed   time.Time
}

// Tracker holds cooldown windows, EWMA latencies, and in-flight counters for
// every deployment the router has touched.
type Tracker struct {
	cooldown  time.Duration
	threshold int

	mu    sync.RWMutex
	stats map[uuid.UUID]*deploymentStats
}

func NewTracker(cooldown time.Duration, threshold int) *Tracker {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &Tracker{
		cooldown:  cooldown,
		threshold: threshold,
		stats:     make(map[uuid.UUID]*deploymentStats),
	}
}

func (t *Tracker) get(id uuid.UUID) *deploymentStats {
	t.mu.RLock()
	s, ok := t.stats[id]
	t.mu.RUnlock()
	if ok {
		return s
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok = t.stats[id]; ok {
		return s
	}
	s = &deploymentStats{}
	t.stats[id] = s
	return s
}

// RecordFailure appends a failure timestamp and reports whether the
// deployment has just entered (or remains in) cooldown.
func (t *Tracker) RecordFailure(id uuid.UUID) bool {
	s := t.get(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.failures = append(s.failures, now)
	s.failures = trimWindow(s.failures, now.Add(-t.cooldown))
	return len(s.failures) >= t.threshold
}

// RecordSuccess clears the failure window and folds the measured latency
// into the EWMA.
func (t *Tracker) RecordSuccess(id uuid.UUID, latency time.Duration) {
	s := t.get(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = s.failures[:0]
	ms := float64(latency) / float64(time.Millisecond)
	if s.avgLatency == 0 {
		s.avgLatency = ms
	} else {
		s.avgLatency = ewmaOld*s.avgLatency + ewmaNew*ms
	}
	s.lastUsed = time.Now()
}

// IsHealthy reports whether the deployment is outside cooldown. Failures age
// out of the window, so a cooled deployment recovers on its own.
func (t *Tracker) IsHealthy(id uuid.UUID) bool {
	s := t.get(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = trimWindow(s.failures, time.Now().Add(-t.cooldown))
	return len(s.failures) < t.threshold
}

// BeginDispatch bumps the in-flight and total counters.
func (t *Tracker) BeginDispatch(id uuid.UUID) {
	s := t.get(id)
	s.mu.Lock()
	s.inFlight++
	s.total++
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// EndDispatch decrements in-flight. Paired with exactly one BeginDispatch on
// every exit path, including errors.
func (t *Tracker) EndDispatch(id uuid.UUID) {
	s := t.get(id)
	s.mu.Lock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	s.mu.Unlock()
}

// InFlight returns the current in-flight count, for the least-busy strategy.
func (t *Tracker) InFlight(id uuid.UUID) int {
	s := t.get(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// AvgLatency returns the EWMA latency in milliseconds; zero means unsampled.
func (t *Tracker) AvgLatency(id uuid.UUID) float64 {
	s := t.get(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.avgLatency
}

// FailureCount returns the live failure-window size.
func (t *Tracker) FailureCount(id uuid.UUID) int {
	s := t.get(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = trimWindow(s.failures, time.Now().Add(-t.cooldown))
	return len(s.failures)
}

// StatsView is the read-only projection exposed by /health/detailed.
type StatsView struct {
	DeploymentID uuid.UUID `json:"deployment_id"`
	InFlight     int       `json:"in_flight"`
	Total        int64     `json:"total"`
	Failures     int       `json:"failures"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	Healthy      bool      `json:"healthy"`
	LastUsed     time.Time `json:"last_used,omitempty"`
}

// Snapshot copies the current state of every tracked deployment.
func (t *Tracker) Snapshot() []StatsView {
	t.mu.RLock()
	ids := make([]uuid.UUID, 0, len(t.stats))
	for id := range t.stats {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	cutoff := time.Now().Add(-t.cooldown)
	out := make([]StatsView, 0, len(ids))
	for _, id := range ids {
		s := t.get(id)
		s.mu.Lock()
		s.failures = trimWindow(s.failures, cutoff)
		out = append(out, StatsView{
			DeploymentID: id,
			InFlight:     s.inFlight,
			Total:        s.total,
			Failures:     len(s.failures),
			AvgLatencyMs: s.avgLatency,
			Healthy:      len(s.failures) < t.threshold,
			LastUsed:     s.lastUsed,
		})
		s.mu.Unlock()
	}
	return out
}

func trimWindow(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}
