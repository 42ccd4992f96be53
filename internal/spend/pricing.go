// Package spend computes per-request cost and records it asynchronously:
// a spend log append plus budget counter increments in one Postgres
// transaction, optionally mirrored to ClickHouse for analytics. Recording
// never fails a user request.
package spend

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/modelriver/modelriver/internal/adapter"
	"github.com/modelriver/modelriver/internal/store"
)

// Price is a per-token price triple. All arithmetic stays in fixed-point
// decimal until the final display serialization.
type Price struct {
	Input       decimal.Decimal
	Output      decimal.Decimal
	CachedInput decimal.Decimal
}

func (p Price) Zero() bool {
	return p.Input.IsZero() && p.Output.IsZero() && p.CachedInput.IsZero()
}

func price(input, output string) Price {
	return Price{
		Input:  decimal.RequireFromString(input),
		Output: decimal.RequireFromString(output),
	}
}

func priceCached(input, output, cached string) Price {
	p := price(input, output)
	p.CachedInput = decimal.RequireFromString(cached)
	return p
}

// staticPrices is the bundled per-token price table, keyed by public model
// name. DB pricing rows take precedence; self-hosted models fall through to
// zero cost.
var staticPrices = map[string]Price{
	"gpt-4o":                 priceCached("0.0000025", "0.00001", "0.00000125"),
	"gpt-4o-mini":            priceCached("0.00000015", "0.0000006", "0.000000075"),
	"gpt-4.1":                priceCached("0.000002", "0.000008", "0.0000005"),
	"gpt-4.1-mini":           priceCached("0.0000004", "0.0000016", "0.0000001"),
	"o3":                     price("0.000002", "0.000008"),
	"o4-mini":                price("0.0000011", "0.0000044"),
	"claude-3-5-sonnet":      priceCached("0.000003", "0.000015", "0.0000003"),
	"claude-3-5-haiku":       priceCached("0.0000008", "0.000004", "0.00000008"),
	"claude-3-haiku":         price("0.00000025", "0.00000125"),
	"claude-sonnet-4":        priceCached("0.000003", "0.000015", "0.0000003"),
	"gemini-2.0-flash":       price("0.0000001", "0.0000004"),
	"gemini-2.5-pro":         price("0.00000125", "0.00001"),
	"gemini-2.5-flash":       price("0.0000003", "0.0000025"),
	"mistral-large":          price("0.000002", "0.000006"),
	"mistral-small":          price("0.0000001", "0.0000003"),
	"codestral-latest":       price("0.0000003", "0.0000009"),
	"command-r":              price("0.00000015", "0.0000006"),
	"command-r-plus":         price("0.0000025", "0.00001"),
	"embed-english-v3.0":     price("0.0000001", "0"),
	"mistral-embed":          price("0.0000001", "0"),
	"text-embedding-3-small": price("0.00000002", "0"),
	"text-embedding-3-large": price("0.00000013", "0"),
}

const pricingCacheTTL = 5 * time.Minute

// PricingManager resolves prices with DB precedence over the static table
// and caches DB lookups briefly.
type PricingManager struct {
	store store.Store

	mu      sync.RWMutex
	cache   map[string]Price
	fetched map[string]time.Time
}

func NewPricingManager(st store.Store) *PricingManager {
	return &PricingManager{
		store:   st,
		cache:   make(map[string]Price),
		fetched: make(map[string]time.Time),
	}
}

// Price returns the per-token prices for a public model name. Lookup order:
// control-plane pricing row, static table, zero.
func (m *PricingManager) Price(ctx context.Context, model string) Price {
	m.mu.RLock()
	p, ok := m.cache[model]
	at := m.fetched[model]
	m.mu.RUnlock()
	if ok && time.Since(at) < pricingCacheTTL {
		return p
	}

	p = m.resolve(ctx, model)
	m.mu.Lock()
	m.cache[model] = p
	m.fetched[model] = time.Now()
	m.mu.Unlock()
	return p
}

func (m *PricingManager) resolve(ctx context.Context, model string) Price {
	if m.store != nil {
		row, err := m.store.PricingForModel(ctx, model)
		if err == nil && row != nil {
			return Price{
				Input:       row.InputCostPerToken,
				Output:      row.OutputCostPerToken,
				CachedInput: row.CachedInputCostPerToken,
			}
		}
	}
	if p, ok := staticPrices[model]; ok {
		return p
	}
	return Price{}
}

// Invalidate drops the price cache; called alongside deployment cache
// invalidation when pricing rows change.
func (m *PricingManager) Invalidate() {
	m.mu.Lock()
	m.cache = make(map[string]Price)
	m.fetched = make(map[string]time.Time)
	m.mu.Unlock()
}

// Cost computes prompt·input + completion·output + cache_read·cached_input
// in fixed-point decimal.
func (m *PricingManager) Cost(ctx context.Context, model string, u adapter.Usage) decimal.Decimal {
	p := m.Price(ctx, model)
	cost := p.Input.Mul(decimal.NewFromInt(int64(u.PromptTokens))).
		Add(p.Output.Mul(decimal.NewFromInt(int64(u.CompletionTokens))))
	if u.CacheReadInputTokens > 0 && !p.CachedInput.IsZero() {
		cost = cost.Add(p.CachedInput.Mul(decimal.NewFromInt(int64(u.CacheReadInputTokens))))
	}
	return cost
}

// EstimateCost is the advisory float form stamped on responses.
func (m *PricingManager) EstimateCost(model string, u adapter.Usage) float64 {
	f, _ := m.Cost(context.Background(), model, u).Float64()
	return f
}
