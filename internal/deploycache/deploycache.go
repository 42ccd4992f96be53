// Package deploycache maintains a TTL-bounded view of deployment candidates
// per (model, org, team, model type). A miss queries the control-plane store,
// applies org and team filtering, resolves and decrypts credentials, and
// caches the full filtered list or nothing. Refreshes for the same key are
// collapsed through singleflight; stale entries are simply re-fetched.
package deploycache

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/modelriver/modelriver/internal/secrets"
	"github.com/modelriver/modelriver/internal/store"
)

const DefaultTTL = 60 * time.Second

// CachedDeployment is a transient, dispatch-ready view of one deployment
// with its credentials already resolved and decrypted.
type CachedDeployment struct {
	Deployment store.ModelDeployment
	Provider   *store.ProviderConfig
	PlainKey   string
	CachedAt   time.Time
}

// ProviderType resolves the effective provider type; deployment-level wins.
func (c *CachedDeployment) ProviderType() string {
	if c.Deployment.ProviderType != "" {
		return c.Deployment.ProviderType
	}
	if c.Provider != nil {
		return c.Provider.ProviderType
	}
	return ""
}

// APIBase resolves the effective endpoint; deployment-level wins.
func (c *CachedDeployment) APIBase() string {
	if c.Deployment.APIBase != "" {
		return c.Deployment.APIBase
	}
	if c.Provider != nil {
		return c.Provider.APIBase
	}
	return ""
}

// Settings merges provider settings under deployment settings.
func (c *CachedDeployment) Settings() map[string]string {
	if c.Provider == nil || len(c.Provider.Settings) == 0 {
		return c.Deployment.Settings
	}
	merged := make(map[string]string, len(c.Provider.Settings)+len(c.Deployment.Settings))
	for k, v := range c.Provider.Settings {
		merged[k] = v
	}
	for k, v := range c.Deployment.Settings {
		merged[k] = v
	}
	return merged
}

type cacheKey struct {
	model     string
	org       uuid.UUID
	team      uuid.UUID
	modelType string
}

// Cache is the process-wide deployment cache.
type Cache struct {
	store store.Store
	box   *secrets.Box
	ttl   time.Duration
	log   *slog.Logger

	mu      sync.RWMutex
	entries map[cacheKey]entry

	sf singleflight.Group
}

type entry struct {
	deps     []*CachedDeployment
	cachedAt time.Time
}

func New(st store.Store, box *secrets.Box, ttl time.Duration, log *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		store:   st,
		box:     box,
		ttl:     ttl,
		log:     log,
		entries: make(map[cacheKey]entry),
	}
}

// Get returns the dispatch-ready candidates for the model, refreshing from
// the store when the cached entry is absent or expired. An empty slice with
// nil error means no deployment survived filtering.
func (c *Cache) Get(ctx context.Context, model string, orgID, teamID *uuid.UUID, modelType string) ([]*CachedDeployment, error) {
	key := cacheKey{model: model, modelType: modelType}
	if orgID != nil {
		key.org = *orgID
	}
	if teamID != nil {
		key.team = *teamID
	}

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && time.Since(e.cachedAt) < c.ttl {
		return e.deps, nil
	}

	v, err, _ := c.sf.Do(sfKey(key), func() (any, error) {
		fresh, err := c.refresh(ctx, model, orgID, teamID, modelType)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = entry{deps: fresh, cachedAt: time.Now()}
		c.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*CachedDeployment), nil
}

func (c *Cache) refresh(ctx context.Context, model string, orgID, teamID *uuid.UUID, modelType string) ([]*CachedDeployment, error) {
	rows, err := c.store.ActiveDeployments(ctx, model, modelType)
	if err != nil {
		return nil, err
	}

	var teamAccess map[uuid.UUID]bool
	if teamID != nil {
		teamAccess, err = c.store.TeamProviderAccess(ctx, *teamID)
		if err != nil {
			return nil, err
		}
	}

	now := time.Now()
	out := make([]*CachedDeployment, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		d := &row.Deployment

		// Org scoping: global deployments plus the caller's own org.
		if d.OrgID != nil && (orgID == nil || *d.OrgID != *orgID) {
			continue
		}
		if row.Provider != nil {
			if !row.Provider.IsActive {
				continue
			}
			// Linked deployments honor team grants; standalone always pass.
			if teamID != nil && !teamAccess[row.Provider.ID] {
				continue
			}
		}

		encrypted := d.EncryptedKey
		if encrypted == "" && row.Provider != nil {
			encrypted = row.Provider.EncryptedKey
		}
		if encrypted == "" {
			continue
		}
		plain, err := c.box.Decrypt(encrypted)
		if err != nil {
			c.log.Warn("dropping deployment with undecryptable key",
				slog.String("deployment_id", d.ID.String()),
				slog.String("model", d.ModelName))
			continue
		}

		out = append(out, &CachedDeployment{
			Deployment: *d,
			Provider:   row.Provider,
			PlainKey:   plain,
			CachedAt:   now,
		})
	}
	return out, nil
}

// Invalidate drops cached entries for a model, optionally narrowed to an org.
// Called by the control plane after any mutation to deployments, provider
// configs, team access, or pricing.
func (c *Cache) Invalidate(model string, orgID *uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.model != model {
			continue
		}
		if orgID != nil && k.org != *orgID {
			continue
		}
		delete(c.entries, k)
	}
}

// InvalidateAll drops everything.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[cacheKey]entry)
	c.mu.Unlock()
}

// Len reports the number of cached keys, for the detailed health endpoint.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func sfKey(k cacheKey) string {
	var b strings.Builder
	b.WriteString(k.model)
	b.WriteByte('|')
	b.WriteString(k.org.String())
	b.WriteByte('|')
	b.WriteString(k.team.String())
	b.WriteByte('|')
	b.WriteString(k.modelType)
	return b.String()
}

