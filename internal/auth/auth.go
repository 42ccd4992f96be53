// Package auth resolves bearer tokens to AuthContexts and enforces the
// per-key model allow/block lists. Accepted tokens: the master key,
// provisioned API keys (SHA-256 hashed at rest), and short-lived session
// JWTs. Resolution order: cache, then DB by key hash, then JWT validation.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/modelriver/modelriver/internal/adapter"
	"github.com/modelriver/modelriver/internal/cache"
	"github.com/modelriver/modelriver/internal/store"
)

const contextCacheTTL = 30 * time.Second

// Context is the resolved caller identity plus its admission constraints.
type Context struct {
	KeyID         *uuid.UUID       `json:"key_id,omitempty"`
	UserID        *uuid.UUID       `json:"user_id,omitempty"`
	TeamID        *uuid.UUID       `json:"team_id,omitempty"`
	OrgID         *uuid.UUID       `json:"org_id,omitempty"`
	AllowedModels []string         `json:"allowed_models,omitempty"`
	BlockedModels []string         `json:"blocked_models,omitempty"`
	MaxBudget     *decimal.Decimal `json:"max_budget,omitempty"`
	CurrentSpend  decimal.Decimal  `json:"current_spend"`
	IsMaster      bool             `json:"is_master,omitempty"`
}

// ModelAllowed checks the allow/block lists. Entries match exactly or as a
// suffix ("*-mini" style is expressed by listing "-mini"-suffixed names), so
// "gpt-4o" also admits "openai/gpt-4o". The master key bypasses both lists.
func (c *Context) ModelAllowed(model string) bool {
	if c.IsMaster {
		return true
	}
	for _, blocked := range c.BlockedModels {
		if matchModel(model, blocked) {
			return false
		}
	}
	if len(c.AllowedModels) == 0 {
		return true
	}
	for _, allowed := range c.AllowedModels {
		if matchModel(model, allowed) {
			return true
		}
	}
	return false
}

func matchModel(model, pattern string) bool {
	return model == pattern || strings.HasSuffix(model, pattern)
}

// BudgetExceeded reports whether the key's spend has reached its budget.
// Enforcement is pre-dispatch and eventually consistent; bounded over-spend
// inside the in-flight window is accepted.
func (c *Context) BudgetExceeded() bool {
	return c.MaxBudget != nil && c.CurrentSpend.GreaterThanOrEqual(*c.MaxBudget)
}

// Authenticator resolves bearer tokens.
type Authenticator struct {
	store     store.Store
	cache     cache.Cache
	sessions  *SessionManager
	masterKey string
}

func New(st store.Store, c cache.Cache, sessions *SessionManager, masterKey string) *Authenticator {
	return &Authenticator{store: st, cache: c, sessions: sessions, masterKey: masterKey}
}

// HashKey returns the at-rest form of an API key.
func HashKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Resolve maps a bearer token to a Context or an authentication error.
func (a *Authenticator) Resolve(ctx context.Context, token string) (*Context, error) {
	if token == "" {
		return nil, adapter.E(adapter.KindAuthentication, "", "missing bearer token")
	}

	if a.masterKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.masterKey)) == 1 {
		return &Context{IsMaster: true}, nil
	}

	hash := HashKey(token)
	cacheKey := "authctx:" + hash

	if a.cache != nil {
		if raw, ok := a.cache.Get(ctx, cacheKey); ok {
			var c Context
			if err := json.Unmarshal(raw, &c); err == nil {
				return &c, nil
			}
		}
	}

	key, err := a.store.APIKeyByHash(ctx, hash)
	if err != nil {
		return nil, adapter.Wrap(adapter.KindAPI, "", err)
	}
	if key != nil {
		if !key.IsActive {
			return nil, adapter.E(adapter.KindAuthentication, "", "API key is disabled")
		}
		if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
			return nil, adapter.E(adapter.KindAuthentication, "", "API key has expired")
		}
		c := &Context{
			KeyID:         &key.ID,
			UserID:        key.UserID,
			TeamID:        key.TeamID,
			OrgID:         key.OrgID,
			AllowedModels: key.AllowedModels,
			BlockedModels: key.BlockedModels,
			MaxBudget:     key.MaxBudget,
			CurrentSpend:  key.CurrentSpend,
		}
		if a.cache != nil {
			if raw, err := json.Marshal(c); err == nil {
				a.cache.Set(ctx, cacheKey, raw, contextCacheTTL)
			}
		}
		return c, nil
	}

	if a.sessions != nil {
		if claims, err := a.sessions.Validate(token); err == nil {
			return &Context{UserID: &claims.UserID, OrgID: claims.OrgID}, nil
		}
	}

	return nil, adapter.E(adapter.KindAuthentication, "", "invalid API key")
}

// InvalidateKey drops a key's cached context, called after key mutations.
func (a *Authenticator) InvalidateKey(ctx context.Context, keyHash string) {
	if a.cache != nil {
		_ = a.cache.Delete(ctx, "authctx:"+keyHash)
	}
}
