// Package store is the control-plane persistence layer. It exposes only the
// queries the dispatch path consumes: deployment resolution, team access,
// API key lookup, pricing rows, and spend recording. Admin CRUD and schema
// migrations live outside this process.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ModelDeployment is one upstream path to a model. Linked deployments
// reference a ProviderConfig for credentials; standalone deployments carry
// their own. Deployment-level fields override provider-level ones.
type ModelDeployment struct {
	ID               uuid.UUID
	ModelName        string
	ProviderModel    string
	ModelType        string
	ProviderType     string
	APIBase          string
	EncryptedKey     string
	Settings         map[string]string
	Priority         int
	Timeout          time.Duration
	IsActive         bool
	ProviderConfigID *uuid.UUID
	PricingID        *uuid.UUID
	OrgID            *uuid.UUID
}

// Standalone reports whether the deployment carries its own provider type
// instead of referencing a ProviderConfig.
func (d *ModelDeployment) Standalone() bool { return d.ProviderConfigID == nil }

// ProviderConfig is a shared credential + endpoint bundle.
type ProviderConfig struct {
	ID           uuid.UUID
	Name         string
	ProviderType string
	APIBase      string
	Settings     map[string]string
	EncryptedKey string
	IsActive     bool
	OrgID        *uuid.UUID
}

// DeploymentRow joins a deployment with its provider config, when linked.
type DeploymentRow struct {
	Deployment ModelDeployment
	Provider   *ProviderConfig
}

// APIKey is a provisioned gateway credential. The plaintext token is never
// stored; lookup is by SHA-256 hash.
type APIKey struct {
	ID            uuid.UUID
	KeyHash       string
	Name          string
	UserID        *uuid.UUID
	TeamID        *uuid.UUID
	OrgID         *uuid.UUID
	AllowedModels []string
	BlockedModels []string
	MaxBudget     *decimal.Decimal
	CurrentSpend  decimal.Decimal
	IsActive      bool
	ExpiresAt     *time.Time
}

// ModelPricing is a per-token price row.
type ModelPricing struct {
	ID                      uuid.UUID
	ModelName               string
	InputCostPerToken       decimal.Decimal
	OutputCostPerToken      decimal.Decimal
	CachedInputCostPerToken decimal.Decimal
}

// SpendLog is the append-only per-request accounting record.
type SpendLog struct {
	ID               uuid.UUID
	RequestID        string
	APIKeyID         *uuid.UUID
	UserID           *uuid.UUID
	TeamID           *uuid.UUID
	OrgID            *uuid.UUID
	Model            string
	Provider         string
	EndpointType     string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Spend            decimal.Decimal
	LatencyMs        int64
	Status           string
	Error            string
	CreatedAt        time.Time
}

// User is the dashboard user row consumed by the SSO callback.
type User struct {
	ID       uuid.UUID
	Email    string
	OrgID    *uuid.UUID
	IsActive bool
}

// ModelInfo is the /v1/models projection.
type ModelInfo struct {
	ModelName string
	ModelType string
	CreatedAt time.Time
}

// Store is the read/write surface the gateway needs. *Postgres implements it;
// tests substitute fakes.
type Store interface {
	// ActiveDeployments returns active deployments for a public model name,
	// optionally narrowed by model type, joined with their provider configs.
	ActiveDeployments(ctx context.Context, modelName, modelType string) ([]DeploymentRow, error)

	// TeamProviderAccess returns the set of provider config IDs the team may
	// use. An empty set means the team has no linked-provider grants.
	TeamProviderAccess(ctx context.Context, teamID uuid.UUID) (map[uuid.UUID]bool, error)

	// APIKeyByHash resolves a provisioned key by its SHA-256 hex digest.
	// Returns (nil, nil) when no such key exists.
	APIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error)

	// PricingByID and PricingForModel fetch price rows; both return (nil, nil)
	// on no row.
	PricingByID(ctx context.Context, id uuid.UUID) (*ModelPricing, error)
	PricingForModel(ctx context.Context, modelName string) (*ModelPricing, error)

	// RecordSpend appends the spend log and increments the spend counters of
	// the key, user, team, and org in one transaction.
	RecordSpend(ctx context.Context, log *SpendLog) error

	// ListModels returns distinct active deployment models for /v1/models.
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// UserByEmail resolves a dashboard user for SSO session issuance.
	// Returns (nil, nil) when no such user exists.
	UserByEmail(ctx context.Context, email string) (*User, error)
}
