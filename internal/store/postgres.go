package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

// Ping is used by the readiness probe.
func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

const deploymentsQuery = `
SELECT d.id, d.model_name, d.provider_model, d.model_type,
       COALESCE(d.provider_type, ''), COALESCE(d.api_base, ''),
       COALESCE(d.api_key_encrypted, ''), COALESCE(d.settings, '{}'),
       d.priority, COALESCE(d.timeout_seconds, 0), d.is_active,
       d.provider_config_id, d.pricing_id, d.org_id,
       p.id, p.name, p.provider_type, COALESCE(p.api_base, ''),
       COALESCE(p.settings, '{}'), COALESCE(p.api_key_encrypted, ''),
       p.is_active, p.org_id
FROM model_deployments d
LEFT JOIN provider_configs p ON p.id = d.provider_config_id
WHERE d.model_name = $1 AND d.is_active
  AND ($2 = '' OR d.model_type = $2)
ORDER BY d.priority DESC`

func (p *Postgres) ActiveDeployments(ctx context.Context, modelName, modelType string) ([]DeploymentRow, error) {
	rows, err := p.pool.Query(ctx, deploymentsQuery, modelName, modelType)
	if err != nil {
		return nil, fmt.Errorf("store: deployments for %s: %w", modelName, err)
	}
	defer rows.Close()

	var out []DeploymentRow
	for rows.Next() {
		var (
			d           ModelDeployment
			dSettings   []byte
			timeoutSecs int
			pcID        *uuid.UUID
			pcName      *string
			pcType      *string
			pcAPIBase   *string
			pcSettings  []byte
			pcKey       *string
			pcActive    *bool
			pcOrgID     *uuid.UUID
		)
		if err := rows.Scan(
			&d.ID, &d.ModelName, &d.ProviderModel, &d.ModelType,
			&d.ProviderType, &d.APIBase, &d.EncryptedKey, &dSettings,
			&d.Priority, &timeoutSecs, &d.IsActive,
			&d.ProviderConfigID, &d.PricingID, &d.OrgID,
			&pcID, &pcName, &pcType, &pcAPIBase, &pcSettings, &pcKey, &pcActive, &pcOrgID,
		); err != nil {
			return nil, fmt.Errorf("store: scan deployment: %w", err)
		}
		d.Timeout = time.Duration(timeoutSecs) * time.Second
		d.Settings = decodeSettings(dSettings)

		row := DeploymentRow{Deployment: d}
		if pcID != nil {
			row.Provider = &ProviderConfig{
				ID:           *pcID,
				Name:         deref(pcName),
				ProviderType: deref(pcType),
				APIBase:      deref(pcAPIBase),
				Settings:     decodeSettings(pcSettings),
				EncryptedKey: deref(pcKey),
				IsActive:     pcActive != nil && *pcActive,
				OrgID:        pcOrgID,
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (p *Postgres) TeamProviderAccess(ctx context.Context, teamID uuid.UUID) (map[uuid.UUID]bool, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT provider_config_id FROM team_provider_access WHERE team_id = $1`, teamID)
	if err != nil {
		return nil, fmt.Errorf("store: team access: %w", err)
	}
	defer rows.Close()

	access := make(map[uuid.UUID]bool)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan team access: %w", err)
		}
		access[id] = true
	}
	return access, rows.Err()
}

func (p *Postgres) APIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	var k APIKey
	err := p.pool.QueryRow(ctx, `
SELECT id, key_hash, COALESCE(name, ''), user_id, team_id, org_id,
       COALESCE(allowed_models, '{}'), COALESCE(blocked_models, '{}'),
       max_budget, COALESCE(current_spend, 0), is_active, expires_at
FROM api_keys WHERE key_hash = $1`, keyHash).Scan(
		&k.ID, &k.KeyHash, &k.Name, &k.UserID, &k.TeamID, &k.OrgID,
		&k.AllowedModels, &k.BlockedModels,
		&k.MaxBudget, &k.CurrentSpend, &k.IsActive, &k.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: api key lookup: %w", err)
	}
	return &k, nil
}

func (p *Postgres) PricingByID(ctx context.Context, id uuid.UUID) (*ModelPricing, error) {
	return p.pricing(ctx, `SELECT id, model_name, input_cost_per_token,
		output_cost_per_token, COALESCE(cached_input_cost_per_token, 0)
		FROM model_pricing WHERE id = $1`, id)
}

func (p *Postgres) PricingForModel(ctx context.Context, modelName string) (*ModelPricing, error) {
	return p.pricing(ctx, `SELECT id, model_name, input_cost_per_token,
		output_cost_per_token, COALESCE(cached_input_cost_per_token, 0)
		FROM model_pricing WHERE model_name = $1 ORDER BY created_at DESC LIMIT 1`, modelName)
}

func (p *Postgres) pricing(ctx context.Context, query string, arg any) (*ModelPricing, error) {
	var mp ModelPricing
	err := p.pool.QueryRow(ctx, query, arg).Scan(
		&mp.ID, &mp.ModelName, &mp.InputCostPerToken,
		&mp.OutputCostPerToken, &mp.CachedInputCostPerToken,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: pricing lookup: %w", err)
	}
	return &mp, nil
}

// RecordSpend appends the log row and bumps every applicable counter in one
// transaction so a crash never bills without logging or logs without billing.
func (p *Postgres) RecordSpend(ctx context.Context, log *SpendLog) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin spend tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	_, err = tx.Exec(ctx, `
INSERT INTO spend_logs (id, request_id, api_key_id, user_id, team_id, org_id,
	model, provider, endpoint_type, prompt_tokens, completion_tokens,
	total_tokens, spend, latency_ms, status, error, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		log.ID, log.RequestID, log.APIKeyID, log.UserID, log.TeamID, log.OrgID,
		log.Model, log.Provider, log.EndpointType, log.PromptTokens,
		log.CompletionTokens, log.TotalTokens, log.Spend, log.LatencyMs,
		log.Status, log.Error, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert spend log: %w", err)
	}

	counters := []struct {
		table string
		id    *uuid.UUID
	}{
		{"api_keys", log.APIKeyID},
		{"users", log.UserID},
		{"teams", log.TeamID},
		{"organizations", log.OrgID},
	}
	for _, c := range counters {
		if c.id == nil {
			continue
		}
		_, err := tx.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET current_spend = COALESCE(current_spend, 0) + $1 WHERE id = $2`, c.table),
			log.Spend, *c.id)
		if err != nil {
			return fmt.Errorf("store: increment %s spend: %w", c.table, err)
		}
	}

	return tx.Commit(ctx)
}

func (p *Postgres) ListModels(ctx context.Context) ([]ModelInfo, error) {
	rows, err := p.pool.Query(ctx, `
SELECT model_name, model_type, MIN(created_at)
FROM model_deployments WHERE is_active
GROUP BY model_name, model_type
ORDER BY model_name`)
	if err != nil {
		return nil, fmt.Errorf("store: list models: %w", err)
	}
	defer rows.Close()

	var out []ModelInfo
	for rows.Next() {
		var m ModelInfo
		if err := rows.Scan(&m.ModelName, &m.ModelType, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan model: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) UserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := p.pool.QueryRow(ctx, `
SELECT id, email, org_id, is_active
FROM users WHERE lower(email) = lower($1)`, email).Scan(
		&u.ID, &u.Email, &u.OrgID, &u.IsActive,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: user lookup: %w", err)
	}
	return &u, nil
}

func decodeSettings(raw []byte) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil || len(m) == 0 {
		return nil
	}
	return m
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
