package spend

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"github.com/modelriver/modelriver/internal/store"
)

// ClickHouseMirror duplicates spend rows into a ClickHouse table for
// analytics queries. Postgres stays authoritative; the mirror is best
// effort and the recorder logs and drops its failures.
type ClickHouseMirror struct {
	conn  driver.Conn
	table string
}

// NewClickHouseMirror opens a native-protocol connection. dsn example:
// "clickhouse://default:@localhost:9000/modelriver".
func NewClickHouseMirror(ctx context.Context, dsn, table string) (*ClickHouseMirror, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("spend: parse clickhouse dsn: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("spend: clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("spend: clickhouse ping: %w", err)
	}
	if table == "" {
		table = "spend_logs"
	}
	return &ClickHouseMirror{conn: conn, table: table}, nil
}

func (m *ClickHouseMirror) Close() error { return m.conn.Close() }

func (m *ClickHouseMirror) Insert(ctx context.Context, logs []store.SpendLog) error {
	batch, err := m.conn.PrepareBatch(ctx, fmt.Sprintf(`
INSERT INTO %s (id, request_id, api_key_id, user_id, team_id, org_id, model,
	provider, endpoint_type, prompt_tokens, completion_tokens, total_tokens,
	spend, latency_ms, status, error, created_at)`, m.table))
	if err != nil {
		return fmt.Errorf("spend: prepare batch: %w", err)
	}
	for _, l := range logs {
		spend, _ := l.Spend.Float64()
		if err := batch.Append(
			l.ID.String(), l.RequestID,
			uuidOrEmpty(l.APIKeyID), uuidOrEmpty(l.UserID),
			uuidOrEmpty(l.TeamID), uuidOrEmpty(l.OrgID),
			l.Model, l.Provider, l.EndpointType,
			uint32(l.PromptTokens), uint32(l.CompletionTokens), uint32(l.TotalTokens),
			spend, l.LatencyMs, l.Status, l.Error, l.CreatedAt,
		); err != nil {
			return fmt.Errorf("spend: batch append: %w", err)
		}
	}
	return batch.Send()
}

func uuidOrEmpty(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
