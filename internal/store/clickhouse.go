package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/nulpointcorp/llm-relay/internal/entity"
)

// Analytics mirrors request logs into ClickHouse for heavy reporting
// queries. It is optional: Postgres stays the system of record and the
// mirror is best-effort.
type Analytics struct {
	conn driver.Conn
	log  *slog.Logger
}

// NewAnalytics opens a ClickHouse connection from a DSN and verifies it.
func NewAnalytics(ctx context.Context, dsn string, log *slog.Logger) (*Analytics, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("store: clickhouse ping: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Analytics{conn: conn, log: log}, nil
}

func (a *Analytics) Close() error { return a.conn.Close() }

// InsertRequestLogs appends one batch to the mirror table.
func (a *Analytics) InsertRequestLogs(ctx context.Context, logs []entity.RequestLog) error {
	if len(logs) == 0 {
		return nil
	}
	batch, err := a.conn.PrepareBatch(ctx, `INSERT INTO request_logs
		(id, request_id, attempt_number,
		 virtual_key_id, project_id, deployment_id, connection_id,
		 input_tokens, output_tokens, cost,
		 http_status_code, error,
		 request_ts, response_ts,
		 method, path, provider,
		 deployment_name, project_name, virtual_key_alias)`)
	if err != nil {
		return fmt.Errorf("store: clickhouse batch: %w", err)
	}
	for _, l := range logs {
		err := batch.Append(
			l.ID.String(), l.RequestID.String(), int32(l.AttemptNumber),
			l.VirtualKeyID.String(), l.ProjectID.String(), l.DeploymentID.String(), l.ConnectionID.String(),
			l.InputTokens, l.OutputTokens, l.Cost,
			int32(l.HTTPStatusCode), l.Error,
			l.RequestTS, l.ResponseTS,
			l.Method, l.Path, l.Provider,
			l.DeploymentName, l.ProjectName, l.VirtualKeyAlias,
		)
		if err != nil {
			return fmt.Errorf("store: clickhouse append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("store: clickhouse send: %w", err)
	}
	return nil
}
