package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-relay/internal/usage"
)

// resourceColumns whitelists the per-resource filter column; anything else
// never reaches the SQL text.
var resourceColumns = map[usage.Resource]string{
	usage.ResourceVirtualKey: "virtual_key_id",
	usage.ResourceDeployment: "deployment_id",
	usage.ResourceConnection: "connection_id",
	usage.ResourceProject:    "project_id",
}

// AggregateUsage derives the four window totals for one node from
// request_logs. The month window is the base filter; the narrower windows
// are conditional sums over the same scan.
func (s *Store) AggregateUsage(ctx context.Context, resource usage.Resource, id uuid.UUID, now time.Time) (usage.Totals, error) {
	col, ok := resourceColumns[resource]
	if !ok {
		return usage.Totals{}, fmt.Errorf("store: unknown usage resource %q", resource)
	}

	minuteStart := usage.WindowStart(usage.PeriodMinute, now)
	hourStart := usage.WindowStart(usage.PeriodHour, now)
	dayStart := usage.WindowStart(usage.PeriodDay, now)
	monthStart := usage.WindowStart(usage.PeriodMonth, now)

	query := fmt.Sprintf(`
		SELECT
			COALESCE(SUM(CASE WHEN request_ts >= $2 THEN cost ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN request_ts >= $2 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN request_ts >= $2 THEN input_tokens + output_tokens ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN request_ts >= $3 THEN cost ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN request_ts >= $3 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN request_ts >= $3 THEN input_tokens + output_tokens ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN request_ts >= $4 THEN cost ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN request_ts >= $4 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN request_ts >= $4 THEN input_tokens + output_tokens ELSE 0 END), 0),
			COALESCE(SUM(cost), 0),
			COUNT(*),
			COALESCE(SUM(input_tokens + output_tokens), 0)
		FROM request_logs
		WHERE %s = $1 AND request_ts >= $5`, col)

	var t usage.Totals
	err := s.pool.QueryRow(ctx, query, id, minuteStart, hourStart, dayStart, monthStart).Scan(
		&t.Minute.Cost, &t.Minute.Requests, &t.Minute.Tokens,
		&t.Hour.Cost, &t.Hour.Requests, &t.Hour.Tokens,
		&t.Day.Cost, &t.Day.Requests, &t.Day.Tokens,
		&t.Month.Cost, &t.Month.Requests, &t.Month.Tokens,
	)
	if err != nil {
		return usage.Totals{}, fmt.Errorf("store: aggregate usage: %w", err)
	}
	return t, nil
}
