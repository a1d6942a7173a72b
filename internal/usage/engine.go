package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// counterTTL keeps cached counters alive for the current rate-limit window
// plus a grace; increments renew it.
const counterTTL = 60 * time.Second

// Aggregator is the relational fallback: it derives the four window totals
// for one node from request_logs.
type Aggregator interface {
	AggregateUsage(ctx context.Context, resource Resource, id uuid.UUID, now time.Time) (Totals, error)
}

// Engine loads and increments usage counters. The KV store is the fast path;
// any node with a missing cell is reloaded from the relational store and the
// derived values are written back with a short TTL. A nil Redis client puts
// the engine in local-only mode where every load aggregates from the DB.
type Engine struct {
	rdb   redis.UniversalClient
	store Aggregator
	log   *slog.Logger
}

func NewEngine(rdb redis.UniversalClient, store Aggregator, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{rdb: rdb, store: store, log: log}
}

// LoadMany hydrates usage stats for a set of nodes with a single MGET.
// KV failures degrade to per-node DB aggregation; a DB failure is returned.
func (e *Engine) LoadMany(ctx context.Context, refs []Ref, now time.Time) ([]Stats, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	if e.rdb == nil {
		return e.loadFromStore(ctx, refs, now)
	}

	keys := make([]string, 0, len(refs)*12)
	for _, ref := range refs {
		keys = append(keys, KeySet(ref, now)...)
	}

	values, err := e.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		e.log.WarnContext(ctx, "usage cache read failed, falling back to db",
			slog.String("error", err.Error()))
		return e.loadFromStore(ctx, refs, now)
	}

	out := make([]Stats, len(refs))
	for i, ref := range refs {
		block := values[i*12 : (i+1)*12]
		stats := ExtractStats(block)
		if stats.Complete() {
			out[i] = stats
			continue
		}

		totals, err := e.store.AggregateUsage(ctx, ref.Resource, ref.ID, now)
		if err != nil {
			return nil, fmt.Errorf("usage: aggregate %s %s: %w", ref.Resource, ref.ID, err)
		}
		out[i] = StatsFromTotals(totals)
		e.writeBack(ctx, ref, block, totals, now)
	}
	return out, nil
}

func (e *Engine) loadFromStore(ctx context.Context, refs []Ref, now time.Time) ([]Stats, error) {
	out := make([]Stats, len(refs))
	for i, ref := range refs {
		totals, err := e.store.AggregateUsage(ctx, ref.Resource, ref.ID, now)
		if err != nil {
			return nil, fmt.Errorf("usage: aggregate %s %s: %w", ref.Resource, ref.ID, err)
		}
		out[i] = StatsFromTotals(totals)
	}
	return out, nil
}

// writeBack seeds only the cells that were absent, so concurrent increments
// on live cells are never clobbered. Errors are logged and swallowed — the
// cache is advisory.
func (e *Engine) writeBack(ctx context.Context, ref Ref, block []any, totals Totals, now time.Time) {
	pipe := e.rdb.Pipeline()
	idx := 0
	for _, m := range Metrics {
		for _, p := range Periods {
			missing := idx >= len(block) || !decodeCell(m, block[idx]).IsSet()
			idx++
			if !missing {
				continue
			}
			key := Key(ref.Resource, ref.ID, m, p, now)
			w := totals.window(p)
			switch m {
			case MetricBudget:
				pipe.IncrByFloat(ctx, key, w.Cost)
			case MetricRequests:
				pipe.IncrBy(ctx, key, w.Requests)
			case MetricTokens:
				pipe.IncrBy(ctx, key, w.Tokens)
			}
			pipe.Expire(ctx, key, counterTTL)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		e.log.WarnContext(ctx, "usage cache writeback failed",
			slog.String("resource", string(ref.Resource)),
			slog.String("id", ref.ID.String()),
			slog.String("error", err.Error()))
	}
}

// Record is one completed attempt's contribution to the counters.
type Record struct {
	VirtualKeyID uuid.UUID
	DeploymentID uuid.UUID
	ConnectionID uuid.UUID
	ProjectID    uuid.UUID

	Cost   float64
	Tokens int64
	TS     time.Time
}

// Refs expands the record into its four counter-bearing nodes.
func (r Record) Refs() []Ref {
	return []Ref{
		{ResourceVirtualKey, r.VirtualKeyID},
		{ResourceDeployment, r.DeploymentID},
		{ResourceConnection, r.ConnectionID},
		{ResourceProject, r.ProjectID},
	}
}

// Increment applies a batch of records as one pipelined write: per record
// 48 keys (4 resources × 3 metrics × 4 periods), integer metrics via INCRBY,
// budget via INCRBYFLOAT, every key's TTL renewed.
func (e *Engine) Increment(ctx context.Context, recs []Record) error {
	if e.rdb == nil || len(recs) == 0 {
		return nil
	}

	pipe := e.rdb.Pipeline()
	for _, rec := range recs {
		ts := rec.TS
		if ts.IsZero() {
			ts = time.Now()
		}
		for _, ref := range rec.Refs() {
			for _, p := range Periods {
				reqKey := Key(ref.Resource, ref.ID, MetricRequests, p, ts)
				pipe.IncrBy(ctx, reqKey, 1)
				pipe.Expire(ctx, reqKey, counterTTL)

				budKey := Key(ref.Resource, ref.ID, MetricBudget, p, ts)
				pipe.IncrByFloat(ctx, budKey, rec.Cost)
				pipe.Expire(ctx, budKey, counterTTL)

				tokKey := Key(ref.Resource, ref.ID, MetricTokens, p, ts)
				pipe.IncrBy(ctx, tokKey, rec.Tokens)
				pipe.Expire(ctx, tokKey, counterTTL)
			}
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("usage: increment pipeline: %w", err)
	}
	return nil
}
