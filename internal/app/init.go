package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/llm-relay/internal/balance"
	"github.com/nulpointcorp/llm-relay/internal/graph"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/proxy"
	"github.com/nulpointcorp/llm-relay/internal/secret"
	"github.com/nulpointcorp/llm-relay/internal/store"
	"github.com/nulpointcorp/llm-relay/internal/usage"
	"github.com/nulpointcorp/llm-relay/internal/writer"
)

// initInfra establishes the external connections. Postgres is required;
// Redis and ClickHouse are optional.
func (a *App) initInfra(ctx context.Context) error {
	a.box = secret.NewBox(a.cfg.ApplicationSecret)

	a.log.Info("connecting to postgres",
		slog.String("host", a.cfg.DB.Host),
		slog.String("database", a.cfg.DB.Name))

	db, err := store.New(ctx, a.cfg.DB.DSN(), a.cfg.DB.PoolMin, a.cfg.DB.PoolMax, a.box, a.log)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	a.db = db

	if a.cfg.Redis.Enabled() {
		a.log.Info("connecting to redis", slog.String("addr", a.cfg.Redis.Addr()))
		rdb, err := connectRedis(ctx, a.cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
	} else {
		a.log.Warn("redis not configured; usage counters run in local-only mode")
	}

	if a.cfg.ClickHouseURL != "" {
		ch, err := store.NewAnalytics(ctx, a.cfg.ClickHouseURL, a.log)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.analytics = ch
		a.log.Info("request log analytics mirror enabled")
	}

	return nil
}

// initServices creates the usage engine, the graph resolver, the balancer,
// the telemetry writers, and the metrics registry.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()

	if a.rdb != nil {
		a.engine = usage.NewEngine(a.rdb, a.db, a.log)
	} else {
		a.engine = usage.NewEngine(nil, a.db, a.log)
	}

	cache := graph.NewCache(a.cfg.GraphCacheTTL)
	a.resolver = graph.NewResolver(a.db, a.engine, cache, a.log)
	a.resolver.SetMetrics(a.prom)

	a.balancer = balance.New()

	var mirror writer.LogSink
	if a.analytics != nil {
		mirror = a.analytics
	}
	a.logWriter = writer.NewRequestLogWriter(ctx, a.db, mirror,
		a.cfg.Writers.LogFlushInterval, a.cfg.Writers.LogFlushBatch, a.log)
	a.usageWriter = writer.NewUsageWriter(ctx, a.engine,
		a.cfg.Writers.UsageFlushInterval, a.cfg.Writers.UsageFlushBatch, a.log)

	return nil
}

// initGateway wires the dispatcher.
func (a *App) initGateway(_ context.Context) error {
	a.gw = proxy.NewGateway(a.baseCtx, a.resolver, a.balancer, a.logWriter, a.usageWriter,
		proxy.GatewayOptions{
			Logger:          a.log,
			ProviderTimeout: a.cfg.ProviderTimeout,
			Metrics:         a.prom,
			Ready:           a.readiness,
		})
	return nil
}

// readiness probes the stores the hot path depends on.
func (a *App) readiness(ctx context.Context) error {
	if err := a.db.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if a.rdb != nil {
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}
