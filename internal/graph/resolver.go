package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-relay/internal/entity"
	"github.com/nulpointcorp/llm-relay/internal/secret"
	"github.com/nulpointcorp/llm-relay/internal/usage"
)

// Store is the relational access the resolver needs. Lookups report absence
// with found=false; errors are infrastructure failures only.
type Store interface {
	GetVirtualKey(ctx context.Context, id uuid.UUID) (entity.VirtualKey, bool, error)
	GetDeploymentByName(ctx context.Context, name string) (entity.Deployment, bool, error)
	GetProject(ctx context.Context, id uuid.UUID) (entity.Project, bool, error)
	GetVirtualKeyDeployment(ctx context.Context, virtualKeyID, deploymentID uuid.UUID) (entity.VirtualKeyDeployment, bool, error)
	GetConnectionDeployments(ctx context.Context, ids []uuid.UUID) ([]entity.ConnectionDeployment, error)
	GetConnections(ctx context.Context, ids []uuid.UUID) ([]entity.Connection, error)
}

// CacheMetrics observes local cache effectiveness. Implementations must be
// nil-receiver safe.
type CacheMetrics interface {
	GraphCacheHit()
	GraphCacheMiss()
}

// Resolver builds hydrated graphs from the store, the local skeleton cache,
// and the usage engine.
type Resolver struct {
	store   Store
	engine  *usage.Engine
	cache   *Cache
	metrics CacheMetrics
	log     *slog.Logger
}

func NewResolver(store Store, engine *usage.Engine, cache *Cache, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{store: store, engine: engine, cache: cache, log: log}
}

// SetMetrics injects the cache effectiveness counters.
func (r *Resolver) SetMetrics(m CacheMetrics) {
	r.metrics = m
}

// Resolve authenticates apiKey, resolves model to its deployment and
// connection candidates, and hydrates usage counters on every node.
// skipCache forces a fresh relational load.
func (r *Resolver) Resolve(ctx context.Context, apiKey, model string, skipCache bool, now time.Time) (*Graph, error) {
	virtualKeyID := secret.VirtualKeyID(apiKey)

	var g *Graph
	if !skipCache {
		if cached, ok := r.cache.Get(virtualKeyID, model, now); ok {
			g = cached
			if r.metrics != nil {
				r.metrics.GraphCacheHit()
			}
		} else if r.metrics != nil {
			r.metrics.GraphCacheMiss()
		}
	}

	if g == nil {
		loaded, err := r.load(ctx, virtualKeyID, model)
		if err != nil {
			return nil, err
		}
		g = loaded
		r.cache.Put(virtualKeyID, model, g, now)
	}

	if g.VirtualKey.Data.Blocked {
		return nil, &LoadError{Kind: KindInvalidVirtualKey}
	}

	stats, err := r.engine.LoadMany(ctx, g.UsageRefs(), now)
	if err != nil {
		return nil, fmt.Errorf("graph: hydrate usage: %w", err)
	}
	g.applyUsage(stats)

	return g, nil
}

// load performs the ordered relational join, stopping at the first absent
// row with its mapped error.
func (r *Resolver) load(ctx context.Context, virtualKeyID uuid.UUID, model string) (*Graph, error) {
	vk, found, err := r.store.GetVirtualKey(ctx, virtualKeyID)
	if err != nil {
		return nil, fmt.Errorf("graph: load virtual key: %w", err)
	}
	if !found {
		return nil, &LoadError{Kind: KindInvalidVirtualKey}
	}

	dep, found, err := r.store.GetDeploymentByName(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("graph: load deployment: %w", err)
	}
	if !found {
		return nil, &LoadError{Kind: KindInvalidDeploymentName, Detail: model}
	}

	proj, found, err := r.store.GetProject(ctx, vk.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("graph: load project: %w", err)
	}
	if !found {
		return nil, &LoadError{Kind: KindInconsistentProject}
	}

	_, found, err = r.store.GetVirtualKeyDeployment(ctx, vk.ID, dep.ID)
	if err != nil {
		return nil, fmt.Errorf("graph: load authorization: %w", err)
	}
	if !found {
		return nil, &LoadError{Kind: KindInvalidVirtualKeyDeployment, Detail: model}
	}

	links, err := r.store.GetConnectionDeployments(ctx, dep.Connections)
	if err != nil {
		return nil, fmt.Errorf("graph: load connection deployments: %w", err)
	}
	if len(links) != len(dep.Connections) {
		return nil, &LoadError{Kind: KindInconsistentConnectionDeployments}
	}

	connIDs := make([]uuid.UUID, len(links))
	for i, l := range links {
		connIDs[i] = l.ConnectionID
	}
	conns, err := r.store.GetConnections(ctx, connIDs)
	if err != nil {
		return nil, fmt.Errorf("graph: load connections: %w", err)
	}
	byID := make(map[uuid.UUID]entity.Connection, len(conns))
	for _, c := range conns {
		byID[c.ID] = c
	}

	nodes := make([]ConnectionNode, 0, len(links))
	for _, l := range links {
		conn, ok := byID[l.ConnectionID]
		if !ok {
			return nil, &LoadError{Kind: KindInconsistentConnection}
		}
		nodes = append(nodes, ConnectionNode{
			Data:                   conn,
			ConnectionDeploymentID: l.ID,
			Weight:                 l.Weight,
		})
	}

	return &Graph{
		VirtualKey:  VirtualKeyNode{Data: vk},
		Deployment:  DeploymentNode{Data: dep},
		Project:     ProjectNode{Data: proj},
		Connections: nodes,
	}, nil
}
