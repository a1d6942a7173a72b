package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-relay/internal/entity"
	"github.com/nulpointcorp/llm-relay/internal/secret"
	"github.com/nulpointcorp/llm-relay/internal/usage"
)

// fixture is an in-memory Store with one complete authorization graph.
type fixture struct {
	vk    entity.VirtualKey
	dep   entity.Deployment
	proj  entity.Project
	vkd   []entity.VirtualKeyDeployment
	links []entity.ConnectionDeployment
	conns []entity.Connection

	loads int
}

func newFixture(apiKey, model string) *fixture {
	f := &fixture{}
	f.proj = entity.Project{ID: uuid.New(), Name: "team"}
	f.vk = entity.VirtualKey{ID: secret.VirtualKeyID(apiKey), Alias: "ci", ProjectID: f.proj.ID}

	c1 := entity.Connection{ID: uuid.New(), APIKey: "upstream-key-1"}
	c2 := entity.Connection{ID: uuid.New(), APIKey: "upstream-key-2"}
	f.conns = []entity.Connection{c1, c2}

	f.dep = entity.Deployment{
		ID:       uuid.New(),
		Name:     model,
		Strategy: entity.StrategyRoundRobin,
	}
	for _, c := range f.conns {
		link := entity.ConnectionDeployment{
			ID:           uuid.New(),
			DeploymentID: f.dep.ID,
			ConnectionID: c.ID,
			Weight:       1,
		}
		f.links = append(f.links, link)
		f.dep.Connections = append(f.dep.Connections, link.ID)
	}

	f.vkd = []entity.VirtualKeyDeployment{{VirtualKeyID: f.vk.ID, DeploymentID: f.dep.ID}}
	return f
}

func (f *fixture) GetVirtualKey(_ context.Context, id uuid.UUID) (entity.VirtualKey, bool, error) {
	f.loads++
	if id == f.vk.ID {
		return f.vk, true, nil
	}
	return entity.VirtualKey{}, false, nil
}

func (f *fixture) GetDeploymentByName(_ context.Context, name string) (entity.Deployment, bool, error) {
	if name == f.dep.Name {
		return f.dep, true, nil
	}
	return entity.Deployment{}, false, nil
}

func (f *fixture) GetProject(_ context.Context, id uuid.UUID) (entity.Project, bool, error) {
	if id == f.proj.ID {
		return f.proj, true, nil
	}
	return entity.Project{}, false, nil
}

func (f *fixture) GetVirtualKeyDeployment(_ context.Context, vkID, depID uuid.UUID) (entity.VirtualKeyDeployment, bool, error) {
	for _, v := range f.vkd {
		if v.VirtualKeyID == vkID && v.DeploymentID == depID {
			return v, true, nil
		}
	}
	return entity.VirtualKeyDeployment{}, false, nil
}

func (f *fixture) GetConnectionDeployments(_ context.Context, ids []uuid.UUID) ([]entity.ConnectionDeployment, error) {
	var out []entity.ConnectionDeployment
	for _, id := range ids {
		for _, l := range f.links {
			if l.ID == id {
				out = append(out, l)
			}
		}
	}
	return out, nil
}

func (f *fixture) GetConnections(_ context.Context, ids []uuid.UUID) ([]entity.Connection, error) {
	var out []entity.Connection
	for _, id := range ids {
		for _, c := range f.conns {
			if c.ID == id {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func (f *fixture) AggregateUsage(_ context.Context, _ usage.Resource, _ uuid.UUID, _ time.Time) (usage.Totals, error) {
	return usage.Totals{Month: usage.WindowTotals{Requests: 5}}, nil
}

func newTestResolver(f *fixture, ttl time.Duration) *Resolver {
	engine := usage.NewEngine(nil, f, nil)
	return NewResolver(f, engine, NewCache(ttl), nil)
}

func TestResolve_HappyPath(t *testing.T) {
	f := newFixture("vk-abc", "gpt-4o")
	r := newTestResolver(f, time.Second)

	g, err := r.Resolve(context.Background(), "vk-abc", "gpt-4o", false, time.Now())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if g.VirtualKey.Data.ID != f.vk.ID || g.Project.Data.ID != f.proj.ID {
		t.Error("graph nodes do not match the store rows")
	}
	if len(g.Connections) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(g.Connections))
	}
	if g.Connections[0].Weight != 1 || g.Connections[0].ConnectionDeploymentID != f.links[0].ID {
		t.Error("edge attributes not carried onto the connection node")
	}
	// Usage hydrated on every node.
	if g.Project.Usage.Requests.Month.Int() != 5 || g.Connections[1].Usage.Requests.Month.Int() != 5 {
		t.Error("usage counters not hydrated")
	}
}

func TestResolve_ErrorLadder(t *testing.T) {
	cases := []struct {
		name   string
		apiKey string
		model  string
		mutate func(*fixture)
		kind   LoadErrorKind
		status int
	}{
		{"unknown key", "vk-wrong", "gpt-4o", nil, KindInvalidVirtualKey, 401},
		{"unknown deployment", "vk-abc", "nope", nil, KindInvalidDeploymentName, 404},
		{"unauthorized deployment", "vk-abc", "gpt-4o",
			func(f *fixture) { f.vkd = nil }, KindInvalidVirtualKeyDeployment, 404},
		{"missing project", "vk-abc", "gpt-4o",
			func(f *fixture) { f.proj.ID = uuid.New() }, KindInconsistentProject, 500},
		{"missing links", "vk-abc", "gpt-4o",
			func(f *fixture) { f.links = f.links[:1] }, KindInconsistentConnectionDeployments, 500},
		{"missing connection", "vk-abc", "gpt-4o",
			func(f *fixture) { f.conns = f.conns[:1] }, KindInconsistentConnection, 500},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture("vk-abc", "gpt-4o")
			if tc.mutate != nil {
				tc.mutate(f)
			}
			r := newTestResolver(f, time.Second)

			_, err := r.Resolve(context.Background(), tc.apiKey, tc.model, false, time.Now())
			var le *LoadError
			if !errors.As(err, &le) {
				t.Fatalf("expected LoadError, got %v", err)
			}
			if le.Kind != tc.kind {
				t.Fatalf("kind = %d, want %d", le.Kind, tc.kind)
			}
			if le.HTTPStatus() != tc.status {
				t.Fatalf("status = %d, want %d", le.HTTPStatus(), tc.status)
			}
		})
	}
}

func TestResolve_BlockedKey(t *testing.T) {
	f := newFixture("vk-abc", "gpt-4o")
	f.vk.Blocked = true
	r := newTestResolver(f, time.Second)

	_, err := r.Resolve(context.Background(), "vk-abc", "gpt-4o", false, time.Now())
	var le *LoadError
	if !errors.As(err, &le) || le.Kind != KindInvalidVirtualKey {
		t.Fatalf("blocked key must resolve like an unknown key, got %v", err)
	}
}

func TestResolve_CacheSkipsReload(t *testing.T) {
	f := newFixture("vk-abc", "gpt-4o")
	r := newTestResolver(f, time.Minute)
	ctx := context.Background()
	now := time.Now()

	if _, err := r.Resolve(ctx, "vk-abc", "gpt-4o", false, now); err != nil {
		t.Fatal(err)
	}
	loadsAfterFirst := f.loads

	if _, err := r.Resolve(ctx, "vk-abc", "gpt-4o", false, now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if f.loads != loadsAfterFirst {
		t.Error("a fresh cache entry must not hit the store")
	}

	// skipCache forces the relational load.
	if _, err := r.Resolve(ctx, "vk-abc", "gpt-4o", true, now.Add(2*time.Second)); err != nil {
		t.Fatal(err)
	}
	if f.loads == loadsAfterFirst {
		t.Error("skipCache must bypass the cache")
	}
}

func TestCache_TTLAndCloneIsolation(t *testing.T) {
	f := newFixture("vk-abc", "gpt-4o")
	cache := NewCache(100 * time.Millisecond)
	now := time.Now()

	g, err := newTestResolver(f, time.Minute).load(context.Background(), f.vk.ID, "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	cache.Put(f.vk.ID, "gpt-4o", g, now)

	got, ok := cache.Get(f.vk.ID, "gpt-4o", now.Add(50*time.Millisecond))
	if !ok {
		t.Fatal("expected a fresh hit")
	}

	// Mutating the returned copy must not leak into later reads.
	got.Connections[0].Weight = 99
	again, ok := cache.Get(f.vk.ID, "gpt-4o", now.Add(60*time.Millisecond))
	if !ok {
		t.Fatal("expected a second hit")
	}
	if again.Connections[0].Weight == 99 {
		t.Error("cache entries must not alias handed-out graphs")
	}

	if _, ok := cache.Get(f.vk.ID, "gpt-4o", now.Add(200*time.Millisecond)); ok {
		t.Error("expired entries must miss")
	}
	if cache.Len() != 0 {
		t.Error("expired entries are removed on access")
	}
}
