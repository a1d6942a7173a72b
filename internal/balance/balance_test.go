package balance

import (
	"testing"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-relay/internal/entity"
	"github.com/nulpointcorp/llm-relay/internal/graph"
)

// testGraph builds a graph with n connections under the given strategy.
// Weights apply positionally when provided.
func testGraph(strategy entity.Strategy, weights ...uint16) *graph.Graph {
	g := &graph.Graph{}
	g.Deployment.Data = entity.Deployment{ID: uuid.New(), Strategy: strategy}
	for _, w := range weights {
		g.Connections = append(g.Connections, graph.ConnectionNode{
			Data:   entity.Connection{ID: uuid.New()},
			Weight: w,
		})
	}
	return g
}

// pickCounts runs n picks and tallies them by candidate index.
func pickCounts(t *testing.T, b *Balancer, g *graph.Graph, n int) map[int]int {
	t.Helper()
	byID := make(map[uuid.UUID]int, len(g.Connections))
	for i, c := range g.Connections {
		byID[c.Data.ID] = i
	}

	counts := make(map[int]int)
	for i := 0; i < n; i++ {
		conn, err := b.Pick(g)
		if err != nil {
			t.Fatalf("pick %d: %v", i, err)
		}
		counts[byID[conn.Data.ID]]++
	}
	return counts
}

func TestPick_NoConnections(t *testing.T) {
	b := New()
	if _, err := b.Pick(testGraph(entity.StrategyRoundRobin)); err != ErrNoConnections {
		t.Fatalf("expected ErrNoConnections, got %v", err)
	}
}

func TestRoundRobin_Cycles(t *testing.T) {
	b := New()
	g := testGraph(entity.StrategyRoundRobin, 0, 0, 0)

	var got []int
	byID := map[uuid.UUID]int{}
	for i, c := range g.Connections {
		byID[c.Data.ID] = i
	}
	for i := 0; i < 6; i++ {
		conn, err := b.Pick(g)
		if err != nil {
			t.Fatalf("pick: %v", err)
		}
		got = append(got, byID[conn.Data.ID])
	}

	want := []int{0, 1, 2, 0, 1, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pick sequence = %v, want %v", got, want)
		}
	}
}

func TestRoundRobin_IndexIsPerDeployment(t *testing.T) {
	b := New()
	g1 := testGraph(entity.StrategyRoundRobin, 0, 0)
	g2 := testGraph(entity.StrategyRoundRobin, 0, 0)

	first1, _ := b.Pick(g1)
	first2, _ := b.Pick(g2)

	if first1.Data.ID != g1.Connections[0].Data.ID {
		t.Error("g1 rotation did not start at index 0")
	}
	if first2.Data.ID != g2.Connections[0].Data.ID {
		t.Error("g2 rotation must be independent of g1's")
	}
}

func TestWeightedRoundRobin_Proportional(t *testing.T) {
	b := New()
	g := testGraph(entity.StrategyWeightedRoundRobin, 3, 1)

	counts := pickCounts(t, b, g, 8)
	if counts[0] != 6 || counts[1] != 2 {
		t.Fatalf("counts = %v, want 6/2 over 8 picks at weights 3:1", counts)
	}
}

func TestWeightedRoundRobin_ZeroWeightsDegrade(t *testing.T) {
	b := New()
	g := testGraph(entity.StrategyWeightedRoundRobin, 0, 0)

	counts := pickCounts(t, b, g, 10)
	if counts[0] != 5 || counts[1] != 5 {
		t.Fatalf("counts = %v, want even split when all weights are zero", counts)
	}
}

func TestLeastConnections(t *testing.T) {
	b := New()
	g := testGraph(entity.StrategyLeastConnections, 0, 0, 0)

	// Load the first two connections; picks must land on the idle third.
	b.MarkOpened(g.Connections[0].Data.ID)
	b.MarkOpened(g.Connections[0].Data.ID)
	b.MarkOpened(g.Connections[1].Data.ID)

	conn, err := b.Pick(g)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if conn.Data.ID != g.Connections[2].Data.ID {
		t.Fatal("expected the idle connection")
	}

	// Ties keep slice order.
	b.MarkClosed(g.Connections[1].Data.ID)
	conn, _ = b.Pick(g)
	if conn.Data.ID != g.Connections[1].Data.ID {
		t.Fatal("tie between #1 and #2 must resolve to the earlier candidate")
	}
}

func TestWeightedLeastConnections_Ratios(t *testing.T) {
	b := New()
	g := testGraph(entity.StrategyWeightedLeastConnections, 4, 1)

	// 2/4 < 1/1, so the heavier connection still wins despite more load.
	b.MarkOpened(g.Connections[0].Data.ID)
	b.MarkOpened(g.Connections[0].Data.ID)
	b.MarkOpened(g.Connections[1].Data.ID)

	conn, err := b.Pick(g)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if conn.Data.ID != g.Connections[0].Data.ID {
		t.Fatal("expected the connection with the lower open/weight ratio")
	}
}

func TestWeightedLeastConnections_ZeroWeightTreatedAsOne(t *testing.T) {
	b := New()
	g := testGraph(entity.StrategyWeightedLeastConnections, 0, 2)

	b.MarkOpened(g.Connections[0].Data.ID) // ratio 1/1
	b.MarkOpened(g.Connections[1].Data.ID) // ratio 1/2

	conn, _ := b.Pick(g)
	if conn.Data.ID != g.Connections[1].Data.ID {
		t.Fatal("zero weight must divide by one, not by zero")
	}
}

func TestGauge_SaturatesAtZero(t *testing.T) {
	b := New()
	id := uuid.New()

	b.MarkClosed(id)
	if got := b.Opened(id); got != 0 {
		t.Fatalf("gauge = %d after close on empty, want 0", got)
	}

	b.MarkOpened(id)
	b.MarkOpened(id)
	b.MarkClosed(id)
	if got := b.Opened(id); got != 1 {
		t.Fatalf("gauge = %d, want 1", got)
	}
}
