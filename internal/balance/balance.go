// Package balance picks one connection from a graph's candidate list under
// the deployment's strategy, and tracks the in-flight gauge the two
// least-connections policies rely on. All state is process-local; restarts
// reset the rotation.
package balance

import (
	"errors"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-relay/internal/entity"
	"github.com/nulpointcorp/llm-relay/internal/graph"
)

// ErrNoConnections is returned when the graph carries no candidates.
var ErrNoConnections = errors.New("balance: no connections available")

// Balancer holds the round-robin indexes (per deployment) and the
// opened-connections gauge (per connection). Locks are short-held; no I/O
// happens under them.
type Balancer struct {
	mu      sync.Mutex
	rrIndex map[uuid.UUID]uint64
	opened  map[uuid.UUID]uint64
}

func New() *Balancer {
	return &Balancer{
		rrIndex: make(map[uuid.UUID]uint64),
		opened:  make(map[uuid.UUID]uint64),
	}
}

// Pick selects a connection from g under g.Deployment.Data.Strategy.
// Candidate order is the graph's own ordering, stable within a snapshot.
func (b *Balancer) Pick(g *graph.Graph) (*graph.ConnectionNode, error) {
	if len(g.Connections) == 0 {
		return nil, ErrNoConnections
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch g.Deployment.Data.Strategy {
	case entity.StrategyWeightedRoundRobin:
		return b.weightedRoundRobin(g), nil
	case entity.StrategyLeastConnections:
		return b.leastConnections(g), nil
	case entity.StrategyWeightedLeastConnections:
		return b.weightedLeastConnections(g), nil
	default:
		return b.roundRobin(g), nil
	}
}

// MarkOpened increments the in-flight gauge for connectionID.
func (b *Balancer) MarkOpened(connectionID uuid.UUID) {
	b.mu.Lock()
	b.opened[connectionID]++
	b.mu.Unlock()
}

// MarkClosed decrements the gauge, saturating at zero.
func (b *Balancer) MarkClosed(connectionID uuid.UUID) {
	b.mu.Lock()
	if b.opened[connectionID] > 0 {
		b.opened[connectionID]--
	}
	b.mu.Unlock()
}

// Opened reports the current gauge value for connectionID.
func (b *Balancer) Opened(connectionID uuid.UUID) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened[connectionID]
}

// roundRobin advances the deployment's index exactly once per pick.
func (b *Balancer) roundRobin(g *graph.Graph) *graph.ConnectionNode {
	n := uint64(len(g.Connections))
	depID := g.Deployment.Data.ID
	idx := b.rrIndex[depID] % n
	b.rrIndex[depID] = (idx + 1) % n
	return &g.Connections[idx]
}

// weightedRoundRobin walks the cumulative weights; a zero total weight
// degrades to plain round robin.
func (b *Balancer) weightedRoundRobin(g *graph.Graph) *graph.ConnectionNode {
	var total uint64
	for _, c := range g.Connections {
		total += uint64(c.Weight)
	}
	if total == 0 {
		return b.roundRobin(g)
	}

	depID := g.Deployment.Data.ID
	pos := b.rrIndex[depID] % total
	b.rrIndex[depID] = (pos + 1) % total

	var cum uint64
	for i := range g.Connections {
		cum += uint64(g.Connections[i].Weight)
		if cum > pos {
			return &g.Connections[i]
		}
	}
	return &g.Connections[len(g.Connections)-1]
}

// leastConnections picks the minimum gauge; ties keep slice order.
func (b *Balancer) leastConnections(g *graph.Graph) *graph.ConnectionNode {
	best := 0
	bestOpen := b.opened[g.Connections[0].Data.ID]
	for i := 1; i < len(g.Connections); i++ {
		open := b.opened[g.Connections[i].Data.ID]
		if open < bestOpen {
			best, bestOpen = i, open
		}
	}
	return &g.Connections[best]
}

// weightedLeastConnections compares open/max(weight,1) ratios; NaN compares
// equal, ties keep slice order.
func (b *Balancer) weightedLeastConnections(g *graph.Graph) *graph.ConnectionNode {
	ratio := func(c *graph.ConnectionNode) float64 {
		w := float64(c.Weight)
		if w < 1 {
			w = 1
		}
		return float64(b.opened[c.Data.ID]) / w
	}

	best := 0
	bestRatio := ratio(&g.Connections[0])
	for i := 1; i < len(g.Connections); i++ {
		r := ratio(&g.Connections[i])
		if math.IsNaN(r) || math.IsNaN(bestRatio) {
			continue
		}
		if r < bestRatio {
			best, bestRatio = i, r
		}
	}
	return &g.Connections[best]
}
