package graph

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type cacheKey struct {
	virtualKeyID uuid.UUID
	model        string
}

type cacheEntry struct {
	graph      *Graph
	insertedAt time.Time
}

// Cache is the process-local graph skeleton cache keyed by
// (virtual key id, model name). Entries are last-writer-wins; concurrent
// misses may each load independently.
type Cache struct {
	mu    sync.Mutex
	items map[cacheKey]cacheEntry
	ttl   time.Duration
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		items: make(map[cacheKey]cacheEntry),
		ttl:   ttl,
	}
}

// Get returns a cloned skeleton when a fresh entry exists. Stale entries are
// removed lazily on access.
func (c *Cache) Get(virtualKeyID uuid.UUID, model string, now time.Time) (*Graph, bool) {
	k := cacheKey{virtualKeyID: virtualKeyID, model: model}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.items[k]
	if !ok {
		return nil, false
	}
	if now.Sub(entry.insertedAt) > c.ttl {
		delete(c.items, k)
		return nil, false
	}
	return entry.graph.clone(), true
}

// Put stores a cloned skeleton under (virtualKeyID, model).
func (c *Cache) Put(virtualKeyID uuid.UUID, model string, g *Graph, now time.Time) {
	k := cacheKey{virtualKeyID: virtualKeyID, model: model}

	c.mu.Lock()
	c.items[k] = cacheEntry{graph: g.clone(), insertedAt: now}
	c.mu.Unlock()
}

// Len reports the number of cached skeletons, stale entries included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
