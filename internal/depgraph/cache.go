package depgraph

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dshills/complianceq/internal/domain"
)

// Cache memoizes built graphs per module identity. Lifetime and invalidation
// are explicit: the storage layer calls Invalidate when a module definition
// changes, and debug setups disable caching entirely.
type Cache struct {
	mu       sync.Mutex
	graphs   *lru.Cache[string, *Graph]
	disabled bool
}

// NewCache creates a graph cache holding up to size graphs. A non-positive
// size selects the default capacity.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = 128
	}
	// lru.New only fails on a non-positive size, which is guarded above.
	graphs, _ := lru.New[string, *Graph](size)
	return &Cache{graphs: graphs}
}

// SetDisabled turns caching off, so every Get rebuilds. Used in debug mode
// where module definitions change underneath the process.
func (c *Cache) SetDisabled(disabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled = disabled
}

func cacheKey(m *domain.ModuleSpec) string {
	return m.ID + "@" + m.Version
}

// Get returns the cached graph for a module, building it on a miss. A build
// failure is returned without corrupting the cache.
func (c *Cache) Get(m *domain.ModuleSpec) (*Graph, error) {
	c.mu.Lock()
	disabled := c.disabled
	c.mu.Unlock()
	if disabled {
		return Build(m)
	}

	key := cacheKey(m)
	if g, ok := c.graphs.Get(key); ok {
		return g, nil
	}
	g, err := Build(m)
	if err != nil {
		return nil, err
	}
	c.graphs.Add(key, g)
	return g, nil
}

// Invalidate removes every cached graph for a module id, across versions.
func (c *Cache) Invalidate(moduleID string) {
	for _, key := range c.graphs.Keys() {
		if strings.HasPrefix(key, moduleID+"@") {
			c.graphs.Remove(key)
		}
	}
}

// InvalidateAll clears the cache.
func (c *Cache) InvalidateAll() {
	c.graphs.Purge()
}
