package registry

import (
	"sync"
	"sync/atomic"
	"time"
)

type toolKey struct {
	tenantID string
	name     string
}

func cacheKey(tenantID, name string) toolKey {
	return toolKey{tenantID: tenantID, name: name}
}

// ToolCache holds resolved definitions for the dispatch path with a TTL and
// stale-while-revalidate. A nil tool is a negative entry: the tool is absent
// or inactive.
//
// Every key carries a generation that Delete bumps. A load that started
// before a Delete stores its result with SetIfGeneration and is discarded.
type ToolCache struct {
	entries sync.Map // map[toolKey]*toolEntry
	ttl     time.Duration
	now     func() time.Time

	mu   sync.Mutex // guards gens and orders writes against Delete
	gens map[toolKey]uint64
}

type toolEntry struct {
	tool       *ToolDefinition
	freshUntil time.Time
	generation uint64
	refreshing atomic.Bool
}

// CacheGetResult is the outcome of ToolCache.Get.
type CacheGetResult struct {
	Tool         *ToolDefinition // nil on a miss or a negative entry
	Hit          bool            // an entry exists, fresh or stale
	NeedsRefresh bool            // stale, and this caller must reload it
	Generation   uint64          // pass to SetIfGeneration after reloading
}

func NewToolCache(ttl time.Duration) *ToolCache {
	return &ToolCache{ttl: ttl, now: time.Now, gens: make(map[toolKey]uint64)}
}

// Get never blocks on a hit. Exactly one caller per stale entry sees NeedsRefresh.
func (c *ToolCache) Get(tenantID, name string) CacheGetResult {
	key := cacheKey(tenantID, name)
	v, ok := c.entries.Load(key)
	if !ok {
		c.mu.Lock()
		gen := c.gens[key]
		c.mu.Unlock()
		return CacheGetResult{Generation: gen}
	}
	e := v.(*toolEntry)
	if c.now().Before(e.freshUntil) {
		return CacheGetResult{Tool: e.tool, Hit: true, Generation: e.generation}
	}
	return CacheGetResult{
		Tool:         e.tool,
		Hit:          true,
		NeedsRefresh: e.refreshing.CompareAndSwap(false, true),
		Generation:   e.generation,
	}
}

// Set stores tool under a fresh TTL. nil records a negative entry.
func (c *ToolCache) Set(tenantID, name string, tool *ToolDefinition) {
	key := cacheKey(tenantID, name)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(key, tool, c.gens[key])
}

// SetIfGeneration stores tool only if no Delete happened since generation
// was read. It reports whether the value was stored.
func (c *ToolCache) SetIfGeneration(tenantID, name string, tool *ToolDefinition, generation uint64) bool {
	key := cacheKey(tenantID, name)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[key] != generation {
		return false
	}
	c.store(key, tool, generation)
	return true
}

func (c *ToolCache) store(key toolKey, tool *ToolDefinition, generation uint64) {
	c.entries.Store(key, &toolEntry{
		tool:       tool,
		freshUntil: c.now().Add(c.ttl),
		generation: generation,
	})
}

// Delete evicts the entry and invalidates loads already in flight.
func (c *ToolCache) Delete(tenantID, name string) {
	key := cacheKey(tenantID, name)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[key]++
	c.entries.Delete(key)
}
