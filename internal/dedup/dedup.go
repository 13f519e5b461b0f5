// Package dedup provides a bounded in-memory cache of recently-seen message
// ids, discarding replays from the pull-based sync API.
//
// The cache is intentionally volatile: after a restart, cursor resumption
// plus staleness filtering bound the impact of re-admitted ids.
package dedup

import (
	"log/slog"
	"sync"
)

// DefaultCapacity is the default bound on remembered message ids.
const DefaultCapacity = 5000

// Cache is a bounded, insertion-ordered set of message ids. When an insert
// would exceed the capacity, the oldest half of the entries is evicted first.
// This trades strict recency for amortized-O(1) inserts over a true LRU.
type Cache struct {
	mu       sync.Mutex
	capacity int
	seen     map[string]struct{}
	order    []string
}

// NewCache creates a cache bounded to the given capacity. A capacity of zero
// or less falls back to DefaultCapacity.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
	}
}

// IsDuplicate reports whether the id has been observed before. The first
// observation records the id and returns false; later observations return
// true until the id is evicted.
func (c *Cache) IsDuplicate(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[id]; ok {
		return true
	}

	if len(c.order) >= c.capacity {
		c.evictOldestHalf()
	}

	c.seen[id] = struct{}{}
	c.order = append(c.order, id)
	return false
}

// evictOldestHalf drops the oldest half of the entries by insertion order.
// Caller must hold c.mu.
func (c *Cache) evictOldestHalf() {
	n := c.capacity / 2
	if n > len(c.order) {
		n = len(c.order)
	}
	for _, id := range c.order[:n] {
		delete(c.seen, id)
	}
	c.order = append(c.order[:0:0], c.order[n:]...)
	slog.Debug("Dedup cache evicted oldest entries", "evicted", n, "remaining", len(c.order))
}

// Len returns the number of ids currently remembered.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// Reset forgets every remembered id. Intended for tests and engine teardown.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = make(map[string]struct{}, c.capacity)
	c.order = nil
}
