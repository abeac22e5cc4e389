// Package cache provides in-memory caching for the embedding and retrieval
// pipeline.
//
// EmbeddingCache stores text-hash→vector mappings to avoid redundant
// embedding-model calls for repeated or duplicate inputs. It is a strict LRU
// (§4.1): eviction happens on insertion when full, and a hit promotes the
// entry to most-recently-used.
package cache

import (
	"log/slog"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultEmbeddingCacheSize is the default max_size (§4.1).
const DefaultEmbeddingCacheSize = 10000

// EmbeddingCache is a strict-LRU cache of text-hash → embedding vector,
// backed by github.com/hashicorp/golang-lru/v2 so eviction and MRU promotion
// are both O(1) and correct by construction.
type EmbeddingCache struct {
	inner    *lru.Cache[string, []float32]
	hits     atomic.Int64
	misses   atomic.Int64
	mu       sync.Mutex // serializes insert/evict per §5; reads go through inner's own lock
}

// NewEmbeddingCache creates an EmbeddingCache bounded by maxSize entries.
func NewEmbeddingCache(maxSize int) *EmbeddingCache {
	if maxSize <= 0 {
		maxSize = DefaultEmbeddingCacheSize
	}
	inner, err := lru.New[string, []float32](maxSize)
	if err != nil {
		// Only returns an error for size <= 0, which is excluded above.
		panic(err)
	}
	return &EmbeddingCache{inner: inner}
}

// Get returns a cached vector and promotes it to most-recently-used on hit.
func (c *EmbeddingCache) Get(key string) ([]float32, bool) {
	vec, ok := c.inner.Get(key)
	if ok {
		c.hits.Add(1)
		slog.Debug("[EMBED-CACHE] hit", "key", key)
	} else {
		c.misses.Add(1)
	}
	return vec, ok
}

// Set inserts or updates a cache entry, evicting the LRU entry if full.
func (c *EmbeddingCache) Set(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := c.inner.Add(key, vec)
	if evicted {
		slog.Debug("[EMBED-CACHE] evicted LRU entry on insert", "len", c.inner.Len())
	}
}

// Len returns the number of entries currently cached.
func (c *EmbeddingCache) Len() int {
	return c.inner.Len()
}

// Stats returns the cumulative hit/miss counters (§4.1: "exposed for observability").
func (c *EmbeddingCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Purge clears all entries. Used by tests and admin tooling.
func (c *EmbeddingCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Purge()
}
