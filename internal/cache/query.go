// Package cache provides in-memory and Redis-backed caching for the RAG
// pipeline.
package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// QueryCache caches serialized RAG answers by (userID, query), backed by
// Redis so cached answers survive process restarts and are shared across
// horizontally scaled instances. Callers own (de)serialization — the cache
// stores opaque bytes, keeping this package independent of the service
// package's result types.
type QueryCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewQueryCache creates a QueryCache against an existing Redis client.
func NewQueryCache(client *redis.Client, ttl time.Duration) *QueryCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &QueryCache{client: client, ttl: ttl}
}

// Get returns cached bytes for (userID, query) if present.
func (c *QueryCache) Get(ctx context.Context, userID, query string) ([]byte, bool) {
	key := queryCacheKey(userID, query)
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		slog.Warn("[CACHE] redis get failed", "error", err)
		return nil, false
	}
	slog.Info("[CACHE] hit", "user_id", userID, "key", key)
	return val, true
}

// Set stores bytes for (userID, query), expiring after the cache TTL.
func (c *QueryCache) Set(ctx context.Context, userID, query string, payload []byte) {
	key := queryCacheKey(userID, query)
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		slog.Warn("[CACHE] redis set failed", "error", err)
		return
	}
	slog.Info("[CACHE] set", "user_id", userID, "key", key, "ttl_s", int(c.ttl.Seconds()))
}

// InvalidateUser removes all cached entries for a user. Call this whenever a
// memory is created, edited, or deleted for that user.
func (c *QueryCache) InvalidateUser(ctx context.Context, userID string) {
	pattern := fmt.Sprintf("qc:%s:*", userID)
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	count := 0
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err == nil {
			count++
		}
	}
	if count > 0 {
		slog.Info("[CACHE] invalidated user", "user_id", userID, "entries_removed", count)
	}
}

// queryCacheKey builds a deterministic key: "qc:{userID}:{hex of the first 8
// bytes of sha256(query)}".
func queryCacheKey(userID, query string) string {
	h := sha256.Sum256([]byte(query))
	return fmt.Sprintf("qc:%s:%x", userID, h[:8])
}
