package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/desertthunder/setgraph/internal/metrics"
)

// ResponseCache stores raw external API responses in Redis, keyed by source
// and a hash of the query, with a per-source TTL.
type ResponseCache struct {
	client   *redis.Client
	registry *metrics.Registry
}

// NewResponseCache creates the cache. A nil client disables caching.
func NewResponseCache(client *redis.Client, registry *metrics.Registry) *ResponseCache {
	return &ResponseCache{client: client, registry: registry}
}

func cacheKey(source Source, query string) string {
	sum := sha256.Sum256([]byte(query))
	return "setgraph:apicache:" + string(source) + ":" + hex.EncodeToString(sum[:16])
}

// Get returns the cached response for the query, if present.
func (c *ResponseCache) Get(ctx context.Context, source Source, query string) ([]byte, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	data, err := c.client.Get(ctx, cacheKey(source, query)).Bytes()
	if err != nil {
		c.observe(source, "miss")
		return nil, false
	}

	c.observe(source, "hit")
	return data, true
}

// Set stores a response under the query hash with the given TTL.
func (c *ResponseCache) Set(ctx context.Context, source Source, query string, data []byte, ttl time.Duration) {
	if c == nil || c.client == nil || ttl <= 0 {
		return
	}
	c.client.Set(ctx, cacheKey(source, query), data, ttl) // best effort
	c.observe(source, "store")
}

func (c *ResponseCache) observe(source Source, result string) {
	if c.registry != nil {
		c.registry.CacheOps.WithLabelValues(string(source), result).Inc()
	}
}
