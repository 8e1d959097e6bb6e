package masking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// CacheConfig contains the Redis cache configuration
type CacheConfig struct {
	KeyPrefix string
	// TTL of cached entries; zero keeps them forever, which is safe because
	// entries are never mutated.
	TTL time.Duration
}

// CacheStats reports cache effectiveness
type CacheStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// CachedStore puts a Redis read-through cache in front of another Store. The
// wrapped store stays the single source of truth; Redis only short-circuits
// lookups of originals that were already resolved.
type CachedStore struct {
	Store
	client *redis.Client
	config CacheConfig
	logger *zap.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

// NewCachedStore wraps store with a Redis cache using client
func NewCachedStore(store Store, client *redis.Client, config CacheConfig, logger *zap.Logger) *CachedStore {
	return &CachedStore{
		Store:  store,
		client: client,
		config: config,
		logger: logger,
	}
}

// Get looks the original up in Redis first, then in the wrapped store
func (c *CachedStore) Get(ctx context.Context, original string) (*Entry, error) {
	if entry, ok := c.lookup(ctx, original); ok {
		return entry, nil
	}

	entry, err := c.Store.Get(ctx, original)
	if err != nil {
		return nil, err
	}
	c.remember(ctx, entry)
	return entry, nil
}

// GetOrCreate resolves through the cache and fills it on allocation
func (c *CachedStore) GetOrCreate(ctx context.Context, original string, category Category, generate Generator) (*Entry, error) {
	if entry, ok := c.lookup(ctx, original); ok {
		return entry, nil
	}

	entry, err := c.Store.GetOrCreate(ctx, original, category, generate)
	if err != nil {
		return nil, err
	}
	c.remember(ctx, entry)
	return entry, nil
}

// Stats returns hit/miss counters
func (c *CachedStore) Stats() CacheStats {
	stats := CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load()}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}
	return stats
}

// Clear removes every cached entry under the configured prefix
func (c *CachedStore) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.config.KeyPrefix+":map:*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}

	batchSize := 100
	for i := 0; i < len(keys); i += batchSize {
		end := i + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		if err := c.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			return fmt.Errorf("failed to delete cache keys: %w", err)
		}
	}

	c.logger.Info("Masking cache cleared", zap.Int("deleted_keys", len(keys)))
	return nil
}

// Close closes the wrapped store; the Redis client is owned by the caller
func (c *CachedStore) Close() error {
	return c.Store.Close()
}

func (c *CachedStore) lookup(ctx context.Context, original string) (*Entry, bool) {
	data, err := c.client.Get(ctx, c.key(original)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.misses.Add(1)
		return nil, false
	}
	if err != nil {
		// Redis trouble degrades to the database path
		c.logger.Warn("Masking cache lookup failed", zap.Error(err))
		c.misses.Add(1)
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Warn("Dropping corrupted cache entry", zap.Error(err))
		c.client.Del(ctx, c.key(original))
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return &entry, true
}

func (c *CachedStore) remember(ctx context.Context, entry *Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn("Failed to marshal masking entry for cache", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, c.key(entry.OriginalValue), data, c.config.TTL).Err(); err != nil {
		c.logger.Warn("Failed to cache masking entry", zap.Error(err))
	}
}

func (c *CachedStore) key(original string) string {
	return c.config.KeyPrefix + ":map:" + original
}
