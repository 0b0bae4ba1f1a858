package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Cache is what services depend on. Implementations treat the cache as
// advisory: a failing backend degrades to misses rather than errors.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration, tags ...string) error
	Delete(ctx context.Context, key string) error
	InvalidateTag(ctx context.Context, tag string) error
	Stats() map[string]interface{}
	Health(ctx context.Context) error
	Close() error
}

const defaultL1TTL = 30 * time.Second

// MultiLevelCache serves reads from memory first and Redis second. Redis is
// optional and sits behind a circuit breaker.
type MultiLevelCache struct {
	l1      *MemoryCache
	l2      *RedisCache
	breaker *CircuitBreaker
	metrics *CacheMetrics
	l1TTL   time.Duration
	log     *zap.Logger
}

func NewMultiLevelCache(redisCache *RedisCache, log *zap.Logger) *MultiLevelCache {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("cache")

	breaker := NewCircuitBreaker(nil)
	breaker.OnStateChange(func(from, to CircuitBreakerState) {
		log.Warn("redis circuit breaker changed state", zap.Stringer("from", from), zap.Stringer("to", to))
	})

	return &MultiLevelCache{
		l1:      NewMemoryCache(),
		l2:      redisCache,
		breaker: breaker,
		metrics: NewCacheMetrics(),
		l1TTL:   defaultL1TTL,
		log:     log,
	}
}

func (c *MultiLevelCache) l1Expiry(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > c.l1TTL {
		return c.l1TTL
	}
	return ttl
}

func (c *MultiLevelCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration, tags ...string) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	c.l1.Set(key, data, c.l1Expiry(ttl), tags...)
	c.metrics.RecordSet()

	if c.l2 != nil {
		err := c.breaker.Execute(func() error {
			return c.l2.SetRaw(ctx, key, data, ttl, tags...)
		})
		if err != nil {
			c.metrics.RecordError()
			c.log.Debug("l2 set skipped", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

func (c *MultiLevelCache) Get(ctx context.Context, key string, dest interface{}) error {
	if data, found := c.l1.Get(key); found {
		c.metrics.RecordHit(key)
		return json.Unmarshal(data, dest)
	}

	if c.l2 == nil {
		c.metrics.RecordMiss(key)
		return ErrCacheMiss
	}

	var data []byte
	miss := false
	err := c.breaker.Execute(func() error {
		var err error
		data, err = c.l2.GetRaw(ctx, key)
		if errors.Is(err, ErrCacheMiss) {
			miss = true
			return nil
		}
		return err
	})
	if err != nil {
		c.metrics.RecordError()
		c.metrics.RecordMiss(key)
		c.log.Debug("l2 get failed", zap.String("key", key), zap.Error(err))
		return ErrCacheMiss
	}
	if miss {
		c.metrics.RecordMiss(key)
		return ErrCacheMiss
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.metrics.RecordError()
		return fmt.Errorf("failed to unmarshal cached data: %w", err)
	}
	c.metrics.RecordHit(key)
	// The tags are not known here; InvalidateTag evicts the copy using the
	// tag membership Redis reports.
	c.l1.Set(key, data, c.l1TTL)
	return nil
}

func (c *MultiLevelCache) Delete(ctx context.Context, key string) error {
	c.l1.Delete(key)
	c.metrics.RecordDelete()

	if c.l2 != nil {
		return c.breaker.Execute(func() error { return c.l2.Delete(ctx, key) })
	}
	return nil
}

// InvalidateTag drops every entry carrying tag from both levels. Entries
// copied into memory from Redis are found through the Redis tag set.
func (c *MultiLevelCache) InvalidateTag(ctx context.Context, tag string) error {
	c.l1.InvalidateTag(tag)
	c.metrics.RecordDelete()

	if c.l2 == nil {
		return nil
	}
	return c.breaker.Execute(func() error {
		keys, err := c.l2.InvalidateTagKeys(ctx, tag)
		for _, key := range keys {
			c.l1.Delete(key)
		}
		return err
	})
}

func (c *MultiLevelCache) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"l1":      c.l1.Stats(),
		"metrics": c.metrics.Snapshot(),
	}

	if c.l2 != nil {
		stats["l2"] = c.l2.Stats()
		stats["circuit_breaker"] = c.breaker.GetStats()
	}
	return stats
}

// Metrics exposes the shared counters.
func (c *MultiLevelCache) Metrics() *CacheMetrics {
	return c.metrics
}

// Purge drops expired L1 entries.
func (c *MultiLevelCache) Purge() int {
	return c.l1.PurgeExpired()
}

func (c *MultiLevelCache) Health(ctx context.Context) error {
	if c.l2 != nil {
		return c.l2.Health(ctx)
	}
	return nil
}

func (c *MultiLevelCache) Close() error {
	if c.l2 != nil {
		return c.l2.Close()
	}
	return nil
}
