package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"task-scheduler/backend/internal/config"
)

type cachedTask struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

func TestDefaultCacheConfig(t *testing.T) {
	cfg := DefaultCacheConfig()

	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Empty(t, cfg.Password)
	assert.Equal(t, 0, cfg.DB)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, 5, cfg.MinIdleConns)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.DialTimeout)
	assert.Equal(t, 3*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 3*time.Second, cfg.WriteTimeout)
}

func TestCacheConfigFrom(t *testing.T) {
	cfg := &config.Config{Redis: config.RedisConfig{Host: "cache", Port: "6380", DB: 2, PoolSize: 7}}

	cc := CacheConfigFrom(cfg)
	assert.Equal(t, "cache:6380", cc.Addr)
	assert.Equal(t, 2, cc.DB)
	assert.Equal(t, 7, cc.PoolSize)
}

func setupTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := DefaultCacheConfig()
	cfg.Addr = mr.Addr()

	c := NewRedisCache(cfg)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestNewRedisCache_WithNilConfig(t *testing.T) {
	c := NewRedisCache(nil)
	defer c.Close()

	require.NotNil(t, c)
	assert.NotNil(t, c.Client())
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := DefaultCacheConfig()
	cfg.Addr = mr.Addr()

	c, err := Connect(context.Background(), cfg, 1, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	assert.NoError(t, c.Health(context.Background()))
}

func TestConnect_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := DefaultCacheConfig()
	cfg.Addr = mr.Addr()
	cfg.MaxRetries = 0
	mr.Close()

	_, err := Connect(context.Background(), cfg, 1, zap.NewNop())
	assert.ErrorIs(t, err, ErrCacheDown)
}

func TestRedisCache_SetGet(t *testing.T) {
	c, mr := setupTestRedis(t)
	ctx := context.Background()

	task := cachedTask{ID: 1, Name: "daily-cleanup", Status: "pending"}
	require.NoError(t, c.Set(ctx, "task:1", task, time.Minute))

	var got cachedTask
	require.NoError(t, c.Get(ctx, "task:1", &got))
	assert.Equal(t, task, got)

	assert.True(t, mr.Exists(keyPrefix+"task:1"))
	assert.Equal(t, time.Minute, mr.TTL(keyPrefix+"task:1"))
}

func TestRedisCache_Miss(t *testing.T) {
	c, _ := setupTestRedis(t)

	var got cachedTask
	assert.ErrorIs(t, c.Get(context.Background(), "missing", &got), ErrCacheMiss)
}

func TestRedisCache_Expiry(t *testing.T) {
	c, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", "value", time.Second))
	mr.FastForward(2 * time.Second)

	var got string
	assert.ErrorIs(t, c.Get(ctx, "short", &got), ErrCacheMiss)
}

func TestRedisCache_DeleteAndExists(t *testing.T) {
	c, _ := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "key", "value", time.Minute))

	exists, err := c.Exists(ctx, "key")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, c.Delete(ctx, "key"))

	exists, err = c.Exists(ctx, "key")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRedisCache_DeletePattern(t *testing.T) {
	c, _ := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "tasks:1", 1, time.Minute))
	require.NoError(t, c.Set(ctx, "tasks:2", 2, time.Minute))
	require.NoError(t, c.Set(ctx, "users:1", 1, time.Minute))

	require.NoError(t, c.DeletePattern(ctx, "tasks:*"))

	for key, want := range map[string]bool{"tasks:1": false, "tasks:2": false, "users:1": true} {
		exists, err := c.Exists(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, want, exists, key)
	}
}

func TestRedisCache_InvalidateTag(t *testing.T) {
	c, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "tasks:list", []int{1, 2}, time.Minute, "tasks"))
	require.NoError(t, c.Set(ctx, "tasks:1", 1, time.Minute, "tasks"))
	require.NoError(t, c.Set(ctx, "stats", 3, time.Minute, "stats"))

	keys, err := c.InvalidateTagKeys(ctx, "tasks")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"tasks:list", "tasks:1"}, keys)

	assert.False(t, mr.Exists(keyPrefix+"tasks:list"))
	assert.False(t, mr.Exists(keyPrefix+"tasks:1"))
	assert.False(t, mr.Exists(keyPrefix+"tag:tasks"))
	assert.True(t, mr.Exists(keyPrefix+"stats"))

	require.NoError(t, c.InvalidateTag(ctx, "stats"))
	assert.False(t, mr.Exists(keyPrefix+"stats"))
}

func TestRedisCache_HealthAfterShutdown(t *testing.T) {
	c, mr := setupTestRedis(t)
	require.NoError(t, c.Health(context.Background()))

	mr.Close()
	assert.Error(t, c.Health(context.Background()))
}

func TestRedisCache_Stats(t *testing.T) {
	c, _ := setupTestRedis(t)
	require.NoError(t, c.Health(context.Background()))

	stats := c.Stats()
	assert.Contains(t, stats, "pool_total")
	assert.Contains(t, stats, "pool_idle")
}
