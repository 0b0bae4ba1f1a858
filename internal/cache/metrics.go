package cache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// CacheMetrics counts cache traffic. Fields are updated atomically; read them
// through GetStats. Hits and misses are also broken down by key group, the
// part of the key before the first colon ("tasks", "task", "stats").
type CacheMetrics struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Errors int64 `json:"errors"`

	Sets      int64 `json:"sets"`
	Deletes   int64 `json:"deletes"`
	StartTime int64 `json:"start_time"`

	groups *sync.Map // string -> *groupCounters
}

type groupCounters struct {
	hits   atomic.Int64
	misses atomic.Int64
}

// GroupStats is the hit/miss count of one key group.
type GroupStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

func NewCacheMetrics() *CacheMetrics {
	return &CacheMetrics{
		StartTime: time.Now().Unix(),
		groups:    &sync.Map{},
	}
}

func keyGroup(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}

func (m *CacheMetrics) group(key string) *groupCounters {
	name := keyGroup(key)
	if g, ok := m.groups.Load(name); ok {
		return g.(*groupCounters)
	}
	g, _ := m.groups.LoadOrStore(name, &groupCounters{})
	return g.(*groupCounters)
}

func (m *CacheMetrics) RecordHit(key string) {
	atomic.AddInt64(&m.Hits, 1)
	m.group(key).hits.Add(1)
}

func (m *CacheMetrics) RecordMiss(key string) {
	atomic.AddInt64(&m.Misses, 1)
	m.group(key).misses.Add(1)
}

func (m *CacheMetrics) RecordError() {
	atomic.AddInt64(&m.Errors, 1)
}

func (m *CacheMetrics) RecordSet() {
	atomic.AddInt64(&m.Sets, 1)
}

func (m *CacheMetrics) RecordDelete() {
	atomic.AddInt64(&m.Deletes, 1)
}

func (m *CacheMetrics) GetStats() CacheMetrics {
	return CacheMetrics{
		Hits:      atomic.LoadInt64(&m.Hits),
		Misses:    atomic.LoadInt64(&m.Misses),
		Errors:    atomic.LoadInt64(&m.Errors),
		Sets:      atomic.LoadInt64(&m.Sets),
		Deletes:   atomic.LoadInt64(&m.Deletes),
		StartTime: atomic.LoadInt64(&m.StartTime),
	}
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return float64(hits) / float64(total) * 100.0
}

func (m *CacheMetrics) HitRate() float64 {
	return hitRate(atomic.LoadInt64(&m.Hits), atomic.LoadInt64(&m.Misses))
}

// Groups reports hits and misses per key group.
func (m *CacheMetrics) Groups() map[string]GroupStats {
	out := make(map[string]GroupStats)
	m.groups.Range(func(k, v interface{}) bool {
		g := v.(*groupCounters)
		hits, misses := g.hits.Load(), g.misses.Load()
		out[k.(string)] = GroupStats{Hits: hits, Misses: misses, HitRate: hitRate(hits, misses)}
		return true
	})
	return out
}

// Snapshot flattens the counters for JSON status endpoints.
func (m *CacheMetrics) Snapshot() map[string]interface{} {
	stats := m.GetStats()
	return map[string]interface{}{
		"hits":       stats.Hits,
		"misses":     stats.Misses,
		"errors":     stats.Errors,
		"sets":       stats.Sets,
		"deletes":    stats.Deletes,
		"hit_rate":   m.HitRate(),
		"groups":     m.Groups(),
		"uptime_sec": time.Now().Unix() - stats.StartTime,
	}
}

func (m *CacheMetrics) Reset() {
	atomic.StoreInt64(&m.Hits, 0)
	atomic.StoreInt64(&m.Misses, 0)
	atomic.StoreInt64(&m.Errors, 0)
	atomic.StoreInt64(&m.Sets, 0)
	atomic.StoreInt64(&m.Deletes, 0)
	m.groups.Range(func(k, _ interface{}) bool {
		m.groups.Delete(k)
		return true
	})
	atomic.StoreInt64(&m.StartTime, time.Now().Unix())
}
