package cache

import (
	"path"
	"sync"
	"time"
)

type memoryItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is the process-local level. It stores encoded values so callers
// never share mutable state through it.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	tags  map[string]map[string]struct{}
	now   func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		items: make(map[string]memoryItem),
		tags:  make(map[string]map[string]struct{}),
		now:   time.Now,
	}
}

func (m *MemoryCache) Set(key string, data []byte, ttl time.Duration, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := memoryItem{data: data}
	if ttl > 0 {
		item.expiresAt = m.now().Add(ttl)
	}
	m.items[key] = item

	for _, tag := range tags {
		members, ok := m.tags[tag]
		if !ok {
			members = make(map[string]struct{})
			m.tags[tag] = members
		}
		members[key] = struct{}{}
	}
}

func (m *MemoryCache) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if !item.expiresAt.IsZero() && m.now().After(item.expiresAt) {
		m.Delete(key)
		return nil, false
	}
	return item.data, true
}

func (m *MemoryCache) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
}

// DeletePattern removes keys matching a path.Match glob and reports how many
// were removed.
func (m *MemoryCache) DeletePattern(pattern string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key := range m.items {
		if ok, _ := path.Match(pattern, key); ok {
			delete(m.items, key)
			removed++
		}
	}
	return removed
}

func (m *MemoryCache) InvalidateTag(tag string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	members := m.tags[tag]
	for key := range members {
		delete(m.items, key)
	}
	delete(m.tags, tag)
	return len(members)
}

// PurgeExpired drops expired entries and returns how many were removed.
func (m *MemoryCache) PurgeExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, item := range m.items {
		if !item.expiresAt.IsZero() && now.After(item.expiresAt) {
			delete(m.items, key)
			removed++
		}
	}
	return removed
}

func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func (m *MemoryCache) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]interface{}{
		"items": len(m.items),
		"tags":  len(m.tags),
	}
}
