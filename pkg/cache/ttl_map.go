package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	storedAt  time.Time
	expiresAt time.Time
}

// TTLMap is a size-bounded map whose entries expire a fixed duration after
// they were stored. Callers pass the clock so tests stay deterministic.
type TTLMap[K comparable, V any] struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	items      map[K]entry[V]
}

// NewTTLMap returns a map with the given lifetime. maxEntries <= 0 means unbounded.
func NewTTLMap[K comparable, V any](ttl time.Duration, maxEntries int) *TTLMap[K, V] {
	return &TTLMap[K, V]{
		ttl:        ttl,
		maxEntries: maxEntries,
		items:      map[K]entry[V]{},
	}
}

func (m *TTLMap[K, V]) Get(key K, now time.Time) (V, bool) {
	var zero V
	if m == nil {
		return zero, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok {
		return zero, false
	}
	if !it.expiresAt.IsZero() && !now.Before(it.expiresAt) {
		delete(m.items, key)
		return zero, false
	}
	return it.value, true
}

func (m *TTLMap[K, V]) Put(key K, value V, now time.Time) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.items[key]; !exists && m.maxEntries > 0 && len(m.items) >= m.maxEntries {
		m.purgeLocked(now)
		if len(m.items) >= m.maxEntries {
			m.evictOldestLocked()
		}
	}
	exp := time.Time{}
	if m.ttl > 0 {
		exp = now.Add(m.ttl)
	}
	m.items[key] = entry[V]{value: value, storedAt: now, expiresAt: exp}
}

func (m *TTLMap[K, V]) Delete(key K) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}

func (m *TTLMap[K, V]) Len() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Purge drops expired entries and returns how many were removed.
func (m *TTLMap[K, V]) Purge(now time.Time) int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.purgeLocked(now)
}

func (m *TTLMap[K, V]) purgeLocked(now time.Time) int {
	removed := 0
	for k, it := range m.items {
		if !it.expiresAt.IsZero() && !now.Before(it.expiresAt) {
			delete(m.items, k)
			removed++
		}
	}
	return removed
}

func (m *TTLMap[K, V]) evictOldestLocked() {
	var (
		oldestKey K
		oldestAt  time.Time
		found     bool
	)
	for k, it := range m.items {
		if !found || it.storedAt.Before(oldestAt) {
			oldestKey, oldestAt, found = k, it.storedAt, true
		}
	}
	if found {
		delete(m.items, oldestKey)
	}
}
