// Package shard provides a map split across independently locked shards so
// that writes to distinct keys rarely contend and reads never block reads.
package shard

import (
	"hash/fnv"
	"sort"
	"sync"
)

const count = 32

type bucket[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// Map is a string-keyed concurrent map.
type Map[V any] struct {
	buckets [count]*bucket[V]
}

// New creates an empty Map.
func New[V any]() *Map[V] {
	m := &Map[V]{}
	for i := range m.buckets {
		m.buckets[i] = &bucket[V]{items: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) bucket(key string) *bucket[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.buckets[h.Sum32()%count]
}

// Get returns the value stored under key.
func (m *Map[V]) Get(key string) (V, bool) {
	b := m.bucket(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.items[key]
	return v, ok
}

// Set stores v under key.
func (m *Map[V]) Set(key string, v V) {
	b := m.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[key] = v
}

// SetIfAbsent stores v only when key is unused and reports whether it did.
func (m *Map[V]) SetIfAbsent(key string, v V) bool {
	b := m.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.items[key]; exists {
		return false
	}
	b.items[key] = v
	return true
}

// Delete removes key and returns the previous value.
func (m *Map[V]) Delete(key string) (V, bool) {
	b := m.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.items[key]
	if ok {
		delete(b.items, key)
	}
	return v, ok
}

// Update applies fn to the value under key while holding the shard lock.
// fn returns the new value and whether to keep it.
func (m *Map[V]) Update(key string, fn func(old V, exists bool) (V, bool)) {
	b := m.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	old, exists := b.items[key]
	nv, keep := fn(old, exists)
	if keep {
		b.items[key] = nv
	} else if exists {
		delete(b.items, key)
	}
}

// Keys returns every key in sorted order.
func (m *Map[V]) Keys() []string {
	var keys []string
	for _, b := range m.buckets {
		b.mu.RLock()
		for k := range b.items {
			keys = append(keys, k)
		}
		b.mu.RUnlock()
	}
	sort.Strings(keys)
	return keys
}

// Values returns the values ordered by key.
func (m *Map[V]) Values() []V {
	keys := m.Keys()
	out := make([]V, 0, len(keys))
	for _, k := range keys {
		if v, ok := m.Get(k); ok {
			out = append(out, v)
		}
	}
	return out
}

// Len returns the number of entries.
func (m *Map[V]) Len() int {
	n := 0
	for _, b := range m.buckets {
		b.mu.RLock()
		n += len(b.items)
		b.mu.RUnlock()
	}
	return n
}
