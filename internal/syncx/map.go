// Package syncx provides a generic typed wrapper over sync.Map, used
// by the Connection Service for its channel registry and by the
// forwarders for their listener tables.
package syncx

import "sync"

// Map is a typed wrapper around sync.Map.
type Map[K comparable, V any] struct {
	inner sync.Map
}

// Store sets the value for a key.
func (m *Map[K, V]) Store(key K, value V) {
	m.inner.Store(key, value)
}

// Load returns the value stored for a key, if any.
func (m *Map[K, V]) Load(key K) (V, bool) {
	v, ok := m.inner.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

// LoadAndDelete deletes the value for a key, returning the previous
// value if any.
func (m *Map[K, V]) LoadAndDelete(key K) (V, bool) {
	v, ok := m.inner.LoadAndDelete(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

// Delete removes the value for a key.
func (m *Map[K, V]) Delete(key K) {
	m.inner.Delete(key)
}

// Len counts entries by scanning the map; callers on a hot path should
// avoid calling this under contention.
func (m *Map[K, V]) Len() int {
	n := 0
	m.inner.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Range iterates all key/value pairs until f returns false.
func (m *Map[K, V]) Range(f func(key K, value V) bool) {
	m.inner.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}
