package registry

import (
	"sync"
	"sync/atomic"
)

// View is an immutable snapshot of a Registry.
type View[K comparable, V any] struct {
	entries map[K]V
}

// Get returns the value for key and whether it exists.
func (v *View[K, V]) Get(key K) (V, bool) {
	val, ok := v.entries[key]
	return val, ok
}

// Has reports whether key exists.
func (v *View[K, V]) Has(key K) bool {
	_, ok := v.entries[key]
	return ok
}

// Len returns the number of entries.
func (v *View[K, V]) Len() int {
	return len(v.entries)
}

// Keys returns all keys. The order is not guaranteed.
func (v *View[K, V]) Keys() []K {
	keys := make([]K, 0, len(v.entries))
	for k := range v.entries {
		keys = append(keys, k)
	}
	return keys
}

// Range calls fn for every entry until fn returns false.
func (v *View[K, V]) Range(fn func(K, V) bool) {
	for k, val := range v.entries {
		if !fn(k, val) {
			return
		}
	}
}

// Registry is a copy-on-write map safe for concurrent use.
type Registry[K comparable, V any] struct {
	mu   sync.Mutex // serializes writers
	view atomic.Pointer[View[K, V]]
}

// New creates a new empty registry.
func New[K comparable, V any]() *Registry[K, V] {
	r := &Registry[K, V]{}
	r.view.Store(&View[K, V]{entries: map[K]V{}})
	return r
}

// Snapshot returns the current immutable view.
func (r *Registry[K, V]) Snapshot() *View[K, V] {
	return r.view.Load()
}

// update copies the current entries, applies fn and publishes the result.
// Must be called with r.mu held.
func (r *Registry[K, V]) update(fn func(map[K]V)) {
	cur := r.view.Load().entries
	next := make(map[K]V, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	fn(next)
	r.view.Store(&View[K, V]{entries: next})
}

// Register adds or updates a value.
func (r *Registry[K, V]) Register(key K, value V) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.update(func(m map[K]V) { m[key] = value })
}

// RegisterMany adds multiple entries in one snapshot.
func (r *Registry[K, V]) RegisterMany(entries map[K]V) {
	if len(entries) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.update(func(m map[K]V) {
		for k, v := range entries {
			m[k] = v
		}
	})
}

// Delete removes key and reports whether it was present.
func (r *Registry[K, V]) Delete(key K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.view.Load().Has(key) {
		return false
	}
	r.update(func(m map[K]V) { delete(m, key) })
	return true
}

// Get returns the value for a key and whether it exists.
func (r *Registry[K, V]) Get(key K) (V, bool) {
	return r.Snapshot().Get(key)
}

// Has returns true if the key exists in the registry.
func (r *Registry[K, V]) Has(key K) bool {
	return r.Snapshot().Has(key)
}

// Keys returns all keys in the registry.
// The order is not guaranteed.
func (r *Registry[K, V]) Keys() []K {
	return r.Snapshot().Keys()
}

// Len returns the number of entries in the registry.
func (r *Registry[K, V]) Len() int {
	return r.Snapshot().Len()
}

// Range iterates over a snapshot of the registry. Register and Delete
// during iteration do not affect it.
func (r *Registry[K, V]) Range(fn func(K, V) bool) {
	r.Snapshot().Range(fn)
}

// GetOrCreate returns the value for a key, creating it with factory if it
// doesn't exist. factory is called at most once per key.
func (r *Registry[K, V]) GetOrCreate(key K, factory func() V) V {
	if v, ok := r.Get(key); ok {
		return v
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.view.Load().Get(key); ok {
		return v
	}
	v := factory()
	r.update(func(m map[K]V) { m[key] = v })
	return v
}
