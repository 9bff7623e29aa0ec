// Package cache provides the engine's capped in-memory caches.
//
// All caches evict in FIFO (insertion) order rather than LRU: the workload
// is near-uniform over a bounded working set of tokens, so recency tracking
// buys nothing and insertion order keeps eviction O(1) and predictable.
package cache

import "sync"

// FIFO is a capped map with insertion-order eviction. The zero value is not
// usable; construct with NewFIFO. Safe for concurrent use.
type FIFO[V any] struct {
	mu    sync.Mutex
	items map[string]V
	order []string
	max   int
}

// NewFIFO creates a FIFO cache capped at max entries.
func NewFIFO[V any](max int) *FIFO[V] {
	return &FIFO[V]{
		items: make(map[string]V),
		max:   max,
	}
}

// Get returns the value for key and whether it was present.
func (f *FIFO[V]) Get(key string) (V, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.items[key]
	return v, ok
}

// Set inserts or replaces the value for key, evicting the oldest insertion
// when the cap is reached. Replacing an existing key keeps its original
// insertion slot.
func (f *FIFO[V]) Set(key string, v V) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.items[key]; ok {
		f.items[key] = v
		return
	}
	if len(f.order) >= f.max {
		oldest := f.order[0]
		f.order = f.order[1:]
		delete(f.items, oldest)
	}
	f.items[key] = v
	f.order = append(f.order, key)
}

// Delete removes key if present.
func (f *FIFO[V]) Delete(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[key]; !ok {
		return
	}
	delete(f.items, key)
	for i, k := range f.order {
		if k == key {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

// Clear drops every entry.
func (f *FIFO[V]) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = make(map[string]V)
	f.order = nil
}

// Len returns the number of cached entries.
func (f *FIFO[V]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// Range calls fn for each entry until fn returns false. The iteration order
// is the insertion order. fn must not call back into the cache.
func (f *FIFO[V]) Range(fn func(key string, v V) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.order {
		if !fn(k, f.items[k]) {
			return
		}
	}
}
