package cache

import (
	"sort"
	"sync"
)

// Registry holds named memory caches. The application creates one and hands it to every
// layer, layers sharing a name share the cache.
type Registry[K comparable, V any] struct {
	mu     sync.RWMutex
	caches map[string]*MemoryCache[K, V]
}

func NewRegistry[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{caches: make(map[string]*MemoryCache[K, V])}
}

func (r *Registry[K, V]) Add(name string, c *MemoryCache[K, V]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caches[name] = c
}

func (r *Registry[K, V]) Get(name string) (*MemoryCache[K, V], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caches[name]
	return c, ok
}

func (r *Registry[K, V]) Contains(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// GetOrAdd returns the cache stored under name, creating it with create when missing.
func (r *Registry[K, V]) GetOrAdd(name string, create func() *MemoryCache[K, V]) *MemoryCache[K, V] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.caches[name]; ok {
		return c
	}
	c := create()
	r.caches[name] = c
	return c
}

func (r *Registry[K, V]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caches))
	for n := range r.caches {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Clear empties every cache but keeps them registered.
func (r *Registry[K, V]) Clear() {
	r.mu.RLock()
	caches := make([]*MemoryCache[K, V], 0, len(r.caches))
	for _, c := range r.caches {
		caches = append(caches, c)
	}
	r.mu.RUnlock()
	for _, c := range caches {
		c.Clear()
	}
}
