package cache

import (
	"fmt"
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"tiler/internal/metrics"
)

// DefaultLowWaterRatio is the share of capacity the cache shrinks to when it overflows.
const DefaultLowWaterRatio = 0.85

// RemovalListener is told about every entry leaving the cache, evicted or removed.
type RemovalListener[K comparable, V any] func(key K, value V)

type entry[V any] struct {
	value V
	size  int64
}

type removed[K comparable, V any] struct {
	key   K
	value V
}

// MemoryCache implements a byte-bounded LRU cache.
// Entries are tracked least-recently-used first; when an insert would push the used size over
// capacity, the oldest entries go until the result fits under the low water mark.
type MemoryCache[K comparable, V any] struct {
	mu        sync.Mutex
	name      string
	capacity  int64
	lowWater  int64
	used      int64
	lru       *simplelru.LRU[K, entry[V]]
	listeners []RemovalListener[K, V]
	pending   []removed[K, V]
}

// NewMemoryCache creates a cache holding at most capacity bytes.
func NewMemoryCache[K comparable, V any](lowWater, capacity int64) *MemoryCache[K, V] {
	c := &MemoryCache[K, V]{
		capacity: capacity,
		lowWater: lowWater,
	}
	// Size is enforced in bytes here, the LRU only keeps order.
	c.lru, _ = simplelru.NewLRU[K, entry[V]](math.MaxInt32, c.onEvict)
	return c
}

// NewMemoryCacheWithCapacity uses DefaultLowWaterRatio for the low water mark.
func NewMemoryCacheWithCapacity[K comparable, V any](capacity int64) *MemoryCache[K, V] {
	return NewMemoryCache[K, V](int64(DefaultLowWaterRatio*float64(capacity)), capacity)
}

// onEvict runs with c.mu held.
func (c *MemoryCache[K, V]) onEvict(key K, e entry[V]) {
	c.used -= e.size
	c.pending = append(c.pending, removed[K, V]{key: key, value: e.value})
}

// notify must be called without c.mu held.
func (c *MemoryCache[K, V]) notify(gone []removed[K, V], listeners []RemovalListener[K, V]) {
	for _, r := range gone {
		for _, l := range listeners {
			l(r.key, r.value)
		}
	}
}

func (c *MemoryCache[K, V]) unlockAndNotify() {
	gone := c.pending
	c.pending = nil
	listeners := c.listeners
	c.mu.Unlock()
	c.notify(gone, listeners)
}

func (c *MemoryCache[K, V]) SetName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = name
}

func (c *MemoryCache[K, V]) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// AddRemovalListener registers l for every later removal.
func (c *MemoryCache[K, V]) AddRemovalListener(l RemovalListener[K, V]) {
	if l == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *MemoryCache[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(key)
}

// Get returns the cached value and marks it most recently used.
func (c *MemoryCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		metrics.MemoryCacheMisses.Inc()
		var zero V
		return zero, false
	}
	metrics.MemoryCacheHits.Inc()
	return e.value, true
}

// Add inserts value under key. Objects with a non-positive size or larger than the whole
// capacity are refused.
func (c *MemoryCache[K, V]) Add(key K, value V, size int64) bool {
	c.mu.Lock()
	if size <= 0 || size > c.capacity {
		c.mu.Unlock()
		return false
	}

	// replacing
	c.lru.Remove(key)

	if c.used+size > c.capacity {
		c.makeSpace(size)
	}
	c.lru.Add(key, entry[V]{value: value, size: size})
	c.used += size
	c.unlockAndNotify()
	return true
}

// makeSpace evicts oldest-first until size more bytes leave the cache at or under low water.
func (c *MemoryCache[K, V]) makeSpace(size int64) {
	for c.lru.Len() > 0 && c.used+size > c.lowWater {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
		metrics.MemoryCacheEvictions.Inc()
	}
}

func (c *MemoryCache[K, V]) Remove(key K) {
	c.mu.Lock()
	c.lru.Remove(key)
	c.unlockAndNotify()
}

func (c *MemoryCache[K, V]) Clear() {
	c.mu.Lock()
	c.lru.Purge()
	c.unlockAndNotify()
}

func (c *MemoryCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *MemoryCache[K, V]) Capacity() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

func (c *MemoryCache[K, V]) UsedCapacity() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

func (c *MemoryCache[K, V]) FreeCapacity() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.used >= c.capacity {
		return 0
	}
	return c.capacity - c.used
}

func (c *MemoryCache[K, V]) LowWater() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lowWater
}

// SetCapacity changes the limit; existing entries are only trimmed by the next Add.
func (c *MemoryCache[K, V]) SetCapacity(capacity int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacity = capacity
}

// SetLowWater ignores values outside [0, capacity).
func (c *MemoryCache[K, V]) SetLowWater(lowWater int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lowWater >= 0 && lowWater < c.capacity {
		c.lowWater = lowWater
	}
}

func (c *MemoryCache[K, V]) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("MemoryCache %s max size = %d current size = %d number of items: %d",
		c.name, c.capacity, c.used, c.lru.Len())
}
