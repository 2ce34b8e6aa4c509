package msgbus

import (
	"sync"

	"go.uber.org/atomic"
)

// cache is a concurrent memo of computed values and the errors
// produced computing them.
//
// A cache with a non-zero limit holds at most that many entries, and
// only remembers successful results. Caches keyed by peer supplied
// data must set a limit.
type cache[K comparable, V any] struct {
	limit int64

	m    sync.Map
	size atomic.Int64
}

type cacheEntry[V any] struct {
	val V
	err error
}

// Get returns the cached result for k, computing it with fn on a
// miss. Concurrent misses may compute fn more than once, the first
// stored result wins.
func (c *cache[K, V]) Get(k K, fn func(K) (V, error)) (V, error) {
	if ent, ok := c.m.Load(k); ok {
		e := ent.(cacheEntry[V])
		return e.val, e.err
	}
	val, err := fn(k)
	if c.limit > 0 {
		if err != nil || c.size.Load() >= c.limit {
			return val, err
		}
	}
	ent, loaded := c.m.LoadOrStore(k, cacheEntry[V]{val, err})
	if !loaded {
		c.size.Inc()
	}
	e := ent.(cacheEntry[V])
	return e.val, e.err
}

// Len returns the number of cached entries.
func (c *cache[K, V]) Len() int { return int(c.size.Load()) }
