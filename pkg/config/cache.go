package config

import (
	"sync"
	"time"
)

// Cached holds a value refreshed at most once per TTL. It replaces ad-hoc
// "remember when we last fetched" fields with one explicit object, and is
// safe for concurrent use.
type Cached[T any] struct {
	ttl  time.Duration
	load func() (T, error)
	now  func() time.Time

	mu      sync.Mutex
	value   T
	fetched time.Time
	valid   bool
}

// NewCached creates a cache that refreshes through load when the previous
// value is older than ttl.
func NewCached[T any](ttl time.Duration, load func() (T, error)) *Cached[T] {
	return &Cached[T]{ttl: ttl, load: load, now: time.Now}
}

// Get returns the cached value, refreshing it when expired. A failed refresh
// returns the error and leaves any previous value cached.
func (c *Cached[T]) Get() (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.valid && c.now().Sub(c.fetched) < c.ttl {
		return c.value, nil
	}

	value, err := c.load()
	if err != nil {
		return c.value, err
	}
	c.value = value
	c.fetched = c.now()
	c.valid = true
	return c.value, nil
}

// Invalidate discards the cached value so the next Get refreshes.
func (c *Cached[T]) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}
