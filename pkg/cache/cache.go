package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type Options struct {
	TTL                  time.Duration
	StaleWhileRevalidate time.Duration
	NegativeTTL          time.Duration
	MaxEntries           int
}

type MetricsHooks struct {
	OnHit   func(labels map[string]string)
	OnMiss  func(labels map[string]string)
	OnStale func(labels map[string]string)
	OnStore func(labels map[string]string)
	OnError func(labels map[string]string)
}

type entry struct {
	value     interface{}
	err       error
	expiresAt time.Time
	staleAt   time.Time
	negative  bool
	lastUsed  time.Time
}

// Cache is an in-process TTL cache with stale-while-revalidate and
// singleflight load coalescing. Response caching for query results
// uses Set/Peek with per-entry TTLs; loader-driven callers use Get.
type Cache struct {
	mu      sync.RWMutex
	items   map[string]*entry
	order   []string
	opts    Options
	metrics MetricsHooks
	sf      singleflight.Group
}

func New(opts Options, hooks MetricsHooks) *Cache {
	return &Cache{
		items:   make(map[string]*entry),
		order:   make([]string, 0, 128),
		opts:    opts,
		metrics: hooks,
	}
}

type Loader func(ctx context.Context, key string) (interface{}, bool, error)

type loadResult struct {
	val interface{}
	ok  bool
	err error
}

func (c *Cache) Get(ctx context.Context, key string, loader Loader) (interface{}, bool, error) {
	now := time.Now()
	c.mu.RLock()
	if e, ok := c.items[key]; ok {
		if now.Before(e.expiresAt) {
			e.lastUsed = now
			c.mu.RUnlock()
			if c.metrics.OnHit != nil {
				c.metrics.OnHit(map[string]string{"key": key})
			}
			if e.negative {
				return nil, false, e.err
			}
			return e.value, true, nil
		}
		if now.Before(e.staleAt) {
			// SWR: return stale and refresh in background once
			if c.metrics.OnStale != nil {
				c.metrics.OnStale(map[string]string{"key": key})
			}
			go func() {
				_, _, _ = c.sf.Do("refresh:"+key, func() (interface{}, error) {
					val, ok, err := loader(ctx, key)
					c.store(key, val, ok, err, 0)
					return nil, nil
				})
			}()
			val, ok := e.value, !e.negative
			c.mu.RUnlock()
			if ok {
				return val, true, nil
			}
			return nil, false, e.err
		}
		// Hard expired: drop and load synchronously
		c.mu.RUnlock()
		c.mu.Lock()
		delete(c.items, key)
		c.removeFromOrder(key)
		c.mu.Unlock()
	} else {
		c.mu.RUnlock()
	}

	if c.metrics.OnMiss != nil {
		c.metrics.OnMiss(map[string]string{"key": key})
	}
	result, _, _ := c.sf.Do(key, func() (interface{}, error) {
		val, ok, err := loader(ctx, key)
		c.store(key, val, ok, err, 0)
		return loadResult{val: val, ok: ok, err: err}, nil
	})
	res := result.(loadResult)
	if !res.ok {
		return nil, false, res.err
	}
	return res.val, true, nil
}

// store inserts a loaded value; ttl <= 0 falls back to the configured TTL.
func (c *Cache) store(key string, val interface{}, ok bool, err error, ttl time.Duration) {
	now := time.Now()
	if ttl <= 0 {
		ttl = c.opts.TTL
	}
	e := &entry{lastUsed: now}
	if ok {
		e.value = val
		e.expiresAt = now.Add(ttl)
		e.staleAt = e.expiresAt.Add(c.opts.StaleWhileRevalidate)
	} else {
		if c.opts.NegativeTTL <= 0 {
			// Do not store negatives
			if c.metrics.OnError != nil {
				c.metrics.OnError(map[string]string{"key": key})
			}
			return
		}
		e.err = err
		e.negative = true
		e.expiresAt = now.Add(c.opts.NegativeTTL)
		e.staleAt = e.expiresAt
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = e
	c.evictIfNeeded()
	if c.metrics.OnStore != nil {
		c.metrics.OnStore(map[string]string{"key": key, "ok": boolStr(ok)})
	}
}

func (c *Cache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *Cache) evictIfNeeded() {
	if c.opts.MaxEntries <= 0 || len(c.items) <= c.opts.MaxEntries {
		return
	}
	// Simple FIFO eviction; can be replaced with true LRU
	excess := len(c.items) - c.opts.MaxEntries
	for excess > 0 && len(c.order) > 0 {
		victim := c.order[0]
		c.order = c.order[1:]
		delete(c.items, victim)
		excess--
	}
}

// Set stores a value with its own TTL, bypassing the loader path.
func (c *Cache) Set(key string, val interface{}, ttl time.Duration) {
	c.store(key, val, true, nil, ttl)
}

// Peek returns a cached value without triggering a load. Stale entries are allowed.
func (c *Cache) Peek(key string) (interface{}, bool) {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if now.After(e.staleAt) {
		return nil, false
	}
	if e.negative {
		return nil, false
	}
	e.lastUsed = now
	return e.value, true
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.removeFromOrder(key)
	c.mu.Unlock()
}

// Len reports the number of live entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
