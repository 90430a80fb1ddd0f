// Package cache provides the in-memory plan cache.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
)

// InMemoryCache provides a simple thread-safe in-memory cache with TTL
// expiry. The planner uses it to skip regeneration of identical plans.
type InMemoryCache struct {
	store map[string]cacheItem
	mutex sync.RWMutex
	ttl   time.Duration
	stop  chan struct{}
	once  sync.Once
}

type cacheItem struct {
	value      any
	expiration int64
}

// NewInMemoryCache creates a new in-memory cache with the given TTL.
func NewInMemoryCache(ttl time.Duration) *InMemoryCache {
	c := &InMemoryCache{
		store: make(map[string]cacheItem),
		ttl:   ttl,
		stop:  make(chan struct{}),
	}
	go c.cleanupLoop(ttl)
	return c
}

// Get retrieves an item from the cache.
func (c *InMemoryCache) Get(ctx context.Context, key string) (any, error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, err
	}

	c.mutex.RLock()
	defer c.mutex.RUnlock()

	item, found := c.store[key]
	if !found {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item not found", nil))
	}

	if time.Now().UnixNano() > item.expiration {
		// Expired items are reaped lazily here and periodically by the cleanup loop.
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item expired", nil))
	}

	return item.value, nil
}

// Set adds or updates an item in the cache.
func (c *InMemoryCache) Set(ctx context.Context, key string, value any) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.store[key] = cacheItem{
		value:      value,
		expiration: time.Now().Add(c.ttl).UnixNano(),
	}
	return nil
}

// Close stops the background cleanup goroutine.
func (c *InMemoryCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

// cleanupLoop periodically removes expired items.
func (c *InMemoryCache) cleanupLoop(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mutex.Lock()
			now := time.Now().UnixNano()
			for key, item := range c.store {
				if now > item.expiration {
					delete(c.store, key)
				}
			}
			c.mutex.Unlock()
		}
	}
}
