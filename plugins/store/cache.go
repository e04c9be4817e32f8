package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"posdesk/metrics"
)

type cacheKey struct {
	store string
	key   string
}

// cachedBackend serves Get from an LRU cache and keeps it coherent on
// every write path. Absent keys are not cached. mu serializes cache fills
// with writes so a slow miss cannot re-insert a value a write replaced.
type cachedBackend struct {
	Backend
	cache *lru.Cache[cacheKey, json.RawMessage]
	mu    sync.Mutex
}

func newCachedBackend(b Backend, size int) (*cachedBackend, error) {
	cache, err := lru.New[cacheKey, json.RawMessage](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create store cache: %w", err)
	}
	return &cachedBackend{Backend: b, cache: cache}, nil
}

func (c *cachedBackend) Get(ctx context.Context, store, key string) (json.RawMessage, error) {
	k := cacheKey{store, key}
	if v, ok := c.cache.Get(k); ok {
		metrics.StoreCacheResults.WithLabelValues("hit").Inc()
		return v, nil
	}
	metrics.StoreCacheResults.WithLabelValues("miss").Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	v, err := c.Backend.Get(ctx, store, key)
	if err != nil {
		return nil, err
	}
	c.cache.Add(k, v)
	return v, nil
}

func (c *cachedBackend) Set(ctx context.Context, store, key string, value json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// drop first so a failed write never leaves a stale hit behind
	c.cache.Remove(cacheKey{store, key})
	if err := c.Backend.Set(ctx, store, key, value); err != nil {
		return err
	}
	c.cache.Add(cacheKey{store, key}, append(json.RawMessage(nil), value...))
	return nil
}

func (c *cachedBackend) Delete(ctx context.Context, store, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(cacheKey{store, key})
	return c.Backend.Delete(ctx, store, key)
}

func (c *cachedBackend) Clear(ctx context.Context, store string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.cache.Keys() {
		if k.store == store {
			c.cache.Remove(k)
		}
	}
	return c.Backend.Clear(ctx, store)
}
