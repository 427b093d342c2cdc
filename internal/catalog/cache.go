package catalog

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/careportal/model"
)

// CachedCatalog wraps a Catalog with a TTL cache for Get and Query results.
type CachedCatalog struct {
	next       model.Catalog
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
	hits    int
	misses  int
}

type cacheEntry struct {
	entity    *model.Entity
	page      model.EntityPage
	expiresAt time.Time
}

// NewCachedCatalog creates a cache in front of next.
func NewCachedCatalog(next model.Catalog, ttl time.Duration, maxEntries int) *CachedCatalog {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &CachedCatalog{
		next:       next,
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		entries:    make(map[string]cacheEntry),
	}
}

// Get returns a cached entity or fetches it. Not-found results are not cached.
func (c *CachedCatalog) Get(ctx context.Context, kind, id string) (*model.Entity, error) {
	key := "get:" + kind + ":" + id
	if entry, ok := c.lookup(key); ok {
		cp := *entry.entity
		return &cp, nil
	}

	e, err := c.next.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	c.store(key, cacheEntry{entity: e})
	cp := *e
	return &cp, nil
}

// Query returns a cached page or runs the query.
func (c *CachedCatalog) Query(ctx context.Context, q model.CatalogQuery) (model.EntityPage, error) {
	key := queryKey(q)
	if entry, ok := c.lookup(key); ok {
		return entry.page, nil
	}

	page, err := c.next.Query(ctx, q)
	if err != nil {
		return model.EntityPage{}, err
	}
	c.store(key, cacheEntry{page: page})
	return page, nil
}

// Invalidate drops every cached result for kind, or everything when kind is "".
func (c *CachedCatalog) Invalidate(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if kind == "" {
		c.entries = make(map[string]cacheEntry)
		return
	}
	for k := range c.entries {
		if strings.HasPrefix(k, "get:"+kind+":") || strings.HasPrefix(k, "query:"+kind+":") {
			delete(c.entries, k)
		}
	}
}

// Stats returns the hit and miss counters.
func (c *CachedCatalog) Stats() (hits, misses int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}

// Len returns the number of cached entries. For testing.
func (c *CachedCatalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// HealthCheck delegates to the wrapped catalog when it can report health.
func (c *CachedCatalog) HealthCheck(ctx context.Context) error {
	if hc, ok := c.next.(interface{ HealthCheck(context.Context) error }); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

func (c *CachedCatalog) lookup(key string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || c.now().After(entry.expiresAt) {
		c.misses++
		return cacheEntry{}, false
	}
	c.hits++
	return entry, true
}

func (c *CachedCatalog) store(key string, entry cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.evictExpired()
	}
	if len(c.entries) >= c.maxEntries {
		return
	}
	entry.expiresAt = c.now().Add(c.ttl)
	c.entries[key] = entry
}

// evictExpired removes expired entries. Must be called with mu held.
func (c *CachedCatalog) evictExpired() {
	now := c.now()
	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}

// queryKey is stable across calls because encoding/json sorts map keys.
func queryKey(q model.CatalogQuery) string {
	data, _ := json.Marshal(q)
	return "query:" + q.Kind + ":" + string(data)
}
