// Package cache implements a stale-while-revalidate read cache for remote
// queries.
//
// An entry younger than StaleAfter is served with no network call. Between
// StaleAfter and EvictAfter the cached value is returned immediately and a
// single background refresh is launched; concurrent callers for the same
// key never issue two fetches. Beyond EvictAfter the entry is treated as
// absent and re-fetched synchronously.
//
// The cache is client-local and disposable: it is cleared wholesale on
// explicit invalidation, on owning-identity change, and after any realtime
// reconnection (an unbounded gap means unknown missed writes).
package cache

import (
	"context"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Default freshness windows.
const (
	DefaultStaleAfter = 3 * time.Second
	DefaultEvictAfter = 60 * time.Second
)

// Options sets per-call freshness windows.
type Options struct {
	StaleAfter time.Duration
	EvictAfter time.Duration
}

// Fetcher loads the value for a key from the remote store.
type Fetcher func(ctx context.Context) (any, error)

type entry struct {
	data       any
	timestamp  time.Time
	refreshing bool
}

// Cache is a per-key SWR cache. One instance is constructed per process
// and passed by reference to all consumers; there is no package-level
// singleton state.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	group   singleflight.Group
	userID  string
	logger  *log.Logger
	now     func() time.Time
}

// New creates an empty cache.
func New(logger *log.Logger) *Cache {
	if logger == nil {
		logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}
	return &Cache{
		entries: make(map[string]*entry),
		logger:  logger,
		now:     time.Now,
	}
}

// GetOrFetch returns the value for key per the SWR discipline.
func (c *Cache) GetOrFetch(ctx context.Context, key string, fetcher Fetcher, opts *Options) (any, error) {
	staleAfter := DefaultStaleAfter
	evictAfter := DefaultEvictAfter
	if opts != nil {
		if opts.StaleAfter > 0 {
			staleAfter = opts.StaleAfter
		}
		if opts.EvictAfter > 0 {
			evictAfter = opts.EvictAfter
		}
	}

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		age := c.now().Sub(e.timestamp)
		switch {
		case age < staleAfter:
			// Fresh: no network call.
			data := e.data
			c.mu.Unlock()
			return data, nil

		case age < evictAfter:
			// Stale: serve immediately, refresh in background at most once.
			data := e.data
			if !e.refreshing {
				e.refreshing = true
				go c.refresh(key, fetcher)
			}
			c.mu.Unlock()
			return data, nil
		}
		// Older than evictAfter: treat as absent.
		delete(c.entries, key)
	}
	c.mu.Unlock()

	return c.fetchSync(ctx, key, fetcher)
}

// fetchSync fetches the key, deduplicating concurrent fetches for the same
// key through singleflight.
func (c *Cache) fetchSync(ctx context.Context, key string, fetcher Fetcher) (any, error) {
	data, err, _ := c.group.Do(key, func() (any, error) {
		value, err := fetcher(ctx)
		if err != nil {
			return nil, err
		}
		c.store(key, value)
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// refresh performs one background revalidation. A failed refresh keeps
// serving the stale value silently.
func (c *Cache) refresh(key string, fetcher Fetcher) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	value, err, _ := c.group.Do(key+"#refresh", func() (any, error) {
		return fetcher(ctx)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		// Invalidated while refreshing; drop the result.
		return
	}
	e.refreshing = false
	if err != nil {
		c.logger.Printf("Background refresh failed for %s, keeping stale value: %v", key, err)
		return
	}
	e.data = value
	e.timestamp = c.now()
}

func (c *Cache) store(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{data: value, timestamp: c.now()}
}

// Invalidate removes a single key. Callers must invalidate after any
// successful write that bypasses the cache.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidatePrefix removes every key with the given prefix.
func (c *Cache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
}

// Clear evicts everything. Required after reconnection-after-failure:
// missed realtime events cannot be replayed.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

// OnIdentityChange clears the cache when the owning identity differs from
// the last-seen identity, so one user's reads never leak to another on the
// same client.
func (c *Cache) OnIdentityChange(userID string) {
	c.mu.Lock()
	changed := c.userID != userID
	c.userID = userID
	if changed {
		c.entries = make(map[string]*entry)
	}
	c.mu.Unlock()
	if changed {
		c.logger.Printf("Identity changed, cache cleared")
	}
}

// Len returns the number of live entries (diagnostics only).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
