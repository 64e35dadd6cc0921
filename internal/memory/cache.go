package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultCacheSize bounds each cache segment (entries, query results).
	DefaultCacheSize = 512
	// DefaultCacheTTL evicts cached data that has not been refreshed.
	DefaultCacheTTL = 30 * time.Minute
)

// Cache is the read-through local cache of recently used entries and recent
// query results. It is advisory: losing it degrades recall during remote
// outages but never correctness. Both segments use TTL-bounded LRUs so a
// long-lived process cannot grow without bound.
type Cache struct {
	entries *expirable.LRU[string, Entry]
	queries *expirable.LRU[string, []Match]
}

// NewCache creates a Cache with the given per-segment size and TTL.
// Non-positive values fall back to the defaults.
func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		entries: expirable.NewLRU[string, Entry](size, nil, ttl),
		queries: expirable.NewLRU[string, []Match](size, nil, ttl),
	}
}

// PutEntry caches an entry by ID.
func (c *Cache) PutEntry(entry Entry) {
	c.entries.Add(entry.ID, entry)
}

// GetEntry returns the cached entry for id, if present.
func (c *Cache) GetEntry(id string) (Entry, bool) {
	return c.entries.Get(id)
}

// RemoveEntry drops the cached entry for id.
func (c *Cache) RemoveEntry(id string) {
	c.entries.Remove(id)
}

// Entries returns all currently cached entries. The keyword fallback scans
// this set when the remote store is unreachable.
func (c *Cache) Entries() []Entry {
	return c.entries.Values()
}

// PutQuery caches the ranked matches for a query.
func (c *Cache) PutQuery(key string, matches []Match) {
	c.queries.Add(key, matches)
}

// GetQuery returns cached matches for a query key, if present.
func (c *Cache) GetQuery(key string) ([]Match, bool) {
	return c.queries.Get(key)
}

// InvalidateQueries drops all cached query results. Called on every write
// so stale result sets never shadow fresh memories.
func (c *Cache) InvalidateQueries() {
	c.queries.Purge()
}

// QueryKey builds the cache key for a search request.
func QueryKey(project, query string, limit int, threshold float64) string {
	return fmt.Sprintf("%s|%s|%d|%.3f", project, strings.ToLower(query), limit, threshold)
}
