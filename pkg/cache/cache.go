// Package cache provides a thread-safe in-memory key/value store with
// per-entry time-to-live, used for read-mostly resource lookups. Population
// on miss is the caller's job; the cache only stores and expires.
package cache

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Resource category keys shared between the read services that populate the
// cache and the batch coordinator that invalidates them.
const (
	CategoryAreas    = "areas_list"
	CategoryProjects = "projects_list"
	CategoryToday    = "today_tasks"
	CategoryInbox    = "inbox_items"
	CategoryTags     = "tags_list"
)

// entry holds one serialized value with its insertion time and TTL
type entry struct {
	value    []byte
	storedAt time.Time
	ttl      time.Duration
}

// Stats describes the cache contents at a point in time
type Stats struct {
	TotalEntries   int
	ActiveEntries  int
	ExpiredEntries int
	Keys           []string
}

// TTLCache is a thread-safe time-to-live cache. Entries are independent;
// there is no relative eviction ordering, only elapsed-time expiry per entry.
type TTLCache struct {
	defaultTTL time.Duration
	entries    map[string]entry
	mu         sync.RWMutex
	logger     *zap.Logger
}

// NewTTLCache creates a cache with the given default TTL. A zero or negative
// default falls back to five minutes. The logger is required.
func NewTTLCache(defaultTTL time.Duration, logger *zap.Logger) *TTLCache {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TTLCache{
		defaultTTL: defaultTTL,
		entries:    make(map[string]entry),
		logger:     logger,
	}
}

// Get returns the cached value for key, or a miss if the key is absent or
// its age has reached the TTL. Reads never block behind writers for long; a
// slightly stale value is acceptable, a torn one is not.
func (c *TTLCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.logger.Debug("cache miss", zap.String("key", key))
		return nil, false
	}
	if time.Since(e.storedAt) >= e.ttl {
		c.logger.Debug("cache expired", zap.String("key", key))
		return nil, false
	}

	c.logger.Debug("cache hit", zap.String("key", key))
	return e.value, true
}

// Put stores value under key with the given TTL. A zero or negative TTL
// uses the cache default. The write is atomic per key.
func (c *TTLCache) Put(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	c.entries[key] = entry{
		value:    value,
		storedAt: time.Now(),
		ttl:      ttl,
	}
	c.mu.Unlock()

	c.logger.Debug("cached value",
		zap.String("key", key),
		zap.Int("size", len(value)),
		zap.Duration("ttl", ttl))
}

// Invalidate removes key unconditionally, regardless of age. Returns true
// if the key was present.
func (c *TTLCache) Invalidate(key string) bool {
	c.mu.Lock()
	_, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if ok {
		c.logger.Debug("invalidated cache key", zap.String("key", key))
	}
	return ok
}

// Clear removes all entries
func (c *TTLCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()

	c.logger.Debug("cleared all cache entries")
}

// GetStats returns counts of active and expired entries
func (c *TTLCache) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := Stats{
		TotalEntries: len(c.entries),
		Keys:         make([]string, 0, len(c.entries)),
	}
	for key, e := range c.entries {
		if time.Since(e.storedAt) < e.ttl {
			stats.ActiveEntries++
		} else {
			stats.ExpiredEntries++
		}
		stats.Keys = append(stats.Keys, key)
	}
	return stats
}

// CleanupExpired removes expired entries and returns how many were removed
func (c *TTLCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if time.Since(e.storedAt) >= e.ttl {
			delete(c.entries, key)
			removed++
		}
	}

	if removed > 0 {
		c.logger.Debug("cleaned up expired cache entries", zap.Int("removed", removed))
	}
	return removed
}
