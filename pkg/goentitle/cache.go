package goentitle

import (
	"sync"
	"time"
)

// Cache holds entitlement projections for the tier read model.
type Cache interface {
	// Get returns the cached entitlement and true if present and fresh.
	Get(userID string) (*Entitlement, bool)

	// Set stores an entitlement with TTL. A nil entitlement caches "no entitlement".
	Set(userID string, ent *Entitlement, ttl time.Duration)

	// Invalidate removes a user's entry.
	Invalidate(userID string)

	// Clear removes all entries.
	Clear()

	// Stats returns cache statistics.
	Stats() CacheStats
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

type cacheEntry struct {
	value      *Entitlement
	expiration time.Time
	accessTime time.Time
	sequence   int64
}

func (e *cacheEntry) isExpired(now time.Time) bool {
	return now.After(e.expiration)
}

// NoopCache is used when caching is disabled.
type NoopCache struct{}

func (NoopCache) Get(string) (*Entitlement, bool)          { return nil, false }
func (NoopCache) Set(string, *Entitlement, time.Duration) {}
func (NoopCache) Invalidate(string)                       {}
func (NoopCache) Clear()                                  {}
func (NoopCache) Stats() CacheStats                       { return CacheStats{} }

// LRUCache is an in-memory LRU cache with TTL support.
type LRUCache struct {
	mu        sync.Mutex
	entries   map[string]*cacheEntry
	maxSize   int
	hits      int64
	misses    int64
	evictions int64
	sequence  int64
}

// NewLRUCache creates a cache holding at most maxSize users.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &LRUCache{
		entries: make(map[string]*cacheEntry, maxSize),
		maxSize: maxSize,
	}
}

func (c *LRUCache) Get(userID string) (*Entitlement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	entry, exists := c.entries[userID]
	if !exists || entry.isExpired(now) {
		c.misses++
		return nil, false
	}

	entry.accessTime = now
	c.hits++
	return entry.value.Clone(), true
}

func (c *LRUCache) Set(userID string, ent *Entitlement, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if _, exists := c.entries[userID]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	seq := c.sequence
	c.sequence++
	c.entries[userID] = &cacheEntry{
		value:      ent.Clone(),
		expiration: now.Add(ttl),
		accessTime: now,
		sequence:   seq,
	}
}

// evictOldest removes the least recently used entry, oldest sequence first on ties.
func (c *LRUCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	var oldestSeq int64
	first := true
	for key, entry := range c.entries {
		if first || entry.accessTime.Before(oldestTime) ||
			(entry.accessTime.Equal(oldestTime) && entry.sequence < oldestSeq) {
			oldestKey = key
			oldestTime = entry.accessTime
			oldestSeq = entry.sequence
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

func (c *LRUCache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry, c.maxSize)
}

func (c *LRUCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}
