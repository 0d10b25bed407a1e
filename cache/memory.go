package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/makaronz/animatize/core"
)

// Entry is one cached response plus its bookkeeping counters.
type Entry struct {
	Key          string
	Response     *core.UnifiedResponse
	CreatedAt    time.Time
	ExpiresAt    time.Time
	AccessCount  int64
	LastAccessed time.Time
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Stats holds the cache observability counters.
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
	Coalesced   int64 `json:"coalesced"`
	Size        int   `json:"size"`
}

// MemoryCache is the bounded L1 tier. A single mutex guards the map and
// the recency list; all operations are short and never touch I/O.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
	maxEntries int
	policy     core.CachePolicy
	stats      Stats
}

// NewMemoryCache creates an L1 cache bounded by entry count with the given
// eviction policy.
func NewMemoryCache(maxEntries int, policy core.CachePolicy) *MemoryCache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	if policy == "" {
		policy = core.CachePolicyLRU
	}
	return &MemoryCache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		policy:     policy,
	}
}

// Get returns the cached entry for key, promoting recency and bumping the
// access counter. Expired entries are removed lazily.
func (c *MemoryCache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	entry := el.Value.(*Entry)

	now := time.Now()
	if entry.expired(now) {
		c.removeElement(el)
		c.stats.Expirations++
		c.stats.Misses++
		return nil, false
	}

	entry.AccessCount++
	entry.LastAccessed = now
	c.order.MoveToFront(el)
	c.stats.Hits++
	return entry, true
}

// Set stores a response under key with the given TTL, evicting by policy
// when the cache is over capacity. One writer wins per key: a second Set
// replaces the first.
func (c *MemoryCache) Set(key string, resp *core.UnifiedResponse, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	entry := &Entry{
		Key:          key,
		Response:     resp,
		CreatedAt:    now,
		LastAccessed: now,
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	if el, ok := c.entries[key]; ok {
		el.Value = entry
		c.order.MoveToFront(el)
		return
	}

	c.entries[key] = c.order.PushFront(entry)
	for len(c.entries) > c.maxEntries {
		c.evictOne(now)
	}
}

// Delete removes a single key.
func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeElement(el)
	}
}

// InvalidatePrefix removes every entry whose key starts with prefix and
// returns the number removed.
func (c *MemoryCache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, el := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.removeElement(el)
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of the counters.
func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.entries)
	return s
}

// addCoalesced records singleflight waiters that shared one provider call.
func (c *MemoryCache) addCoalesced(n int64) {
	c.mu.Lock()
	c.stats.Coalesced += n
	c.mu.Unlock()
}

// evictOne removes one entry according to the configured policy. Expired
// entries go first regardless of policy.
func (c *MemoryCache) evictOne(now time.Time) {
	for el := c.order.Back(); el != nil; el = el.Prev() {
		if el.Value.(*Entry).expired(now) {
			c.removeElement(el)
			c.stats.Expirations++
			return
		}
	}

	var victim *list.Element
	switch c.policy {
	case core.CachePolicyLFU:
		// Least frequently used; ties fall to the least recent.
		for el := c.order.Back(); el != nil; el = el.Prev() {
			if victim == nil || el.Value.(*Entry).AccessCount < victim.Value.(*Entry).AccessCount {
				victim = el
			}
		}
	case core.CachePolicyTTL:
		// Soonest to expire; entries without expiry lose last.
		for el := c.order.Back(); el != nil; el = el.Prev() {
			entry := el.Value.(*Entry)
			if entry.ExpiresAt.IsZero() {
				continue
			}
			if victim == nil || entry.ExpiresAt.Before(victim.Value.(*Entry).ExpiresAt) {
				victim = el
			}
		}
		if victim == nil {
			victim = c.order.Back()
		}
	default: // LRU
		victim = c.order.Back()
	}

	if victim != nil {
		c.removeElement(victim)
		c.stats.Evictions++
	}
}

// removeElement must be called with the lock held.
func (c *MemoryCache) removeElement(el *list.Element) {
	entry := el.Value.(*Entry)
	delete(c.entries, entry.Key)
	c.order.Remove(el)
}
