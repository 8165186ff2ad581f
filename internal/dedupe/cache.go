// ABOUTME: Thread-safe TTL cache of recently persisted provider message ids.
// ABOUTME: Front-line duplicate filter in front of the store's unique provider id constraint.

package dedupe

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache provides a thread-safe, TTL-based, size-limited set of seen keys.
// The expirable LRU handles expiry and eviction under its own lock.
type Cache struct {
	seen *expirable.LRU[string, struct{}]
}

// New creates a new dedupe cache with the specified TTL and maximum size.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{
		seen: expirable.NewLRU[string, struct{}](maxSize, nil, ttl),
	}
}

// Check returns true if the key has been seen and is not expired.
func (c *Cache) Check(key string) bool {
	if key == "" {
		return false
	}
	_, ok := c.seen.Get(key)
	return ok
}

// Mark records that a key has been seen. If the cache is at capacity,
// the oldest entry is evicted to make room.
func (c *Cache) Mark(key string) {
	if key == "" {
		return
	}
	c.seen.Add(key, struct{}{})
}

// Close drops all entries.
func (c *Cache) Close() {
	c.seen.Purge()
}
