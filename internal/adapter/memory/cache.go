package memory

import (
	"context"
	"sync"
	"time"
)

// DefaultDedupeTTL is how long a message id is remembered.
const DefaultDedupeTTL = 10 * time.Minute

// Cache is a TTL set of keys used to drop redelivered bus messages.
type Cache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &Cache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// FirstSeen marks key and reports whether it was absent or expired. Only
// one of any number of concurrent callers with the same key gets true.
func (c *Cache) FirstSeen(_ context.Context, key string) bool {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if expiresAt, ok := c.entries[key]; ok && now.Before(expiresAt) {
		return false
	}
	c.entries[key] = now.Add(c.ttl)
	return true
}

func (c *Cache) Contains(_ context.Context, key string) bool {
	c.mu.Lock()
	expiresAt, ok := c.entries[key]
	c.mu.Unlock()
	return ok && c.now().Before(expiresAt)
}

func (c *Cache) Invalidate(_ context.Context, key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Sweep drops expired keys and returns how many it removed.
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, expiresAt := range c.entries {
		if !now.Before(expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
