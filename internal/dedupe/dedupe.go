// ABOUTME: TTL-bounded idempotency-key cache for retried transport commands.
// ABOUTME: Lets the session layer acknowledge duplicate sends without re-broadcasting.

package dedupe

import (
	"sync"
	"time"
)

// Cache tracks recently seen idempotency keys. Entries expire after the TTL;
// when the cache is full the oldest entry is evicted. All methods are safe
// for concurrent use.
type Cache struct {
	mu      sync.Mutex
	expiry  map[string]time.Time
	order   []string // keys in insertion order, oldest first
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size. A background
// goroutine sweeps expired entries until Close is called.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		expiry:  make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Seen atomically checks whether the key was recorded within the TTL and
// records it if not. Returns true for a duplicate, false for a new key.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if exp, ok := c.expiry[key]; ok && now.Before(exp) {
		return true
	}
	c.record(key, now)
	return false
}

// record must be called with the lock held.
func (c *Cache) record(key string, now time.Time) {
	if _, exists := c.expiry[key]; !exists {
		for len(c.expiry) >= c.maxSize && len(c.order) > 0 {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.expiry, oldest)
		}
		c.order = append(c.order, key)
	}
	c.expiry[key] = now.Add(c.ttl)
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.expiry)
}

// Close stops the background sweeper. Idempotent.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

func (c *Cache) sweep() {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	kept := c.order[:0]
	for _, key := range c.order {
		exp, ok := c.expiry[key]
		if !ok {
			continue
		}
		if now.After(exp) {
			delete(c.expiry, key)
			continue
		}
		kept = append(kept, key)
	}
	c.order = kept
}
