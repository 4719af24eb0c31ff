// ABOUTME: Thread-safe TTL set of recently seen keys, bounded in size
// ABOUTME: The registry records closed conversation ids here to reject late streams

package dedupe

import (
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Cache remembers keys for a TTL. When full, the oldest mark is evicted.
// Marks are kept in an insertion-ordered map so eviction and expiry walk
// from the oldest entry.
type Cache struct {
	mu      sync.Mutex
	seen    *orderedmap.OrderedMap[string, time.Time]
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache with the given TTL and maximum size. A background
// goroutine removes expired entries every sweep interval; a zero interval
// disables it.
func New(ttl time.Duration, maxSize int, sweep time.Duration, opts ...Option) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		seen:    orderedmap.New[string, time.Time](),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if sweep > 0 {
		go c.cleanup(sweep)
	}
	return c
}

// Check reports whether key was marked within the TTL.
func (c *Cache) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	at, ok := c.seen.Get(key)
	return ok && c.now().Sub(at) < c.ttl
}

// CheckAndMark marks key and reports whether it was already present.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	at, ok := c.seen.Get(key)
	if ok && c.now().Sub(at) < c.ttl {
		return true
	}
	c.markLocked(key)
	return false
}

// Mark records key, refreshing its timestamp if already present.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// Forget removes key.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen.Delete(key)
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen.Len()
}

func (c *Cache) markLocked(key string) {
	// Re-marking moves the key to the newest position.
	c.seen.Delete(key)
	for c.seen.Len() >= c.maxSize {
		oldest := c.seen.Oldest()
		c.seen.Delete(oldest.Key)
	}
	c.seen.Set(key, c.now())
}

func (c *Cache) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup drops expired entries. Entries are in mark order, so the walk
// stops at the first live one.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for pair := c.seen.Oldest(); pair != nil; {
		if now.Sub(pair.Value) < c.ttl {
			return
		}
		next := pair.Next()
		c.seen.Delete(pair.Key)
		pair = next
	}
}

// Close stops the cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
