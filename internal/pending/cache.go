// ABOUTME: Thread-safe TTL cache correlating dispatched commands with their results
// ABOUTME: Entries are taken once on result; stale or overflow entries are evicted oldest first

package pending

import (
	"container/list"
	"sync"
	"time"

	"github.com/mskumargvd/arushi-cloud/internal/clock"
)

// Entry records one dispatched command.
type Entry struct {
	CommandID string
	AgentID   string
	Command   string
	ReplyTo   string
	Issuer    string // console subject
	IssuedAt  time.Time
}

// cacheEntry stores the value and list element for a cached key.
type cacheEntry struct {
	value   Entry
	element *list.Element
}

// Cache holds at most one correlation per dispatch, bounded by TTL and size.
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	clock   clock.Clock
	done    chan struct{}
	closed  bool
}

// New creates a cache. A background goroutine periodically removes expired
// entries until Close is called.
func New(ttl time.Duration, maxSize int, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.Real()
	}
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clk,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Put records a dispatch. If the cache is at capacity the oldest entry is evicted.
func (c *Cache) Put(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[e.CommandID]; ok {
		existing.value = e
		c.order.MoveToBack(existing.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(e.CommandID)
	c.entries[e.CommandID] = &cacheEntry{value: e, element: elem}
}

// Take removes and returns the entry for commandID if present and not expired.
func (c *Cache) Take(commandID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[commandID]
	if !ok {
		return Entry{}, false
	}
	c.order.Remove(entry.element)
	delete(c.entries, commandID)

	if c.clock.Now().Sub(entry.value.IssuedAt) > c.ttl {
		return Entry{}, false
	}
	return entry.value, true
}

// Len returns the number of tracked entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}

// Sweep removes all expired entries.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for key, entry := range c.entries {
		if now.Sub(entry.value.IssuedAt) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.entries, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
