// ABOUTME: Thread-safe TTL cache that reports the first occurrence of a key per window
// ABOUTME: Size-bounded with oldest-first eviction and a background sweep

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key        string
	reportedAt time.Time
	suppressed int
	element    *list.Element
}

// Cache tracks recently reported keys. Insertion order is kept in a linked
// list so eviction of the oldest key is O(1).
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // oldest report at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a cache with the given window and capacity. A background
// goroutine sweeps expired keys until Close is called.
func New(ttl time.Duration, maxSize int) *Cache {
	c := newCache(ttl, maxSize, time.Now)
	go c.sweepLoop()
	return c
}

func newCache(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
}

// Observe records one occurrence of key. It returns report=true when the
// caller should act on it (first time in the window) together with the
// number of occurrences suppressed since the previous report.
func (c *Cache) Observe(key string) (report bool, suppressed int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[key]; ok {
		if now.Sub(e.reportedAt) < c.ttl {
			e.suppressed++
			return false, 0
		}
		suppressed = e.suppressed
		e.suppressed = 0
		e.reportedAt = now
		c.order.MoveToBack(e.element)
		return true, suppressed
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	e := &entry{key: key, reportedAt: now}
	e.element = c.order.PushBack(e)
	c.entries[key] = e
	return true, 0
}

// Len returns the number of tracked keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	e, _ := front.Value.(*entry)
	c.order.Remove(front)
	delete(c.entries, e.key)
}

func (c *Cache) sweepLoop() {
	interval := c.ttl
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep drops keys whose window ended. Entries are ordered by report time,
// so it stops at the first live one.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		e, _ := front.Value.(*entry)
		if now.Sub(e.reportedAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.entries, e.key)
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
