package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Stats holds cache statistics.
type Stats struct {
	Hits      int64
	Misses    int64
	Entries   int
	Bytes     int64
	Evictions int64
	Expired   int64
}

// Options configures a Cache.
type Options[V any] struct {
	// Entries bounds the number of cached values. Defaults to 1024.
	Entries int
	// MaxBytes bounds the summed SizeOf of cached values. Zero disables the budget.
	MaxBytes int64
	// TTL expires entries after the given duration. Zero keeps entries until evicted.
	TTL time.Duration
	// SizeOf reports the weight of a value for MaxBytes accounting.
	SizeOf func(V) int64
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Cache is a threadsafe LRU with TTL and byte budget support.
type Cache[V any] struct {
	mu       sync.Mutex
	ll       *list.List
	items    map[string]*list.Element
	entries  int
	maxBytes int64
	bytes    int64
	ttl      time.Duration
	sizeOf   func(V) int64
	now      func() time.Time
	stats    Stats

	cleanupStop context.CancelFunc
	cleanupDone chan struct{}
}

type entry[V any] struct {
	key    string
	value  V
	size   int64
	expire time.Time
}

// New returns a cache configured by opts. A background sweeper runs while TTL > 0.
func New[V any](opts Options[V]) *Cache[V] {
	if opts.Entries <= 0 {
		opts.Entries = 1024
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Cache[V]{
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		entries:  opts.Entries,
		maxBytes: opts.MaxBytes,
		ttl:      opts.TTL,
		sizeOf:   opts.SizeOf,
		now:      opts.Now,
	}
	if opts.TTL > 0 {
		c.cleanupDone = make(chan struct{})
		ctx, cancel := context.WithCancel(context.Background())
		c.cleanupStop = cancel
		go c.cleanupExpired(ctx, opts.TTL)
	}
	return c
}

// Bytes returns a cache of byte slices weighted by their length.
func Bytes(entries int, maxBytes int64, ttl time.Duration) *Cache[[]byte] {
	return New(Options[[]byte]{
		Entries:  entries,
		MaxBytes: maxBytes,
		TTL:      ttl,
		SizeOf:   func(b []byte) int64 { return int64(len(b)) },
	})
}

// Get retrieves a value if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	c.mu.Lock()
	defer c.mu.Unlock()
	ele, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	ent := ele.Value.(*entry[V])
	if c.ttl > 0 && c.now().After(ent.expire) {
		c.removeElement(ele)
		c.stats.Expired++
		c.stats.Misses++
		return zero, false
	}
	c.ll.MoveToFront(ele)
	c.stats.Hits++
	return ent.value, true
}

// Set inserts or replaces a cache entry. Values heavier than MaxBytes are not cached.
func (c *Cache[V]) Set(key string, value V) {
	var size int64
	if c.sizeOf != nil {
		size = c.sizeOf(value)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxBytes > 0 && size > c.maxBytes {
		return
	}
	if ele, ok := c.items[key]; ok {
		c.removeElement(ele)
	}
	ent := &entry[V]{key: key, value: value, size: size}
	if c.ttl > 0 {
		ent.expire = c.now().Add(c.ttl)
	}
	c.items[key] = c.ll.PushFront(ent)
	c.bytes += size
	for c.ll.Len() > c.entries || (c.maxBytes > 0 && c.bytes > c.maxBytes) {
		c.evictOldest()
	}
}

// Delete removes a key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[key]; ok {
		c.removeElement(ele)
	}
}

// Len returns the current number of entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Stats returns current cache statistics.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.ll.Len()
	s.Bytes = c.bytes
	return s
}

func (c *Cache[V]) evictOldest() {
	if ele := c.ll.Back(); ele != nil {
		c.removeElement(ele)
		c.stats.Evictions++
	}
}

func (c *Cache[V]) removeElement(ele *list.Element) {
	c.ll.Remove(ele)
	ent := ele.Value.(*entry[V])
	c.bytes -= ent.size
	delete(c.items, ent.key)
}

func (c *Cache[V]) cleanupExpired(ctx context.Context, ttl time.Duration) {
	interval := ttl / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(c.cleanupDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanupOnce()
		}
	}
}

// cleanupOnce removes all expired entries in one pass.
func (c *Cache[V]) cleanupOnce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ttl <= 0 {
		return
	}
	now := c.now()
	for ele := c.ll.Back(); ele != nil; {
		prev := ele.Prev()
		if now.After(ele.Value.(*entry[V]).expire) {
			c.removeElement(ele)
			c.stats.Expired++
		}
		ele = prev
	}
}

// Close stops the background sweeper. It's safe to call Close multiple times.
func (c *Cache[V]) Close() error {
	c.mu.Lock()
	stop := c.cleanupStop
	c.cleanupStop = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
		<-c.cleanupDone
	}
	return nil
}
