package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestNewDefaults(t *testing.T) {
	c := New(Options[string]{})
	defer c.Close()
	if c.entries != 1024 {
		t.Fatalf("expected default entries 1024, got %d", c.entries)
	}
	if c.cleanupStop != nil {
		t.Fatalf("expected no sweeper without ttl")
	}

	withTTL := New(Options[string]{TTL: time.Hour})
	if withTTL.cleanupStop == nil {
		t.Fatalf("expected sweeper with ttl")
	}
	withTTL.Close()
	withTTL.Close()
}

func TestGetSet(t *testing.T) {
	c := New(Options[string]{Entries: 4})
	c.Set("a", "1")
	if v, ok := c.Get("a"); !ok || v != "1" {
		t.Fatalf("expected a=1, got %q %v", v, ok)
	}
	c.Set("a", "2")
	if v, _ := c.Get("a"); v != "2" {
		t.Fatalf("expected replaced value, got %q", v)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatalf("expected miss")
	}
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected deleted key to miss")
	}
}

func TestLRUEviction(t *testing.T) {
	c := New(Options[int]{Entries: 2})
	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a")
	c.Set("c", 3)
	if _, ok := c.Get("b"); ok {
		t.Fatalf("expected least recently used key b to be evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("expected a to survive")
	}
	if got := c.Stats().Evictions; got != 1 {
		t.Fatalf("expected one eviction, got %d", got)
	}
}

func TestByteBudget(t *testing.T) {
	c := Bytes(100, 10, 0)
	c.Set("a", make([]byte, 4))
	c.Set("b", make([]byte, 4))
	c.Set("c", make([]byte, 4))
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected oldest entry evicted to respect byte budget")
	}
	if s := c.Stats(); s.Bytes != 8 || s.Entries != 2 {
		t.Fatalf("unexpected stats %+v", s)
	}
	c.Set("huge", make([]byte, 11))
	if _, ok := c.Get("huge"); ok {
		t.Fatalf("values larger than the budget must not be cached")
	}
	if c.Len() != 2 {
		t.Fatalf("oversized value must not evict others, len=%d", c.Len())
	}
}

func TestTTLExpiration(t *testing.T) {
	now := time.Unix(0, 0)
	c := New(Options[string]{TTL: time.Minute, Now: func() time.Time { return now }})
	defer c.Close()
	c.Set("a", "1")
	c.Set("b", "2")
	now = now.Add(30 * time.Second)
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("expected entry before expiry")
	}
	now = now.Add(time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected entry to expire")
	}
	c.cleanupOnce()
	if c.Len() != 0 {
		t.Fatalf("expected sweep to drop expired entries, len=%d", c.Len())
	}
	if got := c.Stats().Expired; got != 2 {
		t.Fatalf("expected 2 expired, got %d", got)
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := Bytes(64, 1<<20, 0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("k%d", (n*j)%100)
				c.Set(key, []byte(key))
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()
	if c.Len() > 64 {
		t.Fatalf("cache exceeded entry bound: %d", c.Len())
	}
}
