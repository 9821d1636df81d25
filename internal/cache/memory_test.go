package cache

import (
	"context"
	"sync"
	"testing"
	"time"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestMemory_SetGetExpire(t *testing.T) {
	clk := &stepClock{t: time.Unix(0, 0)}
	c := newMemoryCache(clk.Now)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got, ok := c.Get(ctx, "k"); !ok || string(got) != "v" {
		t.Fatalf("expected hit, got %q %v", got, ok)
	}

	clk.Advance(2 * time.Minute)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss after ttl")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry should be removed lazily, len=%d", c.Len())
	}
}

func TestMemory_DefaultTTLAndEviction(t *testing.T) {
	clk := &stepClock{t: time.Unix(0, 0)}
	c := newMemoryCache(clk.Now)
	ctx := context.Background()

	_ = c.Set(ctx, "a", []byte("1"), 0)
	_ = c.Set(ctx, "b", []byte("2"), time.Second)

	clk.Advance(time.Minute)
	c.evictExpired()

	if c.Len() != 1 {
		t.Fatalf("expected only the default-ttl entry to survive, len=%d", c.Len())
	}
	if _, ok := c.Get(ctx, "a"); !ok {
		t.Fatal("zero ttl should default to one hour")
	}
}

func TestMemory_SetCopiesValue(t *testing.T) {
	c := newMemoryCache(time.Now)
	buf := []byte("abc")
	_ = c.Set(context.Background(), "k", buf, time.Minute)
	buf[0] = 'x'

	got, _ := c.Get(context.Background(), "k")
	if string(got) != "abc" {
		t.Fatalf("stored value aliased caller buffer: %q", got)
	}
}

func TestMemory_DeleteAndClose(t *testing.T) {
	c := NewMemoryCache(context.Background())
	_ = c.Set(context.Background(), "k", []byte("v"), time.Minute)
	if err := c.Delete(context.Background(), "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(context.Background(), "k"); ok {
		t.Fatal("expected miss after Delete")
	}
	c.Close()
	c.Close()
}
