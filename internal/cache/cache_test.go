package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/p-blackswan/taskpilot/internal/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestBasicGetPut(t *testing.T) {
	c := New[string, int](2, 0, nil)
	c.Put("a", 1)
	c.Put("b", 2)

	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("expected a=1, got %v %v", v, ok)
	}
	if v, ok := c.Get("b"); !ok || v != 2 {
		t.Fatalf("expected b=2, got %v %v", v, ok)
	}
}

func TestEviction(t *testing.T) {
	c := New[string, int](2, 0, nil)
	c.Put("a", 1)
	c.Put("b", 2)

	// "b" becomes LRU
	c.Get("a")
	c.Put("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Fatal("expected 'b' to be evicted")
	}
	if got := c.Keys(); len(got) != 2 || got[0] != "c" || got[1] != "a" {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestExpiry(t *testing.T) {
	fc := clock.NewFake(epoch)
	c := New[string, int](4, time.Minute, fc)
	c.Put("a", 1)

	fc.Advance(59 * time.Second)
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected 'a' before ttl")
	}

	fc.Advance(time.Second)
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected 'a' to expire")
	}
	if c.Len() != 0 {
		t.Fatalf("expected expired entry to be dropped, len=%d", c.Len())
	}
}

func TestPutRefreshesTTL(t *testing.T) {
	fc := clock.NewFake(epoch)
	c := New[string, int](4, time.Minute, fc)
	c.Put("a", 1)
	fc.Advance(50 * time.Second)
	c.Put("a", 2)
	fc.Advance(50 * time.Second)

	if v, ok := c.Get("a"); !ok || v != 2 {
		t.Fatalf("expected refreshed a=2, got %v %v", v, ok)
	}
}

func TestDeleteAndClear(t *testing.T) {
	c := New[int, string](3, 0, nil)
	c.Put(1, "x")
	c.Put(2, "y")

	if !c.Delete(1) {
		t.Fatal("expected delete to report presence")
	}
	if c.Delete(1) {
		t.Fatal("expected second delete to miss")
	}
	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, len=%d", c.Len())
	}
	c.Put(3, "z")
	if v, _ := c.Get(3); v != "z" {
		t.Fatal("cache unusable after clear")
	}
}

func TestNewPanicsOnZeroCapacity(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	New[string, int](0, 0, nil)
}

func TestConcurrentAccess(t *testing.T) {
	c := New[string, int](64, time.Hour, nil)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k%d", (g*i)%100)
				c.Put(key, i)
				c.Get(key)
			}
		}(g)
	}
	wg.Wait()
	if c.Len() > 64 {
		t.Fatalf("capacity exceeded: %d", c.Len())
	}
}
