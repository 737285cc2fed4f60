package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestSetGetDelete(t *testing.T) {
	c := NewSharded[string]()

	if _, ok := c.Get("missing"); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.Set("AAPL|market-data", "tick-1")
	c.Set("AAPL|market-data", "tick-2")
	got, ok := c.Get("AAPL|market-data")
	if !ok || got != "tick-2" {
		t.Fatalf("Get = %q, %v; want tick-2, true", got, ok)
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}

	c.Delete("AAPL|market-data")
	if _, ok := c.Get("AAPL|market-data"); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestGetWithAge(t *testing.T) {
	c := NewSharded[int]()
	c.Set("k", 42)

	v, age, ok := c.GetWithAge("k")
	if !ok || v != 42 {
		t.Fatalf("GetWithAge = %d, %v; want 42, true", v, ok)
	}
	if age < 0 || age > time.Second {
		t.Fatalf("implausible age %s", age)
	}
	if _, _, ok := c.GetWithAge("other"); ok {
		t.Fatal("expected miss for unknown key")
	}
}

func TestCleanupRemovesStaleEntries(t *testing.T) {
	c := NewSharded[int]()
	c.Set("old", 1)
	time.Sleep(20 * time.Millisecond)
	c.Set("fresh", 2)

	removed := c.Cleanup(10 * time.Millisecond)
	if removed != 1 {
		t.Fatalf("Cleanup removed %d, want 1", removed)
	}
	if _, ok := c.Get("old"); ok {
		t.Fatal("stale entry survived cleanup")
	}
	if _, ok := c.Get("fresh"); !ok {
		t.Fatal("fresh entry removed by cleanup")
	}
}

func TestSnapshotAndConcurrentWriters(t *testing.T) {
	c := NewSharded[int]()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Set(fmt.Sprintf("key-%d-%d", n, j), j)
			}
		}(i)
	}
	wg.Wait()

	if c.Len() != 800 {
		t.Fatalf("Len = %d, want 800", c.Len())
	}
	snap := c.Snapshot()
	if len(snap) != 800 {
		t.Fatalf("Snapshot len = %d, want 800", len(snap))
	}
	if snap["key-3-99"] != 99 {
		t.Fatalf("snap[key-3-99] = %d, want 99", snap["key-3-99"])
	}
}
