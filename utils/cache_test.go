package utils

import "testing"

func TestLRUCache_Take(t *testing.T) {
	c := NewLRUCache[uint32, string](2)
	c.Set(1, "a")
	c.Set(2, "b")
	c.Set(3, "c")

	if _, ok := c.Get(1); ok {
		t.Errorf("expected oldest entry to be evicted")
	}

	if v, ok := c.Take(2); !ok || v != "b" {
		t.Errorf("expected b, got %q (%v)", v, ok)
	}
	if _, ok := c.Take(2); ok {
		t.Errorf("expected entry to be gone after Take")
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", c.Len())
	}

	hits, misses := c.Stats()
	if hits != 1 || misses != 2 {
		t.Errorf("expected 1 hit 2 misses, got %d %d", hits, misses)
	}

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("expected empty cache after Clear, got %d", c.Len())
	}
}
