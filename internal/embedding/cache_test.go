package embedding

import (
	"testing"
)

func TestCache_GetSet(t *testing.T) {
	c := NewCache(2)
	if v, ok := c.Get(ModelDocument, "a"); ok || v != nil {
		t.Fatal("expected miss")
	}
	c.Set(ModelDocument, "a", []int8{1, 2, 3})
	v, ok := c.Get(ModelDocument, "a")
	if !ok || len(v) != 3 || v[0] != 1 {
		t.Errorf("Get: got %v, %v", v, ok)
	}
	c.Set(ModelDocument, "b", []int8{4, 5})
	c.Set(ModelDocument, "c", []int8{6}) // evicts a
	if _, ok := c.Get(ModelDocument, "a"); ok {
		t.Error("expected a to be evicted")
	}
	if _, ok := c.Get(ModelDocument, "b"); !ok {
		t.Error("expected b to remain")
	}
	if _, ok := c.Get(ModelDocument, "c"); !ok {
		t.Error("expected c to be present")
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}

func TestCache_KeyedByModelType(t *testing.T) {
	c := NewCache(4)
	c.Set(ModelDocument, "same text", []int8{1})
	if _, ok := c.Get(ModelQuery, "same text"); ok {
		t.Error("query lookup must not hit a document entry")
	}
	hits, misses := c.Stats()
	if hits != 0 || misses != 1 {
		t.Errorf("stats = %d/%d, want 0/1", hits, misses)
	}
}

func TestCache_GetRefreshesRecency(t *testing.T) {
	c := NewCache(2)
	c.Set(ModelQuery, "a", []int8{1})
	c.Set(ModelQuery, "b", []int8{2})
	c.Get(ModelQuery, "a")
	c.Set(ModelQuery, "c", []int8{3}) // evicts b, not a
	if _, ok := c.Get(ModelQuery, "a"); !ok {
		t.Error("recently read entry was evicted")
	}
	if _, ok := c.Get(ModelQuery, "b"); ok {
		t.Error("expected b to be evicted")
	}
}

func TestCache_ZeroCapacity(t *testing.T) {
	c := NewCache(0)
	c.Set(ModelQuery, "a", []int8{1})
	if _, ok := c.Get(ModelQuery, "a"); ok {
		t.Error("zero-capacity cache must not store")
	}
}

func TestCache_DoesNotShareSlices(t *testing.T) {
	c := NewCache(4)
	stored := []int8{1, 2, 3}
	c.Set(ModelDocument, "a", stored)
	stored[0] = 99

	got, _ := c.Get(ModelDocument, "a")
	if got[0] != 1 {
		t.Fatalf("caller mutation after Set leaked into cache: %v", got)
	}
	got[1] = 99
	again, _ := c.Get(ModelDocument, "a")
	if again[1] != 2 {
		t.Errorf("mutating a Get result changed the cache: %v", again)
	}
}
