package cache

import (
	"testing"
	"time"
)

func TestLocalGetSetRoundTrip(t *testing.T) {
	c := NewLocal(10)
	c.Set("k1", []byte("v1"), time.Minute)

	got, ok := c.Get("k1")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got) != "v1" {
		t.Errorf("value = %q, want v1", got)
	}
}

func TestLocalExpiresAfterTTL(t *testing.T) {
	c := NewLocal(10)
	c.Set("k1", []byte("v1"), -time.Second) // already expired

	if _, ok := c.Get("k1"); ok {
		t.Error("expected expired entry to miss")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after expiry eviction", c.Len())
	}
}

func TestLocalEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLocal(2)
	c.Set("a", []byte("1"), time.Minute)
	c.Set("b", []byte("2"), time.Minute)
	c.Get("a") // touch a, making b the LRU victim
	c.Set("c", []byte("3"), time.Minute)

	if _, ok := c.Get("b"); ok {
		t.Error("expected b to be evicted as least recently used")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("expected a to survive eviction")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("expected c to be present")
	}
}

func TestLocalInvalidate(t *testing.T) {
	c := NewLocal(10)
	c.Set("k1", []byte("v1"), time.Minute)
	c.Invalidate("k1")

	if _, ok := c.Get("k1"); ok {
		t.Error("expected invalidated key to miss")
	}
}

func TestKeyBuildsNamespacedPath(t *testing.T) {
	got := Key(NamespaceSBSMap, "7", "INT-001")
	want := "sbs_map:7:INT-001"
	if got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}
}
