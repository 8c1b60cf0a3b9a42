package cache

import (
	"testing"
	"time"
)

func TestShardedExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewSharded[int](time.Minute)
	c.now = func() time.Time { return now }

	c.Set("BTCUSDT", 1)
	c.Set("ETHUSDT", 2)
	if v, ok := c.Get("BTCUSDT"); !ok || v != 1 {
		t.Fatalf("Get=%v,%v, expected 1,true", v, ok)
	}

	now = now.Add(61 * time.Second)
	if _, ok := c.Get("BTCUSDT"); ok {
		t.Fatalf("expired entry returned")
	}
	if _, age, ok := c.GetWithAge("BTCUSDT"); !ok || age != 61*time.Second {
		t.Fatalf("GetWithAge age=%v ok=%v", age, ok)
	}

	c.Set("SOLUSDT", 3)
	if removed := c.Cleanup(); removed != 2 {
		t.Fatalf("Cleanup removed=%d, expected 2", removed)
	}
	if c.Len() != 1 {
		t.Fatalf("Len=%d, expected 1", c.Len())
	}
}

func TestShardedNoTTL(t *testing.T) {
	c := NewSharded[string](0)
	c.Set("k", "v")
	if removed := c.Cleanup(); removed != 0 {
		t.Fatalf("Cleanup removed=%d with no ttl", removed)
	}
	if v, ok := c.Get("k"); !ok || v != "v" {
		t.Fatalf("Get=%q,%v", v, ok)
	}
	c.Delete("k")
	if stats := c.Stats(); stats.TotalItems != 0 {
		t.Fatalf("TotalItems=%d, expected 0", stats.TotalItems)
	}
}
