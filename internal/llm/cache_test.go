package llm

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func TestCacheLRUEvictionOrder(t *testing.T) {
	c := NewCache(3, "")

	c.Put("a", "1", time.Hour)
	c.Put("b", "2", time.Hour)
	c.Put("c", "3", time.Hour)

	// Touch "a" so "b" becomes least recently used
	if _, ok := c.Get("a"); !ok {
		t.Fatal("a should be cached")
	}

	c.Put("d", "4", time.Hour)

	if _, ok := c.Get("b"); ok {
		t.Error("b should have been evicted as LRU")
	}
	for _, k := range []string{"a", "c", "d"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("%s should still be cached", k)
		}
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	c := NewCache(10, "")
	c.Put("k", "v", -time.Second) // already expired
	if _, ok := c.Get("k"); ok {
		t.Error("expired entry should not be returned")
	}
}

func TestHighTemperatureTTLCap(t *testing.T) {
	// Simple-class responses normally live an hour, but sampled output
	// above temperature 0.8 must not outlive 10 minutes.
	if ttl := ClassSimple.TTL(0.5); ttl != time.Hour {
		t.Errorf("simple@0.5 TTL = %v, want 1h", ttl)
	}
	if ttl := ClassSimple.TTL(0.9); ttl != 10*time.Minute {
		t.Errorf("simple@0.9 TTL = %v, want 10m", ttl)
	}
	if ttl := ClassProactive.TTL(0.9); ttl != 5*time.Minute {
		t.Errorf("proactive@0.9 TTL = %v, want 5m (already under cap)", ttl)
	}
}

func TestCacheSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.msgpack")

	c := NewCache(100, path)
	for i := 0; i < 5; i++ {
		c.Put(fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i), time.Hour)
	}
	c.Put("expired", "x", -time.Second)
	if err := c.Snapshot(); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	restored := NewCache(100, path)
	if restored.Len() != 5 {
		t.Fatalf("restored %d entries, want 5", restored.Len())
	}
	for i := 0; i < 5; i++ {
		v, ok := restored.Get(fmt.Sprintf("k%d", i))
		if !ok || v != fmt.Sprintf("v%d", i) {
			t.Errorf("k%d not restored correctly: %q %v", i, v, ok)
		}
	}
	if _, ok := restored.Get("expired"); ok {
		t.Error("expired entry should not survive the snapshot")
	}
}

func TestVectorCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embed.msgpack")

	c := NewVectorCache(10, path)
	c.Put("q", []float64{0.1, 0.2, 0.3}, time.Hour)
	if err := c.Snapshot(); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	restored := NewVectorCache(10, path)
	v, ok := restored.Get("q")
	if !ok || len(v) != 3 || v[1] != 0.2 {
		t.Fatalf("vector not restored: %v %v", v, ok)
	}
}

func TestVectorCacheSnapshotLoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embed.msgpack")

	c := NewVectorCache(10, path)
	c.Put("q", []float64{0.5}, time.Hour)

	stop := make(chan struct{})
	c.StartSnapshotLoop(10*time.Millisecond, stop)
	defer close(stop)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		restored := NewVectorCache(10, path)
		if _, ok := restored.Get("q"); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("snapshot loop never wrote the cache file")
}

func TestInferChatClass(t *testing.T) {
	if got := InferChatClass("hi", true, true); got != ClassGroupMention {
		t.Errorf("group mention = %s", got)
	}
	if got := InferChatClass("hi", true, false); got != ClassGroupGeneric {
		t.Errorf("group generic = %s", got)
	}
	if got := InferChatClass("hi", false, false); got != ClassPrivateSimple {
		t.Errorf("private short = %s", got)
	}
	long := ""
	for i := 0; i < 80; i++ {
		long += "字"
	}
	if got := InferChatClass(long, false, false); got != ClassPrivateLong {
		t.Errorf("private long = %s", got)
	}
}
