package llm

import (
	"container/list"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/aslishyi/anima/internal/logging"
)

// Cache is a TTL-aware LRU for completed responses. One lock covers the
// map and the recency list; entries are small strings so contention is
// cheaper than sharding.
type Cache struct {
	mu      sync.Mutex
	maxSize int
	entries map[string]*list.Element
	order   *list.List // front = most recently used

	path string // snapshot file, empty disables persistence

	Hits      int64
	Misses    int64
	Evictions int64
}

type cacheEntry struct {
	Key      string `msgpack:"key"`
	Value    string `msgpack:"value"`
	ExpireAt int64  `msgpack:"expire_at"` // unix seconds
}

// NewCache creates a cache. path may be empty to disable disk snapshots.
func NewCache(maxSize int, path string) *Cache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	c := &Cache{
		maxSize: maxSize,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		path:    path,
	}
	if path != "" {
		if err := c.load(); err != nil && !os.IsNotExist(err) {
			logging.Warn("llm-cache", "snapshot load failed: %v", err)
		}
	}
	return c
}

// Get returns the cached value if present and unexpired
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.Misses++
		return "", false
	}
	entry := el.Value.(*cacheEntry)
	if time.Now().Unix() >= entry.ExpireAt {
		c.order.Remove(el)
		delete(c.entries, key)
		c.Misses++
		return "", false
	}
	c.order.MoveToFront(el)
	c.Hits++
	return entry.Value, true
}

// Put stores a value with the given TTL, evicting the LRU entry at capacity
func (c *Cache) Put(key, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.Value = value
		entry.ExpireAt = time.Now().Add(ttl).Unix()
		c.order.MoveToFront(el)
		return
	}

	for len(c.entries) >= c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).Key)
		c.Evictions++
	}

	el := c.order.PushFront(&cacheEntry{
		Key:      key,
		Value:    value,
		ExpireAt: time.Now().Add(ttl).Unix(),
	})
	c.entries[key] = el
}

// Len returns the number of live entries (expired ones included until touched)
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Snapshot writes all unexpired entries to the snapshot file as msgpack
func (c *Cache) Snapshot() error {
	if c.path == "" {
		return nil
	}

	c.mu.Lock()
	now := time.Now().Unix()
	entries := make([]cacheEntry, 0, len(c.entries))
	for el := c.order.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*cacheEntry)
		if e.ExpireAt > now {
			entries = append(entries, *e)
		}
	}
	c.mu.Unlock()

	data, err := msgpack.Marshal(entries)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

// load restores entries from the snapshot file, oldest first so recency
// order survives the round trip
func (c *Cache) load() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}

	var entries []cacheEntry
	if err := msgpack.Unmarshal(data, &entries); err != nil {
		return err
	}

	now := time.Now().Unix()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range entries {
		e := entries[i]
		if e.ExpireAt <= now {
			continue
		}
		el := c.order.PushFront(&e)
		c.entries[e.Key] = el
	}
	logging.Info("llm-cache", "restored %d entries from snapshot", len(c.entries))
	return nil
}

// StartSnapshotLoop snapshots the cache on an interval until stop is closed
func (c *Cache) StartSnapshotLoop(interval time.Duration, stop <-chan struct{}) {
	if c.path == "" {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := c.Snapshot(); err != nil {
					logging.Warn("llm-cache", "snapshot failed: %v", err)
				}
			}
		}
	}()
}
