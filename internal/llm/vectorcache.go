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

// VectorCache is the embedding-valued sibling of Cache. Kept separate
// because values are slices and snapshots are much larger.
type VectorCache struct {
	mu      sync.Mutex
	maxSize int
	entries map[string]*list.Element
	order   *list.List

	path string
}

type vectorEntry struct {
	Key      string    `msgpack:"key"`
	Value    []float64 `msgpack:"value"`
	ExpireAt int64     `msgpack:"expire_at"`
}

// NewVectorCache creates a vector cache. path may be empty to disable snapshots.
func NewVectorCache(maxSize int, path string) *VectorCache {
	if maxSize <= 0 {
		maxSize = 5000
	}
	c := &VectorCache{
		maxSize: maxSize,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		path:    path,
	}
	if path != "" {
		if err := c.load(); err != nil && !os.IsNotExist(err) {
			logging.Warn("embed-cache", "snapshot load failed: %v", err)
		}
	}
	return c
}

// Get returns the cached vector if present and unexpired
func (c *VectorCache) Get(key string) ([]float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*vectorEntry)
	if time.Now().Unix() >= entry.ExpireAt {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry.Value, true
}

// Put stores a vector with the given TTL
func (c *VectorCache) Put(key string, value []float64, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*vectorEntry)
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
		delete(c.entries, oldest.Value.(*vectorEntry).Key)
	}

	el := c.order.PushFront(&vectorEntry{
		Key:      key,
		Value:    value,
		ExpireAt: time.Now().Add(ttl).Unix(),
	})
	c.entries[key] = el
}

// Snapshot writes unexpired entries to disk as msgpack
func (c *VectorCache) Snapshot() error {
	if c.path == "" {
		return nil
	}

	c.mu.Lock()
	now := time.Now().Unix()
	entries := make([]vectorEntry, 0, len(c.entries))
	for el := c.order.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*vectorEntry)
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

// StartSnapshotLoop snapshots the cache on an interval until stop is closed
func (c *VectorCache) StartSnapshotLoop(interval time.Duration, stop <-chan struct{}) {
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
					logging.Warn("embed-cache", "snapshot failed: %v", err)
				}
			}
		}
	}()
}

func (c *VectorCache) load() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}

	var entries []vectorEntry
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
	logging.Info("embed-cache", "restored %d entries from snapshot", len(c.entries))
	return nil
}
