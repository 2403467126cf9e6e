// Package nodestore implements the per-node key-value store: an LRU cache in
// front of a write-back persistence backend.
package nodestore

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/hashicorp/golang-lru/simplelru"
)

// CacheStats is the cache section of the node stats
type CacheStats struct {
	ItemsCount         int     `json:"items_count"`
	MaxItems           int     `json:"max_items"`
	SizeBytes          int64   `json:"size_bytes"`
	MaxSizeBytes       int64   `json:"max_size_bytes"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

// Cache is an LRU bounded both by item count and by total bytes.
// An entry's size is len(key)+len(value).
type Cache struct {
	mu       sync.Mutex
	lru      *simplelru.LRU
	maxItems int
	maxBytes int64
	size     int64
}

// NewCache creates a cache holding at most maxItems entries and maxBytes bytes
func NewCache(maxItems int, maxBytes int64) (*Cache, error) {
	if maxItems <= 0 {
		return nil, fmt.Errorf("cache max items must be positive, got %d", maxItems)
	}

	c := &Cache{maxItems: maxItems, maxBytes: maxBytes}
	lru, err := simplelru.NewLRU(maxItems, func(key, value interface{}) {
		c.size -= entrySize(key.(string), value.(json.RawMessage))
	})
	if err != nil {
		return nil, err
	}
	c.lru = lru
	return c, nil
}

func entrySize(key string, value json.RawMessage) int64 {
	return int64(len(key) + len(value))
}

// Get returns the cached value and marks it recently used
func (c *Cache) Get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return v.(json.RawMessage), true
}

// Put stores value, evicting least recently used entries until it fits.
// It returns false when the entry alone exceeds the byte bound; the key is
// then no longer cached.
func (c *Cache) Put(key string, value json.RawMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Remove(key)

	need := entrySize(key, value)
	if c.maxBytes > 0 && need > c.maxBytes {
		return false
	}

	for c.lru.Len() > 0 && (c.lru.Len() >= c.maxItems || (c.maxBytes > 0 && c.size+need > c.maxBytes)) {
		c.lru.RemoveOldest()
	}

	c.lru.Add(key, value)
	c.size += need
	return true
}

// Delete removes key and reports whether it was cached
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// Keys returns the cached keys in sorted order
func (c *Cache) Keys() []string {
	c.mu.Lock()
	raw := c.lru.Keys()
	c.mu.Unlock()

	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, k.(string))
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of cached entries
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Clear drops every entry
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.size = 0
}

// Stats reports occupancy
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var util float64
	if c.maxBytes > 0 {
		util = math.Round(float64(c.size)/float64(c.maxBytes)*100*100) / 100
	}
	return CacheStats{
		ItemsCount:         c.lru.Len(),
		MaxItems:           c.maxItems,
		SizeBytes:          c.size,
		MaxSizeBytes:       c.maxBytes,
		UtilizationPercent: util,
	}
}
