// Copyright 2026 Loom Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package credential

import (
	"container/list"
	"sync"
	"time"
)

// EvictionStrategy selects which entry leaves a full cache.
type EvictionStrategy string

const (
	// EvictLRU removes the least recently used entry.
	EvictLRU EvictionStrategy = "lru"
	// EvictLFU removes the least frequently used entry.
	EvictLFU EvictionStrategy = "lfu"
)

// CacheConfig tunes the in-memory credential cache.
type CacheConfig struct {
	// TTL bounds how long an entry stays valid after it was stored.
	TTL time.Duration
	// IdleTimeout, when positive, expires entries not read for this long.
	IdleTimeout time.Duration
	// Capacity bounds the number of positive entries.
	Capacity int
	// Eviction picks the victim at capacity. Defaults to LRU.
	Eviction EvictionStrategy
	// NegativeTTL suppresses repeated lookups of missing credentials.
	// Zero disables the negative cache.
	NegativeTTL time.Duration
}

// DefaultCacheConfig is the configuration used when none is given.
var DefaultCacheConfig = CacheConfig{
	TTL:         5 * time.Minute,
	IdleTimeout: 0,
	Capacity:    256,
	Eviction:    EvictLRU,
	NegativeTTL: 5 * time.Second,
}

type cacheEntry struct {
	id         string
	record     Record
	storedAt   time.Time
	lastAccess time.Time
	hits       uint64
}

// Cache holds decoded credential records in memory. Lookups are O(1);
// at capacity, LRU eviction is O(1) via the access list and LFU scans
// the candidate set.
//
// A separate negative cache remembers recent misses for a short TTL so
// a hot loop over a missing credential does not hammer the store.
type Cache struct {
	cfg CacheConfig

	mu       sync.Mutex
	entries  map[string]*list.Element // of *cacheEntry
	order    *list.List               // front = most recently used
	negative map[string]time.Time     // id -> miss recorded at

	now func() time.Time // test hook
}

// NewCache creates a cache; zero-valued config fields fall back to
// DefaultCacheConfig.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheConfig.TTL
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCacheConfig.Capacity
	}
	if cfg.Eviction == "" {
		cfg.Eviction = EvictLRU
	}
	return &Cache{
		cfg:      cfg,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		negative: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Get returns a cached record. The second result distinguishes a hit;
// the third reports a fresh negative entry (the credential is known to
// be missing).
func (c *Cache) Get(id string) (Record, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if at, ok := c.negative[id]; ok {
		if c.cfg.NegativeTTL > 0 && now.Sub(at) < c.cfg.NegativeTTL {
			recordCacheHit("negative")
			return Record{}, false, true
		}
		delete(c.negative, id)
	}

	el, ok := c.entries[id]
	if !ok {
		recordCacheMiss()
		return Record{}, false, false
	}
	entry := el.Value.(*cacheEntry)

	if c.expired(entry, now) {
		c.remove(el)
		recordCacheMiss()
		return Record{}, false, false
	}

	entry.lastAccess = now
	entry.hits++
	c.order.MoveToFront(el)
	recordCacheHit("positive")
	return entry.record, true, false
}

// Put stores a record, evicting per the configured strategy when full.
func (c *Cache) Put(rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.negative, rec.ID)

	now := c.now()
	if el, ok := c.entries[rec.ID]; ok {
		entry := el.Value.(*cacheEntry)
		entry.record = rec
		entry.storedAt = now
		entry.lastAccess = now
		c.order.MoveToFront(el)
		return
	}

	for c.order.Len() >= c.cfg.Capacity {
		c.evict()
	}

	el := c.order.PushFront(&cacheEntry{
		id:         rec.ID,
		record:     rec,
		storedAt:   now,
		lastAccess: now,
	})
	c.entries[rec.ID] = el
	recordCacheSize(c.order.Len())
}

// PutNegative remembers that a credential does not exist.
func (c *Cache) PutNegative(id string) {
	if c.cfg.NegativeTTL <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.negative[id] = c.now()
}

// Invalidate drops an entry (positive or negative).
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.negative, id)
	if el, ok := c.entries[id]; ok {
		c.remove(el)
	}
}

// Clear drops everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.negative = make(map[string]time.Time)
	recordCacheSize(0)
}

// Len returns the number of positive entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) expired(entry *cacheEntry, now time.Time) bool {
	if now.Sub(entry.storedAt) >= c.cfg.TTL {
		return true
	}
	if c.cfg.IdleTimeout > 0 && now.Sub(entry.lastAccess) >= c.cfg.IdleTimeout {
		return true
	}
	return false
}

func (c *Cache) evict() {
	switch c.cfg.Eviction {
	case EvictLFU:
		var victim *list.Element
		var minHits uint64
		for el := c.order.Back(); el != nil; el = el.Prev() {
			entry := el.Value.(*cacheEntry)
			if victim == nil || entry.hits < minHits {
				victim, minHits = el, entry.hits
			}
		}
		if victim != nil {
			c.remove(victim)
			recordCacheEviction("lfu")
		}
	default:
		if el := c.order.Back(); el != nil {
			c.remove(el)
			recordCacheEviction("lru")
		}
	}
}

func (c *Cache) remove(el *list.Element) {
	entry := el.Value.(*cacheEntry)
	delete(c.entries, entry.id)
	c.order.Remove(el)
	recordCacheSize(c.order.Len())
}
