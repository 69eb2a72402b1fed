/*
Copyright 2024 The blobvfs Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package objcache is a byte- and entry-bounded LRU cache for decoded
// git objects, generalizing a plain entry-count LRU (pkg/lru) with
// a total-byte ceiling.
package objcache

import (
	"container/list"
	"sync"
)

// Object is the minimal shape objcache stores; callers' decoded
// objects satisfy this directly.
type Object interface {
	// Size is the byte size used against the cache's byte bound.
	Size() int
}

// Stats reports cache behavior since the last ResetStats.
type Stats struct {
	Hits       int64
	Misses     int64
	EntryCount int
	TotalBytes int64
	MaxEntries int
	MaxBytes   int64
	Evictions  int64
}

// HitRatio returns Hits / (Hits+Misses), or 0 if there have been no lookups.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry struct {
	hash  string
	obj   Object
	bytes int
}

// Cache is a concurrency-safe LRU bounded by both entry count and
// total bytes.
type Cache struct {
	maxEntries int
	maxBytes   int64

	mu         sync.Mutex
	ll         *list.List
	index      map[string]*list.Element
	totalBytes int64

	hits, misses, evictions int64
}

// New creates a Cache bounded by maxEntries and maxBytes. A zero value
// for either means "unbounded" on that axis.
func New(maxEntries int, maxBytes int64) *Cache {
	return &Cache{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		ll:         list.New(),
		index:      make(map[string]*list.Element),
	}
}

// Get returns the cached object for hash, updating recency on hit.
func (c *Cache) Get(hash string) (Object, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[hash]
	if !ok {
		c.misses++
		return nil, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	return el.Value.(*entry).obj, true
}

// Has reports presence without affecting recency or hit/miss stats.
func (c *Cache) Has(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[hash]
	return ok
}

// Set inserts obj for hash, evicting least-recently-used entries as
// needed. If obj's size alone exceeds maxBytes, the insert is skipped.
func (c *Cache) Set(hash string, obj Object) {
	size := obj.Size()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxBytes > 0 && int64(size) > c.maxBytes {
		return
	}

	if el, ok := c.index[hash]; ok {
		old := el.Value.(*entry)
		c.totalBytes -= int64(old.bytes)
		old.obj = obj
		old.bytes = size
		c.totalBytes += int64(size)
		c.ll.MoveToFront(el)
		c.evictToBounds()
		return
	}

	el := c.ll.PushFront(&entry{hash: hash, obj: obj, bytes: size})
	c.index[hash] = el
	c.totalBytes += int64(size)
	c.evictToBounds()
}

// evictToBounds must be called with mu held.
func (c *Cache) evictToBounds() {
	for {
		overEntries := c.maxEntries > 0 && c.ll.Len() > c.maxEntries
		overBytes := c.maxBytes > 0 && c.totalBytes > c.maxBytes
		if !overEntries && !overBytes {
			return
		}
		oldest := c.ll.Back()
		if oldest == nil {
			return
		}
		c.removeElement(oldest)
		c.evictions++
	}
}

func (c *Cache) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	c.ll.Remove(el)
	delete(c.index, e.hash)
	c.totalBytes -= int64(e.bytes)
}

// Delete removes hash from the cache, if present.
func (c *Cache) Delete(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[hash]; ok {
		c.removeElement(el)
	}
}

// Clear empties the cache but preserves hit/miss/eviction counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.index = make(map[string]*list.Element)
	c.totalBytes = 0
}

// Size returns the current entry count.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Bytes returns the current total byte usage.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytes
}

// Stats returns a snapshot of cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:       c.hits,
		Misses:     c.misses,
		EntryCount: c.ll.Len(),
		TotalBytes: c.totalBytes,
		MaxEntries: c.maxEntries,
		MaxBytes:   c.maxBytes,
		Evictions:  c.evictions,
	}
}

// ResetStats zeroes hit/miss/eviction counters without evicting entries.
func (c *Cache) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits, c.misses, c.evictions = 0, 0, 0
}
