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

// Package existence is a bloom-assisted, TTL-backed positive cache for
// fast "does this hash already exist" checks ahead of a storage round
// trip.
package existence

import (
	"sync"
	"time"
)

// Result is the three-valued outcome of Check.
type Result int

const (
	Unknown Result = iota
	Present
	Absent
)

// Options configures the cache's bloom sizing and TTL.
type Options struct {
	ExpectedItems int           // bloom sizing input n
	FalsePositive float64       // bloom sizing input p, default 0.01
	TTL           time.Duration // default 5 minutes
	MaxEntries    int           // positive-map capacity before eviction, default 100000
	Now           func() time.Time
}

func (o Options) normalized() Options {
	if o.ExpectedItems <= 0 {
		o.ExpectedItems = 10000
	}
	if o.FalsePositive <= 0 {
		o.FalsePositive = 0.01
	}
	if o.TTL <= 0 {
		o.TTL = 5 * time.Minute
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = 100000
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type posEntry struct {
	expiresAt time.Time
}

// Cache combines a bloom filter (never removed from individually) with
// a TTL map of positive results (removable, to support invalidation).
type Cache struct {
	opts Options

	mu       sync.Mutex
	bf       *bloom
	positive map[string]posEntry
}

// New constructs a Cache per opts.
func New(opts Options) *Cache {
	opts = opts.normalized()
	return &Cache{
		opts:     opts,
		bf:       newBloom(opts.ExpectedItems, opts.FalsePositive),
		positive: make(map[string]posEntry),
	}
}

// Check reports Absent if the bloom filter rejects hash; otherwise
// consults the positive TTL map and returns Present if unexpired, or
// Unknown (the caller must fall through to storage).
func (c *Cache) Check(hash string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.bf.mayContain(hash) {
		return Absent
	}
	e, ok := c.positive[hash]
	if !ok {
		return Unknown
	}
	if c.opts.Now().After(e.expiresAt) {
		return Unknown
	}
	return Present
}

// Record stores the outcome of a real existence check. On exists=true
// the hash is added to the bloom filter (which never forgets) and a
// fresh positive-map entry expiring after the TTL is written, so Check
// answers Present next time. A negative outcome is not cached: Check
// on that hash answers Absent only if the bloom filter rejects it, and
// Unknown otherwise.
//
// To keep the positive map's entries semantically meaningful ("I know
// this one exists until expiresAt"), Record only inserts into the
// positive map on exists=true; a false record is represented purely by
// leaving (or removing) any stale positive entry.
func (c *Cache) Record(hash string, exists bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if exists {
		c.bf.add(hash)
		c.evictIfFullLocked()
		c.positive[hash] = posEntry{expiresAt: c.opts.Now().Add(c.opts.TTL)}
	} else {
		delete(c.positive, hash)
	}
}

// evictIfFullLocked drops 25% of the oldest-looking entries when the
// positive map is at capacity. The map has no intrinsic recency order,
// so "oldest" is approximated by soonest-to-expire, which is a sound
// proxy since entries are all written with the same TTL.
func (c *Cache) evictIfFullLocked() {
	if len(c.positive) < c.opts.MaxEntries {
		return
	}
	toEvict := len(c.positive) / 4
	if toEvict == 0 {
		toEvict = 1
	}
	type kv struct {
		hash string
		exp  time.Time
	}
	all := make([]kv, 0, len(c.positive))
	for h, e := range c.positive {
		all = append(all, kv{h, e.expiresAt})
	}
	// Partial selection of the `toEvict` soonest-expiring entries.
	for i := 0; i < toEvict; i++ {
		minIdx := i
		for j := i + 1; j < len(all); j++ {
			if all[j].exp.Before(all[minIdx].exp) {
				minIdx = j
			}
		}
		all[i], all[minIdx] = all[minIdx], all[i]
		delete(c.positive, all[i].hash)
	}
}

// Invalidate removes hash from the positive map only; the bloom
// filter is never cleared of a single entry (false positives are
// acceptable, false negatives are not).
func (c *Cache) Invalidate(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.positive, hash)
}

// RecordPut marks hash as known-present after a successful write.
func (c *Cache) RecordPut(hash string) {
	c.Record(hash, true)
}

// RecordDelete marks hash as no-longer-known-present after a delete.
// The bloom bit is left set (it may cause a future false "maybe"), but
// the positive map entry is dropped so Check falls through to storage.
func (c *Cache) RecordDelete(hash string) {
	c.Invalidate(hash)
}

// Clear resets the positive map, and also the bloom filter if
// alsoBloom is true.
func (c *Cache) Clear(alsoBloom bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positive = make(map[string]posEntry)
	if alsoBloom {
		c.bf.clear()
	}
}
