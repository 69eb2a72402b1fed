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

package objcache

import "testing"

type blob []byte

func (b blob) Size() int { return len(b) }

func TestGetSetBasic(t *testing.T) {
	c := New(10, 0)
	c.Set("a", blob("1"))
	v, ok := c.Get("a")
	if !ok || string(v.(blob)) != "1" {
		t.Fatalf("Get(a) = %v, %v", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatalf("expected miss")
	}
	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestEntryBoundEviction(t *testing.T) {
	c := New(2, 0)
	c.Set("a", blob("1"))
	c.Set("b", blob("1"))
	c.Set("c", blob("1")) // evicts "a" (LRU)
	if c.Has("a") {
		t.Fatalf("expected a evicted")
	}
	if !c.Has("b") || !c.Has("c") {
		t.Fatalf("expected b,c present")
	}
	if c.Stats().Evictions != 1 {
		t.Fatalf("expected 1 eviction, got %d", c.Stats().Evictions)
	}
}

func TestByteBoundEviction(t *testing.T) {
	c := New(0, 10)
	c.Set("a", blob("12345"))
	c.Set("b", blob("12345"))
	if c.Bytes() != 10 {
		t.Fatalf("bytes = %d", c.Bytes())
	}
	c.Set("c", blob("1")) // must evict to fit
	if c.Bytes() > 10 {
		t.Fatalf("bytes over bound: %d", c.Bytes())
	}
}

func TestOversizeObjectSkipped(t *testing.T) {
	c := New(0, 4)
	c.Set("big", blob("12345"))
	if c.Has("big") {
		t.Fatalf("object larger than max_bytes should not be cached")
	}
}

func TestHasDoesNotTouchRecency(t *testing.T) {
	c := New(2, 0)
	c.Set("a", blob("1"))
	c.Set("b", blob("1"))
	c.Has("a") // must NOT promote a
	c.Set("c", blob("1"))
	if c.Has("a") {
		t.Fatalf("Has() should not have protected 'a' from eviction")
	}
}

func TestClearPreservesStats(t *testing.T) {
	c := New(10, 0)
	c.Set("a", blob("1"))
	c.Get("a")
	c.Clear()
	if c.Size() != 0 {
		t.Fatalf("expected empty cache after Clear")
	}
	if c.Stats().Hits != 1 {
		t.Fatalf("Clear should preserve stats")
	}
}

func TestResetStats(t *testing.T) {
	c := New(10, 0)
	c.Set("a", blob("1"))
	c.Get("a")
	c.ResetStats()
	s := c.Stats()
	if s.Hits != 0 || s.Misses != 0 || s.Evictions != 0 {
		t.Fatalf("ResetStats left nonzero counters: %+v", s)
	}
	if c.Size() != 1 {
		t.Fatalf("ResetStats should not evict entries")
	}
}
