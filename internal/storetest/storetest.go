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

// Package storetest is a contract-test harness for blobstore.Store
// implementations, generalizing pkg/blobserver/storagetest's
// New-then-run-fixed-sequence shape (there: receive/stat/enumerate
// against any blobserver.Storage; here: write/get/exists/delete
// against any blobstore.Store, plus the optional AtomicWriter and
// Lister capabilities when a backend exposes them).
package storetest

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/corestash/blobvfs/pkg/blobstore"
)

// Opts configures a contract-test run.
type Opts struct {
	// New must return a fresh, empty store plus an optional cleanup func.
	New func(t *testing.T) (store blobstore.Store, cleanup func())
}

// Test runs the full blobstore.Store contract suite against fn's store.
func Test(t *testing.T, fn func(t *testing.T) (blobstore.Store, func())) {
	TestOpt(t, Opts{New: fn})
}

// TestOpt runs the suite with explicit Opts.
func TestOpt(t *testing.T, opt Opts) {
	store, cleanup := opt.New(t)
	defer func() {
		if cleanup != nil {
			cleanup()
		}
	}()
	ctx := context.Background()
	t.Logf("testing blobstore.Store %T", store)

	t.Run("get-missing-is-absent", func(t *testing.T) {
		_, ok, err := store.Get(ctx, "nowhere")
		if err != nil {
			t.Fatalf("Get on missing path errored: %v", err)
		}
		if ok {
			t.Fatalf("expected absent for missing path")
		}
	})

	t.Run("write-get-roundtrip", func(t *testing.T) {
		want := []byte("hello, storetest")
		if err := store.Write(ctx, "a/b", want); err != nil {
			t.Fatal(err)
		}
		got, ok, err := store.Get(ctx, "a/b")
		if err != nil || !ok {
			t.Fatalf("Get: ok=%v err=%v", ok, err)
		}
		if string(got) != string(want) {
			t.Fatalf("got %q want %q", got, want)
		}
	})

	t.Run("exists", func(t *testing.T) {
		if err := store.Write(ctx, "exists-path", []byte("x")); err != nil {
			t.Fatal(err)
		}
		ok, err := store.Exists(ctx, "exists-path")
		if err != nil || !ok {
			t.Fatalf("Exists: ok=%v err=%v", ok, err)
		}
		ok, err = store.Exists(ctx, "never-written")
		if err != nil || ok {
			t.Fatalf("Exists on missing: ok=%v err=%v", ok, err)
		}
	})

	t.Run("write-overwrites", func(t *testing.T) {
		if err := store.Write(ctx, "overwrite-me", []byte("v1")); err != nil {
			t.Fatal(err)
		}
		if err := store.Write(ctx, "overwrite-me", []byte("v2")); err != nil {
			t.Fatal(err)
		}
		got, ok, err := store.Get(ctx, "overwrite-me")
		if err != nil || !ok || string(got) != "v2" {
			t.Fatalf("expected v2, got %q ok=%v err=%v", got, ok, err)
		}
	})

	t.Run("delete-is-idempotent", func(t *testing.T) {
		if err := store.Write(ctx, "delete-me", []byte("x")); err != nil {
			t.Fatal(err)
		}
		if err := store.Delete(ctx, "delete-me"); err != nil {
			t.Fatal(err)
		}
		if err := store.Delete(ctx, "delete-me"); err != nil {
			t.Fatalf("second delete of an already-gone path should not error: %v", err)
		}
		_, ok, err := store.Get(ctx, "delete-me")
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Fatalf("expected gone after delete")
		}
	})

	if aw, ok := store.(blobstore.AtomicWriter); ok {
		t.Run("write-if-absent", func(t *testing.T) {
			written, err := aw.WriteIfAbsent(ctx, "wia", []byte("first"))
			if err != nil {
				t.Fatal(err)
			}
			if !written {
				t.Fatalf("expected first WriteIfAbsent to write")
			}
			written, err = aw.WriteIfAbsent(ctx, "wia", []byte("second"))
			if err != nil {
				t.Fatal(err)
			}
			if written {
				t.Fatalf("expected second WriteIfAbsent on existing path to report unwritten")
			}
			got, ok, err := store.Get(ctx, "wia")
			if err != nil || !ok || string(got) != "first" {
				t.Fatalf("expected original content preserved, got %q", got)
			}
		})
	}

	if lister, ok := store.(blobstore.Lister); ok {
		t.Run("list-enumerates-written-paths", func(t *testing.T) {
			paths := []string{"list/1", "list/2", "list/3"}
			for _, p := range paths {
				if err := store.Write(ctx, p, []byte(p)); err != nil {
					t.Fatal(err)
				}
			}
			res, err := lister.List(ctx, blobstore.ListOptions{Prefix: "list/"})
			if err != nil {
				t.Fatal(err)
			}
			var got []string
			for _, o := range res.Objects {
				got = append(got, o.Path)
			}
			sort.Strings(got)
			for i, p := range paths {
				if i >= len(got) || got[i] != p {
					t.Fatalf("List missing %q; got %v", p, got)
				}
			}
		})
	}
}

// seededRand is a tiny deterministic PRNG (xorshift64*) so fixture
// generation never depends on math/rand's global state or on time.
type seededRand struct{ state uint64 }

func newSeededRand(seed int64) *seededRand {
	s := uint64(seed)
	if s == 0 {
		s = 0x9e3779b97f4a7c15
	}
	return &seededRand{state: s}
}

func (r *seededRand) next() uint64 {
	r.state ^= r.state << 13
	r.state ^= r.state >> 7
	r.state ^= r.state << 17
	return r.state * 0x2545F4914F6CDD1D
}

// RandomBytes deterministically generates n bytes from seed: the same
// (seed, n) always produces the same content, so fixtures built from
// it are reproducible across test runs without persisting golden files.
func RandomBytes(seed int64, n int) []byte {
	r := newSeededRand(seed)
	out := make([]byte, n)
	for i := 0; i < n; i += 8 {
		v := r.next()
		for j := 0; j < 8 && i+j < n; j++ {
			out[i+j] = byte(v >> (8 * uint(j)))
		}
	}
	return out
}

// RandomPath returns a plausible hierarchical path derived from seed,
// useful for Lister/enumeration fixtures.
func RandomPath(seed int64, depth int) string {
	r := newSeededRand(seed)
	p := ""
	for i := 0; i < depth; i++ {
		p += fmt.Sprintf("/%08x", r.next()&0xffffffff)
	}
	return p
}
