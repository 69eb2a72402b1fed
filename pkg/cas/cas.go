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

// Package cas is the content-addressable storage orchestrator: it
// wires hashing, the git object codec, zlib framing, the path mapper,
// the LRU object cache, the existence cache and the refcount store
// around a caller-provided blobstore.Store, the way
// pkg/blobserver/blobpacked.storage wires a meta index and a backing
// store around write-dedup and packing.
package cas

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/corestash/blobvfs/internal/existence"
	"github.com/corestash/blobvfs/internal/githash"
	"github.com/corestash/blobvfs/internal/gitobject"
	"github.com/corestash/blobvfs/internal/objcache"
	"github.com/corestash/blobvfs/internal/objpath"
	"github.com/corestash/blobvfs/internal/refcount"
	"github.com/corestash/blobvfs/internal/zlibframe"
	"github.com/corestash/blobvfs/pkg/blobstore"
)

// cachedObject adapts gitobject.Object to objcache.Object.
type cachedObject struct {
	gitobject.Object
}

func (c cachedObject) Size() int { return len(c.Content) }

// Options configures a Store.
type Options struct {
	Algorithm     githash.Algorithm
	PathOptions   objpath.Options
	ZlibOptions   zlibframe.Options
	CacheEntries  int
	CacheBytes    int64
	Existence     *existence.Options // nil disables the existence cache
	PutConcurrency int
}

// DefaultOptions returns sensible defaults for general use.
func DefaultOptions() Options {
	return Options{
		Algorithm:      githash.SHA1,
		PathOptions:    objpath.DefaultOptions(),
		ZlibOptions:    zlibframe.DefaultOptions(),
		CacheEntries:   10000,
		CacheBytes:     64 << 20,
		PutConcurrency: 10,
	}
}

// Store is the CAS orchestrator tying a blob backend, an object
// cache, an existence cache and a refcount store together.
type Store struct {
	backend blobstore.Store
	opts    Options
	mapper  *objpath.Mapper

	cache     *objcache.Cache
	existence *existence.Cache
	refs      *refcount.Store
}

// New constructs a Store over backend.
func New(backend blobstore.Store, opts Options) (*Store, error) {
	if opts.Algorithm.HexLen() == 0 {
		opts = DefaultOptions()
	}
	mapper, err := objpath.NewMapper(opts.PathOptions)
	if err != nil {
		return nil, err
	}
	s := &Store{
		backend: backend,
		opts:    opts,
		mapper:  mapper,
		cache:   objcache.New(opts.CacheEntries, opts.CacheBytes),
		refs:    refcount.New(),
	}
	if opts.Existence != nil {
		s.existence = existence.New(*opts.Existence)
	}
	return s, nil
}

// PutResult is the outcome of a single Put (or one item of PutBatch).
type PutResult struct {
	Hash    string
	Written bool
	Index   int
}

// Put builds, hashes, compresses and stores a git object of the given
// type, returning its hash. hash's refcount stripe lock is held across
// the existence-check/write and the refcount bump, so a concurrent
// Delete of the same hash can never purge the blob this Put just wrote
// (or revived) out from under it — see the refcount package's Lock.
func (s *Store) Put(ctx context.Context, typ gitobject.Type, content []byte) (PutResult, error) {
	obj, err := gitobject.Build(typ, content)
	if err != nil {
		return PutResult{}, err
	}
	hash, err := githash.Hash(s.opts.Algorithm, obj)
	if err != nil {
		return PutResult{}, err
	}
	path, err := s.mapper.HashToPath(hash)
	if err != nil {
		return PutResult{}, err
	}

	unlock := s.refs.Lock(hash)
	defer unlock()

	written, err := s.writeIfAbsent(ctx, path, obj)
	if err != nil {
		return PutResult{}, err
	}

	s.refs.IncrementLocked(hash)
	s.refs.SetSizeLocked(hash, uint64(len(content)))
	if s.existence != nil {
		s.existence.RecordPut(hash)
	}
	s.cache.Set(hash, cachedObject{gitobject.Object{Type: typ, Content: content}})

	return PutResult{Hash: hash, Written: written}, nil
}

// writeIfAbsent writes obj to path unless it already exists. The
// caller holds hash's refcount stripe lock for the full call (see
// Put), so a plain exists-then-write is race-free against any other
// Put or Delete of the same hash even when the backend isn't an
// AtomicWriter; AtomicWriter backends get their own guarantee on top,
// which matters once a backend is shared with writers outside this
// Store.
func (s *Store) writeIfAbsent(ctx context.Context, path string, obj []byte) (bool, error) {
	if aw, ok := s.backend.(blobstore.AtomicWriter); ok {
		compressed, err := zlibframe.Compress(obj, s.opts.ZlibOptions)
		if err != nil {
			return false, err
		}
		return aw.WriteIfAbsent(ctx, path, compressed)
	}

	exists, err := s.backend.Exists(ctx, path)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	compressed, err := zlibframe.Compress(obj, s.opts.ZlibOptions)
	if err != nil {
		return false, err
	}
	if err := s.backend.Write(ctx, path, compressed); err != nil {
		return false, err
	}
	return true, nil
}

// PutBatchItem is one input to PutBatch.
type PutBatchItem struct {
	Type    gitobject.Type
	Content []byte
}

// PutBatchOptions configures PutBatch.
type PutBatchOptions struct {
	Concurrency int
	OnProgress  func(done, total int)
}

// PutBatch puts every item, in parallel up to opts.Concurrency,
// preserving each item's index in the result slice. Individual item
// errors do not abort the batch.
func (s *Store) PutBatch(ctx context.Context, items []PutBatchItem, opts PutBatchOptions) ([]PutResult, []error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = s.opts.PutConcurrency
	}
	results := make([]PutResult, len(items))
	errs := make([]error, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	var done int
	var mu sync.Mutex

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			res, err := s.Put(gctx, item.Type, item.Content)
			res.Index = i
			results[i] = res
			errs[i] = err
			mu.Lock()
			done++
			d := done
			mu.Unlock()
			if opts.OnProgress != nil {
				opts.OnProgress(d, len(items))
			}
			return nil // never abort the batch on one item's error
		})
	}
	_ = g.Wait()
	return results, errs
}

// Get retrieves and decodes the object stored at hash, or returns
// ok=false if it is absent. Errors are reserved for format/backend
// failures; a missing blob is not an error.
func (s *Store) Get(ctx context.Context, hash string) (gitobject.Object, bool, error) {
	norm, valid := githash.Normalize(hash)
	if !valid {
		return gitobject.Object{}, false, &InvalidHashError{Hash: hash}
	}
	hash = norm

	if cached, ok := s.cache.Get(hash); ok {
		return cached.(cachedObject).Object, true, nil
	}

	path, err := s.mapper.HashToPath(hash)
	if err != nil {
		return gitobject.Object{}, false, err
	}
	raw, ok, err := s.backend.Get(ctx, path)
	if err != nil {
		return gitobject.Object{}, false, err
	}
	if !ok {
		return gitobject.Object{}, false, nil
	}
	decompressed, err := zlibframe.Decompress(raw)
	if err != nil {
		return gitobject.Object{}, false, err
	}
	obj, err := gitobject.Parse(decompressed)
	if err != nil {
		return gitobject.Object{}, false, err
	}
	owned := gitobject.Object{Type: obj.Type, Content: append([]byte(nil), obj.Content...)}
	s.cache.Set(hash, cachedObject{owned})
	return owned, true, nil
}

// Has reports whether hash is stored, consulting the existence cache
// (if configured) before falling back to the backend.
func (s *Store) Has(ctx context.Context, hash string) (bool, error) {
	norm, valid := githash.Normalize(hash)
	if !valid {
		return false, &InvalidHashError{Hash: hash}
	}
	hash = norm

	if s.existence != nil {
		switch s.existence.Check(hash) {
		case existence.Present:
			return true, nil
		case existence.Absent:
			return false, nil
		}
	}

	path, err := s.mapper.HashToPath(hash)
	if err != nil {
		return false, err
	}
	exists, err := s.backend.Exists(ctx, path)
	if err != nil {
		return false, err
	}
	if s.existence != nil {
		s.existence.Record(hash, exists)
	}
	return exists, nil
}

// HasBatchOptions configures HasBatch.
type HasBatchOptions struct {
	Concurrency int
	OnProgress  func(done, total int)
}

// HasBatch validates all hashes up front (failing the whole call on
// the first invalid one, before any I/O), then checks each
// concurrently.
func (s *Store) HasBatch(ctx context.Context, hashes []string, opts HasBatchOptions) ([]bool, error) {
	norm := make([]string, len(hashes))
	for i, h := range hashes {
		n, ok := githash.Normalize(h)
		if !ok {
			return nil, &InvalidHashError{Hash: h}
		}
		norm[i] = n
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = s.opts.PutConcurrency
	}

	out := make([]bool, len(norm))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	var done int
	var mu sync.Mutex
	for i, h := range norm {
		i, h := i, h
		g.Go(func() error {
			ok, err := s.Has(gctx, h)
			if err != nil {
				return err
			}
			out[i] = ok
			mu.Lock()
			done++
			d := done
			mu.Unlock()
			if opts.OnProgress != nil {
				opts.OnProgress(d, len(norm))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete decrements hash's refcount, deleting the underlying blob and
// invalidating caches only if this decrement transitioned the count to
// zero. hash's refcount stripe lock is held across the decrement and
// the purge, the same lock Put holds across its existence-check/write,
// so a concurrent Put can never revive hash between the decrement and
// the purge only to have this call delete it out from under the Put.
func (s *Store) Delete(ctx context.Context, hash string) error {
	norm, valid := githash.Normalize(hash)
	if !valid {
		return &InvalidHashError{Hash: hash}
	}
	hash = norm

	unlock := s.refs.Lock(hash)
	defer unlock()

	_, transitioned := s.refs.DecrementLocked(hash)
	if !transitioned {
		return nil
	}
	return s.purgeBlob(ctx, hash)
}

// ForceDelete unconditionally deletes the blob and invalidates caches,
// regardless of the refcount.
func (s *Store) ForceDelete(ctx context.Context, hash string) error {
	norm, valid := githash.Normalize(hash)
	if !valid {
		return &InvalidHashError{Hash: hash}
	}
	hash = norm

	unlock := s.refs.Lock(hash)
	defer unlock()

	s.refs.DeleteLocked(hash)
	return s.purgeBlob(ctx, hash)
}

// purgeBlob deletes the backing blob and invalidates the object and
// existence caches for hash. Callers must hold hash's refcount stripe
// lock (via refs.Lock) before calling this, so the delete can't race a
// concurrent Put of the same hash.
func (s *Store) purgeBlob(ctx context.Context, hash string) error {
	path, err := s.mapper.HashToPath(hash)
	if err != nil {
		return err
	}
	if err := s.backend.Delete(ctx, path); err != nil {
		return err
	}
	s.cache.Delete(hash)
	if s.existence != nil {
		s.existence.RecordDelete(hash)
	}
	return nil
}

// GCOptions configures GC.
type GCOptions struct {
	DryRun     bool
	OnProgress func(scanned int)
}

// GCResult reports what GC did or would do.
type GCResult struct {
	Scanned      int
	DeletedCount int
	BytesFreed   int64
	DryRun       bool
	DeletedHashes []string
}

// GC scans every refcount entry and deletes (or, in dry-run mode,
// counts) the blobs for entries whose count has reached zero.
//
// The snapshot read is unlocked and can be stale by the time a given
// hash's turn comes up, so for real deletes the zero count is
// re-verified under that hash's stripe lock immediately before
// purging — closing the same revive-then-stale-delete race that Put
// and Delete close between themselves.
func (s *Store) GC(ctx context.Context, opts GCOptions) (GCResult, error) {
	res := GCResult{DryRun: opts.DryRun}
	entries := s.refs.Snapshot()
	for hash, e := range entries {
		res.Scanned++
		if opts.OnProgress != nil {
			opts.OnProgress(res.Scanned)
		}
		if e.Count != 0 {
			continue
		}
		if opts.DryRun {
			res.DeletedCount++
			res.BytesFreed += int64(e.Size)
			res.DeletedHashes = append(res.DeletedHashes, hash)
			continue
		}

		purged, err := s.purgeIfStillZero(ctx, hash)
		if err != nil {
			return res, err
		}
		if !purged {
			continue
		}
		res.DeletedCount++
		res.BytesFreed += int64(e.Size)
		res.DeletedHashes = append(res.DeletedHashes, hash)
	}
	return res, nil
}

// purgeIfStillZero re-checks hash's refcount under its stripe lock and
// purges only if it is still zero, guarding against a concurrent Put
// that revived hash since the caller's snapshot was taken.
func (s *Store) purgeIfStillZero(ctx context.Context, hash string) (bool, error) {
	unlock := s.refs.Lock(hash)
	defer unlock()
	if s.refs.GetLocked(hash) != 0 {
		return false, nil
	}
	if err := s.purgeBlob(ctx, hash); err != nil {
		return false, err
	}
	s.refs.DeleteLocked(hash)
	return true, nil
}

// CacheStats returns the object cache's statistics.
func (s *Store) CacheStats() objcache.Stats { return s.cache.Stats() }

// ClearCache empties the object cache.
func (s *Store) ClearCache() { s.cache.Clear() }

// ResetCacheStats zeroes the object cache's hit/miss/eviction counters.
func (s *Store) ResetCacheStats() { s.cache.ResetStats() }

// Stats returns aggregate deduplication statistics over all known hashes.
func (s *Store) Stats() refcount.Stats {
	return refcount.CalculateStats(s.refs.Snapshot())
}

// ExistenceCacheEnabled reports whether an existence cache is
// configured. existence.Cache exposes no counters, so no
// existence-cache statistics are reported.
func (s *Store) ExistenceCacheEnabled() bool { return s.existence != nil }

// InvalidHashError is returned for malformed or wrong-length hashes.
type InvalidHashError struct {
	Hash string
}

func (e *InvalidHashError) Error() string {
	return "cas: invalid hash " + e.Hash
}
