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

// Package memory is an in-process BlobStorage and MetadataStore,
// grounded on pkg/blobserver/storagetest's in-memory fixtures
// (pkg/blobserver/storagetest). It is the default backend for
// cmd/blobvfsd -backend=memory and the store most of this module's
// tests run against.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/corestash/blobvfs/pkg/blobstore"
	"github.com/corestash/blobvfs/pkg/metastore"
)

// BlobStore is an in-memory blobstore.Store + AtomicWriter + Lister.
type BlobStore struct {
	mu   sync.Mutex
	data map[string][]byte
	// latency, if set, is injected before every operation to exercise
	// suspension-point behavior in tests.
	latency time.Duration
}

// NewBlobStore constructs an empty in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// SetLatency injects an artificial delay before each operation, for
// testing concurrency behavior under slow backends.
func (b *BlobStore) SetLatency(d time.Duration) { b.latency = d }

func (b *BlobStore) sleep() {
	if b.latency > 0 {
		time.Sleep(b.latency)
	}
}

func (b *BlobStore) Write(ctx context.Context, path string, data []byte) error {
	b.sleep()
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := append([]byte(nil), data...)
	b.data[path] = cp
	return nil
}

func (b *BlobStore) Get(ctx context.Context, path string) ([]byte, bool, error) {
	b.sleep()
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.data[path]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), d...), true, nil
}

func (b *BlobStore) Exists(ctx context.Context, path string) (bool, error) {
	b.sleep()
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.data[path]
	return ok, nil
}

func (b *BlobStore) Delete(ctx context.Context, path string) error {
	b.sleep()
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, path)
	return nil
}

// WriteIfAbsent implements blobstore.AtomicWriter.
func (b *BlobStore) WriteIfAbsent(ctx context.Context, path string, data []byte) (bool, error) {
	b.sleep()
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.data[path]; ok {
		return false, nil
	}
	b.data[path] = append([]byte(nil), data...)
	return true, nil
}

// List implements blobstore.Lister.
func (b *BlobStore) List(ctx context.Context, opts blobstore.ListOptions) (blobstore.ListResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for k := range b.data {
		if opts.Prefix != "" && !strings.HasPrefix(k, opts.Prefix) {
			continue
		}
		if opts.Cursor != "" && k <= opts.Cursor {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	limit := opts.Limit
	if limit <= 0 || limit > len(keys) {
		limit = len(keys)
	}
	truncated := limit < len(keys)
	res := blobstore.ListResult{Truncated: truncated}
	for _, k := range keys[:limit] {
		res.Objects = append(res.Objects, blobstore.SizedPath{Path: k, Size: int64(len(b.data[k]))})
	}
	if truncated {
		res.Cursor = keys[limit-1]
	}
	return res, nil
}

var _ blobstore.Store = (*BlobStore)(nil)
var _ blobstore.AtomicWriter = (*BlobStore)(nil)
var _ blobstore.Lister = (*BlobStore)(nil)

// MetaStore is an in-memory metastore.Store.
type MetaStore struct {
	mu    sync.Mutex
	files map[uint64]metastore.FileRecord
	// extents keyed by fileID -> extentIndex -> record
	extents map[uint64]map[int]metastore.ExtentRecord
	// dirty[fileID][pageNum] = data
	dirty map[uint64]map[int64][]byte
}

// NewMetaStore constructs an empty in-memory metadata store.
func NewMetaStore() *MetaStore {
	return &MetaStore{
		files:   make(map[uint64]metastore.FileRecord),
		extents: make(map[uint64]map[int]metastore.ExtentRecord),
		dirty:   make(map[uint64]map[int64][]byte),
	}
}

func (m *MetaStore) UpsertFile(ctx context.Context, f metastore.FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[f.FileID] = f
	return nil
}

func (m *MetaStore) GetFile(ctx context.Context, fileID uint64) (metastore.FileRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[fileID]
	return f, ok, nil
}

func (m *MetaStore) DeleteFile(ctx context.Context, fileID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, fileID)
	delete(m.extents, fileID)
	delete(m.dirty, fileID)
	return nil
}

func (m *MetaStore) UpsertExtent(ctx context.Context, e metastore.ExtentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.extents[e.FileID] == nil {
		m.extents[e.FileID] = make(map[int]metastore.ExtentRecord)
	}
	m.extents[e.FileID][e.ExtentIndex] = e
	return nil
}

func (m *MetaStore) FindExtent(ctx context.Context, fileID uint64, pageNum int64) (metastore.ExtentRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.extents[fileID] {
		if pageNum >= e.StartPage && pageNum < e.StartPage+int64(e.PageCount) {
			return e, true, nil
		}
	}
	return metastore.ExtentRecord{}, false, nil
}

func (m *MetaStore) ListExtents(ctx context.Context, fileID uint64) ([]metastore.ExtentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idxs := make([]int, 0, len(m.extents[fileID]))
	for i := range m.extents[fileID] {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	out := make([]metastore.ExtentRecord, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, m.extents[fileID][i])
	}
	return out, nil
}

func (m *MetaStore) DeleteExtent(ctx context.Context, fileID uint64, extentIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.extents[fileID], extentIndex)
	return nil
}

func (m *MetaStore) DeleteExtentsForFile(ctx context.Context, fileID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.extents, fileID)
	return nil
}

func (m *MetaStore) PutDirtyPage(ctx context.Context, fileID uint64, pageNum int64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dirty[fileID] == nil {
		m.dirty[fileID] = make(map[int64][]byte)
	}
	m.dirty[fileID][pageNum] = append([]byte(nil), data...)
	return nil
}

func (m *MetaStore) GetDirtyPage(ctx context.Context, fileID uint64, pageNum int64) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dirty[fileID][pageNum]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), d...), true, nil
}

func (m *MetaStore) ListDirtyPages(ctx context.Context, fileID uint64) (map[int64][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64][]byte, len(m.dirty[fileID]))
	for k, v := range m.dirty[fileID] {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (m *MetaStore) DeleteDirtyPages(ctx context.Context, fileID uint64, pageNums []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range pageNums {
		delete(m.dirty[fileID], p)
	}
	return nil
}

func (m *MetaStore) CountDirtyPages(ctx context.Context, fileID uint64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dirty[fileID]), nil
}

var _ metastore.Store = (*MetaStore)(nil)
