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

// Package metastore defines the minimal MetadataStore contract the
// extent packer and page-VFS consume for extent/file bookkeeping,
// modeled on pkg/sorted.KeyValue's (Get/Set/Delete/
// BeginBatch/CommitBatch/Find) but typed to this domain's rows
// instead of opaque string key-values.
package metastore

import "context"

// ExtentRecord is one row of the extents table.
type ExtentRecord struct {
	ExtentID     string
	FileID       uint64
	ExtentIndex  int
	StartPage    int64
	PageCount    int
	Compressed   bool
	StoredSize   int64
	Checksum     uint64
}

// FileRecord is one row of extent_files.
type FileRecord struct {
	FileID      uint64
	PageSize    int
	FileSize    int64
	ExtentCount int
	CreatedAt   int64 // ms since epoch
	UpdatedAt   int64
}

// Store is the transactional metadata contract the extent packer and
// VFS rely on. All methods must be safe for concurrent use.
type Store interface {
	// Files
	UpsertFile(ctx context.Context, f FileRecord) error
	GetFile(ctx context.Context, fileID uint64) (FileRecord, bool, error)
	DeleteFile(ctx context.Context, fileID uint64) error

	// Extents
	UpsertExtent(ctx context.Context, e ExtentRecord) error
	// FindExtent returns the extent covering pageNum for fileID, i.e.
	// the unique row with start_page <= pageNum < start_page+page_count.
	FindExtent(ctx context.Context, fileID uint64, pageNum int64) (ExtentRecord, bool, error)
	// ListExtents returns every extent for fileID, ordered by ExtentIndex.
	ListExtents(ctx context.Context, fileID uint64) ([]ExtentRecord, error)
	// DeleteExtent removes a single extent row, e.g. after a truncate
	// drops the blob it described.
	DeleteExtent(ctx context.Context, fileID uint64, extentIndex int) error
	DeleteExtentsForFile(ctx context.Context, fileID uint64) error

	// Dirty page buffer: held here (not in memory) so recovery after
	// restart is just re-reading buffered pages.
	PutDirtyPage(ctx context.Context, fileID uint64, pageNum int64, data []byte) error
	GetDirtyPage(ctx context.Context, fileID uint64, pageNum int64) ([]byte, bool, error)
	ListDirtyPages(ctx context.Context, fileID uint64) (map[int64][]byte, error)
	DeleteDirtyPages(ctx context.Context, fileID uint64, pageNums []int64) error
	CountDirtyPages(ctx context.Context, fileID uint64) (int, error)
}
