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

// Package extent packs fixed-size pages into large append-style
// extent blobs, the way pkg/blobserver/blobpacked packs many small
// blobs into a single ~16MB zip: pages take the place of
// the packed sub-blobs, and a presence bitmap takes the place of the
// zip's file list. Extents are stored through a blobstore.Store under
// a deterministic per-(file,index) path rather than a content hash,
// since extent bytes mutate as pages are rewritten.
package extent

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/corestash/blobvfs/pkg/blobstore"
	"github.com/corestash/blobvfs/pkg/metastore"
)

const defaultExtentTargetSize = 2 << 20 // 2MiB

// numFileStripes bounds the per-file_id lock table, mirroring
// internal/refcount's stripe table: one mutex per file_id would grow
// without bound, so file_id is hashed down to a fixed number of
// stripes instead.
const numFileStripes = 256

// Options configures a Packer.
type Options struct {
	PageSize    int         // must match the file's configured page size
	TargetSize  int         // approx bytes per extent before compression; 0 = default 2MiB
	Compression Compression // compression applied to the packed payload
}

// DefaultOptions returns 4KiB pages, 2MiB extents, no compression.
func DefaultOptions() Options {
	return Options{PageSize: 4096, TargetSize: defaultExtentTargetSize, Compression: CompressionNone}
}

func (o Options) pagesPerExtent() int {
	target := o.TargetSize
	if target <= 0 {
		target = defaultExtentTargetSize
	}
	n := target / o.PageSize
	if n < 1 {
		n = 1
	}
	return n
}

// Packer implements the write_page/flush_file/read_page/truncate/
// delete_file operations over a page-extent file tree. Dirty
// (unflushed) pages are
// held in the metastore's dirty-page buffer rather than in process
// memory, so a crash between writes and a flush loses nothing the
// metastore itself wouldn't lose.
type Packer struct {
	blobs blobstore.Store
	meta  metastore.Store
	opts  Options

	// fileLocks serializes WritePage/FlushFile/Truncate/DeleteFile per
	// file_id, so two concurrent flushes of the same file can't both
	// read the same nextIndex from ListExtents and race on
	// UpsertExtent/DeleteDirtyPages.
	fileLocks [numFileStripes]sync.Mutex
}

func (p *Packer) fileLock(fileID uint64) func() {
	i := int(fileID % numFileStripes)
	p.fileLocks[i].Lock()
	return p.fileLocks[i].Unlock
}

// New constructs a Packer over the given blob and metadata stores.
func New(blobs blobstore.Store, meta metastore.Store, opts Options) (*Packer, error) {
	if opts.PageSize <= 0 {
		return nil, fmt.Errorf("extent: PageSize must be positive")
	}
	if blobs == nil || meta == nil {
		return nil, fmt.Errorf("extent: blobs and meta stores are required")
	}
	return &Packer{blobs: blobs, meta: meta, opts: opts}, nil
}

// PageSize returns the fixed page size this Packer was configured with.
func (p *Packer) PageSize() int { return p.opts.PageSize }

func pageNum(offset int64, pageSize int) int64 { return offset / int64(pageSize) }

func extentPath(fileID uint64, extentIndex int) string {
	return fmt.Sprintf("extents/%016x/%08x", fileID, extentIndex)
}

// WritePage buffers a single page's worth of data as dirty. data must
// be exactly the file's configured page size, except for the file's
// final page, which may be shorter (the remainder is a hole). Once the
// file's buffered dirty-page count reaches pagesPerExtent, WritePage
// flushes the file itself, so small sequential writes batch into
// full-size extents instead of round-tripping to blob storage on every
// call; a caller that wants pages packed sooner calls FlushFile
// directly.
func (p *Packer) WritePage(ctx context.Context, fileID uint64, pn int64, data []byte) error {
	if len(data) > p.opts.PageSize {
		return fmt.Errorf("extent: page payload %d exceeds page size %d", len(data), p.opts.PageSize)
	}

	unlock := p.fileLock(fileID)
	defer unlock()

	if err := p.meta.PutDirtyPage(ctx, fileID, pn, data); err != nil {
		return err
	}

	n, err := p.meta.CountDirtyPages(ctx, fileID)
	if err != nil {
		return err
	}
	if n < p.opts.pagesPerExtent() {
		return nil
	}
	return p.flushFileLocked(ctx, fileID)
}

// ReadPage returns the current bytes of page pn for fileID: the dirty
// buffer if present, else the packed extent covering pn, else (ok ==
// false) a hole that the caller should treat as PageSize zero bytes.
func (p *Packer) ReadPage(ctx context.Context, fileID uint64, pn int64) ([]byte, bool, error) {
	if d, ok, err := p.meta.GetDirtyPage(ctx, fileID, pn); err != nil {
		return nil, false, err
	} else if ok {
		return d, true, nil
	}

	rec, ok, err := p.meta.FindExtent(ctx, fileID, pn)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	raw, found, err := p.blobs.Get(ctx, extentPath(fileID, rec.ExtentIndex))
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, fmt.Errorf("extent: metadata references missing extent blob %s", extentPath(fileID, rec.ExtentIndex))
	}
	pages, bitmap, err := decodeExtent(raw)
	if err != nil {
		return nil, false, err
	}
	localIdx := int(pn - rec.StartPage)
	if localIdx < 0 || localIdx >= rec.PageCount {
		return nil, false, fmt.Errorf("extent: page %d out of range for extent [%d,%d)", pn, rec.StartPage, rec.StartPage+int64(rec.PageCount))
	}
	if !bitmapGet(bitmap, localIdx) {
		return nil, false, nil
	}
	start := localIdx * p.opts.PageSize
	end := start + p.opts.PageSize
	if end > len(pages) {
		end = len(pages)
	}
	return pages[start:end], true, nil
}

// FlushFile packs every dirty page of fileID into one or more extents
// and records them in the metastore, then clears the dirty buffer.
// Existing extents for pages not touched since the last flush are
// left untouched. fileID's lock is held for the duration, so this
// can't interleave with another FlushFile (or a WritePage-triggered
// auto-flush) of the same file.
func (p *Packer) FlushFile(ctx context.Context, fileID uint64) error {
	unlock := p.fileLock(fileID)
	defer unlock()
	return p.flushFileLocked(ctx, fileID)
}

// flushFileLocked is FlushFile assuming the caller already holds
// fileID's lock (see WritePage's auto-flush path).
func (p *Packer) flushFileLocked(ctx context.Context, fileID uint64) error {
	dirty, err := p.meta.ListDirtyPages(ctx, fileID)
	if err != nil {
		return err
	}
	if len(dirty) == 0 {
		return nil
	}

	pns := make([]int64, 0, len(dirty))
	for pn := range dirty {
		pns = append(pns, pn)
	}
	sort.Slice(pns, func(i, j int) bool { return pns[i] < pns[j] })

	existing, err := p.meta.ListExtents(ctx, fileID)
	if err != nil {
		return err
	}
	nextIndex := 0
	for _, e := range existing {
		if e.ExtentIndex >= nextIndex {
			nextIndex = e.ExtentIndex + 1
		}
	}

	perExtent := p.opts.pagesPerExtent()
	for start := 0; start < len(pns); start += perExtent {
		end := start + perExtent
		if end > len(pns) {
			end = len(pns)
		}
		group := pns[start:end]
		startPage := group[0]
		count := int(group[len(group)-1]-startPage) + 1

		pages := make([]byte, count*p.opts.PageSize)
		bitmap := make([]byte, bitmapSize(count))
		for _, pn := range group {
			localIdx := int(pn - startPage)
			copy(pages[localIdx*p.opts.PageSize:], dirty[pn])
			bitmapSet(bitmap, localIdx)
		}

		blob, storedSize, checksum, err := encodeExtent(pages, bitmap, count, p.opts)
		if err != nil {
			return err
		}

		idx := nextIndex
		nextIndex++
		if err := p.blobs.Write(ctx, extentPath(fileID, idx), blob); err != nil {
			return err
		}
		rec := metastore.ExtentRecord{
			ExtentID:    extentPath(fileID, idx),
			FileID:      fileID,
			ExtentIndex: idx,
			StartPage:   startPage,
			PageCount:   count,
			Compressed:  p.opts.Compression != CompressionNone,
			StoredSize:  int64(storedSize),
			Checksum:    checksum,
		}
		if err := p.meta.UpsertExtent(ctx, rec); err != nil {
			return err
		}
	}

	if err := p.meta.DeleteDirtyPages(ctx, fileID, pns); err != nil {
		return err
	}
	return nil
}

// Truncate drops dirty pages and extents entirely beyond newSize and
// marks the tail page (if any) dirty with zero-padding applied, so a
// following FlushFile repacks it at the shorter length. An extent that
// only partially overlaps the new boundary is left in place; its
// trailing pages become unreachable once the caller clamps reads to
// FileRecord.FileSize, and are reclaimed the next time that extent is
// rewritten rather than eagerly split here.
func (p *Packer) Truncate(ctx context.Context, fileID uint64, newSize int64) error {
	unlock := p.fileLock(fileID)
	defer unlock()

	lastFullPage := pageNum(newSize, p.opts.PageSize)
	boundaryOffset := int(newSize - lastFullPage*int64(p.opts.PageSize))

	if boundaryOffset > 0 {
		data, ok, err := p.ReadPage(ctx, fileID, lastFullPage)
		if err != nil {
			return err
		}
		truncated := make([]byte, boundaryOffset)
		if ok {
			copy(truncated, data[:min(boundaryOffset, len(data))])
		}
		if err := p.meta.PutDirtyPage(ctx, fileID, lastFullPage, truncated); err != nil {
			return err
		}
	}

	dirty, err := p.meta.ListDirtyPages(ctx, fileID)
	if err != nil {
		return err
	}
	var staleDirty []int64
	for pn := range dirty {
		if pn > lastFullPage || (pn == lastFullPage && boundaryOffset == 0) {
			staleDirty = append(staleDirty, pn)
		}
	}
	if len(staleDirty) > 0 {
		if err := p.meta.DeleteDirtyPages(ctx, fileID, staleDirty); err != nil {
			return err
		}
	}

	extents, err := p.meta.ListExtents(ctx, fileID)
	if err != nil {
		return err
	}
	for _, e := range extents {
		if e.StartPage >= lastFullPage+1 || (boundaryOffset == 0 && e.StartPage >= lastFullPage) {
			if err := p.blobs.Delete(ctx, extentPath(fileID, e.ExtentIndex)); err != nil {
				return err
			}
			if err := p.meta.DeleteExtent(ctx, fileID, e.ExtentIndex); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeleteFile removes every extent blob, metadata row, and dirty page
// for fileID.
func (p *Packer) DeleteFile(ctx context.Context, fileID uint64) error {
	unlock := p.fileLock(fileID)
	defer unlock()

	extents, err := p.meta.ListExtents(ctx, fileID)
	if err != nil {
		return err
	}
	for _, e := range extents {
		if err := p.blobs.Delete(ctx, extentPath(fileID, e.ExtentIndex)); err != nil {
			return err
		}
	}
	if err := p.meta.DeleteExtentsForFile(ctx, fileID); err != nil {
		return err
	}
	dirty, err := p.meta.ListDirtyPages(ctx, fileID)
	if err != nil {
		return err
	}
	if len(dirty) > 0 {
		pns := make([]int64, 0, len(dirty))
		for pn := range dirty {
			pns = append(pns, pn)
		}
		if err := p.meta.DeleteDirtyPages(ctx, fileID, pns); err != nil {
			return err
		}
	}
	return p.meta.DeleteFile(ctx, fileID)
}

// encodeExtent serializes header + bitmap + (optionally compressed)
// pages into one extent blob, returning the blob, the stored payload
// size, and its checksum.
func encodeExtent(pages, bitmap []byte, pageCount int, opts Options) ([]byte, int, uint64, error) {
	payload := pages
	if opts.Compression != CompressionNone {
		compressed, err := compressPayload(pages, opts.Compression)
		if err != nil {
			return nil, 0, 0, err
		}
		payload = compressed
	}

	h := header{
		Version:     1,
		Flags:       uint16(opts.Compression),
		PageSize:    uint32(opts.PageSize),
		PageCount:   uint32(pageCount),
		PayloadSize: uint32(len(payload)),
		Checksum:    checksumOf(payload),
	}

	buf := make([]byte, 0, headerSize+len(bitmap)+len(payload))
	buf = append(buf, encodeHeader(h)...)
	buf = append(buf, bitmap...)
	buf = append(buf, payload...)
	return buf, len(payload), h.Checksum, nil
}

// decodeExtent parses an extent blob and returns the decompressed
// page payload plus the presence bitmap.
func decodeExtent(raw []byte) (pages, bitmap []byte, err error) {
	h, err := decodeHeader(raw)
	if err != nil {
		return nil, nil, err
	}
	bmSize := bitmapSize(int(h.PageCount))
	if len(raw) < headerSize+bmSize {
		return nil, nil, fmt.Errorf("extent: truncated bitmap")
	}
	bitmap = raw[headerSize : headerSize+bmSize]
	payload := raw[headerSize+bmSize:]
	if uint32(len(payload)) != h.PayloadSize {
		return nil, nil, fmt.Errorf("extent: payload size mismatch: header says %d, have %d", h.PayloadSize, len(payload))
	}
	if checksumOf(payload) != h.Checksum {
		return nil, nil, fmt.Errorf("extent: checksum mismatch")
	}

	if h.compression() == CompressionNone {
		return payload, bitmap, nil
	}
	decompressed, err := decompressPayload(payload, h.compression())
	if err != nil {
		return nil, nil, err
	}
	return decompressed, bitmap, nil
}

func compressPayload(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	default:
		return data, nil
	}
}

func decompressPayload(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("extent: invalid gzip payload: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("extent: invalid zstd payload: %w", err)
		}
		return out, nil
	default:
		return data, nil
	}
}
