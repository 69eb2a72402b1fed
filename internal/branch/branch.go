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

// Package branch layers a copy-on-write branch overlay on top of an
// extent packer, generalizing pkg/blobserver/overlay's two-level
// stage-over-base fetch fallback (try the stage, fall back to the
// base) into an arbitrary-depth ancestor chain: a read tries the
// current branch first, then its parent, then its parent's parent,
// and so on, stopping at the first branch holding the page.
package branch

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/corestash/blobvfs/internal/extent"
)

// ID names a branch.
type ID string

// Record is one branch's registry entry.
type Record struct {
	ID       ID
	ParentID ID // "" for a root branch
}

// ErrorCode classifies a branch registry failure.
type ErrorCode int

const (
	EEXIST ErrorCode = iota
	ENOENT
	EINVAL
)

// Error wraps a branch registry failure.
type Error struct {
	Code ErrorCode
	ID   ID
}

func (e *Error) Error() string {
	return fmt.Sprintf("branch %s: %v", e.ID, e.Code)
}

// Registry tracks branch parentage. Branch create/delete touch only
// this bookkeeping; they never copy pages.
type Registry struct {
	mu       sync.Mutex
	branches map[ID]Record
}

// NewRegistry returns a registry seeded with a single parentless root
// branch.
func NewRegistry(root ID) *Registry {
	r := &Registry{branches: make(map[ID]Record)}
	r.branches[root] = Record{ID: root}
	return r
}

// Create registers a new branch whose ancestor is parent.
func (r *Registry) Create(id, parent ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.branches[id]; ok {
		return &Error{Code: EEXIST, ID: id}
	}
	if _, ok := r.branches[parent]; !ok {
		return &Error{Code: ENOENT, ID: parent}
	}
	r.branches[id] = Record{ID: id, ParentID: parent}
	return nil
}

// Delete removes a branch's registry entry. Its pages, if any were
// ever written, are left in the underlying packer as unreachable
// garbage for a later GC pass to reclaim — deleting them here would
// require walking every file_id a branch ever touched, which this
// registry does not track.
func (r *Registry) Delete(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.branches[id]; !ok {
		return &Error{Code: ENOENT, ID: id}
	}
	for _, b := range r.branches {
		if b.ParentID == id {
			return &Error{Code: EINVAL, ID: id}
		}
	}
	delete(r.branches, id)
	return nil
}

// Chain returns id followed by each of its ancestors up to (and
// including) the root.
func (r *Registry) Chain(id ID) ([]ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var chain []ID
	cur := id
	seen := make(map[ID]bool)
	for {
		rec, ok := r.branches[cur]
		if !ok {
			return nil, &Error{Code: ENOENT, ID: cur}
		}
		if seen[cur] {
			return nil, &Error{Code: EINVAL, ID: cur}
		}
		seen[cur] = true
		chain = append(chain, cur)
		if rec.ParentID == "" {
			return chain, nil
		}
		cur = rec.ParentID
	}
}

// Overlay multiplexes a single extent.Packer across branches by
// mapping (branch, fileID) to a distinct virtual file ID per branch,
// so each branch's writes land on pages the packer considers entirely
// its own (copy-on-write), while reads fall back through Chain.
type Overlay struct {
	packer   *extent.Packer
	registry *Registry
}

// NewOverlay constructs a branch overlay over packer using registry
// for ancestry lookups.
func NewOverlay(packer *extent.Packer, registry *Registry) *Overlay {
	return &Overlay{packer: packer, registry: registry}
}

func virtualFileID(branch ID, fileID uint64) uint64 {
	h := fnv.New64a()
	h.Write([]byte(branch))
	h.Write([]byte{
		byte(fileID), byte(fileID >> 8), byte(fileID >> 16), byte(fileID >> 24),
		byte(fileID >> 32), byte(fileID >> 40), byte(fileID >> 48), byte(fileID >> 56),
	})
	return h.Sum64()
}

// WritePage buffers a page write scoped to branch.
func (o *Overlay) WritePage(ctx context.Context, branch ID, fileID uint64, pageNum int64, data []byte) error {
	return o.packer.WritePage(ctx, virtualFileID(branch, fileID), pageNum, data)
}

// ReadPage walks branch's ancestor chain, returning the first
// populated page found.
func (o *Overlay) ReadPage(ctx context.Context, branch ID, fileID uint64, pageNum int64) ([]byte, bool, error) {
	chain, err := o.registry.Chain(branch)
	if err != nil {
		return nil, false, err
	}
	for _, b := range chain {
		data, ok, err := o.packer.ReadPage(ctx, virtualFileID(b, fileID), pageNum)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return data, true, nil
		}
	}
	return nil, false, nil
}

// FlushFile packs branch's own dirty pages for fileID, leaving
// ancestor branches untouched.
func (o *Overlay) FlushFile(ctx context.Context, branch ID, fileID uint64) error {
	return o.packer.FlushFile(ctx, virtualFileID(branch, fileID))
}

// Truncate truncates only branch's own copy of fileID.
func (o *Overlay) Truncate(ctx context.Context, branch ID, fileID uint64, newSize int64) error {
	return o.packer.Truncate(ctx, virtualFileID(branch, fileID), newSize)
}

// DeleteFile removes only branch's own copy of fileID.
func (o *Overlay) DeleteFile(ctx context.Context, branch ID, fileID uint64) error {
	return o.packer.DeleteFile(ctx, virtualFileID(branch, fileID))
}
