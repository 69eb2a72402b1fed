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

// Package vfs is a POSIX-style file tree backed by the extent packer.
// It is the headless core that splits FUSE glue away the way
// pkg/fs/ro.go and pkg/fs/mut.go do: this package owns path/inode/FD
// bookkeeping and read/write semantics, while cmd/mountfs owns the
// bazil.org/fuse node adapter on top of it. Unlike pkg/fs's node
// tree (one *roDir/*mutDir object per entry, populated lazily from a
// search index), the tree here is the flat path->metadata map the
// domain calls for, since every entry's content already lives in the
// extent packer rather than behind a remote describe call.
package vfs

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
)

// Mode bits, matching the POSIX S_IFMT family the stat operations
// report.
const (
	ModeDir  = 0040000
	ModeFile = 0100000
	ModeLnk  = 0120000
	modeFmt  = 0170000
	modePerm = 0000777

	DefaultFileMode = ModeFile | 0644
	DefaultDirMode  = ModeDir | 0755
)

// ErrorCode classifies a VFS operation failure with the POSIX errno
// name used for each operation's contract.
type ErrorCode int

const (
	ENOENT ErrorCode = iota
	EEXIST
	EISDIR
	ENOTDIR
	ENOTEMPTY
	EBADF
	EINVAL
)

func (c ErrorCode) String() string {
	switch c {
	case ENOENT:
		return "ENOENT"
	case EEXIST:
		return "EEXIST"
	case EISDIR:
		return "EISDIR"
	case ENOTDIR:
		return "ENOTDIR"
	case ENOTEMPTY:
		return "ENOTEMPTY"
	case EBADF:
		return "EBADF"
	case EINVAL:
		return "EINVAL"
	default:
		return "EUNKNOWN"
	}
}

// Error wraps a VFS failure with its POSIX-style code.
type Error struct {
	Code ErrorCode
	Op   string
	Path string
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("vfs: %s %s: %s", e.Op, e.Path, e.Code)
	}
	return fmt.Sprintf("vfs: %s: %s", e.Op, e.Code)
}

func errf(code ErrorCode, op, path string) error { return &Error{Code: code, Op: op, Path: path} }

// Packer is the subset of *extent.Packer the VFS needs; declared here
// so pkg/vfs never imports internal/extent's concrete type.
type Packer interface {
	WritePage(ctx context.Context, fileID uint64, pageNum int64, data []byte) error
	ReadPage(ctx context.Context, fileID uint64, pageNum int64) ([]byte, bool, error)
	FlushFile(ctx context.Context, fileID uint64) error
	Truncate(ctx context.Context, fileID uint64, newSize int64) error
	DeleteFile(ctx context.Context, fileID uint64) error
	PageSize() int
}

// Metadata is one tree entry: a file, directory, or symlink.
type Metadata struct {
	Path       string
	Inode      uint64
	Mode       uint32
	Size       int64
	ATime      int64 // ms since epoch
	MTime      int64
	CTime      int64
	BirthTime  int64
	LinkTarget string // only set when Mode&modeFmt == ModeLnk
}

func (m Metadata) IsDir() bool  { return m.Mode&modeFmt == ModeDir }
func (m Metadata) IsLink() bool { return m.Mode&modeFmt == ModeLnk }
func (m Metadata) Blocks() int64 {
	return (m.Size + 511) / 512
}

// OpenFlags is the parsed form of an open() flags string.
type OpenFlags struct {
	Read      bool
	Write     bool
	Append    bool
	Truncate  bool
	Create    bool
	Exclusive bool
}

func parseFlags(flags string) (OpenFlags, error) {
	switch flags {
	case "r":
		return OpenFlags{Read: true}, nil
	case "r+":
		return OpenFlags{Read: true, Write: true}, nil
	case "w":
		return OpenFlags{Write: true, Create: true, Truncate: true}, nil
	case "w+":
		return OpenFlags{Read: true, Write: true, Create: true, Truncate: true}, nil
	case "a":
		return OpenFlags{Write: true, Create: true, Append: true}, nil
	case "a+":
		return OpenFlags{Read: true, Write: true, Create: true, Append: true}, nil
	case "x":
		return OpenFlags{Write: true, Create: true, Exclusive: true}, nil
	default:
		return OpenFlags{}, fmt.Errorf("vfs: unrecognized open flags %q", flags)
	}
}

// OpenFD is a live open-file-descriptor's state.
type OpenFD struct {
	FD       uint32
	Path     string
	FileID   uint64
	Flags    OpenFlags
	Position int64
	Mode     uint32
}

// Clock returns the current time in milliseconds since epoch. It is
// a field, not a call to a time package, so tests can supply a
// deterministic sequence.
type Clock func() int64

// VFS is a POSIX-style file tree over an extent Packer.
type VFS struct {
	packer Packer
	clock  Clock

	mu      sync.Mutex
	entries map[string]*Metadata // normalized path -> metadata
	fds     map[uint32]*OpenFD
	fdNext  uint32
	inoNext uint64
}

// New constructs a VFS rooted at "/" with the given packer and clock.
func New(packer Packer, clock Clock) *VFS {
	v := &VFS{
		packer:  packer,
		clock:   clock,
		entries: make(map[string]*Metadata),
		fds:     make(map[uint32]*OpenFD),
		fdNext:  3,
		inoNext: 1,
	}
	root := &Metadata{Path: "/", Mode: DefaultDirMode, Inode: v.nextInode()}
	now := clock()
	root.ATime, root.MTime, root.CTime, root.BirthTime = now, now, now, now
	v.entries["/"] = root
	return v
}

func (v *VFS) nextInode() uint64 {
	id := v.inoNext
	v.inoNext++
	return id
}

func (v *VFS) nextFD() uint32 {
	fd := v.fdNext
	v.fdNext++
	return fd
}

// normalize makes path absolute and collapses "." / ".." / empty
// segments without following symlinks.
func normalize(p string) string {
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	parts := strings.Split(p, "/")
	var stack []string
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, part)
		}
	}
	if len(stack) == 0 {
		return "/"
	}
	return "/" + strings.Join(stack, "/")
}

func parentOf(p string) string {
	if p == "/" {
		return "/"
	}
	dir := path.Dir(p)
	return dir
}

func baseOf(p string) string { return path.Base(p) }

// lookupLocked returns the entry at p, which must already be
// normalized. Caller holds v.mu.
func (v *VFS) lookupLocked(p string) (*Metadata, bool) {
	m, ok := v.entries[p]
	return m, ok
}

func (v *VFS) parentDirLocked(p string) (*Metadata, error) {
	parent := parentOf(p)
	m, ok := v.lookupLocked(parent)
	if !ok {
		return nil, errf(ENOENT, "open", parent)
	}
	if !m.IsDir() {
		return nil, errf(ENOTDIR, "open", parent)
	}
	return m, nil
}
