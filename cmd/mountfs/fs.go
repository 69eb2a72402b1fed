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

package main

import (
	"context"
	"os"
	"path"
	"syscall"
	"time"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"github.com/corestash/blobvfs/pkg/vfs"
)

// FS adapts a *vfs.VFS into a bazil.org/fuse filesystem, the role
// cmd/pk-mount's *fs.CamliFileSystem plays for pkg/fs's node tree.
type FS struct {
	vfs *vfs.VFS
}

var _ fusefs.FS = (*FS)(nil)

func (f *FS) Root() (fusefs.Node, error) {
	return &node{fs: f, path: "/"}, nil
}

// node is one path in the tree. Unlike pkg/fs's roDir/roFile,
// which cache populated children in memory, node is a thin stateless
// handle: every call re-reads pkg/vfs, which already holds the
// authoritative in-memory tree.
type node struct {
	fs   *FS
	path string
}

var (
	_ fusefs.Node               = (*node)(nil)
	_ fusefs.NodeStringLookuper = (*node)(nil)
	_ fusefs.HandleReadDirAller = (*node)(nil)
	_ fusefs.NodeOpener         = (*node)(nil)
	_ fusefs.NodeCreater        = (*node)(nil)
	_ fusefs.NodeMkdirer        = (*node)(nil)
	_ fusefs.NodeRemover        = (*node)(nil)
	_ fusefs.NodeRenamer        = (*node)(nil)
	_ fusefs.NodeSymlinker      = (*node)(nil)
	_ fusefs.NodeReadlinker     = (*node)(nil)
	_ fusefs.NodeSetattrer      = (*node)(nil)
)

func toFuseErr(err error) error {
	if err == nil {
		return nil
	}
	verr, ok := err.(*vfs.Error)
	if !ok {
		return err
	}
	switch verr.Code {
	case vfs.ENOENT:
		return fuse.Errno(syscall.ENOENT)
	case vfs.EEXIST:
		return fuse.Errno(syscall.EEXIST)
	case vfs.EISDIR:
		return fuse.Errno(syscall.EISDIR)
	case vfs.ENOTDIR:
		return fuse.Errno(syscall.ENOTDIR)
	case vfs.ENOTEMPTY:
		return fuse.Errno(syscall.ENOTEMPTY)
	case vfs.EBADF:
		return fuse.Errno(syscall.EBADF)
	case vfs.EINVAL:
		return fuse.Errno(syscall.EINVAL)
	default:
		return fuse.Errno(syscall.EIO)
	}
}

func attrFromMetadata(m vfs.Metadata, a *fuse.Attr) {
	a.Inode = m.Inode
	a.Size = uint64(m.Size)
	a.Blocks = uint64(m.Blocks())
	a.Mode = os.FileMode(m.Mode & 0777)
	switch {
	case m.IsDir():
		a.Mode |= os.ModeDir
	case m.IsLink():
		a.Mode |= os.ModeSymlink
	}
	a.Atime = time.UnixMilli(m.ATime)
	a.Mtime = time.UnixMilli(m.MTime)
	a.Ctime = time.UnixMilli(m.CTime)
	a.Crtime = time.UnixMilli(m.BirthTime)
}

func (n *node) Attr(ctx context.Context, a *fuse.Attr) error {
	m, err := n.fs.vfs.Lstat(n.path)
	if err != nil {
		return toFuseErr(err)
	}
	attrFromMetadata(m, a)
	return nil
}

func (n *node) child(name string) *node {
	return &node{fs: n.fs, path: path.Join(n.path, name)}
}

func (n *node) Lookup(ctx context.Context, name string) (fusefs.Node, error) {
	c := n.child(name)
	if !n.fs.vfs.Exists(c.path) {
		return nil, fuse.Errno(syscall.ENOENT)
	}
	return c, nil
}

func (n *node) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	names, err := n.fs.vfs.Readdir(n.path)
	if err != nil {
		return nil, toFuseErr(err)
	}
	dirents := make([]fuse.Dirent, 0, len(names))
	for _, name := range names {
		m, err := n.fs.vfs.Lstat(path.Join(n.path, name))
		if err != nil {
			continue
		}
		typ := fuse.DT_File
		switch {
		case m.IsDir():
			typ = fuse.DT_Dir
		case m.IsLink():
			typ = fuse.DT_Link
		}
		dirents = append(dirents, fuse.Dirent{Inode: m.Inode, Name: name, Type: typ})
	}
	return dirents, nil
}

func (n *node) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	flags := "r"
	switch {
	case req.Flags.IsWriteOnly():
		flags = "w"
	case req.Flags.IsReadWrite():
		flags = "r+"
	}
	fd, err := n.fs.vfs.Open(ctx, n.path, flags, 0)
	if err != nil {
		return nil, toFuseErr(err)
	}
	return &handle{fs: n.fs, fd: fd}, nil
}

func (n *node) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fusefs.Node, fusefs.Handle, error) {
	c := n.child(req.Name)
	fd, err := n.fs.vfs.Open(ctx, c.path, "w+", uint32(req.Mode.Perm()))
	if err != nil {
		return nil, nil, toFuseErr(err)
	}
	return c, &handle{fs: n.fs, fd: fd}, nil
}

func (n *node) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	c := n.child(req.Name)
	if err := n.fs.vfs.Mkdir(c.path, false, uint32(req.Mode.Perm())); err != nil {
		return nil, toFuseErr(err)
	}
	return c, nil
}

func (n *node) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	c := n.child(req.Name)
	if req.Dir {
		return toFuseErr(n.fs.vfs.Rmdir(c.path))
	}
	return toFuseErr(n.fs.vfs.Unlink(ctx, c.path))
}

func (n *node) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fusefs.Node) error {
	dst, ok := newDir.(*node)
	if !ok {
		return fuse.Errno(syscall.EXDEV)
	}
	oldPath := n.child(req.OldName).path
	newPath := dst.child(req.NewName).path
	return toFuseErr(n.fs.vfs.Rename(oldPath, newPath))
}

func (n *node) Symlink(ctx context.Context, req *fuse.SymlinkRequest) (fusefs.Node, error) {
	c := n.child(req.NewName)
	if err := n.fs.vfs.Symlink(req.Target, c.path); err != nil {
		return nil, toFuseErr(err)
	}
	return c, nil
}

func (n *node) Readlink(ctx context.Context, req *fuse.ReadlinkRequest) (string, error) {
	target, err := n.fs.vfs.Readlink(n.path)
	if err != nil {
		return "", toFuseErr(err)
	}
	return target, nil
}

func (n *node) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	if req.Valid.Mode() {
		if err := n.fs.vfs.Chmod(n.path, uint32(req.Mode.Perm())); err != nil {
			return toFuseErr(err)
		}
	}
	if req.Valid.Size() {
		if err := n.fs.vfs.Truncate(ctx, n.path, int64(req.Size)); err != nil {
			return toFuseErr(err)
		}
	}
	if req.Valid.Atime() || req.Valid.Mtime() {
		at, mt := req.Atime, req.Mtime
		if err := n.fs.vfs.Utimes(n.path, at.UnixMilli(), mt.UnixMilli()); err != nil {
			return toFuseErr(err)
		}
	}
	m, err := n.fs.vfs.Lstat(n.path)
	if err != nil {
		return toFuseErr(err)
	}
	attrFromMetadata(m, &resp.Attr)
	return nil
}

// handle is a live open file descriptor, adapting vfs.OpenFD to
// bazil.org/fuse's Handle interfaces.
type handle struct {
	fs *FS
	fd uint32
}

var (
	_ fusefs.HandleReader   = (*handle)(nil)
	_ fusefs.HandleWriter   = (*handle)(nil)
	_ fusefs.HandleFlusher  = (*handle)(nil)
	_ fusefs.HandleReleaser = (*handle)(nil)
)

func (h *handle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	b, err := h.fs.vfs.Read(ctx, h.fd, req.Size, req.Offset)
	if err != nil {
		return toFuseErr(err)
	}
	resp.Data = b
	return nil
}

func (h *handle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	n, err := h.fs.vfs.Write(ctx, h.fd, req.Data, req.Offset)
	if err != nil {
		return toFuseErr(err)
	}
	resp.Size = n
	return nil
}

func (h *handle) Flush(ctx context.Context, req *fuse.FlushRequest) error {
	return toFuseErr(h.fs.vfs.Flush(ctx))
}

func (h *handle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	return toFuseErr(h.fs.vfs.Close(h.fd))
}
