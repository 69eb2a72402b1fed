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

package vfs

import (
	"context"
	"sort"
	"strings"
)

// Open opens path under flags, creating it if the flags call for it
// and the parent directory exists.
func (v *VFS) Open(ctx context.Context, rawPath string, flags string, mode uint32) (uint32, error) {
	p := normalize(rawPath)
	of, err := parseFlags(flags)
	if err != nil {
		return 0, &Error{Code: EINVAL, Op: "open", Path: p}
	}
	if mode == 0 {
		mode = DefaultFileMode &^ uint32(ModeFile)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	m, exists := v.lookupLocked(p)
	if exists && m.IsDir() {
		return 0, errf(EISDIR, "open", p)
	}
	if exists && of.Exclusive {
		return 0, errf(EEXIST, "open", p)
	}
	if !exists {
		if !of.Create {
			return 0, errf(ENOENT, "open", p)
		}
		if _, err := v.parentDirLocked(p); err != nil {
			return 0, err
		}
		now := v.clock()
		m = &Metadata{
			Path:      p,
			Inode:     v.nextInode(),
			Mode:      ModeFile | (mode & modePerm),
			ATime:     now,
			MTime:     now,
			CTime:     now,
			BirthTime: now,
		}
		v.entries[p] = m
	}

	if of.Truncate && exists {
		if err := v.packer.Truncate(ctx, m.Inode, 0); err != nil {
			return 0, err
		}
		m.Size = 0
		m.MTime = v.clock()
		m.CTime = m.MTime
	}

	fd := v.nextFD()
	position := int64(0)
	if of.Append {
		position = m.Size
	}
	v.fds[fd] = &OpenFD{FD: fd, Path: p, FileID: m.Inode, Flags: of, Position: position, Mode: m.Mode}
	return fd, nil
}

// Close releases fd.
func (v *VFS) Close(fd uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.fds[fd]; !ok {
		return errf(EBADF, "close", "")
	}
	delete(v.fds, fd)
	return nil
}

func (v *VFS) fdLocked(fd uint32) (*OpenFD, error) {
	h, ok := v.fds[fd]
	if !ok {
		return nil, errf(EBADF, "", "")
	}
	return h, nil
}

// Read reads up to length bytes from fd at the file position pos (or
// the FD's current position if pos < 0), returning the bytes read.
func (v *VFS) Read(ctx context.Context, fd uint32, length int, pos int64) ([]byte, error) {
	v.mu.Lock()
	h, err := v.fdLocked(fd)
	if err != nil {
		v.mu.Unlock()
		return nil, err
	}
	if !h.Flags.Read {
		v.mu.Unlock()
		return nil, errf(EBADF, "read", h.Path)
	}
	m, ok := v.lookupLocked(h.Path)
	if !ok {
		v.mu.Unlock()
		return nil, errf(ENOENT, "read", h.Path)
	}
	if length < 0 {
		v.mu.Unlock()
		return nil, errf(EINVAL, "read", h.Path)
	}
	readPos := pos
	if readPos < 0 {
		readPos = h.Position
	}
	fileID := m.Inode
	fileSize := m.Size
	v.mu.Unlock()

	if readPos >= fileSize {
		v.advancePosition(fd, readPos, 0)
		return nil, nil
	}
	end := readPos + int64(length)
	if end > fileSize {
		end = fileSize
	}
	out, err := v.readRange(ctx, fileID, readPos, end)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	if m, ok := v.lookupLocked(h.Path); ok {
		m.ATime = v.clock()
	}
	v.mu.Unlock()
	v.advancePosition(fd, readPos, int64(len(out)))
	return out, nil
}

func (v *VFS) advancePosition(fd uint32, from, n int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if h, ok := v.fds[fd]; ok {
		h.Position = from + n
	}
}

func (v *VFS) pageSize() int64 { return int64(v.packer.PageSize()) }

// readRange reads the half-open byte range [start,end) of fileID,
// page by page, zero-filling sparse (absent) pages.
func (v *VFS) readRange(ctx context.Context, fileID uint64, start, end int64) ([]byte, error) {
	ps := v.pageSize()
	out := make([]byte, 0, end-start)
	for off := start; off < end; {
		pn := off / ps
		pageStart := pn * ps
		inPage := off - pageStart
		want := end - off
		if want > ps-inPage {
			want = ps - inPage
		}
		data, ok, err := v.packer.ReadPage(ctx, fileID, pn)
		if err != nil {
			return nil, err
		}
		chunk := make([]byte, want)
		if ok {
			avail := int64(len(data)) - inPage
			if avail > 0 {
				n := avail
				if n > want {
					n = want
				}
				copy(chunk, data[inPage:inPage+n])
			}
		}
		out = append(out, chunk...)
		off += want
	}
	return out, nil
}

// Write writes data to fd at pos (or the FD's current position if
// pos < 0), performing read-modify-write on partially touched pages.
// A zero-length write changes nothing, not even timestamps.
func (v *VFS) Write(ctx context.Context, fd uint32, data []byte, pos int64) (int, error) {
	v.mu.Lock()
	h, err := v.fdLocked(fd)
	if err != nil {
		v.mu.Unlock()
		return 0, err
	}
	if !h.Flags.Write {
		v.mu.Unlock()
		return 0, errf(EBADF, "write", h.Path)
	}
	m, ok := v.lookupLocked(h.Path)
	if !ok {
		v.mu.Unlock()
		return 0, errf(ENOENT, "write", h.Path)
	}
	writePos := pos
	if writePos < 0 {
		writePos = h.Position
	}
	if h.Flags.Append {
		writePos = m.Size
	}
	if len(data) == 0 {
		v.mu.Unlock()
		return 0, nil
	}
	fileID := m.Inode
	v.mu.Unlock()

	if err := v.writeRange(ctx, fileID, writePos, data); err != nil {
		return 0, err
	}

	newEnd := writePos + int64(len(data))
	v.mu.Lock()
	if m, ok := v.lookupLocked(h.Path); ok {
		if newEnd > m.Size {
			m.Size = newEnd
		}
		now := v.clock()
		m.MTime, m.CTime = now, now
	}
	if h, ok := v.fds[fd]; ok {
		h.Position = newEnd
	}
	v.mu.Unlock()
	return len(data), nil
}

// writeRange performs read-modify-write of each page spanned by
// [pos, pos+len(data)), buffering every touched page as dirty.
// WritePage itself auto-flushes once the buffered count for fileID
// crosses the packer's extent threshold, so small writes batch into
// extents instead of packing one on every call; a page not yet packed
// still lives durably in the metastore's dirty-page buffer, and
// VFS.Flush is the explicit on-demand path that packs the dirty pages
// of every currently open file early.
func (v *VFS) writeRange(ctx context.Context, fileID uint64, pos int64, data []byte) error {
	ps := v.pageSize()
	off := 0
	cur := pos
	for off < len(data) {
		pn := cur / ps
		pageStart := pn * ps
		inPage := cur - pageStart
		n := ps - inPage
		if int64(len(data)-off) < n {
			n = int64(len(data) - off)
		}

		existing, ok, err := v.packer.ReadPage(ctx, fileID, pn)
		if err != nil {
			return err
		}
		page := make([]byte, ps)
		if ok {
			copy(page, existing)
		}
		copy(page[inPage:inPage+n], data[off:off+int(n)])

		// Trim trailing zero bytes so a page's stored length reflects
		// only what has actually been written so far, matching the
		// packer's "shorter final page" allowance.
		trimmed := trimTrailingZeros(page, int(inPage+n))
		if err := v.packer.WritePage(ctx, fileID, pn, trimmed); err != nil {
			return err
		}

		off += int(n)
		cur += n
	}
	return nil
}

func trimTrailingZeros(page []byte, minLen int) []byte {
	end := len(page)
	for end > minLen && page[end-1] == 0 {
		end--
	}
	return page[:end]
}

// ReadFile reads the entire contents of path.
func (v *VFS) ReadFile(ctx context.Context, rawPath string) ([]byte, error) {
	p := normalize(rawPath)
	v.mu.Lock()
	m, ok := v.lookupLocked(p)
	if !ok {
		v.mu.Unlock()
		return nil, errf(ENOENT, "read_file", p)
	}
	if m.IsDir() {
		v.mu.Unlock()
		return nil, errf(EISDIR, "read_file", p)
	}
	fileID, size := m.Inode, m.Size
	v.mu.Unlock()
	return v.readRange(ctx, fileID, 0, size)
}

// WriteFile opens path for truncating write, writes data, and closes it.
func (v *VFS) WriteFile(ctx context.Context, rawPath string, data []byte, mode uint32) error {
	if mode == 0 {
		mode = 0644
	}
	fd, err := v.Open(ctx, rawPath, "w", mode)
	if err != nil {
		return err
	}
	defer v.Close(fd)
	_, err = v.Write(ctx, fd, data, 0)
	return err
}

// Truncate sets path's logical size to newSize.
func (v *VFS) Truncate(ctx context.Context, rawPath string, newSize int64) error {
	if newSize < 0 {
		return errf(EINVAL, "truncate", rawPath)
	}
	p := normalize(rawPath)
	v.mu.Lock()
	m, ok := v.lookupLocked(p)
	if !ok {
		v.mu.Unlock()
		return errf(ENOENT, "truncate", p)
	}
	if m.IsDir() {
		v.mu.Unlock()
		return errf(EISDIR, "truncate", p)
	}
	fileID := m.Inode
	v.mu.Unlock()

	if err := v.packer.Truncate(ctx, fileID, newSize); err != nil {
		return err
	}
	v.mu.Lock()
	if m, ok := v.lookupLocked(p); ok {
		m.Size = newSize
		now := v.clock()
		m.MTime, m.CTime = now, now
	}
	v.mu.Unlock()
	return nil
}

// Mkdir creates a directory at path.
func (v *VFS) Mkdir(rawPath string, recursive bool, mode uint32) error {
	if mode == 0 {
		mode = 0755
	}
	p := normalize(rawPath)

	v.mu.Lock()
	defer v.mu.Unlock()

	if recursive {
		return v.mkdirAllLocked(p, mode)
	}
	if _, ok := v.lookupLocked(p); ok {
		return errf(EEXIST, "mkdir", p)
	}
	if _, err := v.parentDirLocked(p); err != nil {
		return err
	}
	v.createDirLocked(p, mode)
	return nil
}

func (v *VFS) mkdirAllLocked(p string, mode uint32) error {
	if m, ok := v.lookupLocked(p); ok {
		if !m.IsDir() {
			return errf(ENOTDIR, "mkdir", p)
		}
		return nil
	}
	parent := parentOf(p)
	if parent != p {
		if err := v.mkdirAllLocked(parent, mode); err != nil {
			return err
		}
	}
	v.createDirLocked(p, mode)
	return nil
}

func (v *VFS) createDirLocked(p string, mode uint32) {
	now := v.clock()
	v.entries[p] = &Metadata{
		Path: p, Inode: v.nextInode(), Mode: ModeDir | (mode & modePerm),
		ATime: now, MTime: now, CTime: now, BirthTime: now,
	}
}

// Readdir returns the sorted names of path's immediate children.
func (v *VFS) Readdir(rawPath string) ([]string, error) {
	p := normalize(rawPath)
	v.mu.Lock()
	defer v.mu.Unlock()

	m, ok := v.lookupLocked(p)
	if !ok {
		return nil, errf(ENOENT, "readdir", p)
	}
	if !m.IsDir() {
		return nil, errf(ENOTDIR, "readdir", p)
	}

	prefix := p
	if prefix != "/" {
		prefix += "/"
	}
	var names []string
	for ep := range v.entries {
		if ep == p || !strings.HasPrefix(ep, prefix) {
			continue
		}
		rest := ep[len(prefix):]
		if strings.Contains(rest, "/") {
			continue
		}
		names = append(names, rest)
	}
	sort.Strings(names)
	return names, nil
}

// Rmdir removes an empty, non-root directory.
func (v *VFS) Rmdir(rawPath string) error {
	p := normalize(rawPath)
	if p == "/" {
		return errf(EINVAL, "rmdir", p)
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	m, ok := v.lookupLocked(p)
	if !ok {
		return errf(ENOENT, "rmdir", p)
	}
	if !m.IsDir() {
		return errf(ENOTDIR, "rmdir", p)
	}
	if v.hasChildrenLocked(p) {
		return errf(ENOTEMPTY, "rmdir", p)
	}
	delete(v.entries, p)
	return nil
}

func (v *VFS) hasChildrenLocked(p string) bool {
	prefix := p
	if prefix != "/" {
		prefix += "/"
	}
	for ep := range v.entries {
		if ep != p && strings.HasPrefix(ep, prefix) {
			return true
		}
	}
	return false
}

// Unlink removes a file (not a directory).
func (v *VFS) Unlink(ctx context.Context, rawPath string) error {
	p := normalize(rawPath)
	v.mu.Lock()
	m, ok := v.lookupLocked(p)
	if !ok {
		v.mu.Unlock()
		return errf(ENOENT, "unlink", p)
	}
	if m.IsDir() {
		v.mu.Unlock()
		return errf(EISDIR, "unlink", p)
	}
	fileID := m.Inode
	delete(v.entries, p)
	v.mu.Unlock()
	return v.packer.DeleteFile(ctx, fileID)
}

// Exists reports whether path names any entry.
func (v *VFS) Exists(rawPath string) bool {
	p := normalize(rawPath)
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.lookupLocked(p)
	return ok
}

// Lstat returns path's metadata without following a trailing symlink.
func (v *VFS) Lstat(rawPath string) (Metadata, error) {
	p := normalize(rawPath)
	v.mu.Lock()
	defer v.mu.Unlock()
	m, ok := v.lookupLocked(p)
	if !ok {
		return Metadata{}, errf(ENOENT, "lstat", p)
	}
	return *m, nil
}

// Fstat returns the metadata of fd's underlying path.
func (v *VFS) Fstat(fd uint32) (Metadata, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	h, err := v.fdLocked(fd)
	if err != nil {
		return Metadata{}, err
	}
	m, ok := v.lookupLocked(h.Path)
	if !ok {
		return Metadata{}, errf(ENOENT, "fstat", h.Path)
	}
	return *m, nil
}

// Chmod updates path's permission bits, preserving its type bits.
func (v *VFS) Chmod(rawPath string, mode uint32) error {
	p := normalize(rawPath)
	v.mu.Lock()
	defer v.mu.Unlock()
	m, ok := v.lookupLocked(p)
	if !ok {
		return errf(ENOENT, "chmod", p)
	}
	m.Mode = (m.Mode & modeFmt) | (mode & modePerm)
	m.CTime = v.clock()
	return nil
}

// Utimes sets path's access and modification times (ms since epoch).
func (v *VFS) Utimes(rawPath string, atimeMs, mtimeMs int64) error {
	p := normalize(rawPath)
	v.mu.Lock()
	defer v.mu.Unlock()
	m, ok := v.lookupLocked(p)
	if !ok {
		return errf(ENOENT, "utimes", p)
	}
	m.ATime = atimeMs
	m.MTime = mtimeMs
	return nil
}

// Symlink creates path as a symbolic link pointing at target.
func (v *VFS) Symlink(target, rawPath string) error {
	p := normalize(rawPath)
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.lookupLocked(p); ok {
		return errf(EEXIST, "symlink", p)
	}
	if _, err := v.parentDirLocked(p); err != nil {
		return err
	}
	now := v.clock()
	v.entries[p] = &Metadata{
		Path: p, Inode: v.nextInode(), Mode: ModeLnk | 0777,
		LinkTarget: target,
		ATime:      now, MTime: now, CTime: now, BirthTime: now,
	}
	return nil
}

// Readlink returns the target of a symbolic link.
func (v *VFS) Readlink(rawPath string) (string, error) {
	p := normalize(rawPath)
	v.mu.Lock()
	defer v.mu.Unlock()
	m, ok := v.lookupLocked(p)
	if !ok {
		return "", errf(ENOENT, "readlink", p)
	}
	if !m.IsLink() {
		return "", errf(EINVAL, "readlink", p)
	}
	return m.LinkTarget, nil
}

// Fsync is a no-op relative to the metastore's own durability
// guarantees.
func (v *VFS) Fsync(fd uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, err := v.fdLocked(fd); err != nil {
		return err
	}
	return nil
}

// Flush forces every dirty page of every currently-open file to be
// packed into extents.
func (v *VFS) Flush(ctx context.Context) error {
	v.mu.Lock()
	fileIDs := make(map[uint64]struct{})
	for _, h := range v.fds {
		fileIDs[h.FileID] = struct{}{}
	}
	v.mu.Unlock()

	for id := range fileIDs {
		if err := v.packer.FlushFile(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Rename moves old to new. For directories every descendant path is
// rewritten atomically under the same lock; renaming a file onto an
// existing directory, a directory onto an existing file, or a
// directory onto a non-empty directory fails.
func (v *VFS) Rename(oldRaw, newRaw string) error {
	oldPath := normalize(oldRaw)
	newPath := normalize(newRaw)

	v.mu.Lock()
	defer v.mu.Unlock()

	src, ok := v.lookupLocked(oldPath)
	if !ok {
		return errf(ENOENT, "rename", oldPath)
	}
	if _, err := v.parentDirLocked(newPath); err != nil {
		return err
	}

	if dst, exists := v.lookupLocked(newPath); exists {
		if src.IsDir() && !dst.IsDir() {
			return errf(ENOTDIR, "rename", newPath)
		}
		if !src.IsDir() && dst.IsDir() {
			return errf(EISDIR, "rename", newPath)
		}
		if dst.IsDir() && v.hasChildrenLocked(newPath) {
			return errf(ENOTEMPTY, "rename", newPath)
		}
		delete(v.entries, newPath)
	}

	if !src.IsDir() {
		delete(v.entries, oldPath)
		moved := *src
		moved.Path = newPath
		moved.CTime = v.clock()
		v.entries[newPath] = &moved
		return nil
	}

	prefix := oldPath
	if prefix != "/" {
		prefix += "/"
	}
	renames := map[string]string{oldPath: newPath}
	for ep := range v.entries {
		if ep != oldPath && strings.HasPrefix(ep, prefix) {
			renames[ep] = newPath + ep[len(oldPath):]
		}
	}
	for from, to := range renames {
		m := v.entries[from]
		delete(v.entries, from)
		moved := *m
		moved.Path = to
		v.entries[to] = &moved
	}
	return nil
}
