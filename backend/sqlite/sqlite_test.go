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

package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/corestash/blobvfs/backend/sqlite"
	"github.com/corestash/blobvfs/pkg/metastore"
)

func newStore(t *testing.T) *sqlite.MetaStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meta.db")
	ms, err := sqlite.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ms.Close() })
	return ms
}

func TestFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	ms := newStore(t)

	f := metastore.FileRecord{FileID: 1, PageSize: 4096, FileSize: 8192, ExtentCount: 1, CreatedAt: 10, UpdatedAt: 10}
	if err := ms.UpsertFile(ctx, f); err != nil {
		t.Fatal(err)
	}
	got, ok, err := ms.GetFile(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("GetFile: ok=%v err=%v", ok, err)
	}
	if got != f {
		t.Fatalf("got %+v want %+v", got, f)
	}

	f.FileSize = 16384
	f.UpdatedAt = 20
	if err := ms.UpsertFile(ctx, f); err != nil {
		t.Fatal(err)
	}
	got, _, _ = ms.GetFile(ctx, 1)
	if got.FileSize != 16384 {
		t.Fatalf("expected updated file size, got %d", got.FileSize)
	}

	if err := ms.DeleteFile(ctx, 1); err != nil {
		t.Fatal(err)
	}
	_, ok, err = ms.GetFile(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("expected file gone after delete")
	}
}

func TestExtentFindAndList(t *testing.T) {
	ctx := context.Background()
	ms := newStore(t)

	e0 := metastore.ExtentRecord{ExtentID: "e0", FileID: 7, ExtentIndex: 0, StartPage: 0, PageCount: 16, StoredSize: 100, Checksum: 111}
	e1 := metastore.ExtentRecord{ExtentID: "e1", FileID: 7, ExtentIndex: 1, StartPage: 16, PageCount: 16, Compressed: true, StoredSize: 50, Checksum: 222}
	if err := ms.UpsertExtent(ctx, e0); err != nil {
		t.Fatal(err)
	}
	if err := ms.UpsertExtent(ctx, e1); err != nil {
		t.Fatal(err)
	}

	found, ok, err := ms.FindExtent(ctx, 7, 20)
	if err != nil || !ok {
		t.Fatalf("FindExtent: ok=%v err=%v", ok, err)
	}
	if found.ExtentID != "e1" || !found.Compressed {
		t.Fatalf("FindExtent returned wrong extent: %+v", found)
	}

	all, err := ms.ListExtents(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ExtentIndex != 0 || all[1].ExtentIndex != 1 {
		t.Fatalf("ListExtents out of order or wrong count: %+v", all)
	}

	if err := ms.DeleteExtent(ctx, 7, 0); err != nil {
		t.Fatal(err)
	}
	all, err = ms.ListExtents(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].ExtentIndex != 1 {
		t.Fatalf("expected only extent 1 remaining, got %+v", all)
	}
}

func TestDirtyPages(t *testing.T) {
	ctx := context.Background()
	ms := newStore(t)

	if err := ms.PutDirtyPage(ctx, 3, 0, []byte("aaaa")); err != nil {
		t.Fatal(err)
	}
	if err := ms.PutDirtyPage(ctx, 3, 1, []byte("bbbb")); err != nil {
		t.Fatal(err)
	}

	got, ok, err := ms.GetDirtyPage(ctx, 3, 0)
	if err != nil || !ok || string(got) != "aaaa" {
		t.Fatalf("GetDirtyPage: got=%q ok=%v err=%v", got, ok, err)
	}

	n, err := ms.CountDirtyPages(ctx, 3)
	if err != nil || n != 2 {
		t.Fatalf("CountDirtyPages: n=%d err=%v", n, err)
	}

	all, err := ms.ListDirtyPages(ctx, 3)
	if err != nil || len(all) != 2 {
		t.Fatalf("ListDirtyPages: %v err=%v", all, err)
	}

	if err := ms.DeleteDirtyPages(ctx, 3, []int64{0}); err != nil {
		t.Fatal(err)
	}
	n, err = ms.CountDirtyPages(ctx, 3)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 dirty page remaining, got %d", n)
	}
}
