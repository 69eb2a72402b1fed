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

package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/corestash/blobvfs/backend/memory"
	"github.com/corestash/blobvfs/internal/storetest"
	"github.com/corestash/blobvfs/pkg/blobstore"
	"github.com/corestash/blobvfs/pkg/metastore"
)

func TestBlobStoreContract(t *testing.T) {
	storetest.Test(t, func(t *testing.T) (blobstore.Store, func()) {
		return memory.NewBlobStore(), nil
	})
}

func TestBlobStoreLatency(t *testing.T) {
	b := memory.NewBlobStore()
	b.SetLatency(5 * time.Millisecond)
	start := time.Now()
	if err := b.Write(context.Background(), "slow", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Fatalf("expected injected latency to delay Write")
	}
}

func TestMetaStoreFileAndExtentRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := memory.NewMetaStore()

	f := metastore.FileRecord{FileID: 1, PageSize: 4096, FileSize: 4096, ExtentCount: 1}
	if err := m.UpsertFile(ctx, f); err != nil {
		t.Fatal(err)
	}
	got, ok, err := m.GetFile(ctx, 1)
	if err != nil || !ok || got != f {
		t.Fatalf("GetFile: got=%+v ok=%v err=%v", got, ok, err)
	}

	e := metastore.ExtentRecord{ExtentID: "e0", FileID: 1, ExtentIndex: 0, StartPage: 0, PageCount: 8}
	if err := m.UpsertExtent(ctx, e); err != nil {
		t.Fatal(err)
	}
	found, ok, err := m.FindExtent(ctx, 1, 3)
	if err != nil || !ok || found.ExtentID != "e0" {
		t.Fatalf("FindExtent: found=%+v ok=%v err=%v", found, ok, err)
	}

	if err := m.DeleteFile(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := m.GetFile(ctx, 1); ok {
		t.Fatalf("expected file gone after DeleteFile")
	}
	all, err := m.ListExtents(ctx, 1)
	if err != nil || len(all) != 0 {
		t.Fatalf("expected extents cleared after DeleteFile, got %v", all)
	}
}

func TestMetaStoreDirtyPages(t *testing.T) {
	ctx := context.Background()
	m := memory.NewMetaStore()

	if err := m.PutDirtyPage(ctx, 2, 0, []byte("aaaa")); err != nil {
		t.Fatal(err)
	}
	if err := m.PutDirtyPage(ctx, 2, 1, []byte("bbbb")); err != nil {
		t.Fatal(err)
	}
	n, err := m.CountDirtyPages(ctx, 2)
	if err != nil || n != 2 {
		t.Fatalf("CountDirtyPages: n=%d err=%v", n, err)
	}
	if err := m.DeleteDirtyPages(ctx, 2, []int64{0}); err != nil {
		t.Fatal(err)
	}
	n, err = m.CountDirtyPages(ctx, 2)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 dirty page remaining, got %d", n)
	}
}
