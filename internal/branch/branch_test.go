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

package branch_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/corestash/blobvfs/backend/memory"
	"github.com/corestash/blobvfs/internal/branch"
	"github.com/corestash/blobvfs/internal/extent"
)

func newOverlay(t *testing.T) (*branch.Overlay, *branch.Registry) {
	t.Helper()
	opts := extent.DefaultOptions()
	opts.PageSize = 16
	p, err := extent.New(memory.NewBlobStore(), memory.NewMetaStore(), opts)
	if err != nil {
		t.Fatal(err)
	}
	reg := branch.NewRegistry("main")
	return branch.NewOverlay(p, reg), reg
}

func page(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestChildFallsBackToParentPage(t *testing.T) {
	ov, reg := newOverlay(t)
	ctx := context.Background()
	const fileID = 1

	if err := ov.WritePage(ctx, "main", fileID, 0, page('m', 16)); err != nil {
		t.Fatal(err)
	}
	if err := ov.FlushFile(ctx, "main", fileID); err != nil {
		t.Fatal(err)
	}
	if err := reg.Create("feature", "main"); err != nil {
		t.Fatal(err)
	}

	got, ok, err := ov.ReadPage(ctx, "feature", fileID, 0)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, page('m', 16)) {
		t.Fatalf("expected fallback to parent page, got %q", got)
	}
}

func TestChildWriteShadowsParent(t *testing.T) {
	ov, reg := newOverlay(t)
	ctx := context.Background()
	const fileID = 2

	if err := ov.WritePage(ctx, "main", fileID, 0, page('m', 16)); err != nil {
		t.Fatal(err)
	}
	if err := ov.FlushFile(ctx, "main", fileID); err != nil {
		t.Fatal(err)
	}
	if err := reg.Create("feature", "main"); err != nil {
		t.Fatal(err)
	}
	if err := ov.WritePage(ctx, "feature", fileID, 0, page('f', 16)); err != nil {
		t.Fatal(err)
	}
	if err := ov.FlushFile(ctx, "feature", fileID); err != nil {
		t.Fatal(err)
	}

	childGot, ok, err := ov.ReadPage(ctx, "feature", fileID, 0)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(childGot, page('f', 16)) {
		t.Fatalf("child should see its own write, got %q", childGot)
	}

	parentGot, ok, err := ov.ReadPage(ctx, "main", fileID, 0)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(parentGot, page('m', 16)) {
		t.Fatalf("parent branch should be unaffected by child write, got %q", parentGot)
	}
}

func TestDeepAncestryChain(t *testing.T) {
	ov, reg := newOverlay(t)
	ctx := context.Background()
	const fileID = 3

	if err := ov.WritePage(ctx, "main", fileID, 0, page('r', 16)); err != nil {
		t.Fatal(err)
	}
	if err := ov.FlushFile(ctx, "main", fileID); err != nil {
		t.Fatal(err)
	}
	if err := reg.Create("mid", "main"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Create("leaf", "mid"); err != nil {
		t.Fatal(err)
	}

	got, ok, err := ov.ReadPage(ctx, "leaf", fileID, 0)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, page('r', 16)) {
		t.Fatalf("expected deep fallback to root page, got %q", got)
	}
}

func TestDeleteBranchWithChildrenRejected(t *testing.T) {
	_, reg := newOverlay(t)
	if err := reg.Create("child", "main"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Delete("main"); err == nil {
		t.Fatalf("expected error deleting a branch with a child")
	}
	if err := reg.Delete("child"); err != nil {
		t.Fatal(err)
	}
}

func TestCreateDuplicateBranchRejected(t *testing.T) {
	_, reg := newOverlay(t)
	if err := reg.Create("main", "main"); err == nil {
		t.Fatalf("expected EEXIST creating a branch that already exists")
	}
}
