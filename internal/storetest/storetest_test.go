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

package storetest_test

import (
	"testing"

	"github.com/corestash/blobvfs/backend/memory"
	"github.com/corestash/blobvfs/internal/storetest"
	"github.com/corestash/blobvfs/pkg/blobstore"
)

func TestMemoryBlobStoreSatisfiesContract(t *testing.T) {
	storetest.Test(t, func(t *testing.T) (blobstore.Store, func()) {
		return memory.NewBlobStore(), nil
	})
}

func TestRandomBytesIsDeterministic(t *testing.T) {
	a := storetest.RandomBytes(42, 256)
	b := storetest.RandomBytes(42, 256)
	if len(a) != 256 || len(b) != 256 {
		t.Fatalf("unexpected lengths")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed produced different bytes at %d", i)
		}
	}
	c := storetest.RandomBytes(43, 256)
	same := true
	for i := range a {
		if a[i] != c[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatalf("different seeds produced identical output")
	}
}
