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

package localdisk_test

import (
	"os"
	"testing"

	"github.com/corestash/blobvfs/backend/localdisk"
	"github.com/corestash/blobvfs/internal/storetest"
	"github.com/corestash/blobvfs/pkg/blobstore"
)

func TestStorageContract(t *testing.T) {
	storetest.Test(t, func(t *testing.T) (blobstore.Store, func()) {
		dir := t.TempDir()
		s, err := localdisk.New(dir)
		if err != nil {
			t.Fatal(err)
		}
		return s, nil
	})
}

func TestNewRejectsMissingRoot(t *testing.T) {
	if _, err := localdisk.New("/no/such/directory/blobvfs-test"); err == nil {
		t.Fatalf("expected error for missing root")
	}
}

func TestNewRejectsNonDirectory(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "not-a-dir")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	if _, err := localdisk.New(f.Name()); err == nil {
		t.Fatalf("expected error for non-directory root")
	}
}
