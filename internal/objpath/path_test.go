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

package objpath

import "testing"

func TestDefaultMappingKnownVectors(t *testing.T) {
	p, err := HashToPath("e69de29bb2d1d6434b8b29ae775ad8c2e48c5391", DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if p != "objects/e6/9de29bb2d1d6434b8b29ae775ad8c2e48c5391" {
		t.Fatalf("HashToPath = %s", p)
	}

	p2, err := HashToPath("2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if p2 != "objects/2c/f24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Fatalf("HashToPath = %s", p2)
	}
}

func TestRoundTrip(t *testing.T) {
	opts := Options{BaseDir: "blobs", PrefixLen: 3}
	hash := "ABCDEF0123456789abcdef0123456789abcdef01"
	p, err := HashToPath(hash, opts)
	if err != nil {
		t.Fatal(err)
	}
	got, err := PathToHash(p, opts)
	if err != nil {
		t.Fatal(err)
	}
	if got != "abcdef0123456789abcdef0123456789abcdef01" {
		t.Fatalf("PathToHash(HashToPath(hash)) = %s", got)
	}
}

func TestInvalidPrefixLen(t *testing.T) {
	_, err := NewMapper(Options{PrefixLen: 9})
	if err == nil {
		t.Fatalf("expected error for prefix_len=9")
	}
}

func TestMapperConvenience(t *testing.T) {
	m, err := NewMapper(DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	hash := "b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0"
	p, err := m.HashToPath(hash)
	if err != nil {
		t.Fatal(err)
	}
	got, err := m.PathToHash(p)
	if err != nil {
		t.Fatal(err)
	}
	if got != hash {
		t.Fatalf("got %s want %s", got, hash)
	}
}
