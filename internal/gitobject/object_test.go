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

package gitobject

import (
	"bytes"
	"testing"

	"github.com/corestash/blobvfs/internal/githash"
)

func TestBuildParseRoundTrip(t *testing.T) {
	for _, typ := range []Type{Blob, Tree, Commit, Tag} {
		for _, content := range [][]byte{[]byte(""), []byte("hello"), bytes.Repeat([]byte("x"), 5000)} {
			b, err := Build(typ, content)
			if err != nil {
				t.Fatalf("Build(%s): %v", typ, err)
			}
			obj, err := Parse(b)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if obj.Type != typ || !bytes.Equal(obj.Content, content) {
				t.Fatalf("round trip mismatch for type=%s", typ)
			}
		}
	}
}

func TestKnownHashVectors(t *testing.T) {
	cases := []struct {
		content string
		want    string
	}{
		{"", "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391"},
		{"hello", "b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0"},
		{"what is up, doc?", "bd9dbf5aae1a3862dd1526723246b20206e5fc37"},
	}
	for _, c := range cases {
		obj, err := Build(Blob, []byte(c.content))
		if err != nil {
			t.Fatal(err)
		}
		got, err := githash.Hash(githash.SHA1, obj)
		if err != nil {
			t.Fatal(err)
		}
		if got != c.want {
			t.Errorf("hash of blob %q = %s, want %s", c.content, got, c.want)
		}
	}
}

func TestInvalidType(t *testing.T) {
	_, err := Build(Type("bogus"), []byte("x"))
	assertCode(t, err, InvalidType)

	_, err = Parse([]byte("bogus 1\x00x"))
	assertCode(t, err, InvalidType)
}

func TestMissingNullByte(t *testing.T) {
	_, err := Parse([]byte("blob 5 hello"))
	assertCode(t, err, MissingNullByte)
}

func TestMissingSpace(t *testing.T) {
	_, err := Parse([]byte("blob5\x00hello"))
	assertCode(t, err, MissingSpace)
}

func TestSizeMismatch(t *testing.T) {
	_, err := Parse([]byte("blob 4\x00hello"))
	assertCode(t, err, SizeMismatch)
}

func TestInvalidSizeRejectsNonDigits(t *testing.T) {
	for _, bad := range []string{"+5", " 5", "5 ", "", "5x"} {
		_, err := Parse([]byte("blob " + bad + "\x00"))
		assertCode(t, err, InvalidSize)
	}
}

func TestEmptyData(t *testing.T) {
	_, err := Parse(nil)
	assertCode(t, err, EmptyData)
}

func assertCode(t *testing.T, err error, want ErrorCode) {
	t.Helper()
	ge, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *gitobject.Error, got %T (%v)", err, err)
	}
	if ge.Code != want {
		t.Fatalf("error code = %v, want %v", ge.Code, want)
	}
}
