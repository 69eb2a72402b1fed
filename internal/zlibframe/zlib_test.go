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

package zlibframe

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte(""),
		[]byte("hello"),
		bytes.Repeat([]byte("git"), 10000),
	}
	for _, c := range cases {
		z, err := Compress(c, DefaultOptions())
		if err != nil {
			t.Fatalf("Compress(%d bytes): %v", len(c), err)
		}
		if !IsZlibFramed(z) {
			t.Fatalf("IsZlibFramed false for our own output")
		}
		got, err := Decompress(z)
		if err != nil {
			t.Fatalf("Decompress: %v", err)
		}
		if !bytes.Equal(got, c) {
			t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(c))
		}
	}
}

func TestInvalidLevel(t *testing.T) {
	_, err := Compress([]byte("x"), Options{Level: 99, MemLevel: 8})
	var zErr *Error
	if !errorsAs(err, &zErr) || zErr.Code != InvalidLevel {
		t.Fatalf("expected InvalidLevel error, got %v", err)
	}
}

func TestInvalidMemLevel(t *testing.T) {
	_, err := Compress([]byte("x"), Options{Level: 6, MemLevel: 20})
	var zErr *Error
	if !errorsAs(err, &zErr) || zErr.Code != InvalidMemLevel {
		t.Fatalf("expected InvalidMemLevel error, got %v", err)
	}
}

func TestTruncatedData(t *testing.T) {
	_, err := Decompress([]byte{0x78})
	var zErr *Error
	if !errorsAs(err, &zErr) || zErr.Code != TruncatedData {
		t.Fatalf("expected TruncatedData error, got %v", err)
	}
}

func TestInvalidHeader(t *testing.T) {
	bad := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05}
	if IsZlibFramed(bad) {
		t.Fatalf("IsZlibFramed should reject a bad CMF nibble")
	}
	_, err := Decompress(bad)
	var zErr *Error
	if !errorsAs(err, &zErr) || zErr.Code != InvalidZlibHeader {
		t.Fatalf("expected InvalidZlibHeader, got %v", err)
	}
}

func TestCorruptedChecksum(t *testing.T) {
	z, err := Compress([]byte("hello world"), DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	corrupt := append([]byte(nil), z...)
	corrupt[len(corrupt)-1] ^= 0xff
	_, err = Decompress(corrupt)
	if err == nil {
		t.Fatalf("expected an error decompressing corrupted data")
	}
}

func errorsAs(err error, target **Error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = e
	return true
}
