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

// Package githash hashes byte content the way git hashes loose objects:
// plain SHA-1 or one of the wider SHA-2 variants, with a lowercase hex
// encoding that is safe to use as a content-addressed storage key.
package githash

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"io"
)

// Algorithm identifies a supported digest function.
type Algorithm int

const (
	// SHA1 produces a 40 hex character digest.
	SHA1 Algorithm = iota
	// SHA256 produces a 64 hex character digest.
	SHA256
	// SHA384 produces a 96 hex character digest.
	SHA384
	// SHA512 produces a 128 hex character digest.
	SHA512
)

type algoMeta struct {
	name    string
	hexLen  int
	newHash func() hash.Hash
}

var algorithms = map[Algorithm]algoMeta{
	SHA1:   {"sha1", 40, sha1.New},
	SHA256: {"sha256", 64, sha256.New},
	SHA384: {"sha384", 96, sha512.New384},
	SHA512: {"sha512", 128, sha512.New},
}

// hexLenToAlgorithm lets DetectAlgorithm run in O(1).
var hexLenToAlgorithm = map[int]Algorithm{
	40:  SHA1,
	64:  SHA256,
	96:  SHA384,
	128: SHA512,
}

func (a Algorithm) String() string {
	if m, ok := algorithms[a]; ok {
		return m.name
	}
	return "unknown"
}

// HexLen returns the expected lowercase-hex digest length for a.
func (a Algorithm) HexLen() int {
	return algorithms[a].hexLen
}

func (a Algorithm) newHasher() (hash.Hash, error) {
	m, ok := algorithms[a]
	if !ok {
		return nil, fmt.Errorf("githash: unsupported algorithm %d", a)
	}
	return m.newHash(), nil
}

// Hash returns the lowercase hex digest of b under algo.
func Hash(algo Algorithm, b []byte) (string, error) {
	h, err := algo.newHasher()
	if err != nil {
		return "", err
	}
	h.Write(b)
	return encodeHex(h.Sum(nil)), nil
}

// HashStream hashes everything read from r, reporting progress after each
// chunk via onProgress (which may be nil).
func HashStream(algo Algorithm, r io.Reader, onProgress func(n int64)) (string, int64, error) {
	h, err := algo.newHasher()
	if err != nil {
		return "", 0, err
	}
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			total += int64(n)
			if onProgress != nil {
				onProgress(total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", total, rerr
		}
	}
	return encodeHex(h.Sum(nil)), total, nil
}

// StreamingHasher accumulates content incrementally, mirroring the shape
// of a hash.Hash but exposing only the operations the CAS layer needs.
type StreamingHasher struct {
	algo  Algorithm
	h     hash.Hash
	bytes int64
}

// NewStreamingHasher starts a new incremental hash under algo.
func NewStreamingHasher(algo Algorithm) (*StreamingHasher, error) {
	h, err := algo.newHasher()
	if err != nil {
		return nil, err
	}
	return &StreamingHasher{algo: algo, h: h}, nil
}

// Update feeds another chunk into the hash.
func (s *StreamingHasher) Update(chunk []byte) {
	s.h.Write(chunk)
	s.bytes += int64(len(chunk))
}

// Finalize returns the lowercase hex digest computed so far.
func (s *StreamingHasher) Finalize() string {
	return encodeHex(s.h.Sum(nil))
}

// BytesProcessed reports the total number of bytes fed via Update.
func (s *StreamingHasher) BytesProcessed() int64 {
	return s.bytes
}

// DetectAlgorithm infers the algorithm implied by a hex string's length.
// It returns false if the length matches no supported algorithm.
func DetectAlgorithm(s string) (Algorithm, bool) {
	a, ok := hexLenToAlgorithm[len(s)]
	return a, ok
}

// IsValidHash reports whether s is a well-formed hex digest. If algo is
// non-nil, the length must additionally match that specific algorithm.
func IsValidHash(s string, algo *Algorithm) bool {
	if algo != nil {
		if len(s) != algo.HexLen() {
			return false
		}
	} else if _, ok := hexLenToAlgorithm[len(s)]; !ok {
		return false
	}
	return isHex(toLower(s))
}

// Normalize lowercases s and validates it is hex of a supported length.
func Normalize(s string) (string, bool) {
	lower := toLower(s)
	if !isHex(lower) {
		return "", false
	}
	if _, ok := hexLenToAlgorithm[len(lower)]; !ok {
		return "", false
	}
	return lower, true
}
