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

package existence

import "math"

// bloom is a packed-word bloom filter using double hashing over two
// disjoint 32-bit slices of a hash's hex digest, avoiding the need for
// an external hash family.
type bloom struct {
	words []uint64
	m     uint32 // bit count, rounded up to a word boundary
	k     int    // number of hash functions
}

// sizeBloom computes m (bits, word-rounded) and k for expected item
// count n and target false-positive rate p.
func sizeBloom(n int, p float64) (m uint32, k int) {
	if n <= 0 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	mf := math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2))
	mWords := uint32(math.Ceil(mf / 64))
	if mWords == 0 {
		mWords = 1
	}
	m = mWords * 64
	kf := math.Ceil((float64(m) / float64(n)) * math.Ln2)
	k = int(kf)
	if k < 1 {
		k = 1
	}
	return m, k
}

func newBloom(n int, p float64) *bloom {
	m, k := sizeBloom(n, p)
	return &bloom{
		words: make([]uint64, m/64),
		m:     m,
		k:     k,
	}
}

// positions computes the k bit positions for hash's hex digest using
// double hashing: h_i = h1 + i*h2 (mod m), where h1 and h2 are two
// disjoint 32-bit slices of the hex string parsed as integers.
func (b *bloom) positions(hash string) []uint32 {
	h1, h2 := hashSlices(hash)
	out := make([]uint32, b.k)
	for i := 0; i < b.k; i++ {
		out[i] = (h1 + uint32(i)*h2) % b.m
	}
	return out
}

// hashSlices parses two disjoint 8-hex-char (32-bit) windows out of s.
// If s is shorter than 16 hex chars, it is treated cyclically so short
// hashes (not expected in practice, but defensively handled) still
// produce two values.
func hashSlices(s string) (uint32, uint32) {
	if len(s) < 16 {
		// Extremely defensive path; real hashes are always >= 40 hex chars.
		if s == "" {
			s = "0"
		}
		for len(s) < 16 {
			s += s
		}
		s = s[:16]
	}
	return parseHex32(s[0:8]), parseHex32(s[8:16])
}

func parseHex32(s string) uint32 {
	var v uint32
	for i := 0; i < len(s); i++ {
		c := s[i]
		var d uint32
		switch {
		case c >= '0' && c <= '9':
			d = uint32(c - '0')
		case c >= 'a' && c <= 'f':
			d = uint32(c-'a') + 10
		case c >= 'A' && c <= 'F':
			d = uint32(c-'A') + 10
		default:
			d = 0
		}
		v = v<<4 | d
	}
	return v
}

func (b *bloom) add(hash string) {
	for _, pos := range b.positions(hash) {
		b.words[pos/64] |= 1 << (pos % 64)
	}
}

// mayContain returns false only if hash is definitely absent.
func (b *bloom) mayContain(hash string) bool {
	for _, pos := range b.positions(hash) {
		if b.words[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

func (b *bloom) clear() {
	for i := range b.words {
		b.words[i] = 0
	}
}
