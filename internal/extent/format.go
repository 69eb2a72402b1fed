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

package extent

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

const (
	magic      = "EXT1"
	headerSize = 64

	// Flags bits 0-1 carry the Compression scheme; the rest are reserved.
	flagCompressionMask = 0x3
)

// Compression is the extent's page-payload compression scheme.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
)

// header is the 64-byte extent header prefixing every packed extent
// blob.
type header struct {
	Version     uint16
	Flags       uint16
	PageSize    uint32
	PageCount   uint32
	PayloadSize uint32
	Checksum    uint64
}

func (h header) compression() Compression { return Compression(h.Flags & flagCompressionMask) }

func encodeHeader(h header) []byte {
	b := make([]byte, headerSize)
	copy(b[0:4], magic)
	binary.BigEndian.PutUint16(b[4:6], h.Version)
	binary.BigEndian.PutUint16(b[6:8], h.Flags)
	binary.BigEndian.PutUint32(b[8:12], h.PageSize)
	binary.BigEndian.PutUint32(b[12:16], h.PageCount)
	binary.BigEndian.PutUint32(b[16:20], h.PayloadSize)
	binary.BigEndian.PutUint64(b[20:28], h.Checksum)
	// b[28:64] reserved, left zero.
	return b
}

func decodeHeader(b []byte) (header, error) {
	if len(b) < headerSize {
		return header{}, fmt.Errorf("extent: truncated header (%d bytes)", len(b))
	}
	if string(b[0:4]) != magic {
		return header{}, fmt.Errorf("extent: bad magic %q", b[0:4])
	}
	return header{
		Version:     binary.BigEndian.Uint16(b[4:6]),
		Flags:       binary.BigEndian.Uint16(b[6:8]),
		PageSize:    binary.BigEndian.Uint32(b[8:12]),
		PageCount:   binary.BigEndian.Uint32(b[12:16]),
		PayloadSize: binary.BigEndian.Uint32(b[16:20]),
		Checksum:    binary.BigEndian.Uint64(b[20:28]),
	}, nil
}

// bitmapSize returns the presence-bitmap byte length for pageCount pages.
func bitmapSize(pageCount int) int {
	return (pageCount + 7) / 8
}

func bitmapSet(bm []byte, i int) {
	bm[i/8] |= 1 << (i % 8)
}

func bitmapGet(bm []byte, i int) bool {
	return bm[i/8]&(1<<(i%8)) != 0
}

func checksumOf(payload []byte) uint64 {
	return xxhash.Sum64(payload)
}
