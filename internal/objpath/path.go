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

// Package objpath maps a content hash bijectively to a sharded storage
// path, the way git shards loose objects into objects/xx/<rest>.
package objpath

import (
	"fmt"
	"path"
	"strings"
)

// Options configures the hash<->path mapping.
type Options struct {
	BaseDir    string // default "objects"
	PrefixLen  int    // default 2, in 1..8
}

// DefaultOptions returns the spec's documented defaults.
func DefaultOptions() Options {
	return Options{BaseDir: "objects", PrefixLen: 2}
}

func (o Options) normalized() Options {
	if o.BaseDir == "" {
		o.BaseDir = "objects"
	}
	if o.PrefixLen == 0 {
		o.PrefixLen = 2
	}
	return o
}

// Mapper binds a set of Options for repeated use.
type Mapper struct {
	opts Options
}

// NewMapper constructs a Mapper, validating opts.
func NewMapper(opts Options) (*Mapper, error) {
	opts = opts.normalized()
	if opts.PrefixLen < 1 || opts.PrefixLen > 8 {
		return nil, fmt.Errorf("objpath: prefix_len must be in 1..8, got %d", opts.PrefixLen)
	}
	return &Mapper{opts: opts}, nil
}

// HashToPath returns <baseDir>/<first PrefixLen hex>/<rest>, lowercasing hash.
func (m *Mapper) HashToPath(hash string) (string, error) {
	return HashToPath(hash, m.opts)
}

// PathToHash reverses HashToPath, validating the prefix split.
func (m *Mapper) PathToHash(p string) (string, error) {
	return PathToHash(p, m.opts)
}

// HashToPath is the stateless form of Mapper.HashToPath.
func HashToPath(hash string, opts Options) (string, error) {
	opts = opts.normalized()
	if opts.PrefixLen < 1 || opts.PrefixLen > 8 {
		return "", fmt.Errorf("objpath: prefix_len must be in 1..8, got %d", opts.PrefixLen)
	}
	lower := strings.ToLower(hash)
	if !isHex(lower) {
		return "", fmt.Errorf("objpath: hash %q is not hex", hash)
	}
	if len(lower) <= opts.PrefixLen {
		return "", fmt.Errorf("objpath: hash %q too short for prefix_len %d", hash, opts.PrefixLen)
	}
	return path.Join(opts.BaseDir, lower[:opts.PrefixLen], lower[opts.PrefixLen:]), nil
}

// PathToHash is the stateless form of Mapper.PathToHash.
func PathToHash(p string, opts Options) (string, error) {
	opts = opts.normalized()
	prefix := opts.BaseDir
	if !strings.HasPrefix(p, prefix+"/") {
		return "", fmt.Errorf("objpath: path %q does not start with base dir %q", p, prefix)
	}
	rest := strings.TrimPrefix(p, prefix+"/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("objpath: path %q is missing the shard split", p)
	}
	shard, tail := strings.ToLower(parts[0]), strings.ToLower(parts[1])
	if len(shard) != opts.PrefixLen {
		return "", fmt.Errorf("objpath: shard %q length does not match prefix_len %d", shard, opts.PrefixLen)
	}
	hash := shard + tail
	if !isHex(hash) {
		return "", fmt.Errorf("objpath: reconstructed hash %q is not hex", hash)
	}
	return hash, nil
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
