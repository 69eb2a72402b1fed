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

// Package gcs stores blobs as objects in a Google Cloud Storage
// bucket. Grounded on
// pkg/blobserver/google/cloudstorage/storage.go: a *storage.Client
// held on the Storage value, objects addressed by
// client.Bucket(bucket).Object(dirPrefix+path), writes via
// Object.NewWriter, reads via Object.NewReader, and
// storage.ErrObjectNotExist as the absent-object signal.
package gcs

import (
	"context"
	"errors"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/corestash/blobvfs/pkg/blobstore"
)

// Storage is a blobstore.Store backed by a GCS bucket.
type Storage struct {
	client    *storage.Client
	bucket    string
	dirPrefix string
}

// Config configures a Storage.
type Config struct {
	Client *storage.Client
	Bucket string
	// DirPrefix, if set, is prepended to every object key, with a
	// trailing "/" added if missing, mirroring
	// pkg/blobserver/google/cloudstorage's dirPrefix convention for a
	// flat bucket namespace.
	DirPrefix string
}

// New returns a Storage over cfg.Bucket using cfg.Client.
func New(cfg Config) *Storage {
	prefix := cfg.DirPrefix
	if prefix != "" && prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}
	return &Storage{client: cfg.Client, bucket: cfg.Bucket, dirPrefix: prefix}
}

func (s *Storage) object(path string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.dirPrefix + path)
}

func (s *Storage) Write(ctx context.Context, path string, b []byte) error {
	w := s.object(path).NewWriter(ctx)
	if _, err := w.Write(b); err != nil {
		w.Close()
		return &blobstore.Error{Code: blobstore.EIO, Op: "gcs.Write", Path: path, Err: err}
	}
	if err := w.Close(); err != nil {
		return &blobstore.Error{Code: blobstore.EIO, Op: "gcs.Write", Path: path, Err: err}
	}
	return nil
}

func (s *Storage) Get(ctx context.Context, path string) ([]byte, bool, error) {
	r, err := s.object(path).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &blobstore.Error{Code: blobstore.EIO, Op: "gcs.Get", Path: path, Err: err}
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, false, &blobstore.Error{Code: blobstore.EIO, Op: "gcs.Get", Path: path, Err: err}
	}
	return b, true, nil
}

func (s *Storage) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.object(path).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, &blobstore.Error{Code: blobstore.EIO, Op: "gcs.Exists", Path: path, Err: err}
	}
	return true, nil
}

func (s *Storage) Delete(ctx context.Context, path string) error {
	err := s.object(path).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return &blobstore.Error{Code: blobstore.EIO, Op: "gcs.Delete", Path: path, Err: err}
	}
	return nil
}

// List enumerates objects under opts.Prefix using the bucket's
// Objects iterator, the idiomatic replacement for the older
// gcsutil.EnumerateObjects helper (folded into the storage package
// itself in modern cloud.google.com/go/storage).
func (s *Storage) List(ctx context.Context, opts blobstore.ListOptions) (blobstore.ListResult, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.dirPrefix + opts.Prefix})
	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}
	skip := opts.Cursor != ""
	var res blobstore.ListResult
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return blobstore.ListResult{}, &blobstore.Error{Code: blobstore.EIO, Op: "gcs.List", Err: err}
		}
		path := attrs.Name[len(s.dirPrefix):]
		if skip {
			if path == opts.Cursor {
				skip = false
			}
			continue
		}
		if len(res.Objects) >= limit {
			res.Truncated = true
			res.Cursor = res.Objects[len(res.Objects)-1].Path
			break
		}
		res.Objects = append(res.Objects, blobstore.SizedPath{Path: path, Size: attrs.Size})
	}
	return res, nil
}

var _ blobstore.Store = (*Storage)(nil)
var _ blobstore.Lister = (*Storage)(nil)
