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

// Package s3 stores blobs as objects in an AWS S3 (or S3-compatible)
// bucket, one object per path under an optional key prefix. Grounded
// on pkg/blobserver/s3: s3iface.S3API as the injected client surface
// (so tests can substitute a fake) and aws.String/aws.Int64 for the
// SDK's pointer-typed request fields.
package s3

import (
	"bytes"
	"context"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/corestash/blobvfs/pkg/blobstore"
)

// Storage is a blobstore.Store backed by an S3 bucket.
type Storage struct {
	client    s3iface.S3API
	bucket    string
	dirPrefix string
}

// Config configures a Storage.
type Config struct {
	// Client is the S3 API surface to use. Construct with
	// s3.New(session.Must(session.NewSession(...))) for real AWS, or
	// inject a fake implementing s3iface.S3API in tests.
	Client s3iface.S3API
	Bucket string
	// DirPrefix, if set, is prepended to every object key, with a
	// trailing "/" added if missing.
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

func (s *Storage) key(path string) string {
	return s.dirPrefix + path
}

func (s *Storage) Write(ctx context.Context, path string, b []byte) error {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
		Body:   bytes.NewReader(b),
	})
	if err != nil {
		return &blobstore.Error{Code: blobstore.EIO, Op: "s3.Write", Path: path, Err: err}
	}
	return nil
}

func (s *Storage) Get(ctx context.Context, path string) ([]byte, bool, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, &blobstore.Error{Code: blobstore.EIO, Op: "s3.Get", Path: path, Err: err}
	}
	defer out.Body.Close()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, &blobstore.Error{Code: blobstore.EIO, Op: "s3.Get", Path: path, Err: err}
	}
	return b, true, nil
}

func (s *Storage) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, &blobstore.Error{Code: blobstore.EIO, Op: "s3.Exists", Path: path, Err: err}
	}
	return true, nil
}

func (s *Storage) Delete(ctx context.Context, path string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil && !isNotFound(err) {
		return &blobstore.Error{Code: blobstore.EIO, Op: "s3.Delete", Path: path, Err: err}
	}
	return nil
}

// List enumerates objects under opts.Prefix via ListObjectsV2,
// following pkg/blobserver/s3's single-page-per-call enumerate.go shape
// rather than paginating internally: callers drive pagination with
// the returned Cursor.
func (s *Storage) List(ctx context.Context, opts blobstore.ListOptions) (blobstore.ListResult, error) {
	in := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(s.dirPrefix + opts.Prefix),
		MaxKeys: aws.Int64(listBatchSize(opts.Limit)),
	}
	if opts.Cursor != "" {
		in.StartAfter = aws.String(s.dirPrefix + opts.Cursor)
	}
	out, err := s.client.ListObjectsV2WithContext(ctx, in)
	if err != nil {
		return blobstore.ListResult{}, &blobstore.Error{Code: blobstore.EIO, Op: "s3.List", Err: err}
	}
	res := blobstore.ListResult{Truncated: aws.BoolValue(out.IsTruncated)}
	for _, obj := range out.Contents {
		path := aws.StringValue(obj.Key)
		if len(path) >= len(s.dirPrefix) {
			path = path[len(s.dirPrefix):]
		}
		res.Objects = append(res.Objects, blobstore.SizedPath{Path: path, Size: aws.Int64Value(obj.Size)})
	}
	if res.Truncated && len(res.Objects) > 0 {
		res.Cursor = res.Objects[len(res.Objects)-1].Path
	}
	return res, nil
}

func listBatchSize(limit int) int64 {
	if limit <= 0 {
		return 1000
	}
	return int64(limit)
}

func isNotFound(err error) bool {
	aerr, ok := err.(awserr.Error)
	if !ok {
		return false
	}
	switch aerr.Code() {
	case s3.ErrCodeNoSuchKey, "NotFound":
		return true
	}
	return false
}

var _ blobstore.Store = (*Storage)(nil)
var _ blobstore.Lister = (*Storage)(nil)
