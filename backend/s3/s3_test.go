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

package s3_test

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	awss3 "github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	bvs3 "github.com/corestash/blobvfs/backend/s3"
	"github.com/corestash/blobvfs/pkg/blobstore"
)

// fakeS3 is a minimal in-memory stand-in for s3iface.S3API. Embedding
// the interface satisfies it at compile time while we implement only
// the handful of methods Storage actually calls, the same
// override-only-what-you-use pattern the AWS SDK docs recommend for
// s3iface fakes.
type fakeS3 struct {
	s3iface.S3API
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func notFound() error {
	return awserr.New(awss3.ErrCodeNoSuchKey, "no such key", nil)
}

func (f *fakeS3) PutObjectWithContext(ctx aws.Context, in *awss3.PutObjectInput, _ ...request.Option) (*awss3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.StringValue(in.Key)] = b
	return &awss3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObjectWithContext(ctx aws.Context, in *awss3.GetObjectInput, _ ...request.Option) (*awss3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, notFound()
	}
	return &awss3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (f *fakeS3) HeadObjectWithContext(ctx aws.Context, in *awss3.HeadObjectInput, _ ...request.Option) (*awss3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.StringValue(in.Key)]; !ok {
		return nil, notFound()
	}
	return &awss3.HeadObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjectWithContext(ctx aws.Context, in *awss3.DeleteObjectInput, _ ...request.Option) (*awss3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.StringValue(in.Key))
	return &awss3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2WithContext(ctx aws.Context, in *awss3.ListObjectsV2Input, _ ...request.Option) (*awss3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := aws.StringValue(in.Prefix)
	var keys []string
	for k := range f.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &awss3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		k := k
		out.Contents = append(out.Contents, &awss3.Object{
			Key:  aws.String(k),
			Size: aws.Int64(int64(len(f.objects[k]))),
		})
	}
	return out, nil
}

func newStorage() *bvs3.Storage {
	return bvs3.New(bvs3.Config{Client: newFakeS3(), Bucket: "test-bucket", DirPrefix: "blobs"})
}

func TestWriteGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStorage()
	if err := s.Write(ctx, "a/b", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.Get(ctx, "a/b")
	if err != nil || !ok || string(got) != "hello" {
		t.Fatalf("Get: got=%q ok=%v err=%v", got, ok, err)
	}
}

func TestGetMissingIsAbsent(t *testing.T) {
	ctx := context.Background()
	s := newStorage()
	_, ok, err := s.Get(ctx, "nowhere")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("expected absent")
	}
}

func TestExistsAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newStorage()
	if err := s.Write(ctx, "x", []byte("1")); err != nil {
		t.Fatal(err)
	}
	ok, err := s.Exists(ctx, "x")
	if err != nil || !ok {
		t.Fatalf("Exists: ok=%v err=%v", ok, err)
	}
	if err := s.Delete(ctx, "x"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "x"); err != nil {
		t.Fatalf("second delete should be idempotent: %v", err)
	}
	ok, err = s.Exists(ctx, "x")
	if err != nil || ok {
		t.Fatalf("expected gone after delete: ok=%v err=%v", ok, err)
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	s := newStorage()
	for _, p := range []string{"dir/1", "dir/2", "other"} {
		if err := s.Write(ctx, p, []byte(p)); err != nil {
			t.Fatal(err)
		}
	}
	res, err := s.List(ctx, blobstore.ListOptions{Prefix: "dir/"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Objects) != 2 {
		t.Fatalf("expected 2 objects under dir/, got %d: %+v", len(res.Objects), res.Objects)
	}
}
