package storage

import (
	"context"
	"errors"
	"io"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// BucketBackend stores blobs through a pre-bound bucket handle. The caller
// owns the client lifecycle, so one process can serve several exchanges
// from differently bound buckets.
type BucketBackend struct {
	bucket *gcs.BucketHandle
	prefix string
}

// NewBucketBackend wraps an already bound bucket handle.
func NewBucketBackend(bucket *gcs.BucketHandle, prefix string) *BucketBackend {
	return &BucketBackend{bucket: bucket, prefix: prefix}
}

// NewGCSBackend dials GCS with application default credentials and binds
// the named bucket.
func NewGCSBackend(ctx context.Context, bucketName, prefix string) (*BucketBackend, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, &BackendError{Op: "init", Key: bucketName, Err: err}
	}
	return NewBucketBackend(client.Bucket(bucketName), prefix), nil
}

func (b *BucketBackend) Put(ctx context.Context, key string, content []byte) error {
	w := b.bucket.Object(b.prefix + key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return &BackendError{Op: "put", Key: key, Err: err}
	}
	if err := w.Close(); err != nil {
		return &BackendError{Op: "put", Key: key, Err: err}
	}
	return nil
}

func (b *BucketBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	r, err := b.bucket.Object(b.prefix + key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, false, nil
		}
		return nil, false, &BackendError{Op: "get", Key: key, Err: err}
	}
	defer func() { _ = r.Close() }()
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, false, &BackendError{Op: "get", Key: key, Err: err}
	}
	return content, true, nil
}

func (b *BucketBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := b.bucket.Objects(ctx, &gcs.Query{Prefix: b.prefix + prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, &BackendError{Op: "list", Key: prefix, Err: err}
		}
		keys = append(keys, strings.TrimPrefix(attrs.Name, b.prefix))
	}
	return keys, nil
}

func (b *BucketBackend) Delete(ctx context.Context, key string) error {
	err := b.bucket.Object(b.prefix + key).Delete(ctx)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return &BackendError{Op: "delete", Key: key, Err: err}
	}
	return nil
}
