// Package storage defines the blob-store contract every higher layer sits
// on. Filesystem, S3 object storage, and bound-bucket implementations are
// interchangeable; nothing above them may touch a physical store directly.
package storage

import (
	"context"
	"fmt"
)

// Backend is the minimal blob-store contract.
//
// Put overwrites idempotently. Get reports a miss through the found flag
// and never returns an error for a missing key. List returns every key
// under the prefix, recursively. Delete is a no-op for absent keys.
type Backend interface {
	Put(ctx context.Context, key string, content []byte) error
	Get(ctx context.Context, key string) (content []byte, found bool, err error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// BackendError wraps an I/O failure from a concrete backend. Backend
// failures are fatal to the triggering operation; nothing retries them.
type BackendError struct {
	Op  string
	Key string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }
