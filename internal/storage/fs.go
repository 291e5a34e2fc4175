package storage

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FSBackend stores blobs as files under a root directory. Keys use forward
// slashes regardless of platform.
type FSBackend struct {
	root string
}

// NewFSBackend creates the root directory if missing.
func NewFSBackend(root string) (*FSBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &BackendError{Op: "init", Key: root, Err: err}
	}
	return &FSBackend{root: root}, nil
}

func (b *FSBackend) path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

func (b *FSBackend) Put(ctx context.Context, key string, content []byte) error {
	path := b.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &BackendError{Op: "put", Key: key, Err: err}
	}
	// Write to temp, then rename, so readers never see a partial blob.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return &BackendError{Op: "put", Key: key, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &BackendError{Op: "put", Key: key, Err: err}
	}
	return nil
}

func (b *FSBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	content, err := os.ReadFile(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, &BackendError{Op: "get", Key: key, Err: err}
	}
	return content, true, nil
}

func (b *FSBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, &BackendError{Op: "list", Key: prefix, Err: err}
	}
	return keys, nil
}

func (b *FSBackend) Delete(ctx context.Context, key string) error {
	err := os.Remove(b.path(key))
	if err != nil && !os.IsNotExist(err) {
		return &BackendError{Op: "delete", Key: key, Err: err}
	}
	return nil
}
