package respproc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrStorageUnavailable signals that the external blob store rejected or
// failed the upload; the processor falls back to truncation.
var ErrStorageUnavailable = errors.New("external storage unavailable")

// BlobStore is the external storage capability for oversized responses.
// Locations are scheme-addressed URIs (local://, s3://, azure://). The s3 and
// azure transports are injected by the embedding service; this package ships
// the local provider.
type BlobStore interface {
	Provider() string
	Put(ctx context.Context, key string, data []byte) (location string, err error)
	Get(ctx context.Context, location string) ([]byte, error)
}

// localStore keeps blobs under a base directory, addressed as local://<key>.
type localStore struct {
	base string
}

func NewLocalStore(base string) (BlobStore, error) {
	if strings.TrimSpace(base) == "" {
		return nil, errors.New("local store base path is required")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create local store dir: %w", err)
	}
	return &localStore{base: base}, nil
}

func (s *localStore) Provider() string { return "local" }

func (s *localStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	path := filepath.Join(s.base, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	// Atomic write: tmp + rename.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return "local://" + key, nil
}

func (s *localStore) Get(ctx context.Context, location string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, ok := strings.CutPrefix(location, "local://")
	if !ok {
		return nil, fmt.Errorf("not a local location: %s", location)
	}
	return os.ReadFile(filepath.Join(s.base, filepath.FromSlash(key)))
}
