package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotFound is returned when no object exists at a key.
var ErrNotFound = errors.New("object not found")

// Reader provides read access to stored content
type Reader interface {
	// GetReader returns a reader for the content at the given key
	GetReader(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if content exists at the given key
	Exists(ctx context.Context, key string) (bool, error)
}

// Writer stores content under a key, replacing what was there.
type Writer interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) error
}

// Signer mints time-limited read URLs.
type Signer interface {
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error)
}

// BlobStore is the key-addressable object store artifacts are written to
// and read from.
type BlobStore interface {
	Reader
	Writer
	Signer
}

// Metadata contains storage object metadata
type Metadata struct {
	Size        int64
	ContentType string
	ETag        string
}

// ReaderWithMetadata provides read access with metadata
type ReaderWithMetadata interface {
	Reader

	// GetMetadata returns metadata for content at the given key
	GetMetadata(ctx context.Context, key string) (*Metadata, error)
}

// Get reads the whole object at key. Only use it for small artifacts.
func Get(ctx context.Context, r Reader, key string) ([]byte, error) {
	rc, err := r.GetReader(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}
