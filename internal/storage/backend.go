// Package storage holds Cairn's blob layer: a content-addressed,
// reference-counted BlobStore on top of pluggable byte backends (memory,
// local filesystem, SQLite, AWS S3, Google Cloud Storage, Azure Blob).
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrBlobNotFound is returned by backends when the blob does not exist.
var ErrBlobNotFound = errors.New("blob not found")

// Backend moves raw bytes keyed by blob ID. Backends know nothing about
// buckets, keys or versions. All methods must be safe for concurrent use.
type Backend interface {
	// Put stores size bytes from r under id, overwriting any previous value.
	Put(ctx context.Context, id string, r io.Reader, size int64) error

	// Get opens the blob for reading. The caller closes the reader.
	Get(ctx context.Context, id string) (io.ReadCloser, int64, error)

	// GetRange opens length bytes starting at offset.
	GetRange(ctx context.Context, id string, offset, length int64) (io.ReadCloser, error)

	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, id string) error

	// Exists reports whether the blob is present.
	Exists(ctx context.Context, id string) (bool, error)

	// List returns every stored blob ID.
	List(ctx context.Context) ([]string, error)

	// HealthCheck verifies that the backend is operational.
	HealthCheck(ctx context.Context) error
}

// Closer is implemented by backends holding resources that must be released.
type Closer interface {
	Close() error
}

// readCloser pairs a reader with an unrelated close function.
type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error {
	if r.close == nil {
		return nil
	}
	return r.close()
}
