package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSAPI is the subset of the Cloud Storage client used by GCPBackend.
type GCSAPI interface {
	NewWriter(ctx context.Context, bucket, object string) io.WriteCloser
	NewRangeReader(ctx context.Context, bucket, object string, offset, length int64) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, bucket, object string) error
	Exists(ctx context.Context, bucket, object string) (bool, error)
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
}

type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	return c.client.Bucket(bucket).Object(object).NewWriter(ctx)
}

// NewRangeReader returns the reader and the full object size. A negative
// length reads to the end.
func (c *realGCSClient) NewRangeReader(ctx context.Context, bucket, object string, offset, length int64) (io.ReadCloser, int64, error) {
	r, err := c.client.Bucket(bucket).Object(object).NewRangeReader(ctx, offset, length)
	if err != nil {
		return nil, 0, err
	}
	return r, r.Attrs.Size, nil
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) Exists(ctx context.Context, bucket, object string) (bool, error) {
	_, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		if isGCSNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// GCPBackend stores blobs in a Google Cloud Storage bucket under
// {prefix}blobs/{id}, authenticated with Application Default Credentials.
type GCPBackend struct {
	Bucket string
	Prefix string
	client GCSAPI
}

// NewGCPBackend builds a GCS client and checks the bucket can be listed.
func NewGCPBackend(ctx context.Context, bucket, project, prefix string) (*GCPBackend, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}
	b := NewGCPBackendWithClient(bucket, prefix, &realGCSClient{client: client})
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access upstream GCS bucket %q: %w", bucket, err)
	}
	slog.Info("GCP blob backend initialized", "bucket", bucket, "project", project, "prefix", prefix)
	return b, nil
}

// NewGCPBackendWithClient wires a pre-built client, typically a test mock.
func NewGCPBackendWithClient(bucket, prefix string, client GCSAPI) *GCPBackend {
	return &GCPBackend{Bucket: bucket, Prefix: prefix, client: client}
}

func (b *GCPBackend) object(id string) string {
	return b.Prefix + "blobs/" + id
}

// Put streams the blob into a GCS writer.
func (b *GCPBackend) Put(ctx context.Context, id string, r io.Reader, size int64) error {
	w := b.client.NewWriter(ctx, b.Bucket, b.object(id))
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("writing blob %s to GCS: %w", id, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing blob %s in GCS: %w", id, err)
	}
	return nil
}

// Get opens the whole object.
func (b *GCPBackend) Get(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	rc, size, err := b.client.NewRangeReader(ctx, b.Bucket, b.object(id), 0, -1)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, 0, ErrBlobNotFound
		}
		return nil, 0, fmt.Errorf("reading blob %s from GCS: %w", id, err)
	}
	return rc, size, nil
}

// GetRange opens a byte range of the object.
func (b *GCPBackend) GetRange(ctx context.Context, id string, offset, length int64) (io.ReadCloser, error) {
	rc, _, err := b.client.NewRangeReader(ctx, b.Bucket, b.object(id), offset, length)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("reading blob %s range from GCS: %w", id, err)
	}
	return rc, nil
}

// Delete removes the object. Missing objects are ignored.
func (b *GCPBackend) Delete(ctx context.Context, id string) error {
	if err := b.client.Delete(ctx, b.Bucket, b.object(id)); err != nil && !isGCSNotFound(err) {
		return fmt.Errorf("deleting blob %s from GCS: %w", id, err)
	}
	return nil
}

// Exists checks object attributes.
func (b *GCPBackend) Exists(ctx context.Context, id string) (bool, error) {
	ok, err := b.client.Exists(ctx, b.Bucket, b.object(id))
	if err != nil {
		return false, fmt.Errorf("checking blob %s in GCS: %w", id, err)
	}
	return ok, nil
}

// List iterates the blob prefix.
func (b *GCPBackend) List(ctx context.Context) ([]string, error) {
	prefix := b.object("")
	names, err := b.client.ListObjects(ctx, b.Bucket, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing blobs in GCS: %w", err)
	}
	ids := make([]string, 0, len(names))
	for _, n := range names {
		ids = append(ids, strings.TrimPrefix(n, prefix))
	}
	return ids, nil
}

// HealthCheck lists a prefix that never matches.
func (b *GCPBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.ListObjects(ctx, b.Bucket, b.Prefix+"\x00health\x00")
	return err
}

func isGCSNotFound(err error) bool {
	return errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist)
}

var _ Backend = (*GCPBackend)(nil)
