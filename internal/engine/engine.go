// Package engine routes S3 operations across the bucket registry, the
// metadata catalog, the blob store and the multipart coordinator. Every
// request is authorized by the registry before it reaches the data path.
package engine

import (
	"context"
	"errors"
	"log/slog"

	s3err "github.com/cairnstore/cairn/internal/errors"
	"github.com/cairnstore/cairn/internal/metadata"
	"github.com/cairnstore/cairn/internal/metrics"
	"github.com/cairnstore/cairn/internal/multipart"
	"github.com/cairnstore/cairn/internal/registry"
	"github.com/cairnstore/cairn/internal/storage"
)

// Options tunes an Engine.
type Options struct {
	// Region is reported for buckets created without a location constraint.
	Region string
	// MinPartSize is the smallest size allowed for every multipart part but
	// the last. Zero selects the S3 default of 5 MiB.
	MinPartSize int64
	// MaxObjectSize bounds single-request payloads. Zero or less is unlimited.
	MaxObjectSize int64
}

// Caller identifies who issues a request. A zero Owner is anonymous.
type Caller struct {
	metadata.Owner
	SourceIP  string
	Secure    bool
	UserAgent string
	Referer   string
}

// Anonymous reports whether the caller carries no identity.
func (c Caller) Anonymous() bool { return c.ID == "" }

// attributes returns the policy condition context of the caller.
func (c Caller) attributes() map[string]string {
	attrs := map[string]string{
		"aws:PrincipalType":   "Anonymous",
		"aws:SecureTransport": "false",
	}
	if !c.Anonymous() {
		attrs["aws:PrincipalType"] = "User"
		attrs["aws:userid"] = c.ID
		attrs["aws:username"] = c.DisplayName
	}
	if c.Secure {
		attrs["aws:SecureTransport"] = "true"
	}
	if c.SourceIP != "" {
		attrs["aws:SourceIp"] = c.SourceIP
	}
	if c.UserAgent != "" {
		attrs["aws:UserAgent"] = c.UserAgent
	}
	if c.Referer != "" {
		attrs["aws:Referer"] = c.Referer
	}
	return attrs
}

// Engine is the S3 request router.
type Engine struct {
	registry *registry.Registry
	catalog  *metadata.Catalog
	blobs    *storage.BlobStore
	uploads  *multipart.Coordinator

	maxObjectSize int64
}

// New assembles an engine on top of bs.
func New(bs *storage.BlobStore, opts Options) *Engine {
	cat := metadata.New(bs)
	maxSize := opts.MaxObjectSize
	if maxSize <= 0 {
		maxSize = -1
	}
	return &Engine{
		registry:      registry.New(opts.Region),
		catalog:       cat,
		blobs:         bs,
		uploads:       multipart.New(bs, cat, opts.MinPartSize),
		maxObjectSize: maxSize,
	}
}

// Registry exposes the bucket registry for configuration sub-resources.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Catalog exposes the metadata catalog.
func (e *Engine) Catalog() *metadata.Catalog { return e.catalog }

// Uploads exposes the multipart coordinator.
func (e *Engine) Uploads() *multipart.Coordinator { return e.uploads }

// Blobs exposes the blob store.
func (e *Engine) Blobs() *storage.BlobStore { return e.blobs }

// Authorize checks that caller may perform action on bucket (and key, for
// object actions).
func (e *Engine) Authorize(bucket string, caller Caller, action, key string) error {
	return e.registry.Authorize(bucket, registry.AccessRequest{
		Caller:     caller.Owner,
		Action:     action,
		Key:        key,
		Attributes: caller.attributes(),
	})
}

// CreateBucket reserves name for caller and opens its catalog index. When
// caller already owns the bucket the existing record is returned together
// with ErrBucketAlreadyOwnedByYou.
func (e *Engine) CreateBucket(ctx context.Context, name string, caller Caller, opts registry.CreateOptions) (b *registry.Bucket, err error) {
	defer func() { metrics.Observe("CreateBucket", err) }()
	if caller.Anonymous() {
		return nil, s3err.ErrAccessDenied
	}
	b, err = e.registry.Create(name, caller.Owner, opts)
	if err != nil {
		return b, err
	}
	e.catalog.AddBucket(b.Name)
	slog.Info("Bucket created", "bucket", b.Name, "owner", caller.ID, "region", b.Region)
	e.RefreshGauges()
	return b, nil
}

// DeleteBucket removes an empty bucket. Active multipart uploads of the
// bucket are aborted.
func (e *Engine) DeleteBucket(ctx context.Context, name string, caller Caller) (err error) {
	defer func() { metrics.Observe("DeleteBucket", err) }()
	if err = e.Authorize(name, caller, "s3:DeleteBucket", ""); err != nil {
		return err
	}
	b, err := e.registry.Get(name)
	if err != nil {
		return err
	}
	if err = e.catalog.RemoveBucket(b.Name); err != nil {
		return err
	}
	if err = e.registry.Remove(b.Name); err != nil && !errors.Is(err, s3err.ErrNoSuchBucket) {
		return err
	}
	// Sessions created after this point see the bucket gone and abort
	// themselves in openUpload.
	if n := e.uploads.AbortBucket(ctx, b.Name); n > 0 {
		slog.Info("Aborted multipart uploads of deleted bucket", "bucket", b.Name, "uploads", n)
	}
	slog.Info("Bucket deleted", "bucket", b.Name)
	e.RefreshGauges()
	return nil
}

// HeadBucket returns the bucket record when caller may list it.
func (e *Engine) HeadBucket(name string, caller Caller) (*registry.Bucket, error) {
	if err := e.Authorize(name, caller, "s3:ListBucket", ""); err != nil {
		return nil, err
	}
	return e.registry.Get(name)
}

// ListBuckets returns the buckets owned by caller, sorted by name.
func (e *Engine) ListBuckets(caller Caller) ([]*registry.Bucket, error) {
	if caller.Anonymous() {
		return nil, s3err.ErrAccessDenied
	}
	var out []*registry.Bucket
	for _, b := range e.registry.List() {
		if b.Owner.ID == caller.ID {
			out = append(out, b)
		}
	}
	metrics.Observe("ListBuckets", nil)
	return out, nil
}

// bucketFor authorizes caller and returns the current bucket record.
func (e *Engine) bucketFor(bucket string, caller Caller, action, key string) (*registry.Bucket, error) {
	if err := e.Authorize(bucket, caller, action, key); err != nil {
		return nil, err
	}
	return e.registry.Get(bucket)
}

// resolve authorizes caller and returns the bucket's canonical name. The
// registry matches names case-insensitively; the catalog and the
// coordinator key records by the canonical name only.
func (e *Engine) resolve(bucket string, caller Caller, action, key string) (string, error) {
	b, err := e.bucketFor(bucket, caller, action, key)
	if err != nil {
		return "", err
	}
	return b.Name, nil
}

// RefreshGauges publishes catalog, coordinator and blob store totals.
func (e *Engine) RefreshGauges() {
	st := e.catalog.Stats()
	metrics.BucketsTotal.Set(float64(st.Buckets))
	metrics.VersionsTotal.Set(float64(st.Versions))
	metrics.DeleteMarkersTotal.Set(float64(st.DeleteMarkers))
	metrics.MultipartUploadsActive.Set(float64(e.uploads.Count()))
	_, size := e.blobs.Stats()
	metrics.BlobBytes.Set(float64(size))
}
