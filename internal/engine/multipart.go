package engine

import (
	"context"
	"io"
	"log/slog"

	s3err "github.com/cairnstore/cairn/internal/errors"
	"github.com/cairnstore/cairn/internal/metadata"
	"github.com/cairnstore/cairn/internal/metrics"
	"github.com/cairnstore/cairn/internal/multipart"
	"github.com/cairnstore/cairn/internal/registry"
)

// CreateMultipartUpload opens an upload session. The object attributes are
// validated now and applied when the upload completes.
func (e *Engine) CreateMultipartUpload(ctx context.Context, bucket, key string, attrs ObjectAttributes, caller Caller) (u multipart.Upload, err error) {
	defer func() { metrics.Observe("CreateMultipartUpload", err) }()
	b, err := e.bucketFor(bucket, caller, "s3:PutObject", key)
	if err != nil {
		return multipart.Upload{}, err
	}
	tmpl, err := e.template(b, key, attrs, caller)
	if err != nil {
		return multipart.Upload{}, err
	}
	return e.openUpload(ctx, b, key, tmpl)
}

// openUpload registers a session for b. A DeleteBucket that removes b
// concurrently either aborts the new session itself or is observed by the
// re-check here, so no session outlives its bucket.
func (e *Engine) openUpload(ctx context.Context, b *registry.Bucket, key string, tmpl metadata.ObjectVersion) (multipart.Upload, error) {
	u := e.uploads.Create(b.Name, key, tmpl)
	if cur, err := e.registry.Get(b.Name); err != nil || !cur.CreatedAt.Equal(b.CreatedAt) {
		e.uploads.Abort(ctx, u.ID, b.Name, key)
		return multipart.Upload{}, s3err.ErrNoSuchBucket
	}
	metrics.MultipartUploadsActive.Set(float64(e.uploads.Count()))
	return u, nil
}

// PartInput describes an UploadPart request.
type PartInput struct {
	Bucket     string
	Key        string
	UploadID   string
	PartNumber int
	Body       io.Reader
	ContentMD5 []byte
	Caller     Caller
}

// UploadPart stores one part of an upload.
func (e *Engine) UploadPart(ctx context.Context, in PartInput) (p multipart.Part, err error) {
	defer func() { metrics.Observe("UploadPart", err) }()
	if in.Bucket, err = e.resolve(in.Bucket, in.Caller, "s3:PutObject", in.Key); err != nil {
		return multipart.Part{}, err
	}
	if err = multipart.ValidatePartNumber(in.PartNumber); err != nil {
		return multipart.Part{}, err
	}
	if _, err = e.uploads.Lookup(in.UploadID, in.Bucket, in.Key); err != nil {
		return multipart.Part{}, err
	}
	blob, err := e.write(ctx, in.Body, in.ContentMD5)
	if err != nil {
		return multipart.Part{}, err
	}
	return e.uploads.AddPart(ctx, in.UploadID, in.Bucket, in.Key, in.PartNumber, blob)
}

// PartCopyInput describes an UploadPartCopy request.
type PartCopyInput struct {
	Bucket       string
	Key          string
	UploadID     string
	PartNumber   int
	SrcBucket    string
	SrcKey       string
	SrcVersionID string
	// Range is the x-amz-copy-source-range header ("bytes=first-last").
	Range      string
	Conditions Conditions
	Caller     Caller
}

// UploadPartCopy stores a part copied from (a range of) an existing object.
func (e *Engine) UploadPartCopy(ctx context.Context, in PartCopyInput) (p multipart.Part, err error) {
	defer func() { metrics.Observe("UploadPartCopy", err) }()
	srcAction := "s3:GetObject"
	if in.SrcVersionID != "" {
		srcAction = "s3:GetObjectVersion"
	}
	if in.SrcBucket, err = e.resolve(in.SrcBucket, in.Caller, srcAction, in.SrcKey); err != nil {
		return multipart.Part{}, err
	}
	if in.Bucket, err = e.resolve(in.Bucket, in.Caller, "s3:PutObject", in.Key); err != nil {
		return multipart.Part{}, err
	}
	if err = multipart.ValidatePartNumber(in.PartNumber); err != nil {
		return multipart.Part{}, err
	}
	if _, err = e.uploads.Lookup(in.UploadID, in.Bucket, in.Key); err != nil {
		return multipart.Part{}, err
	}

	src, release, err := e.catalog.Acquire(in.SrcBucket, in.SrcKey, in.SrcVersionID)
	if err != nil {
		return multipart.Part{}, err
	}
	defer release()
	if src.IsDeleteMarker {
		return multipart.Part{}, s3err.ErrInvalidRequest.WithMessage("The source of a copy request may not specifically refer to a delete marker by version id.")
	}
	if err = in.Conditions.checkCopySource(src.ETag, src.LastModified); err != nil {
		return multipart.Part{}, err
	}

	var body io.ReadCloser
	switch rng, rerr := ParseRange(in.Range, src.Size); {
	case rerr != nil:
		return multipart.Part{}, rerr
	case rng != nil:
		body, err = e.blobs.OpenRange(ctx, src.BlobID, rng.Start, rng.Length())
	case in.Range != "":
		return multipart.Part{}, s3err.ErrInvalidArgument.WithMessage("The x-amz-copy-source-range value must be of the form bytes=first-last")
	default:
		body, err = e.blobs.Open(ctx, src.BlobID)
	}
	if err != nil {
		return multipart.Part{}, err
	}
	blob, err := e.write(ctx, body, nil)
	body.Close()
	if err != nil {
		return multipart.Part{}, err
	}
	return e.uploads.AddPart(ctx, in.UploadID, in.Bucket, in.Key, in.PartNumber, blob)
}

// CompleteMultipartUpload assembles the listed parts into a new version
// under the bucket's current versioning state.
func (e *Engine) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []multipart.CompletedPart, caller Caller) (v metadata.ObjectVersion, err error) {
	defer func() { metrics.Observe("CompleteMultipartUpload", err) }()
	b, err := e.bucketFor(bucket, caller, "s3:PutObject", key)
	if err != nil {
		return metadata.ObjectVersion{}, err
	}
	v, err = e.uploads.Complete(ctx, uploadID, b.Name, key, parts, b.Versioning)
	if err != nil {
		return metadata.ObjectVersion{}, err
	}
	slog.Debug("Multipart upload assembled", "bucket", v.Bucket, "key", v.Key, "version_id", v.VersionID, "parts", v.PartsCount)
	e.RefreshGauges()
	return v, nil
}

// AbortMultipartUpload discards an upload and its parts.
func (e *Engine) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string, caller Caller) (err error) {
	defer func() { metrics.Observe("AbortMultipartUpload", err) }()
	if bucket, err = e.resolve(bucket, caller, "s3:AbortMultipartUpload", key); err != nil {
		return err
	}
	if err = e.uploads.Abort(ctx, uploadID, bucket, key); err != nil {
		return err
	}
	e.RefreshGauges()
	return nil
}

// ListParts returns one page of an upload's parts.
func (e *Engine) ListParts(bucket, key, uploadID string, marker, maxParts int, caller Caller) (multipart.ListPartsResult, error) {
	bucket, err := e.resolve(bucket, caller, "s3:ListMultipartUploadParts", key)
	if err != nil {
		return multipart.ListPartsResult{}, err
	}
	res, err := e.uploads.ListParts(uploadID, bucket, key, marker, maxParts)
	metrics.Observe("ListParts", err)
	return res, err
}

// ListMultipartUploads returns one page of the bucket's active uploads.
func (e *Engine) ListMultipartUploads(bucket string, p multipart.ListUploadsParams, caller Caller) (multipart.ListUploadsResult, error) {
	bucket, err := e.resolve(bucket, caller, "s3:ListBucketMultipartUploads", "")
	if err != nil {
		return multipart.ListUploadsResult{}, err
	}
	metrics.Observe("ListMultipartUploads", nil)
	return e.uploads.ListUploads(bucket, p), nil
}
