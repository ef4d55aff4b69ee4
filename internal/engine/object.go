package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"unicode/utf8"

	s3err "github.com/cairnstore/cairn/internal/errors"
	"github.com/cairnstore/cairn/internal/metadata"
	"github.com/cairnstore/cairn/internal/metrics"
	"github.com/cairnstore/cairn/internal/registry"
	"github.com/cairnstore/cairn/internal/storage"
)

// MaxKeyLength is the longest object key accepted, in bytes.
const MaxKeyLength = 1024

// DefaultStorageClass is recorded when a write names no storage class.
const DefaultStorageClass = "STANDARD"

var storageClasses = map[string]bool{
	"STANDARD":            true,
	"REDUCED_REDUNDANCY":  true,
	"STANDARD_IA":         true,
	"ONEZONE_IA":          true,
	"INTELLIGENT_TIERING": true,
	"GLACIER":             true,
	"GLACIER_IR":          true,
	"DEEP_ARCHIVE":        true,
	"OUTPOSTS":            true,
	"SNOW":                true,
	"EXPRESS_ONEZONE":     true,
}

// ObjectAttributes are the caller-supplied attributes of a new object.
type ObjectAttributes struct {
	ContentType        string
	ContentEncoding    string
	ContentDisposition string
	ContentLanguage    string
	CacheControl       string
	Expires            string
	UserMetadata       map[string]string
	StorageClass       string
	// SSEAlgorithm is empty or AES256. Empty picks the bucket default.
	SSEAlgorithm string
	Tags         []metadata.Tag
}

func (a ObjectAttributes) apply(v *metadata.ObjectVersion) {
	v.ContentType = a.ContentType
	v.ContentEncoding = a.ContentEncoding
	v.ContentDisposition = a.ContentDisposition
	v.ContentLanguage = a.ContentLanguage
	v.CacheControl = a.CacheControl
	v.Expires = a.Expires
	v.UserMetadata = metadata.NormalizeMetadata(a.UserMetadata)
}

func validateKey(key string) error {
	if key == "" {
		return s3err.ErrInvalidArgument.WithMessage("Object key must not be empty")
	}
	if len(key) > MaxKeyLength {
		return s3err.ErrKeyTooLongError
	}
	if !utf8.ValidString(key) {
		return s3err.ErrInvalidArgument.WithMessage("Object key must be valid UTF-8")
	}
	return nil
}

func validateStorageClass(class string) error {
	if class != "" && !storageClasses[class] {
		return s3err.ErrInvalidStorageClass
	}
	return nil
}

func validateSSE(alg string) error {
	switch alg {
	case "", registry.SSEAES256:
		return nil
	case registry.SSEKMS:
		return s3err.ErrNotImplemented.WithMessage("Server-side encryption with aws:kms is not supported")
	default:
		return s3err.ErrInvalidArgument.WithMessage("The encryption method specified is not supported")
	}
}

// objectOwner picks the owner recorded on a new object.
func objectOwner(b *registry.Bucket, caller Caller) metadata.Owner {
	if caller.Anonymous() || b.Ownership == registry.OwnershipBucketOwnerEnforced {
		return b.Owner
	}
	return caller.Owner
}

// template validates attrs and builds the version record of a new object
// in bucket b, with the bucket's default encryption applied.
func (e *Engine) template(b *registry.Bucket, key string, attrs ObjectAttributes, caller Caller) (metadata.ObjectVersion, error) {
	if err := validateKey(key); err != nil {
		return metadata.ObjectVersion{}, err
	}
	if err := validateStorageClass(attrs.StorageClass); err != nil {
		return metadata.ObjectVersion{}, err
	}
	if err := validateSSE(attrs.SSEAlgorithm); err != nil {
		return metadata.ObjectVersion{}, err
	}
	if err := metadata.ValidateTags(attrs.Tags, metadata.MaxObjectTags); err != nil {
		return metadata.ObjectVersion{}, err
	}

	v := metadata.ObjectVersion{
		Bucket:       b.Name,
		Key:          key,
		StorageClass: attrs.StorageClass,
		SSEAlgorithm: attrs.SSEAlgorithm,
		Tags:         append([]metadata.Tag(nil), attrs.Tags...),
		Owner:        objectOwner(b, caller),
	}
	attrs.apply(&v)
	if v.StorageClass == "" {
		v.StorageClass = DefaultStorageClass
	}
	if v.SSEAlgorithm == "" && b.Encryption != nil {
		v.SSEAlgorithm = b.Encryption.Algorithm
	}
	return v, nil
}

// write stores r in the blob store, bounded by the engine's object size.
func (e *Engine) write(ctx context.Context, r io.Reader, contentMD5 []byte) (storage.Blob, error) {
	blob, err := e.blobs.Write(ctx, r, e.maxObjectSize)
	if err != nil {
		if errors.Is(err, storage.ErrTooLarge) {
			return storage.Blob{}, s3err.ErrEntityTooLarge
		}
		return storage.Blob{}, err
	}
	if contentMD5 != nil && !bytes.Equal(contentMD5, blob.MD5) {
		e.release(ctx, blob.ID)
		return storage.Blob{}, s3err.ErrBadDigest
	}
	return blob, nil
}

func (e *Engine) release(ctx context.Context, blobID string) {
	if err := e.blobs.Release(ctx, blobID); err != nil {
		slog.Warn("Releasing blob failed", "blob", blobID, "error", err)
	}
}

// PutInput describes a PutObject request.
type PutInput struct {
	Bucket     string
	Key        string
	Body       io.Reader
	Attributes ObjectAttributes
	// ContentMD5 is the decoded Content-MD5 header; nil skips the check.
	ContentMD5 []byte
	// IfMatch and IfNoneMatch make the write conditional on the current
	// latest version ("*" for any).
	IfMatch     string
	IfNoneMatch string
	Caller      Caller
}

// PutObject stores a new version of in.Key and returns it.
func (e *Engine) PutObject(ctx context.Context, in PutInput) (v metadata.ObjectVersion, err error) {
	defer func() { metrics.Observe("PutObject", err) }()

	b, err := e.bucketFor(in.Bucket, in.Caller, "s3:PutObject", in.Key)
	if err != nil {
		return metadata.ObjectVersion{}, err
	}
	tmpl, err := e.template(b, in.Key, in.Attributes, in.Caller)
	if err != nil {
		return metadata.ObjectVersion{}, err
	}
	if err := e.checkWriteConditions(b.Name, in.Key, in.IfMatch, in.IfNoneMatch); err != nil {
		return metadata.ObjectVersion{}, err
	}

	blob, err := e.write(ctx, in.Body, in.ContentMD5)
	if err != nil {
		return metadata.ObjectVersion{}, err
	}
	tmpl.BlobID = blob.ID
	tmpl.Size = blob.Size
	tmpl.ETag = blob.ETag

	v, err = e.catalog.Put(ctx, tmpl, b.Versioning)
	if err != nil {
		return metadata.ObjectVersion{}, err
	}
	slog.Debug("Object stored", "bucket", v.Bucket, "key", v.Key, "version_id", v.VersionID, "size", v.Size)
	e.RefreshGauges()
	return v, nil
}

func (e *Engine) checkWriteConditions(bucket, key, ifMatch, ifNoneMatch string) error {
	if ifMatch == "" && ifNoneMatch == "" {
		return nil
	}
	cur, err := e.catalog.Get(bucket, key, "")
	switch {
	case errors.Is(err, s3err.ErrNoSuchKey):
		if ifMatch != "" {
			return s3err.ErrNoSuchKey
		}
		return nil
	case err != nil:
		return err
	}
	if ifMatch != "" && !etagListMatches(ifMatch, cur.ETag) {
		return s3err.ErrPreconditionFailed
	}
	if ifNoneMatch != "" && etagListMatches(ifNoneMatch, cur.ETag) {
		return s3err.ErrPreconditionFailed
	}
	return nil
}

// GetInput describes a GetObject or HeadObject request.
type GetInput struct {
	Bucket    string
	Key       string
	VersionID string
	// Range is the raw Range header.
	Range      string
	Conditions Conditions
	Caller     Caller
}

// Object is a read result. Body is nil for HEAD; it must be closed by the
// caller and keeps the payload alive until then.
type Object struct {
	Version metadata.ObjectVersion
	Body    io.ReadCloser
	// Range is set for partial reads.
	Range *ByteRange
}

// ContentLength is the number of payload bytes the read returns.
func (o *Object) ContentLength() int64 {
	if o.Range != nil {
		return o.Range.Length()
	}
	if o.Version.IsDeleteMarker {
		return 0
	}
	return o.Version.Size
}

// GetObject returns the latest visible version of a key, or the requested
// version. Reading a delete marker by version ID yields an empty payload
// with Version.IsDeleteMarker set.
func (e *Engine) GetObject(ctx context.Context, in GetInput) (*Object, error) {
	obj, err := e.read(ctx, in, true)
	metrics.Observe("GetObject", err)
	return obj, err
}

// HeadObject is GetObject without the payload.
func (e *Engine) HeadObject(ctx context.Context, in GetInput) (*Object, error) {
	obj, err := e.read(ctx, in, false)
	metrics.Observe("HeadObject", err)
	return obj, err
}

func (e *Engine) read(ctx context.Context, in GetInput, withBody bool) (*Object, error) {
	action := "s3:GetObject"
	if in.VersionID != "" {
		action = "s3:GetObjectVersion"
	}
	bucket, err := e.resolve(in.Bucket, in.Caller, action, in.Key)
	if err != nil {
		return nil, err
	}

	v, release, err := e.catalog.Acquire(bucket, in.Key, in.VersionID)
	if err != nil {
		return nil, err
	}
	if v.IsDeleteMarker {
		release()
		obj := &Object{Version: v}
		if withBody {
			obj.Body = io.NopCloser(bytes.NewReader(nil))
		}
		return obj, nil
	}
	if err := in.Conditions.check(v.ETag, v.LastModified); err != nil {
		release()
		return nil, err
	}
	rng, err := ParseRange(in.Range, v.Size)
	if err != nil {
		release()
		return nil, err
	}

	obj := &Object{Version: v, Range: rng}
	if !withBody {
		release()
		return obj, nil
	}

	var rc io.ReadCloser
	if rng != nil {
		rc, err = e.blobs.OpenRange(ctx, v.BlobID, rng.Start, rng.Length())
	} else if v.Size == 0 {
		rc = io.NopCloser(bytes.NewReader(nil))
	} else {
		rc, err = e.blobs.Open(ctx, v.BlobID)
	}
	if err != nil {
		release()
		return nil, err
	}
	obj.Body = &pinnedReader{ReadCloser: rc, release: release}
	return obj, nil
}

// pinnedReader holds a blob reference until the payload is closed.
type pinnedReader struct {
	io.ReadCloser
	release func()
}

func (p *pinnedReader) Close() error {
	err := p.ReadCloser.Close()
	p.release()
	return err
}

// DeleteInput describes a DeleteObject request.
type DeleteInput struct {
	Bucket    string
	Key       string
	VersionID string
	Caller    Caller
}

// DeleteObject removes a key (marker or destructive, by versioning state)
// or one specific version.
func (e *Engine) DeleteObject(ctx context.Context, in DeleteInput) (res metadata.DeleteResult, err error) {
	defer func() { metrics.Observe("DeleteObject", err) }()

	action := "s3:DeleteObject"
	if in.VersionID != "" {
		action = "s3:DeleteObjectVersion"
	}
	b, err := e.bucketFor(in.Bucket, in.Caller, action, in.Key)
	if err != nil {
		return metadata.DeleteResult{}, err
	}
	res, err = e.catalog.Delete(ctx, b.Name, in.Key, in.VersionID, b.Versioning, objectOwner(b, in.Caller))
	if err != nil {
		return metadata.DeleteResult{}, err
	}
	slog.Debug("Object deleted", "bucket", b.Name, "key", in.Key, "version_id", res.VersionID, "delete_marker", res.DeleteMarker)
	e.RefreshGauges()
	return res, nil
}

// ObjectIdentifier names one entry of a multi-object delete.
type ObjectIdentifier struct {
	Key       string
	VersionID string
}

// DeleteOutcome is the per-key result of DeleteObjects. Err is nil on
// success.
type DeleteOutcome struct {
	ObjectIdentifier
	Result metadata.DeleteResult
	Err    error
}

// DeleteObjects deletes each object independently; a failure on one key
// does not affect the others.
func (e *Engine) DeleteObjects(ctx context.Context, bucket string, objects []ObjectIdentifier, caller Caller) ([]DeleteOutcome, error) {
	b, err := e.registry.Get(bucket)
	if err != nil {
		return nil, err
	}
	bucket = b.Name
	out := make([]DeleteOutcome, 0, len(objects))
	for _, obj := range objects {
		res, err := e.DeleteObject(ctx, DeleteInput{Bucket: bucket, Key: obj.Key, VersionID: obj.VersionID, Caller: caller})
		out = append(out, DeleteOutcome{ObjectIdentifier: obj, Result: res, Err: err})
	}
	return out, nil
}

// Metadata directive values of CopyObject.
const (
	DirectiveCopy    = "COPY"
	DirectiveReplace = "REPLACE"
)

// CopyInput describes a CopyObject request.
type CopyInput struct {
	SrcBucket    string
	SrcKey       string
	SrcVersionID string
	DstBucket    string
	DstKey       string
	// MetadataDirective is COPY (default) or REPLACE.
	MetadataDirective string
	// TaggingDirective is COPY (default) or REPLACE.
	TaggingDirective string
	// Attributes supply the metadata under REPLACE and the tags under a
	// REPLACE tagging directive. StorageClass and SSEAlgorithm apply under
	// either directive.
	Attributes ObjectAttributes
	// Conditions are the x-amz-copy-source-if-* headers.
	Conditions Conditions
	Caller     Caller
}

// CopyResult is the outcome of CopyObject.
type CopyResult struct {
	Version         metadata.ObjectVersion
	SourceVersionID string
}

func directive(d string) (string, error) {
	switch d {
	case "", DirectiveCopy:
		return DirectiveCopy, nil
	case DirectiveReplace:
		return DirectiveReplace, nil
	default:
		return "", s3err.ErrInvalidArgument.WithMessage("Unknown directive %q", d)
	}
}

// CopyObject writes a new destination version from the source payload. The
// payload is re-streamed through the blob store, so the destination ETag is
// computed from the bytes written.
func (e *Engine) CopyObject(ctx context.Context, in CopyInput) (res CopyResult, err error) {
	defer func() { metrics.Observe("CopyObject", err) }()

	metaDirective, err := directive(in.MetadataDirective)
	if err != nil {
		return CopyResult{}, err
	}
	tagDirective, err := directive(in.TaggingDirective)
	if err != nil {
		return CopyResult{}, err
	}

	srcAction := "s3:GetObject"
	if in.SrcVersionID != "" {
		srcAction = "s3:GetObjectVersion"
	}
	srcBucket, err := e.resolve(in.SrcBucket, in.Caller, srcAction, in.SrcKey)
	if err != nil {
		return CopyResult{}, err
	}
	dst, err := e.bucketFor(in.DstBucket, in.Caller, "s3:PutObject", in.DstKey)
	if err != nil {
		return CopyResult{}, err
	}

	if srcBucket == dst.Name && in.SrcKey == in.DstKey && in.SrcVersionID == "" &&
		metaDirective == DirectiveCopy && in.Attributes.StorageClass == "" && in.Attributes.SSEAlgorithm == "" {
		return CopyResult{}, s3err.ErrInvalidRequest.WithMessage("This copy request is illegal because it is trying to copy an object to itself without changing the object's metadata, storage class, website redirect location or encryption attributes.")
	}

	src, release, err := e.catalog.Acquire(srcBucket, in.SrcKey, in.SrcVersionID)
	if err != nil {
		return CopyResult{}, err
	}
	defer release()
	if src.IsDeleteMarker {
		return CopyResult{}, s3err.ErrInvalidRequest.WithMessage("The source of a copy request may not specifically refer to a delete marker by version id.")
	}
	if err := in.Conditions.checkCopySource(src.ETag, src.LastModified); err != nil {
		return CopyResult{}, err
	}

	attrs := in.Attributes
	if metaDirective == DirectiveCopy {
		attrs.ContentType = src.ContentType
		attrs.ContentEncoding = src.ContentEncoding
		attrs.ContentDisposition = src.ContentDisposition
		attrs.ContentLanguage = src.ContentLanguage
		attrs.CacheControl = src.CacheControl
		attrs.Expires = src.Expires
		attrs.UserMetadata = src.UserMetadata
	}
	if tagDirective == DirectiveCopy {
		attrs.Tags = src.Tags
	}
	tmpl, err := e.template(dst, in.DstKey, attrs, in.Caller)
	if err != nil {
		return CopyResult{}, err
	}

	var body io.ReadCloser = io.NopCloser(bytes.NewReader(nil))
	if src.Size > 0 {
		if body, err = e.blobs.Open(ctx, src.BlobID); err != nil {
			return CopyResult{}, err
		}
	}
	blob, err := e.write(ctx, body, nil)
	body.Close()
	if err != nil {
		return CopyResult{}, err
	}
	tmpl.BlobID = blob.ID
	tmpl.Size = blob.Size
	tmpl.ETag = blob.ETag

	v, err := e.catalog.Put(ctx, tmpl, dst.Versioning)
	if err != nil {
		return CopyResult{}, err
	}
	slog.Debug("Object copied", "src_bucket", in.SrcBucket, "src_key", in.SrcKey,
		"dst_bucket", v.Bucket, "dst_key", v.Key, "version_id", v.VersionID)
	e.RefreshGauges()
	return CopyResult{Version: v, SourceVersionID: src.VersionID}, nil
}

// PutObjectTagging replaces the tag set of a version (latest when versionID
// is empty) and returns the version ID it applied to.
func (e *Engine) PutObjectTagging(bucket, key, versionID string, tags []metadata.Tag, caller Caller) (vid string, err error) {
	defer func() { metrics.Observe("PutObjectTagging", err) }()
	if bucket, err = e.resolve(bucket, caller, "s3:PutObjectTagging", key); err != nil {
		return "", err
	}
	if err = metadata.ValidateTags(tags, metadata.MaxObjectTags); err != nil {
		return "", err
	}
	return e.catalog.PutTags(bucket, key, versionID, tags)
}

// GetObjectTagging returns the tag set of a version and its version ID.
func (e *Engine) GetObjectTagging(bucket, key, versionID string, caller Caller) ([]metadata.Tag, string, error) {
	bucket, err := e.resolve(bucket, caller, "s3:GetObjectTagging", key)
	if err != nil {
		return nil, "", err
	}
	tags, vid, err := e.catalog.GetTags(bucket, key, versionID)
	metrics.Observe("GetObjectTagging", err)
	return tags, vid, err
}

// DeleteObjectTagging clears the tag set of a version.
func (e *Engine) DeleteObjectTagging(bucket, key, versionID string, caller Caller) (vid string, err error) {
	defer func() { metrics.Observe("DeleteObjectTagging", err) }()
	if bucket, err = e.resolve(bucket, caller, "s3:DeleteObjectTagging", key); err != nil {
		return "", err
	}
	return e.catalog.PutTags(bucket, key, versionID, nil)
}
