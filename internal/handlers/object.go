package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/cairnstore/cairn/internal/engine"
	s3err "github.com/cairnstore/cairn/internal/errors"
	"github.com/cairnstore/cairn/internal/metadata"
	"github.com/cairnstore/cairn/internal/xmlutil"
)

// maxDeleteObjects is the most keys one DeleteObjects request may name.
const maxDeleteObjects = 1000

// ObjectHandler contains handlers for S3 object-level operations.
type ObjectHandler struct {
	engine *engine.Engine
}

// NewObjectHandler creates a new ObjectHandler backed by e.
func NewObjectHandler(e *engine.Engine) *ObjectHandler {
	return &ObjectHandler{engine: e}
}

// PutObject handles PUT /{bucket}/{object}.
func (h *ObjectHandler) PutObject(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	attrs, err := objectAttributes(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if attrs.ContentType == "" {
		attrs.ContentType = "application/octet-stream"
	}
	sum, err := decodeContentMD5(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	v, err := h.engine.PutObject(r.Context(), engine.PutInput{
		Bucket:      bucketName,
		Key:         extractObjectKey(r),
		Body:        r.Body,
		Attributes:  attrs,
		ContentMD5:  sum,
		IfMatch:     r.Header.Get("If-Match"),
		IfNoneMatch: r.Header.Get("If-None-Match"),
		Caller:      CallerFrom(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("ETag", v.ETag)
	if v.SSEAlgorithm != "" {
		w.Header().Set("x-amz-server-side-encryption", v.SSEAlgorithm)
	}
	setVersionHeader(w, h.engine.Registry(), bucketName, v.VersionID)
	w.WriteHeader(http.StatusOK)
}

func (h *ObjectHandler) getInput(r *http.Request) engine.GetInput {
	return engine.GetInput{
		Bucket:     extractBucketName(r),
		Key:        extractObjectKey(r),
		VersionID:  r.URL.Query().Get("versionId"),
		Range:      r.Header.Get("Range"),
		Conditions: parseConditions(r.Header, ""),
		Caller:     CallerFrom(r.Context()),
	}
}

// readError writes the response for a failed Get or Head. A key whose latest
// version is a delete marker reports x-amz-delete-marker.
func (h *ObjectHandler) readError(w http.ResponseWriter, r *http.Request, in engine.GetInput, err error) {
	if errors.Is(err, s3err.ErrNoSuchKey) && in.VersionID == "" {
		if b, berr := h.engine.Registry().Get(in.Bucket); berr == nil {
			if versions, verr := h.engine.Catalog().Versions(b.Name, in.Key); verr == nil && len(versions) > 0 && versions[0].IsDeleteMarker {
				w.Header().Set("x-amz-delete-marker", "true")
				setVersionHeader(w, h.engine.Registry(), b.Name, versions[0].VersionID)
			}
		}
	}
	if errors.Is(err, s3err.ErrNotModified) {
		w.Header().Del("Content-Type")
	}
	writeError(w, r, err)
}

// deleteMarkerResponse answers a read of a delete marker addressed by
// version ID: no payload, with the marker's headers.
func (h *ObjectHandler) deleteMarkerResponse(w http.ResponseWriter, in engine.GetInput, v metadata.ObjectVersion) {
	w.Header().Set("x-amz-delete-marker", "true")
	w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(v.LastModified))
	setVersionHeader(w, h.engine.Registry(), in.Bucket, v.VersionID)
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
}

// GetObject handles GET /{bucket}/{object}. Supports range requests (Range
// header), conditional requests and response-* header overrides.
func (h *ObjectHandler) GetObject(w http.ResponseWriter, r *http.Request) {
	in := h.getInput(r)
	obj, err := h.engine.GetObject(r.Context(), in)
	if err != nil {
		h.readError(w, r, in, err)
		return
	}
	defer obj.Body.Close()

	if obj.Version.IsDeleteMarker {
		h.deleteMarkerResponse(w, in, obj.Version)
		return
	}

	setObjectResponseHeaders(w, obj.Version)
	setVersionHeader(w, h.engine.Registry(), in.Bucket, obj.Version.VersionID)
	applyResponseOverrides(w, r)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.ContentLength(), 10))

	status := http.StatusOK
	if obj.Range != nil {
		w.Header().Set("Content-Range", obj.Range.ContentRange())
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)
	if _, err := io.Copy(w, obj.Body); err != nil {
		slog.Warn("GetObject stream interrupted", "bucket", in.Bucket, "key", in.Key, "error", err)
	}
}

// HeadObject handles HEAD /{bucket}/{object}.
func (h *ObjectHandler) HeadObject(w http.ResponseWriter, r *http.Request) {
	in := h.getInput(r)
	obj, err := h.engine.HeadObject(r.Context(), in)
	if err != nil {
		h.readError(w, r, in, err)
		return
	}
	if obj.Version.IsDeleteMarker {
		h.deleteMarkerResponse(w, in, obj.Version)
		return
	}

	setObjectResponseHeaders(w, obj.Version)
	setVersionHeader(w, h.engine.Registry(), in.Bucket, obj.Version.VersionID)
	applyResponseOverrides(w, r)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.ContentLength(), 10))
	status := http.StatusOK
	if obj.Range != nil {
		w.Header().Set("Content-Range", obj.Range.ContentRange())
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)
}

// DeleteObject handles DELETE /{bucket}/{object}. Deleting a missing key
// succeeds.
func (h *ObjectHandler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	res, err := h.engine.DeleteObject(r.Context(), engine.DeleteInput{
		Bucket:    bucketName,
		Key:       extractObjectKey(r),
		VersionID: r.URL.Query().Get("versionId"),
		Caller:    CallerFrom(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res.DeleteMarker {
		w.Header().Set("x-amz-delete-marker", "true")
	}
	setVersionHeader(w, h.engine.Registry(), bucketName, res.VersionID)
	w.WriteHeader(http.StatusNoContent)
}

// DeleteObjects handles POST /{bucket}?delete. Each key is deleted
// independently; quiet mode reports only errors.
func (h *ObjectHandler) DeleteObjects(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	var req xmlutil.DeleteRequest
	if err := xmlutil.Decode(r.Body, maxConfigBody, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.Objects) == 0 || len(req.Objects) > maxDeleteObjects {
		writeError(w, r, s3err.ErrMalformedXML)
		return
	}

	ids := make([]engine.ObjectIdentifier, 0, len(req.Objects))
	for _, o := range req.Objects {
		ids = append(ids, engine.ObjectIdentifier{Key: o.Key, VersionID: o.VersionID})
	}
	outcomes, err := h.engine.DeleteObjects(r.Context(), bucketName, ids, CallerFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}

	result := &xmlutil.DeleteResult{}
	for _, o := range outcomes {
		if o.Err != nil {
			s3e := s3err.From(o.Err)
			result.Errors = append(result.Errors, xmlutil.DeleteError{
				Key:       o.Key,
				VersionID: o.VersionID,
				Code:      s3e.Code,
				Message:   s3e.Message,
			})
			continue
		}
		if req.Quiet {
			continue
		}
		item := xmlutil.DeletedItem{Key: o.Key, VersionID: o.VersionID}
		if o.Result.DeleteMarker {
			item.DeleteMarker = true
			item.DeleteMarkerVersionID = o.Result.VersionID
		}
		result.Deleted = append(result.Deleted, item)
	}
	xmlutil.Render(w, result)
}

// CopyObject handles PUT /{bucket}/{object} with an X-Amz-Copy-Source
// header.
func (h *ObjectHandler) CopyObject(w http.ResponseWriter, r *http.Request) {
	srcBucket, srcKey, srcVersion, ok := parseCopySource(r.Header.Get("X-Amz-Copy-Source"))
	if !ok {
		writeError(w, r, s3err.ErrInvalidArgument.WithMessage("Copy Source must mention the source bucket and key: sourcebucket/sourcekey"))
		return
	}
	attrs, err := objectAttributes(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	metaDirective := strings.ToUpper(r.Header.Get("x-amz-metadata-directive"))
	if metaDirective == engine.DirectiveReplace && attrs.ContentType == "" {
		attrs.ContentType = "application/octet-stream"
	}

	dstBucket := extractBucketName(r)
	res, err := h.engine.CopyObject(r.Context(), engine.CopyInput{
		SrcBucket:         srcBucket,
		SrcKey:            srcKey,
		SrcVersionID:      srcVersion,
		DstBucket:         dstBucket,
		DstKey:            extractObjectKey(r),
		MetadataDirective: metaDirective,
		TaggingDirective:  strings.ToUpper(r.Header.Get("x-amz-tagging-directive")),
		Attributes:        attrs,
		Conditions:        parseConditions(r.Header, "x-amz-copy-source-"),
		Caller:            CallerFrom(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	if srcVersion != "" || res.SourceVersionID != metadata.NullVersionID {
		w.Header().Set("x-amz-copy-source-version-id", res.SourceVersionID)
	}
	setVersionHeader(w, h.engine.Registry(), dstBucket, res.Version.VersionID)
	xmlutil.Render(w, &xmlutil.CopyObjectResult{
		ETag:         res.Version.ETag,
		LastModified: xmlutil.FormatTimeS3(res.Version.LastModified),
	})
}

func listObject(v metadata.ObjectVersion, encodingType string, withOwner bool) xmlutil.Object {
	obj := xmlutil.Object{
		Key:          xmlutil.EncodeKeyURL(v.Key, encodingType),
		LastModified: xmlutil.FormatTimeS3(v.LastModified),
		ETag:         v.ETag,
		Size:         v.Size,
		StorageClass: v.StorageClass,
	}
	if withOwner {
		owner := toXMLOwner(v.Owner)
		obj.Owner = &owner
	}
	return obj
}

// ListObjectsV2 handles GET /{bucket}?list-type=2.
func (h *ObjectHandler) ListObjectsV2(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	q := r.URL.Query()
	maxKeys, err := parseMaxKeys(q, "max-keys", metadata.MaxListKeys)
	if err != nil {
		writeError(w, r, err)
		return
	}
	encodingType, err := parseEncodingType(q)
	if err != nil {
		writeError(w, r, err)
		return
	}

	params := engine.ListV2Params{
		Prefix:            q.Get("prefix"),
		Delimiter:         q.Get("delimiter"),
		StartAfter:        q.Get("start-after"),
		ContinuationToken: q.Get("continuation-token"),
		MaxKeys:           maxKeys,
	}
	page, err := h.engine.ListObjectsV2(bucketName, params, CallerFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}

	withOwner := q.Get("fetch-owner") == "true"
	result := &xmlutil.ListBucketV2Result{
		Name:                  bucketName,
		Prefix:                xmlutil.EncodeKeyURL(params.Prefix, encodingType),
		StartAfter:            xmlutil.EncodeKeyURL(params.StartAfter, encodingType),
		ContinuationToken:     params.ContinuationToken,
		NextContinuationToken: page.NextContinuationToken,
		KeyCount:              len(page.Objects) + len(page.CommonPrefixes),
		MaxKeys:               maxKeys,
		Delimiter:             xmlutil.EncodeKeyURL(params.Delimiter, encodingType),
		EncodingType:          encodingType,
		IsTruncated:           page.IsTruncated,
		CommonPrefixes:        commonPrefixes(page.CommonPrefixes, encodingType),
	}
	for _, v := range page.Objects {
		result.Contents = append(result.Contents, listObject(v, encodingType, withOwner))
	}
	xmlutil.Render(w, result)
}

// ListObjects handles GET /{bucket} (ListObjects v1).
func (h *ObjectHandler) ListObjects(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	q := r.URL.Query()
	maxKeys, err := parseMaxKeys(q, "max-keys", metadata.MaxListKeys)
	if err != nil {
		writeError(w, r, err)
		return
	}
	encodingType, err := parseEncodingType(q)
	if err != nil {
		writeError(w, r, err)
		return
	}

	params := metadata.ListParams{
		Prefix:    q.Get("prefix"),
		Delimiter: q.Get("delimiter"),
		After:     q.Get("marker"),
		MaxKeys:   maxKeys,
	}
	page, err := h.engine.ListObjects(bucketName, params, CallerFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}

	result := &xmlutil.ListBucketResult{
		Name:           bucketName,
		Prefix:         xmlutil.EncodeKeyURL(params.Prefix, encodingType),
		Marker:         xmlutil.EncodeKeyURL(params.After, encodingType),
		MaxKeys:        maxKeys,
		Delimiter:      xmlutil.EncodeKeyURL(params.Delimiter, encodingType),
		EncodingType:   encodingType,
		IsTruncated:    page.IsTruncated,
		CommonPrefixes: commonPrefixes(page.CommonPrefixes, encodingType),
	}
	// NextMarker is only returned when a delimiter is used.
	if page.IsTruncated && params.Delimiter != "" {
		result.NextMarker = xmlutil.EncodeKeyURL(page.NextAfter, encodingType)
	}
	for _, v := range page.Objects {
		result.Contents = append(result.Contents, listObject(v, encodingType, true))
	}
	xmlutil.Render(w, result)
}

// ListObjectVersions handles GET /{bucket}?versions.
func (h *ObjectHandler) ListObjectVersions(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	q := r.URL.Query()
	maxKeys, err := parseMaxKeys(q, "max-keys", metadata.MaxListKeys)
	if err != nil {
		writeError(w, r, err)
		return
	}
	encodingType, err := parseEncodingType(q)
	if err != nil {
		writeError(w, r, err)
		return
	}

	params := metadata.VersionListParams{
		Prefix:          q.Get("prefix"),
		Delimiter:       q.Get("delimiter"),
		KeyMarker:       q.Get("key-marker"),
		VersionIDMarker: q.Get("version-id-marker"),
		MaxKeys:         maxKeys,
	}
	page, err := h.engine.ListObjectVersions(bucketName, params, CallerFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}

	result := &xmlutil.ListVersionsResult{
		Name:                bucketName,
		Prefix:              xmlutil.EncodeKeyURL(params.Prefix, encodingType),
		KeyMarker:           xmlutil.EncodeKeyURL(params.KeyMarker, encodingType),
		VersionIDMarker:     params.VersionIDMarker,
		NextKeyMarker:       xmlutil.EncodeKeyURL(page.NextKeyMarker, encodingType),
		NextVersionIDMarker: page.NextVersionIDMarker,
		MaxKeys:             maxKeys,
		Delimiter:           xmlutil.EncodeKeyURL(params.Delimiter, encodingType),
		EncodingType:        encodingType,
		IsTruncated:         page.IsTruncated,
		CommonPrefixes:      commonPrefixes(page.CommonPrefixes, encodingType),
	}
	for _, v := range page.Versions {
		entry := xmlutil.VersionEntry{
			Key:          xmlutil.EncodeKeyURL(v.Key, encodingType),
			VersionID:    v.VersionID,
			IsLatest:     v.IsLatest,
			LastModified: xmlutil.FormatTimeS3(v.LastModified),
			Owner:        toXMLOwner(v.Owner),
		}
		if v.IsDeleteMarker {
			entry.XMLName.Local = "DeleteMarker"
		} else {
			size := v.Size
			entry.XMLName.Local = "Version"
			entry.ETag = v.ETag
			entry.Size = &size
			entry.StorageClass = v.StorageClass
		}
		result.Entries = append(result.Entries, entry)
	}
	xmlutil.Render(w, result)
}

// GetObjectTagging handles GET /{bucket}/{object}?tagging.
func (h *ObjectHandler) GetObjectTagging(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	tags, vid, err := h.engine.GetObjectTagging(bucketName, extractObjectKey(r),
		r.URL.Query().Get("versionId"), CallerFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	setVersionHeader(w, h.engine.Registry(), bucketName, vid)
	xmlutil.Render(w, xmlutil.Tagging{Xmlns: xmlutil.NS, TagSet: toXMLTags(tags)})
}

// PutObjectTagging handles PUT /{bucket}/{object}?tagging.
func (h *ObjectHandler) PutObjectTagging(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	var in xmlutil.Tagging
	if err := xmlutil.Decode(r.Body, maxConfigBody, &in); err != nil {
		writeError(w, r, err)
		return
	}
	vid, err := h.engine.PutObjectTagging(bucketName, extractObjectKey(r),
		r.URL.Query().Get("versionId"), fromXMLTags(in.TagSet), CallerFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	setVersionHeader(w, h.engine.Registry(), bucketName, vid)
	w.WriteHeader(http.StatusOK)
}

// DeleteObjectTagging handles DELETE /{bucket}/{object}?tagging.
func (h *ObjectHandler) DeleteObjectTagging(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	vid, err := h.engine.DeleteObjectTagging(bucketName, extractObjectKey(r),
		r.URL.Query().Get("versionId"), CallerFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	setVersionHeader(w, h.engine.Registry(), bucketName, vid)
	w.WriteHeader(http.StatusNoContent)
}
