package handlers

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/cairnstore/cairn/internal/engine"
	s3err "github.com/cairnstore/cairn/internal/errors"
	"github.com/cairnstore/cairn/internal/multipart"
	"github.com/cairnstore/cairn/internal/xmlutil"
)

// MultipartHandler contains handlers for S3 multipart upload operations.
type MultipartHandler struct {
	engine *engine.Engine
}

// NewMultipartHandler creates a new MultipartHandler backed by e.
func NewMultipartHandler(e *engine.Engine) *MultipartHandler {
	return &MultipartHandler{engine: e}
}

// CreateMultipartUpload handles POST /{bucket}/{object}?uploads and initiates
// a new multipart upload, returning an upload ID.
func (h *MultipartHandler) CreateMultipartUpload(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	attrs, err := objectAttributes(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if attrs.ContentType == "" {
		attrs.ContentType = "application/octet-stream"
	}

	upload, err := h.engine.CreateMultipartUpload(r.Context(), bucketName, key, attrs, CallerFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if alg := upload.Template.SSEAlgorithm; alg != "" {
		w.Header().Set("x-amz-server-side-encryption", alg)
	}
	xmlutil.Render(w, &xmlutil.InitiateMultipartUploadResult{
		Bucket:   bucketName,
		Key:      key,
		UploadID: upload.ID,
	})
}

// partTarget reads the uploadId and partNumber query parameters.
func partTarget(q url.Values) (string, int, error) {
	uploadID := q.Get("uploadId")
	if uploadID == "" {
		return "", 0, s3err.ErrInvalidArgument.WithMessage("uploadId must be specified")
	}
	n, err := strconv.Atoi(q.Get("partNumber"))
	if err != nil {
		return "", 0, s3err.ErrInvalidArgument.WithMessage("Part number must be an integer between %d and %d, inclusive",
			multipart.MinPartNumber, multipart.MaxPartNumber)
	}
	if err := multipart.ValidatePartNumber(n); err != nil {
		return "", 0, err
	}
	return uploadID, n, nil
}

// UploadPart handles PUT /{bucket}/{object}?partNumber=N&uploadId=ID and
// uploads a single part of a multipart upload. With an X-Amz-Copy-Source
// header the part is copied from an existing object.
func (h *MultipartHandler) UploadPart(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Amz-Copy-Source") != "" {
		h.uploadPartCopy(w, r)
		return
	}
	uploadID, partNumber, err := partTarget(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	sum, err := decodeContentMD5(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	part, err := h.engine.UploadPart(r.Context(), engine.PartInput{
		Bucket:     extractBucketName(r),
		Key:        extractObjectKey(r),
		UploadID:   uploadID,
		PartNumber: partNumber,
		Body:       r.Body,
		ContentMD5: sum,
		Caller:     CallerFrom(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("ETag", part.ETag)
	w.WriteHeader(http.StatusOK)
}

// uploadPartCopy copies an existing object, or the byte range named by
// x-amz-copy-source-range, into a part.
func (h *MultipartHandler) uploadPartCopy(w http.ResponseWriter, r *http.Request) {
	uploadID, partNumber, err := partTarget(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	srcBucket, srcKey, srcVersion, ok := parseCopySource(r.Header.Get("X-Amz-Copy-Source"))
	if !ok {
		writeError(w, r, s3err.ErrInvalidArgument.WithMessage("Copy Source must mention the source bucket and key: sourcebucket/sourcekey"))
		return
	}

	part, err := h.engine.UploadPartCopy(r.Context(), engine.PartCopyInput{
		Bucket:       extractBucketName(r),
		Key:          extractObjectKey(r),
		UploadID:     uploadID,
		PartNumber:   partNumber,
		SrcBucket:    srcBucket,
		SrcKey:       srcKey,
		SrcVersionID: srcVersion,
		Range:        r.Header.Get("x-amz-copy-source-range"),
		Conditions:   parseConditions(r.Header, "x-amz-copy-source-"),
		Caller:       CallerFrom(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	xmlutil.Render(w, &xmlutil.CopyPartResult{
		ETag:         part.ETag,
		LastModified: xmlutil.FormatTimeS3(part.LastModified),
	})
}

// CompleteMultipartUpload handles POST /{bucket}/{object}?uploadId=ID and
// assembles the listed parts into the final object.
func (h *MultipartHandler) CompleteMultipartUpload(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	uploadID := r.URL.Query().Get("uploadId")

	var req xmlutil.CompleteMultipartUpload
	if err := xmlutil.Decode(r.Body, maxConfigBody, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.Parts) == 0 {
		writeError(w, r, s3err.ErrMalformedXML.WithMessage("The XML you provided did not list any parts"))
		return
	}
	parts := make([]multipart.CompletedPart, 0, len(req.Parts))
	for _, p := range req.Parts {
		parts = append(parts, multipart.CompletedPart{Number: p.PartNumber, ETag: p.ETag})
	}

	v, err := h.engine.CompleteMultipartUpload(r.Context(), bucketName, key, uploadID, parts, CallerFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	location := (&url.URL{Scheme: scheme, Host: r.Host, Path: "/" + bucketName + "/" + key}).String()
	if v.SSEAlgorithm != "" {
		w.Header().Set("x-amz-server-side-encryption", v.SSEAlgorithm)
	}
	setVersionHeader(w, h.engine.Registry(), bucketName, v.VersionID)
	xmlutil.Render(w, &xmlutil.CompleteMultipartUploadResult{
		Location: location,
		Bucket:   bucketName,
		Key:      key,
		ETag:     v.ETag,
	})
}

// AbortMultipartUpload handles DELETE /{bucket}/{object}?uploadId=ID.
func (h *MultipartHandler) AbortMultipartUpload(w http.ResponseWriter, r *http.Request) {
	err := h.engine.AbortMultipartUpload(r.Context(), extractBucketName(r), extractObjectKey(r),
		r.URL.Query().Get("uploadId"), CallerFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMultipartUploads handles GET /{bucket}?uploads.
func (h *MultipartHandler) ListMultipartUploads(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	q := r.URL.Query()
	maxUploads, err := parseMaxKeys(q, "max-uploads", multipart.MaxListUploads)
	if err != nil {
		writeError(w, r, err)
		return
	}
	encodingType, err := parseEncodingType(q)
	if err != nil {
		writeError(w, r, err)
		return
	}

	params := multipart.ListUploadsParams{
		Prefix:         q.Get("prefix"),
		Delimiter:      q.Get("delimiter"),
		KeyMarker:      q.Get("key-marker"),
		UploadIDMarker: q.Get("upload-id-marker"),
		MaxUploads:     maxUploads,
	}
	page, err := h.engine.ListMultipartUploads(bucketName, params, CallerFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}

	result := &xmlutil.ListMultipartUploadsResult{
		Bucket:             bucketName,
		KeyMarker:          xmlutil.EncodeKeyURL(params.KeyMarker, encodingType),
		UploadIDMarker:     params.UploadIDMarker,
		NextKeyMarker:      xmlutil.EncodeKeyURL(page.NextKeyMarker, encodingType),
		NextUploadIDMarker: page.NextUploadIDMarker,
		Prefix:             xmlutil.EncodeKeyURL(params.Prefix, encodingType),
		Delimiter:          xmlutil.EncodeKeyURL(params.Delimiter, encodingType),
		MaxUploads:         maxUploads,
		EncodingType:       encodingType,
		IsTruncated:        page.IsTruncated,
		CommonPrefixes:     commonPrefixes(page.CommonPrefixes, encodingType),
	}
	for _, u := range page.Uploads {
		owner := toXMLOwner(u.Template.Owner)
		result.Uploads = append(result.Uploads, xmlutil.Upload{
			Key:          xmlutil.EncodeKeyURL(u.Key, encodingType),
			UploadID:     u.ID,
			Initiator:    owner,
			Owner:        owner,
			StorageClass: u.Template.StorageClass,
			Initiated:    xmlutil.FormatTimeS3(u.Initiated),
		})
	}
	xmlutil.Render(w, result)
}

// ListParts handles GET /{bucket}/{object}?uploadId=ID.
func (h *MultipartHandler) ListParts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	maxParts, err := parseMaxKeys(q, "max-parts", multipart.MaxListParts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	marker := 0
	if raw := q.Get("part-number-marker"); raw != "" {
		if marker, err = strconv.Atoi(raw); err != nil || marker < 0 {
			writeError(w, r, s3err.ErrInvalidArgument.WithMessage("Provided part-number-marker not an integer or within integer range"))
			return
		}
	}

	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	page, err := h.engine.ListParts(bucketName, key, q.Get("uploadId"), marker, maxParts, CallerFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}

	owner := toXMLOwner(page.Upload.Template.Owner)
	result := &xmlutil.ListPartsResult{
		Bucket:               bucketName,
		Key:                  key,
		UploadID:             page.Upload.ID,
		Initiator:            owner,
		Owner:                owner,
		StorageClass:         page.Upload.Template.StorageClass,
		PartNumberMarker:     page.PartNumberMarker,
		NextPartNumberMarker: page.NextPartNumberMarker,
		MaxParts:             page.MaxParts,
		IsTruncated:          page.IsTruncated,
	}
	for _, p := range page.Parts {
		result.Parts = append(result.Parts, xmlutil.Part{
			PartNumber:   p.Number,
			LastModified: xmlutil.FormatTimeS3(p.LastModified),
			ETag:         p.ETag,
			Size:         p.Size,
		})
	}
	xmlutil.Render(w, result)
}
