// Package handlers implements HTTP request handlers for S3-compatible API operations.
package handlers

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cairnstore/cairn/internal/engine"
	s3err "github.com/cairnstore/cairn/internal/errors"
	"github.com/cairnstore/cairn/internal/metadata"
	"github.com/cairnstore/cairn/internal/registry"
	"github.com/cairnstore/cairn/internal/xmlutil"
)

// maxConfigBody caps XML configuration and multi-object delete bodies.
const maxConfigBody = 1 << 20

type callerKey struct{}

// WithCaller attaches the identity of the requester to ctx.
func WithCaller(ctx context.Context, c engine.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the requester attached by WithCaller, or an anonymous
// caller.
func CallerFrom(ctx context.Context) engine.Caller {
	c, _ := ctx.Value(callerKey{}).(engine.Caller)
	return c
}

// writeError renders err as an S3 error document. Errors that are not
// S3Errors are logged and reported as InternalError.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	s3e := s3err.From(err)
	if s3e.Kind == s3err.KindInternal && s3e.HTTPStatus >= 500 && s3e.Code != s3err.ErrNotImplemented.Code {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	xmlutil.WriteErrorResponse(w, r, s3e)
}

// extractBucketName extracts the bucket name from the URL path.
func extractBucketName(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.Path, "/")
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		return path[:idx]
	}
	return path
}

// extractObjectKey extracts the object key from the URL path: everything
// after the first slash following the bucket name.
func extractObjectKey(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.Path, "/")
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		return path[idx+1:]
	}
	return ""
}

// extractUserMetadata scans request headers for x-amz-meta-* prefixed headers
// and returns them as a map. The prefix is stripped and the key is lowercased.
func extractUserMetadata(r *http.Request) map[string]string {
	meta := make(map[string]string)
	for key, values := range r.Header {
		lower := strings.ToLower(key)
		if metaKey, ok := strings.CutPrefix(lower, "x-amz-meta-"); ok && metaKey != "" && len(values) > 0 {
			meta[metaKey] = values[0]
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// objectAttributes collects the content headers, user metadata, storage
// class, encryption and x-amz-tagging of a write request.
func objectAttributes(r *http.Request) (engine.ObjectAttributes, error) {
	attrs := engine.ObjectAttributes{
		ContentType:        r.Header.Get("Content-Type"),
		ContentEncoding:    r.Header.Get("Content-Encoding"),
		ContentDisposition: r.Header.Get("Content-Disposition"),
		ContentLanguage:    r.Header.Get("Content-Language"),
		CacheControl:       r.Header.Get("Cache-Control"),
		Expires:            r.Header.Get("Expires"),
		UserMetadata:       extractUserMetadata(r),
		StorageClass:       r.Header.Get("x-amz-storage-class"),
		SSEAlgorithm:       r.Header.Get("x-amz-server-side-encryption"),
	}
	if raw := r.Header.Get("x-amz-tagging"); raw != "" {
		tags, err := parseTaggingHeader(raw)
		if err != nil {
			return attrs, err
		}
		attrs.Tags = tags
	}
	return attrs, nil
}

// parseTaggingHeader decodes a URL query encoded tag set.
func parseTaggingHeader(raw string) ([]metadata.Tag, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, s3err.ErrInvalidTag.WithMessage("The header 'x-amz-tagging' shall be encoded as UTF-8 then URLEncoded URL query parameters without tag name duplicates.")
	}
	tags := make([]metadata.Tag, 0, len(values))
	for k, vs := range values {
		if len(vs) > 1 {
			return nil, s3err.ErrInvalidTag.WithMessage("Cannot provide multiple Tags with the same key")
		}
		tags = append(tags, metadata.Tag{Key: k, Value: vs[0]})
	}
	return tags, nil
}

// decodeContentMD5 returns the raw digest of a Content-MD5 header.
func decodeContentMD5(r *http.Request) ([]byte, error) {
	header, ok := r.Header["Content-Md5"]
	if !ok {
		return nil, nil
	}
	sum, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[0]))
	if err != nil || len(sum) != 16 {
		return nil, s3err.ErrInvalidDigest
	}
	return sum, nil
}

// parseConditions reads the conditional headers whose names start with
// prefix ("" for If-*, "x-amz-copy-source-" for copy sources). Unparseable
// dates are ignored.
func parseConditions(h http.Header, prefix string) engine.Conditions {
	c := engine.Conditions{
		IfMatch:     h.Get(prefix + "If-Match"),
		IfNoneMatch: h.Get(prefix + "If-None-Match"),
	}
	if v := h.Get(prefix + "If-Modified-Since"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			c.IfModifiedSince = t
		}
	}
	if v := h.Get(prefix + "If-Unmodified-Since"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			c.IfUnmodifiedSince = t
		}
	}
	return c
}

// parseCopySource parses the X-Amz-Copy-Source header and returns the source
// bucket, key and optional version ID. The header value is URL-decoded and
// expected in the format "/bucket/key[?versionId=id]" or "bucket/key".
func parseCopySource(header string) (bucket, key, versionID string, ok bool) {
	path, query, _ := strings.Cut(header, "?")
	decoded, err := url.PathUnescape(path)
	if err != nil {
		return "", "", "", false
	}
	decoded = strings.TrimPrefix(decoded, "/")
	idx := strings.IndexByte(decoded, '/')
	if idx <= 0 || idx == len(decoded)-1 {
		return "", "", "", false
	}
	if query != "" {
		q, err := url.ParseQuery(query)
		if err != nil {
			return "", "", "", false
		}
		versionID = q.Get("versionId")
	}
	return decoded[:idx], decoded[idx+1:], versionID, true
}

// parseMaxKeys reads an optional non-negative page size parameter. Missing
// values yield def; values above def are clamped.
func parseMaxKeys(q url.Values, name string, def int) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, s3err.ErrInvalidArgument.WithMessage("Provided %s not an integer or within integer range", name).
			WithExtra("ArgumentName", name).WithExtra("ArgumentValue", raw)
	}
	if n > def {
		n = def
	}
	return n, nil
}

// parseEncodingType validates the encoding-type listing parameter.
func parseEncodingType(q url.Values) (string, error) {
	et := q.Get("encoding-type")
	if et != "" && et != "url" {
		return "", s3err.ErrInvalidArgument.WithMessage("Invalid Encoding Method specified in Request").
			WithExtra("ArgumentName", "encoding-type").WithExtra("ArgumentValue", et)
	}
	return et, nil
}

// setVersionHeader emits x-amz-version-id for buckets that have ever had
// versioning enabled.
func setVersionHeader(w http.ResponseWriter, reg *registry.Registry, bucket, versionID string) {
	if versionID == "" {
		return
	}
	if status, err := reg.GetVersioning(bucket); err == nil && status != metadata.Unversioned {
		w.Header().Set("x-amz-version-id", versionID)
	}
}

// setObjectResponseHeaders sets standard S3 object response headers from the
// version metadata. This is used by GetObject and HeadObject.
func setObjectResponseHeaders(w http.ResponseWriter, v metadata.ObjectVersion) {
	h := w.Header()
	if v.ContentType != "" {
		h.Set("Content-Type", v.ContentType)
	}
	h.Set("ETag", v.ETag)
	h.Set("Last-Modified", xmlutil.FormatTimeHTTP(v.LastModified))
	h.Set("Accept-Ranges", "bytes")

	if v.ContentEncoding != "" {
		h.Set("Content-Encoding", v.ContentEncoding)
	}
	if v.ContentLanguage != "" {
		h.Set("Content-Language", v.ContentLanguage)
	}
	if v.ContentDisposition != "" {
		h.Set("Content-Disposition", v.ContentDisposition)
	}
	if v.CacheControl != "" {
		h.Set("Cache-Control", v.CacheControl)
	}
	if v.Expires != "" {
		h.Set("Expires", v.Expires)
	}
	if v.StorageClass != "" && v.StorageClass != engine.DefaultStorageClass {
		h.Set("x-amz-storage-class", v.StorageClass)
	}
	if v.SSEAlgorithm != "" {
		h.Set("x-amz-server-side-encryption", v.SSEAlgorithm)
	}
	if len(v.Tags) > 0 {
		h.Set("x-amz-tagging-count", strconv.Itoa(len(v.Tags)))
	}
	if v.PartsCount > 0 {
		h.Set("x-amz-mp-parts-count", strconv.Itoa(v.PartsCount))
	}
	for key, value := range v.UserMetadata {
		h.Set("x-amz-meta-"+key, value)
	}
}

// applyResponseOverrides applies response-* query parameter overrides to the
// response headers. These are used for presigned URLs to override content headers.
func applyResponseOverrides(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	overrides := []struct{ param, header string }{
		{"response-content-type", "Content-Type"},
		{"response-content-language", "Content-Language"},
		{"response-expires", "Expires"},
		{"response-cache-control", "Cache-Control"},
		{"response-content-disposition", "Content-Disposition"},
		{"response-content-encoding", "Content-Encoding"},
	}
	for _, o := range overrides {
		if v := q.Get(o.param); v != "" {
			w.Header().Set(o.header, v)
		}
	}
}

func toXMLOwner(o metadata.Owner) xmlutil.Owner {
	return xmlutil.Owner{ID: o.ID, DisplayName: o.DisplayName}
}

func toXMLTags(tags []metadata.Tag) []xmlutil.Tag {
	out := make([]xmlutil.Tag, 0, len(tags))
	for _, t := range tags {
		out = append(out, xmlutil.Tag{Key: t.Key, Value: t.Value})
	}
	return out
}

func fromXMLTags(tags []xmlutil.Tag) []metadata.Tag {
	out := make([]metadata.Tag, 0, len(tags))
	for _, t := range tags {
		out = append(out, metadata.Tag{Key: t.Key, Value: t.Value})
	}
	return out
}

func commonPrefixes(prefixes []string, encodingType string) []xmlutil.CommonPrefix {
	out := make([]xmlutil.CommonPrefix, 0, len(prefixes))
	for _, p := range prefixes {
		out = append(out, xmlutil.CommonPrefix{Prefix: xmlutil.EncodeKeyURL(p, encodingType)})
	}
	return out
}

func formatOptionalTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
