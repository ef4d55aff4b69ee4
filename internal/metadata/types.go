// Package metadata implements the object catalog: per-key version chains,
// delete markers, versioning semantics and ordered listing.
package metadata

import (
	"strings"
	"time"
	"unicode/utf8"

	s3err "github.com/cairnstore/cairn/internal/errors"
)

// VersioningStatus is a bucket's versioning state.
type VersioningStatus string

const (
	Unversioned         VersioningStatus = ""
	VersioningEnabled   VersioningStatus = "Enabled"
	VersioningSuspended VersioningStatus = "Suspended"
)

// NullVersionID is the sentinel version used while versioning is not enabled.
const NullVersionID = "null"

// Owner identifies the principal that owns a bucket or object.
type Owner struct {
	ID          string
	DisplayName string
}

// Tag is a single key/value pair of a tag set.
type Tag struct {
	Key   string
	Value string
}

// ObjectVersion is one entry of a key's version chain. Values returned by the
// catalog are copies; mutating them has no effect on the catalog.
type ObjectVersion struct {
	Bucket    string
	Key       string
	VersionID string
	// Seq orders versions of a key; higher is newer. Version IDs carry no order.
	Seq uint64

	BlobID string
	Size   int64
	ETag   string

	ContentType        string
	ContentEncoding    string
	ContentDisposition string
	ContentLanguage    string
	CacheControl       string
	Expires            string
	UserMetadata       map[string]string

	StorageClass string
	SSEAlgorithm string
	Tags         []Tag
	Owner        Owner
	PartsCount   int

	LastModified   time.Time
	IsDeleteMarker bool
	// IsLatest is derived when the version is read.
	IsLatest bool
}

func (v *ObjectVersion) clone() *ObjectVersion {
	cp := *v
	if v.UserMetadata != nil {
		cp.UserMetadata = make(map[string]string, len(v.UserMetadata))
		for k, val := range v.UserMetadata {
			cp.UserMetadata[k] = val
		}
	}
	if v.Tags != nil {
		cp.Tags = append([]Tag(nil), v.Tags...)
	}
	return &cp
}

// NormalizeMetadata lower-cases user metadata keys.
func NormalizeMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

// DeleteResult describes the outcome of a delete.
type DeleteResult struct {
	VersionID    string
	DeleteMarker bool
}

// Stats holds catalog-wide counters.
type Stats struct {
	Buckets       int
	Versions      int64
	DeleteMarkers int64
	Bytes         int64
}

// Tag set limits.
const (
	MaxObjectTags  = 10
	MaxBucketTags  = 50
	maxTagKeyLen   = 128
	maxTagValueLen = 256
)

// ValidateTags checks a tag set against limit and rejects duplicate or
// oversized keys and values.
func ValidateTags(tags []Tag, limit int) error {
	if len(tags) > limit {
		return s3err.ErrInvalidTag.WithMessage("Object tags cannot be greater than %d", limit)
	}
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		if t.Key == "" || utf8.RuneCountInString(t.Key) > maxTagKeyLen {
			return s3err.ErrInvalidTag.WithMessage("The TagKey you have provided is invalid")
		}
		if utf8.RuneCountInString(t.Value) > maxTagValueLen {
			return s3err.ErrInvalidTag.WithMessage("The TagValue you have provided is invalid")
		}
		if strings.HasPrefix(strings.ToLower(t.Key), "aws:") {
			return s3err.ErrInvalidTag.WithMessage("Your TagKey cannot be prefixed with aws:")
		}
		if _, dup := seen[t.Key]; dup {
			return s3err.ErrInvalidTag.WithMessage("Cannot provide multiple Tags with the same key")
		}
		seen[t.Key] = struct{}{}
	}
	return nil
}
