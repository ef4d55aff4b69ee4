package engine

import (
	"iter"

	s3err "github.com/cairnstore/cairn/internal/errors"
	"github.com/cairnstore/cairn/internal/metadata"
	"github.com/cairnstore/cairn/internal/metrics"
)

// ListObjects returns one page of latest object versions (ListObjects v1,
// with After as the marker).
func (e *Engine) ListObjects(bucket string, p metadata.ListParams, caller Caller) (metadata.ListResult, error) {
	bucket, err := e.resolve(bucket, caller, "s3:ListBucket", "")
	if err != nil {
		return metadata.ListResult{}, err
	}
	res, err := e.catalog.List(bucket, p)
	metrics.Observe("ListObjects", err)
	return res, err
}

// ListV2Params selects a page of ListObjectsV2.
type ListV2Params struct {
	Prefix            string
	Delimiter         string
	StartAfter        string
	ContinuationToken string
	MaxKeys           int
}

// ListV2Result is one page of ListObjectsV2.
type ListV2Result struct {
	metadata.ListResult
	NextContinuationToken string
}

// ListObjectsV2 is ListObjects with opaque continuation tokens. A token
// takes precedence over StartAfter; an undecodable token fails with
// InvalidArgument.
func (e *Engine) ListObjectsV2(bucket string, p ListV2Params, caller Caller) (res ListV2Result, err error) {
	defer func() { metrics.Observe("ListObjectsV2", err) }()
	if bucket, err = e.resolve(bucket, caller, "s3:ListBucket", ""); err != nil {
		return ListV2Result{}, err
	}
	after := p.StartAfter
	if p.ContinuationToken != "" {
		if after, err = metadata.DecodeToken(p.ContinuationToken); err != nil {
			return ListV2Result{}, err
		}
	}
	page, err := e.catalog.List(bucket, metadata.ListParams{
		Prefix:    p.Prefix,
		Delimiter: p.Delimiter,
		After:     after,
		MaxKeys:   p.MaxKeys,
	})
	if err != nil {
		return ListV2Result{}, err
	}
	res.ListResult = page
	if page.IsTruncated {
		res.NextContinuationToken = metadata.EncodeToken(page.NextAfter)
	}
	return res, nil
}

// ListObjectVersions returns one page of versions and delete markers.
func (e *Engine) ListObjectVersions(bucket string, p metadata.VersionListParams, caller Caller) (res metadata.VersionListResult, err error) {
	defer func() { metrics.Observe("ListObjectVersions", err) }()
	if bucket, err = e.resolve(bucket, caller, "s3:ListBucketVersions", ""); err != nil {
		return metadata.VersionListResult{}, err
	}
	if p.VersionIDMarker != "" && p.KeyMarker == "" {
		return metadata.VersionListResult{}, s3err.ErrInvalidArgument.WithMessage("A version-id marker cannot be specified without a key marker.")
	}
	return e.catalog.ListVersions(bucket, p)
}

// Objects lazily pages through the latest versions under prefix. Iteration
// stops at the first error, which is yielded once. A pageSize of zero or less
// selects metadata.MaxListKeys.
func (e *Engine) Objects(bucket, prefix string, pageSize int, caller Caller) iter.Seq2[metadata.ObjectVersion, error] {
	pageSize = defaultPageSize(pageSize)
	return func(yield func(metadata.ObjectVersion, error) bool) {
		p := ListV2Params{Prefix: prefix, MaxKeys: pageSize}
		for {
			page, err := e.ListObjectsV2(bucket, p, caller)
			if err != nil {
				yield(metadata.ObjectVersion{}, err)
				return
			}
			for _, v := range page.Objects {
				if !yield(v, nil) {
					return
				}
			}
			if !page.IsTruncated {
				return
			}
			p.ContinuationToken = page.NextContinuationToken
		}
	}
}

// Versions lazily pages through every version and delete marker under
// prefix, newest first within a key.
func (e *Engine) Versions(bucket, prefix string, pageSize int, caller Caller) iter.Seq2[metadata.ObjectVersion, error] {
	pageSize = defaultPageSize(pageSize)
	return func(yield func(metadata.ObjectVersion, error) bool) {
		p := metadata.VersionListParams{Prefix: prefix, MaxKeys: pageSize}
		for {
			page, err := e.ListObjectVersions(bucket, p, caller)
			if err != nil {
				yield(metadata.ObjectVersion{}, err)
				return
			}
			for _, v := range page.Versions {
				if !yield(v, nil) {
					return
				}
			}
			if !page.IsTruncated {
				return
			}
			p.KeyMarker, p.VersionIDMarker = page.NextKeyMarker, page.NextVersionIDMarker
		}
	}
}

func defaultPageSize(n int) int {
	if n <= 0 {
		return metadata.MaxListKeys
	}
	return n
}
