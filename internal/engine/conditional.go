package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	s3err "github.com/cairnstore/cairn/internal/errors"
)

// Conditions are the HTTP preconditions of a read (If-Match, If-None-Match,
// If-Modified-Since, If-Unmodified-Since). Zero values are absent.
type Conditions struct {
	IfMatch           string
	IfNoneMatch       string
	IfModifiedSince   time.Time
	IfUnmodifiedSince time.Time
}

func normalizeETag(e string) string {
	return strings.Trim(strings.TrimSpace(e), `"`)
}

func etagListMatches(list, etag string) bool {
	if strings.TrimSpace(list) == "*" {
		return true
	}
	want := normalizeETag(etag)
	for _, tag := range strings.Split(list, ",") {
		tag = strings.TrimPrefix(strings.TrimSpace(tag), "W/")
		if normalizeETag(tag) == want {
			return true
		}
	}
	return false
}

// check evaluates the conditions against an object the way RFC 7232
// orders them: If-Match, then If-Unmodified-Since when If-Match is absent,
// then If-None-Match, then If-Modified-Since when If-None-Match is absent.
func (c Conditions) check(etag string, lastModified time.Time) error {
	lm := lastModified.Truncate(time.Second)
	if c.IfMatch != "" {
		if !etagListMatches(c.IfMatch, etag) {
			return s3err.ErrPreconditionFailed
		}
	} else if !c.IfUnmodifiedSince.IsZero() && lm.After(c.IfUnmodifiedSince.Truncate(time.Second)) {
		return s3err.ErrPreconditionFailed
	}

	if c.IfNoneMatch != "" {
		if etagListMatches(c.IfNoneMatch, etag) {
			return s3err.ErrNotModified
		}
	} else if !c.IfModifiedSince.IsZero() && !lm.After(c.IfModifiedSince.Truncate(time.Second)) {
		return s3err.ErrNotModified
	}
	return nil
}

// checkCopySource applies the x-amz-copy-source-if-* variants, where every
// failure is PreconditionFailed.
func (c Conditions) checkCopySource(etag string, lastModified time.Time) error {
	if err := c.check(etag, lastModified); err != nil {
		return s3err.ErrPreconditionFailed
	}
	return nil
}

// ByteRange is an inclusive byte range of an object of Total bytes.
type ByteRange struct {
	Start int64
	End   int64
	Total int64
}

// Length is the number of bytes in the range.
func (r ByteRange) Length() int64 { return r.End - r.Start + 1 }

// ContentRange renders the Content-Range header value.
func (r ByteRange) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, r.Total)
}

// ParseRange interprets a single-range "bytes=" header against an object of
// size bytes. A header that is not a single byte range is ignored
// (nil, nil). Unsatisfiable ranges fail with InvalidRange: the start is past
// the end, or an explicit end lies at or beyond size.
func ParseRange(header string, size int64) (*ByteRange, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	rangeSet, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(rangeSet, ",") {
		return nil, nil
	}
	startStr, endStr, ok := strings.Cut(rangeSet, "-")
	if !ok {
		return nil, nil
	}
	startStr, endStr = strings.TrimSpace(startStr), strings.TrimSpace(endStr)

	invalid := s3err.ErrInvalidRange.WithExtra("ActualObjectSize", strconv.FormatInt(size, 10)).
		WithExtra("RangeRequested", header)

	switch {
	case startStr == "" && endStr == "":
		return nil, nil
	case startStr == "":
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n < 0 {
			return nil, nil
		}
		if n == 0 || size == 0 {
			return nil, invalid
		}
		if n > size {
			n = size
		}
		return &ByteRange{Start: size - n, End: size - 1, Total: size}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, nil
	}
	if start >= size {
		return nil, invalid
	}
	if endStr == "" {
		return &ByteRange{Start: start, End: size - 1, Total: size}, nil
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < 0 {
		return nil, nil
	}
	if start > end || end >= size {
		return nil, invalid
	}
	return &ByteRange{Start: start, End: end, Total: size}, nil
}
