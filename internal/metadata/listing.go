package metadata

import (
	"encoding/base64"
	"strings"

	s3err "github.com/cairnstore/cairn/internal/errors"
)

// MaxListKeys is the largest page a listing returns.
const MaxListKeys = 1000

const tokenPrefix = "c1:"

// EncodeToken turns the last emitted key or common prefix into an opaque
// continuation token.
func EncodeToken(last string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(tokenPrefix + last))
}

// DecodeToken reverses EncodeToken. Tokens that were not produced by
// EncodeToken fail with InvalidArgument.
func DecodeToken(token string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || !strings.HasPrefix(string(raw), tokenPrefix) {
		return "", s3err.ErrInvalidArgument.WithMessage("The continuation token provided is incorrect")
	}
	return string(raw[len(tokenPrefix):]), nil
}

// ListParams selects latest object versions.
type ListParams struct {
	Prefix    string
	Delimiter string
	// After resumes strictly after this key or common prefix.
	After   string
	MaxKeys int
}

// ListResult is one page of ListObjects.
type ListResult struct {
	Objects        []ObjectVersion
	CommonPrefixes []string
	IsTruncated    bool
	// NextAfter is the last emitted key or prefix when truncated.
	NextAfter string
}

// commonPrefix returns the rolled-up prefix for key, or "" when key is
// listed on its own.
func commonPrefix(key, prefix, delimiter string) string {
	if delimiter == "" {
		return ""
	}
	rest := key[len(prefix):]
	i := strings.Index(rest, delimiter)
	if i < 0 {
		return ""
	}
	return prefix + rest[:i+len(delimiter)]
}

func clampMaxKeys(n int) int {
	if n > MaxListKeys {
		return MaxListKeys
	}
	return n
}

// List returns latest non-delete-marker versions in key order, rolling keys
// that contain the delimiter after the prefix into common prefixes.
func (c *Catalog) List(bucket string, p ListParams) (ListResult, error) {
	idx, err := c.bucket(bucket)
	if err != nil {
		return ListResult{}, err
	}
	var res ListResult
	maxKeys := clampMaxKeys(p.MaxKeys)
	if maxKeys <= 0 {
		return res, nil
	}

	start := p.Prefix
	if p.After > start {
		start = p.After
	}
	lastCP := ""
	count := 0

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	idx.keys.AscendGreaterOrEqual(&keyChain{key: start}, func(ch *keyChain) bool {
		if !hasPrefix(ch.key, p.Prefix) {
			return false
		}
		if ch.key <= p.After {
			return true
		}

		ch.mu.Lock()
		var latest *ObjectVersion
		if !ch.removed && len(ch.versions) > 0 && !ch.versions[0].IsDeleteMarker {
			v := ch.snapshot(ch.versions[0])
			latest = &v
		}
		ch.mu.Unlock()
		if latest == nil {
			return true
		}

		if cp := commonPrefix(ch.key, p.Prefix, p.Delimiter); cp != "" {
			if cp <= p.After || cp == lastCP {
				return true
			}
			if count >= maxKeys {
				res.IsTruncated = true
				return false
			}
			res.CommonPrefixes = append(res.CommonPrefixes, cp)
			lastCP = cp
			res.NextAfter = cp
			count++
			return true
		}

		if count >= maxKeys {
			res.IsTruncated = true
			return false
		}
		res.Objects = append(res.Objects, *latest)
		res.NextAfter = ch.key
		count++
		return true
	})
	if !res.IsTruncated {
		res.NextAfter = ""
	}
	return res, nil
}

// VersionListParams selects versions and delete markers.
type VersionListParams struct {
	Prefix          string
	Delimiter       string
	KeyMarker       string
	VersionIDMarker string
	MaxKeys         int
}

// VersionListResult is one page of ListObjectVersions.
type VersionListResult struct {
	Versions            []ObjectVersion
	CommonPrefixes      []string
	IsTruncated         bool
	NextKeyMarker       string
	NextVersionIDMarker string
}

// ListVersions returns every version and delete marker in key order, newest
// first within a key, each tagged with IsLatest.
func (c *Catalog) ListVersions(bucket string, p VersionListParams) (VersionListResult, error) {
	idx, err := c.bucket(bucket)
	if err != nil {
		return VersionListResult{}, err
	}
	var res VersionListResult
	maxKeys := clampMaxKeys(p.MaxKeys)
	if maxKeys <= 0 {
		return res, nil
	}

	start := p.Prefix
	if p.KeyMarker > start {
		start = p.KeyMarker
	}
	lastCP := ""
	count := 0

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	idx.keys.AscendGreaterOrEqual(&keyChain{key: start}, func(ch *keyChain) bool {
		if !hasPrefix(ch.key, p.Prefix) {
			return false
		}
		if ch.key < p.KeyMarker || (ch.key == p.KeyMarker && p.VersionIDMarker == "") {
			return true
		}

		ch.mu.Lock()
		if ch.removed || len(ch.versions) == 0 {
			ch.mu.Unlock()
			return true
		}
		versions := make([]ObjectVersion, 0, len(ch.versions))
		for _, v := range ch.versions {
			versions = append(versions, ch.snapshot(v))
		}
		ch.mu.Unlock()

		if cp := commonPrefix(ch.key, p.Prefix, p.Delimiter); cp != "" {
			if cp <= p.KeyMarker || cp == lastCP {
				return true
			}
			if count >= maxKeys {
				res.IsTruncated = true
				return false
			}
			res.CommonPrefixes = append(res.CommonPrefixes, cp)
			lastCP = cp
			res.NextKeyMarker, res.NextVersionIDMarker = cp, ""
			count++
			return true
		}

		if ch.key == p.KeyMarker {
			skip := len(versions)
			for i, v := range versions {
				if v.VersionID == p.VersionIDMarker {
					skip = i + 1
					break
				}
			}
			versions = versions[skip:]
		}
		for _, v := range versions {
			if count >= maxKeys {
				res.IsTruncated = true
				return false
			}
			res.Versions = append(res.Versions, v)
			res.NextKeyMarker, res.NextVersionIDMarker = v.Key, v.VersionID
			count++
		}
		return true
	})
	if !res.IsTruncated {
		res.NextKeyMarker, res.NextVersionIDMarker = "", ""
	}
	return res, nil
}
