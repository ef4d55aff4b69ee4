package multipart

import (
	"sort"
	"strings"

	"github.com/cairnstore/cairn/internal/storage"
)

// ListUploadsParams selects a page of ListMultipartUploads.
type ListUploadsParams struct {
	Prefix         string
	Delimiter      string
	KeyMarker      string
	UploadIDMarker string
	MaxUploads     int
}

// ListUploadsResult is one page of active uploads ordered by key, then
// initiation time.
type ListUploadsResult struct {
	Uploads            []Upload
	CommonPrefixes     []string
	IsTruncated        bool
	NextKeyMarker      string
	NextUploadIDMarker string
}

func uploadLess(a, b Upload) bool {
	if a.Key != b.Key {
		return a.Key < b.Key
	}
	if !a.Initiated.Equal(b.Initiated) {
		return a.Initiated.Before(b.Initiated)
	}
	return a.ID < b.ID
}

// ListUploads enumerates the ACTIVE sessions of bucket. With only KeyMarker
// set, listing resumes after every upload of that key; with UploadIDMarker
// too, it resumes after that upload.
func (c *Coordinator) ListUploads(bucket string, p ListUploadsParams) ListUploadsResult {
	limit := p.MaxUploads
	if limit <= 0 || limit > MaxListUploads {
		limit = MaxListUploads
	}

	var all []Upload
	for _, s := range c.bucketSessions(bucket) {
		s.mu.Lock()
		if s.state == Active && strings.HasPrefix(s.info.Key, p.Prefix) {
			all = append(all, s.info)
		}
		s.mu.Unlock()
	}
	sort.Slice(all, func(i, j int) bool { return uploadLess(all[i], all[j]) })

	start := 0
	if p.KeyMarker != "" {
		start = len(all)
		for i, u := range all {
			if u.Key > p.KeyMarker {
				start = i
				break
			}
			if u.Key == p.KeyMarker && p.UploadIDMarker != "" && u.ID == p.UploadIDMarker {
				start = i + 1
				break
			}
		}
	}

	var res ListUploadsResult
	seen := make(map[string]bool)
	count := 0
	var lastKey, lastID string
	for _, u := range all[start:] {
		if p.Delimiter != "" {
			rest := u.Key[len(p.Prefix):]
			if i := strings.Index(rest, p.Delimiter); i >= 0 {
				cp := p.Prefix + rest[:i+len(p.Delimiter)]
				if seen[cp] || (p.KeyMarker != "" && cp <= p.KeyMarker) {
					continue
				}
				if count == limit {
					res.IsTruncated = true
					break
				}
				seen[cp] = true
				res.CommonPrefixes = append(res.CommonPrefixes, cp)
				count++
				lastKey, lastID = cp, ""
				continue
			}
		}
		if count == limit {
			res.IsTruncated = true
			break
		}
		res.Uploads = append(res.Uploads, u)
		count++
		lastKey, lastID = u.Key, u.ID
	}
	if res.IsTruncated {
		res.NextKeyMarker = lastKey
		res.NextUploadIDMarker = lastID
	}
	return res
}

// SessionSnapshot is the persistent form of an ACTIVE session.
type SessionSnapshot struct {
	Upload Upload
	Parts  []Part
}

// Snapshot returns every ACTIVE session with its parts.
func (c *Coordinator) Snapshot() []SessionSnapshot {
	c.mu.RLock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.RUnlock()

	out := make([]SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		if s.state == Active {
			snap := SessionSnapshot{Upload: s.info}
			for _, p := range s.parts {
				snap.Parts = append(snap.Parts, p)
			}
			sort.Slice(snap.Parts, func(i, j int) bool { return snap.Parts[i].Number < snap.Parts[j].Number })
			out = append(out, snap)
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return uploadLess(out[i].Upload, out[j].Upload) })
	return out
}

// Restore re-creates a session from a snapshot and takes one blob reference
// per part.
func (c *Coordinator) Restore(snap SessionSnapshot) {
	s := &session{info: snap.Upload, parts: make(map[int]Part, len(snap.Parts))}
	for _, p := range snap.Parts {
		s.parts[p.Number] = p
		c.blobs.Retain(storage.Blob{ID: p.BlobID, Size: p.Size})
	}
	c.mu.Lock()
	c.sessions[snap.Upload.ID] = s
	c.mu.Unlock()
}
