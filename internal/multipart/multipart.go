// Package multipart coordinates multipart upload sessions from creation
// until they are completed into the catalog or aborted.
package multipart

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	s3err "github.com/cairnstore/cairn/internal/errors"
	"github.com/cairnstore/cairn/internal/metadata"
	"github.com/cairnstore/cairn/internal/storage"
	"github.com/cairnstore/cairn/internal/uid"
)

// Part number bounds and the default minimum size of every part but the
// last.
const (
	MinPartNumber      = 1
	MaxPartNumber      = 10000
	DefaultMinPartSize = 5 << 20
	MaxListParts       = 1000
	MaxListUploads     = 1000
)

// State is the lifecycle state of an upload session.
type State int

const (
	Active State = iota
	Completed
	Aborted
)

func (s State) String() string {
	switch s {
	case Completed:
		return "COMPLETED"
	case Aborted:
		return "ABORTED"
	default:
		return "ACTIVE"
	}
}

// Upload describes a session. Template carries the object attributes
// captured at creation (content type, metadata, storage class, SSE, tags,
// owner); they are applied to the completed object.
type Upload struct {
	ID        string
	Bucket    string
	Key       string
	Initiated time.Time
	Template  metadata.ObjectVersion
}

// Part is one uploaded part.
type Part struct {
	Number       int
	ETag         string
	Size         int64
	BlobID       string
	LastModified time.Time
}

// CompletedPart is one entry of a CompleteMultipartUpload request.
type CompletedPart struct {
	Number int
	ETag   string
}

type session struct {
	mu    sync.Mutex
	info  Upload
	state State
	parts map[int]Part
}

// Coordinator owns upload sessions. Each session has its own mutex, so
// parts of different sessions and different part numbers are written in
// parallel; completion and abort of one session are mutually exclusive.
type Coordinator struct {
	blobs       *storage.BlobStore
	catalog     *metadata.Catalog
	minPartSize int64
	now         func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
}

// New creates a coordinator. minPartSize <= 0 selects DefaultMinPartSize.
func New(bs *storage.BlobStore, catalog *metadata.Catalog, minPartSize int64) *Coordinator {
	if minPartSize <= 0 {
		minPartSize = DefaultMinPartSize
	}
	return &Coordinator{
		blobs:       bs,
		catalog:     catalog,
		minPartSize: minPartSize,
		now:         func() time.Time { return time.Now().UTC() },
		sessions:    make(map[string]*session),
	}
}

// Create opens a new ACTIVE session for bucket/key.
func (c *Coordinator) Create(bucket, key string, tmpl metadata.ObjectVersion) Upload {
	tmpl.UserMetadata = metadata.NormalizeMetadata(tmpl.UserMetadata)
	u := Upload{
		ID:        uid.NewUploadID(),
		Bucket:    bucket,
		Key:       key,
		Initiated: c.now(),
		Template:  tmpl,
	}
	c.mu.Lock()
	c.sessions[u.ID] = &session{info: u, parts: make(map[int]Part)}
	c.mu.Unlock()
	slog.Debug("Multipart upload created", "bucket", bucket, "key", key, "upload_id", u.ID)
	return u
}

// lookup returns the session for uploadID when it belongs to bucket/key.
func (c *Coordinator) lookup(uploadID, bucket, key string) (*session, error) {
	c.mu.RLock()
	s, ok := c.sessions[uploadID]
	c.mu.RUnlock()
	if !ok || s.info.Bucket != bucket || s.info.Key != key {
		return nil, s3err.ErrNoSuchUpload
	}
	return s, nil
}

// Lookup returns the ACTIVE session uploadID of bucket/key.
func (c *Coordinator) Lookup(uploadID, bucket, key string) (Upload, error) {
	s, err := c.lookup(uploadID, bucket, key)
	if err != nil {
		return Upload{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return Upload{}, s3err.ErrNoSuchUpload
	}
	return s.info, nil
}

// ValidatePartNumber checks that n is within 1..10000.
func ValidatePartNumber(n int) error {
	return validatePartNumber(n)
}

func validatePartNumber(n int) error {
	if n < MinPartNumber || n > MaxPartNumber {
		return s3err.ErrInvalidArgument.WithMessage("Part number must be an integer between %d and %d, inclusive", MinPartNumber, MaxPartNumber)
	}
	return nil
}

// UploadPart stores r as part partNumber, replacing any earlier upload of
// the same number. maxSize bounds the part payload (< 0 means unlimited).
func (c *Coordinator) UploadPart(ctx context.Context, uploadID, bucket, key string, partNumber int, r io.Reader, maxSize int64) (Part, error) {
	if err := validatePartNumber(partNumber); err != nil {
		return Part{}, err
	}
	if _, err := c.lookup(uploadID, bucket, key); err != nil {
		return Part{}, err
	}
	blob, err := c.blobs.Write(ctx, r, maxSize)
	if err != nil {
		if errors.Is(err, storage.ErrTooLarge) {
			return Part{}, s3err.ErrEntityTooLarge
		}
		return Part{}, err
	}
	return c.AddPart(ctx, uploadID, bucket, key, partNumber, blob)
}

// AddPart attaches an already written blob as part partNumber. The
// coordinator takes ownership of one reference to blob, released if the
// session is gone.
func (c *Coordinator) AddPart(ctx context.Context, uploadID, bucket, key string, partNumber int, blob storage.Blob) (Part, error) {
	if err := validatePartNumber(partNumber); err != nil {
		c.release(ctx, blob.ID)
		return Part{}, err
	}
	s, err := c.lookup(uploadID, bucket, key)
	if err != nil {
		c.release(ctx, blob.ID)
		return Part{}, err
	}

	p := Part{Number: partNumber, ETag: blob.ETag, Size: blob.Size, BlobID: blob.ID, LastModified: c.now()}

	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		c.release(ctx, blob.ID)
		return Part{}, s3err.ErrNoSuchUpload
	}
	old, replaced := s.parts[partNumber]
	s.parts[partNumber] = p
	s.mu.Unlock()

	if replaced {
		c.release(ctx, old.BlobID)
	}
	return p, nil
}

// ListPartsResult is one page of ListParts.
type ListPartsResult struct {
	Upload               Upload
	Parts                []Part
	PartNumberMarker     int
	NextPartNumberMarker int
	MaxParts             int
	IsTruncated          bool
}

// ListParts returns parts numbered above marker, in part-number order.
func (c *Coordinator) ListParts(uploadID, bucket, key string, marker, maxParts int) (ListPartsResult, error) {
	s, err := c.lookup(uploadID, bucket, key)
	if err != nil {
		return ListPartsResult{}, err
	}
	if maxParts <= 0 || maxParts > MaxListParts {
		maxParts = MaxListParts
	}

	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		return ListPartsResult{}, s3err.ErrNoSuchUpload
	}
	all := make([]Part, 0, len(s.parts))
	for _, p := range s.parts {
		if p.Number > marker {
			all = append(all, p)
		}
	}
	info := s.info
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Number < all[j].Number })
	res := ListPartsResult{Upload: info, PartNumberMarker: marker, MaxParts: maxParts}
	if len(all) > maxParts {
		all = all[:maxParts]
		res.IsTruncated = true
	}
	res.Parts = all
	if len(all) > 0 {
		res.NextPartNumberMarker = all[len(all)-1].Number
	}
	return res, nil
}

func trimETag(etag string) string {
	return strings.Trim(strings.TrimSpace(etag), `"`)
}

// CompositeETag is the multipart ETag: the MD5 of the concatenated binary
// part MD5s followed by the part count.
func CompositeETag(partETags []string) string {
	h := md5.New()
	for _, e := range partETags {
		b, err := hex.DecodeString(trimETag(e))
		if err != nil {
			continue
		}
		h.Write(b)
	}
	return fmt.Sprintf(`"%x-%d"`, h.Sum(nil), len(partETags))
}

// Complete validates the part list, assembles the object and records it in
// the catalog under status. On any failure the session stays ACTIVE and no
// object is created.
func (c *Coordinator) Complete(ctx context.Context, uploadID, bucket, key string, list []CompletedPart, status metadata.VersioningStatus) (metadata.ObjectVersion, error) {
	s, err := c.lookup(uploadID, bucket, key)
	if err != nil {
		return metadata.ObjectVersion{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return metadata.ObjectVersion{}, s3err.ErrNoSuchUpload
	}

	chosen, err := c.validate(s, list)
	if err != nil {
		return metadata.ObjectVersion{}, err
	}

	blobs := make([]storage.Blob, len(chosen))
	etags := make([]string, len(chosen))
	var total int64
	for i, p := range chosen {
		blobs[i] = storage.Blob{ID: p.BlobID, Size: p.Size}
		etags[i] = p.ETag
		total += p.Size
	}
	whole, err := c.blobs.Concat(ctx, blobs)
	if err != nil {
		return metadata.ObjectVersion{}, fmt.Errorf("assembling upload %s: %w", uploadID, err)
	}

	v := s.info.Template
	v.Bucket = bucket
	v.Key = key
	v.BlobID = whole.ID
	v.Size = total
	v.ETag = CompositeETag(etags)
	v.PartsCount = len(chosen)
	v.LastModified = time.Time{}

	out, err := c.catalog.Put(ctx, v, status)
	if err != nil {
		return metadata.ObjectVersion{}, err
	}

	s.state = Completed
	parts := s.parts
	s.parts = nil
	c.mu.Lock()
	delete(c.sessions, uploadID)
	c.mu.Unlock()

	for _, p := range parts {
		c.release(ctx, p.BlobID)
	}
	slog.Debug("Multipart upload completed", "bucket", bucket, "key", key, "upload_id", uploadID,
		"parts", len(chosen), "size", total)
	return out, nil
}

// validate checks the requested part list against the stored parts. The
// caller holds s.mu.
func (c *Coordinator) validate(s *session, list []CompletedPart) ([]Part, error) {
	if len(list) == 0 {
		return nil, s3err.ErrMalformedXML.WithMessage("You must specify at least one part")
	}
	chosen := make([]Part, 0, len(list))
	prev := 0
	for i, want := range list {
		if want.Number <= prev {
			return nil, s3err.ErrInvalidPartOrder
		}
		prev = want.Number
		p, ok := s.parts[want.Number]
		if !ok || trimETag(p.ETag) != trimETag(want.ETag) {
			return nil, s3err.ErrInvalidPart.WithExtra("PartNumber", fmt.Sprint(want.Number))
		}
		if i < len(list)-1 && p.Size < c.minPartSize {
			return nil, s3err.ErrEntityTooSmall.
				WithExtra("PartNumber", fmt.Sprint(want.Number)).
				WithExtra("ProposedSize", fmt.Sprint(p.Size)).
				WithExtra("MinSizeAllowed", fmt.Sprint(c.minPartSize))
		}
		chosen = append(chosen, p)
	}
	return chosen, nil
}

// Abort moves the session to ABORTED and releases every part.
func (c *Coordinator) Abort(ctx context.Context, uploadID, bucket, key string) error {
	s, err := c.lookup(uploadID, bucket, key)
	if err != nil {
		return err
	}
	return c.abort(ctx, s)
}

func (c *Coordinator) abort(ctx context.Context, s *session) error {
	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		return s3err.ErrNoSuchUpload
	}
	s.state = Aborted
	parts := s.parts
	s.parts = nil
	s.mu.Unlock()

	c.mu.Lock()
	delete(c.sessions, s.info.ID)
	c.mu.Unlock()

	for _, p := range parts {
		c.release(ctx, p.BlobID)
	}
	slog.Debug("Multipart upload aborted", "bucket", s.info.Bucket, "key", s.info.Key, "upload_id", s.info.ID)
	return nil
}

// AbortBucket aborts every active upload of bucket and returns how many
// were aborted.
func (c *Coordinator) AbortBucket(ctx context.Context, bucket string) int {
	n := 0
	for _, s := range c.bucketSessions(bucket) {
		if c.abort(ctx, s) == nil {
			n++
		}
	}
	return n
}

func (c *Coordinator) bucketSessions(bucket string) []*session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*session
	for _, s := range c.sessions {
		if s.info.Bucket == bucket {
			out = append(out, s)
		}
	}
	return out
}

func (c *Coordinator) release(ctx context.Context, blobID string) {
	if err := c.blobs.Release(ctx, blobID); err != nil {
		slog.Warn("Releasing part blob failed", "blob", blobID, "error", err)
	}
}

// Count returns the number of active sessions.
func (c *Coordinator) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}
