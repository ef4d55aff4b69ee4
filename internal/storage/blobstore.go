package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	sha256 "github.com/minio/sha256-simd"
)

// spoolThreshold is the payload size above which Write buffers to a temp file
// instead of memory while the content address is computed.
const spoolThreshold = 8 << 20

// Blob describes an immutable stored payload.
type Blob struct {
	// ID is the hex SHA-256 of the payload and the backend key.
	ID string
	// Size in bytes.
	Size int64
	// ETag is the quoted hex MD5 of the payload.
	ETag string
	// MD5 is the raw MD5 digest, kept for composite multipart ETags.
	MD5 []byte
}

type blobEntry struct {
	mu      sync.Mutex // serializes backend Put/Delete for this ID
	size    int64
	refs    int
	waiters int
	stored  bool
}

// BlobStore stores payloads once per content address and deletes them when
// the last reference is released. Payload I/O never happens under the
// store-wide lock.
type BlobStore struct {
	backend Backend
	tempDir string

	mu    sync.Mutex
	blobs map[string]*blobEntry
	bytes int64
}

// NewBlobStore wraps backend. Large uploads are spooled under tempDir
// (os.TempDir when empty).
func NewBlobStore(backend Backend, tempDir string) *BlobStore {
	return &BlobStore{
		backend: backend,
		tempDir: tempDir,
		blobs:   make(map[string]*blobEntry),
	}
}

// Backend returns the underlying byte backend.
func (s *BlobStore) Backend() Backend { return s.backend }

// Write consumes r, stores the payload if it is not already present and
// returns a Blob holding one new reference. maxSize < 0 means unlimited;
// longer payloads fail with ErrTooLarge.
func (s *BlobStore) Write(ctx context.Context, r io.Reader, maxSize int64) (Blob, error) {
	sp, err := s.spool(r, maxSize)
	if err != nil {
		return Blob{}, err
	}
	defer sp.cleanup()

	blob := sp.blob()

	s.mu.Lock()
	e, ok := s.blobs[blob.ID]
	if !ok {
		e = &blobEntry{size: blob.Size}
		s.blobs[blob.ID] = e
	}
	e.waiters++
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.stored {
		body, err := sp.reader()
		if err == nil {
			err = s.backend.Put(ctx, blob.ID, body, blob.Size)
		}
		if err != nil {
			s.mu.Lock()
			e.waiters--
			if e.refs == 0 && e.waiters == 0 && !e.stored {
				delete(s.blobs, blob.ID)
			}
			s.mu.Unlock()
			return Blob{}, fmt.Errorf("storing blob %s: %w", blob.ID, err)
		}
		e.stored = true
		s.mu.Lock()
		s.bytes += blob.Size
		s.mu.Unlock()
	}

	s.mu.Lock()
	e.waiters--
	e.refs++
	s.mu.Unlock()
	return blob, nil
}

// Concat writes the ordered concatenation of parts as a new blob.
func (s *BlobStore) Concat(ctx context.Context, parts []Blob) (Blob, error) {
	lazies := make([]*lazyReader, 0, len(parts))
	readers := make([]io.Reader, 0, len(parts))
	for _, p := range parts {
		id := p.ID
		lr := &lazyReader{open: func() (io.ReadCloser, error) { return s.Open(ctx, id) }}
		lazies = append(lazies, lr)
		readers = append(readers, lr)
	}
	defer func() {
		for _, lr := range lazies {
			lr.Close()
		}
	}()
	return s.Write(ctx, io.MultiReader(readers...), -1)
}

// Open returns the full payload of a blob.
func (s *BlobStore) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	rc, _, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("opening blob %s: %w", id, err)
	}
	return rc, nil
}

// OpenRange returns length bytes of a blob starting at offset.
func (s *BlobStore) OpenRange(ctx context.Context, id string, offset, length int64) (io.ReadCloser, error) {
	if length == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	rc, err := s.backend.GetRange(ctx, id, offset, length)
	if err != nil {
		return nil, fmt.Errorf("opening blob %s range %d+%d: %w", id, offset, length, err)
	}
	return rc, nil
}

// Retain adds a reference to an already stored blob. It is used when
// rebuilding reference counts from a catalog snapshot.
func (s *BlobStore) Retain(b Blob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.blobs[b.ID]
	if !ok {
		e = &blobEntry{size: b.Size, stored: true}
		s.blobs[b.ID] = e
		s.bytes += b.Size
	}
	e.refs++
}

// Release drops one reference and deletes the payload when none remain.
func (s *BlobStore) Release(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.blobs[id]
	if !ok || e.refs == 0 {
		s.mu.Unlock()
		return nil
	}
	e.refs--
	if e.refs > 0 {
		s.mu.Unlock()
		return nil
	}
	e.waiters++
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	s.mu.Lock()
	e.waiters--
	if e.refs > 0 {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	var err error
	if e.stored {
		if err = s.backend.Delete(ctx, id); err == nil {
			e.stored = false
			s.mu.Lock()
			s.bytes -= e.size
			s.mu.Unlock()
		}
	}

	s.mu.Lock()
	if e.refs == 0 && e.waiters == 0 && !e.stored {
		delete(s.blobs, id)
	}
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("deleting blob %s: %w", id, err)
	}
	return nil
}

// Refs returns the current reference count of a blob.
func (s *BlobStore) Refs(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.blobs[id]; ok {
		return e.refs
	}
	return 0
}

// Stats returns the number of live blobs and their total size.
func (s *BlobStore) Stats() (count int, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.blobs {
		if e.stored {
			count++
		}
	}
	return count, s.bytes
}

// CollectGarbage deletes backend blobs that hold no reference. It is run
// once after the catalog is restored at startup.
func (s *BlobStore) CollectGarbage(ctx context.Context) (int, error) {
	ids, err := s.backend.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing blobs: %w", err)
	}
	removed := 0
	for _, id := range ids {
		if s.Refs(id) > 0 {
			continue
		}
		if err := s.backend.Delete(ctx, id); err != nil {
			return removed, fmt.Errorf("deleting orphan blob %s: %w", id, err)
		}
		removed++
	}
	if removed > 0 {
		_, size := s.Stats()
		slog.Info("Removed orphan blobs", "count", removed, "live_bytes", humanize.IBytes(uint64(size)))
	}
	return removed, nil
}

// ErrTooLarge is returned by Write when the payload exceeds maxSize.
var ErrTooLarge = errors.New("payload exceeds maximum size")

// spooled holds a hashed payload either in memory or in a temp file.
type spooled struct {
	buf    bytes.Buffer
	file   *os.File
	size   int64
	sha    []byte
	md5sum []byte
}

func (s *BlobStore) spool(r io.Reader, maxSize int64) (*spooled, error) {
	sp := &spooled{}
	sh := sha256.New()
	mh := md5.New()
	src := r
	if maxSize >= 0 {
		src = io.LimitReader(r, maxSize+1)
	}
	tee := io.TeeReader(src, io.MultiWriter(sh, mh))

	n, err := io.CopyN(&sp.buf, tee, spoolThreshold)
	sp.size = n
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	if err == nil {
		f, ferr := os.CreateTemp(s.tempDir, "cairn-spool-*")
		if ferr != nil {
			return nil, fmt.Errorf("creating spool file: %w", ferr)
		}
		sp.file = f
		if _, werr := f.Write(sp.buf.Bytes()); werr != nil {
			sp.cleanup()
			return nil, fmt.Errorf("writing spool file: %w", werr)
		}
		sp.buf.Reset()
		rest, cerr := io.Copy(f, tee)
		if cerr != nil {
			sp.cleanup()
			return nil, fmt.Errorf("reading payload: %w", cerr)
		}
		sp.size += rest
	}
	if maxSize >= 0 && sp.size > maxSize {
		sp.cleanup()
		return nil, ErrTooLarge
	}
	sp.sha = sh.Sum(nil)
	sp.md5sum = mh.Sum(nil)
	return sp, nil
}

func (sp *spooled) blob() Blob {
	return Blob{
		ID:   hex.EncodeToString(sp.sha),
		Size: sp.size,
		ETag: fmt.Sprintf(`"%x"`, sp.md5sum),
		MD5:  sp.md5sum,
	}
}

func (sp *spooled) reader() (io.Reader, error) {
	if sp.file == nil {
		return bytes.NewReader(sp.buf.Bytes()), nil
	}
	if _, err := sp.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return sp.file, nil
}

func (sp *spooled) cleanup() {
	if sp.file != nil {
		name := sp.file.Name()
		sp.file.Close()
		os.Remove(name)
		sp.file = nil
	}
}

// lazyReader opens its source on first Read and closes it at EOF, so Concat
// holds at most one part open at a time.
type lazyReader struct {
	open func() (io.ReadCloser, error)
	rc   io.ReadCloser
	done bool
}

func (l *lazyReader) Read(p []byte) (int, error) {
	if l.done {
		return 0, io.EOF
	}
	if l.rc == nil {
		rc, err := l.open()
		if err != nil {
			return 0, err
		}
		l.rc = rc
	}
	n, err := l.rc.Read(p)
	if err == io.EOF {
		l.Close()
		l.done = true
	}
	return n, err
}

func (l *lazyReader) Close() error {
	if l.rc == nil {
		return nil
	}
	err := l.rc.Close()
	l.rc = nil
	return err
}
