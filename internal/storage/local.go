package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cairnstore/cairn/internal/uid"
)

// LocalBackend stores blobs as files under RootDir, sharded into
// two-character directories by blob ID (root/ab/abcdef...).
type LocalBackend struct {
	RootDir string
}

// NewLocalBackend creates a LocalBackend rooted at rootDir, creating the root
// and its .tmp directory if needed.
func NewLocalBackend(rootDir string) (*LocalBackend, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root directory %q: %w", rootDir, err)
	}
	tmpDir := filepath.Join(rootDir, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory %q: %w", tmpDir, err)
	}
	return &LocalBackend{RootDir: rootDir}, nil
}

// CleanTempFiles removes leftovers of interrupted writes. Run at startup.
func (b *LocalBackend) CleanTempFiles() error {
	tmpDir := filepath.Join(b.RootDir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

func (b *LocalBackend) blobPath(id string) (string, error) {
	if len(id) < 3 || strings.ContainsAny(id, `/\.`) {
		return "", fmt.Errorf("invalid blob id %q", id)
	}
	return filepath.Join(b.RootDir, id[:2], id), nil
}

func (b *LocalBackend) tempPath() string {
	return filepath.Join(b.RootDir, ".tmp", "tmp-"+uid.New())
}

// Put writes the blob with the atomic temp file, fsync, rename pattern.
func (b *LocalBackend) Put(ctx context.Context, id string, r io.Reader, size int64) error {
	path, err := b.blobPath(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating shard directory for %s: %w", id, err)
	}

	tmpPath := b.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing blob data: %w", err)
	}
	if size >= 0 && written != size {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("short write for %s: wrote %d of %d bytes", id, written, size)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file to final path: %w", err)
	}
	return nil
}

// Get opens the blob file.
func (b *LocalBackend) Get(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	path, err := b.blobPath(id)
	if err != nil {
		return nil, 0, err
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrBlobNotFound
		}
		return nil, 0, fmt.Errorf("opening blob %s: %w", id, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("stat blob %s: %w", id, err)
	}
	return file, info.Size(), nil
}

// GetRange opens the blob file positioned at offset, limited to length bytes.
func (b *LocalBackend) GetRange(ctx context.Context, id string, offset, length int64) (io.ReadCloser, error) {
	rc, size, err := b.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset+length > size {
		rc.Close()
		return nil, fmt.Errorf("range %d+%d outside blob of %d bytes", offset, length, size)
	}
	file := rc.(*os.File)
	return readCloser{Reader: io.NewSectionReader(file, offset, length), close: file.Close}, nil
}

// Delete removes the blob file and its shard directory when it becomes empty.
func (b *LocalBackend) Delete(ctx context.Context, id string) error {
	path, err := b.blobPath(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing blob %s: %w", id, err)
	}
	// Fails harmlessly when other blobs share the shard.
	os.Remove(filepath.Dir(path))
	return nil
}

// Exists reports whether the blob file is present.
func (b *LocalBackend) Exists(ctx context.Context, id string) (bool, error) {
	path, err := b.blobPath(id)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat blob %s: %w", id, err)
}

// List walks the shard directories.
func (b *LocalBackend) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := filepath.WalkDir(b.RootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".tmp" {
				return filepath.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		ids = append(ids, d.Name())
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// HealthCheck verifies the root directory is writable.
func (b *LocalBackend) HealthCheck(ctx context.Context) error {
	scratch := b.tempPath()
	if err := os.WriteFile(scratch, nil, 0o644); err != nil {
		return fmt.Errorf("storage root not writable: %w", err)
	}
	return os.Remove(scratch)
}

var _ Backend = (*LocalBackend)(nil)
