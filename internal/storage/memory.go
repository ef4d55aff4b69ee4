package storage

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// MemoryBackend keeps blobs in a map. It optionally persists them to a SQLite
// snapshot file so that data survives restarts.
type MemoryBackend struct {
	mu          sync.RWMutex
	blobs       map[string][]byte
	currentSize int64
	maxSize     int64

	snapshotPath     string
	snapshotInterval time.Duration
	stopCh           chan struct{}
	wg               sync.WaitGroup
	closeOnce        sync.Once
}

// NewMemoryBackend creates a MemoryBackend. maxSize of zero means unlimited.
// When snapshotPath is set, any existing snapshot is loaded and, if interval
// is positive, rewritten periodically in the background.
func NewMemoryBackend(maxSize int64, snapshotPath string, interval time.Duration) (*MemoryBackend, error) {
	b := &MemoryBackend{
		blobs:            make(map[string][]byte),
		maxSize:          maxSize,
		snapshotPath:     snapshotPath,
		snapshotInterval: interval,
		stopCh:           make(chan struct{}),
	}

	if snapshotPath != "" {
		if err := b.loadSnapshot(); err != nil {
			return nil, fmt.Errorf("loading snapshot: %w", err)
		}
		if interval > 0 {
			b.wg.Add(1)
			go b.snapshotLoop()
		}
	}
	return b, nil
}

// Put stores the payload, replacing any previous value for id.
func (b *MemoryBackend) Put(ctx context.Context, id string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading blob data: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	delta := int64(len(data))
	if existing, ok := b.blobs[id]; ok {
		delta -= int64(len(existing))
	}
	if b.maxSize > 0 && b.currentSize+delta > b.maxSize {
		return fmt.Errorf("memory limit exceeded: current=%d, delta=%d, max=%d", b.currentSize, delta, b.maxSize)
	}
	b.blobs[id] = data
	b.currentSize += delta
	return nil
}

// Get returns a reader over the stored bytes. Stored slices are never
// mutated, so the reader shares them.
func (b *MemoryBackend) Get(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	b.mu.RLock()
	data, ok := b.blobs[id]
	b.mu.RUnlock()
	if !ok {
		return nil, 0, ErrBlobNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// GetRange returns a reader over data[offset:offset+length].
func (b *MemoryBackend) GetRange(ctx context.Context, id string, offset, length int64) (io.ReadCloser, error) {
	b.mu.RLock()
	data, ok := b.blobs[id]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrBlobNotFound
	}
	if offset < 0 || offset+length > int64(len(data)) {
		return nil, fmt.Errorf("range %d+%d outside blob of %d bytes", offset, length, len(data))
	}
	return io.NopCloser(bytes.NewReader(data[offset : offset+length])), nil
}

// Delete removes a blob. Missing blobs are ignored.
func (b *MemoryBackend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if data, ok := b.blobs[id]; ok {
		b.currentSize -= int64(len(data))
		delete(b.blobs, id)
	}
	return nil
}

// Exists reports whether id is stored.
func (b *MemoryBackend) Exists(ctx context.Context, id string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.blobs[id]
	return ok, nil
}

// List returns all stored IDs in sorted order.
func (b *MemoryBackend) List(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	ids := make([]string, 0, len(b.blobs))
	for id := range b.blobs {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	sort.Strings(ids)
	return ids, nil
}

// HealthCheck always succeeds.
func (b *MemoryBackend) HealthCheck(ctx context.Context) error {
	return nil
}

// Size returns the number of bytes held.
func (b *MemoryBackend) Size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.currentSize
}

// Close stops the snapshot loop and writes a final snapshot.
func (b *MemoryBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.stopCh)
		b.wg.Wait()
		if b.snapshotPath != "" {
			if serr := b.writeSnapshot(); serr != nil {
				err = fmt.Errorf("writing final snapshot: %w", serr)
			}
		}
	})
	return err
}

func (b *MemoryBackend) snapshotLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			if err := b.writeSnapshot(); err != nil {
				slog.Error("Memory backend snapshot failed", "path", b.snapshotPath, "error", err)
			}
		}
	}
}

// loadSnapshot restores blobs from the SQLite snapshot. A missing file is a
// fresh start.
func (b *MemoryBackend) loadSnapshot() error {
	if _, err := os.Stat(b.snapshotPath); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", b.snapshotPath)
	if err != nil {
		return fmt.Errorf("opening snapshot database: %w", err)
	}
	defer db.Close()

	var tableCount int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='blob_snapshots'`).Scan(&tableCount)
	if err != nil {
		return fmt.Errorf("checking snapshot tables: %w", err)
	}
	if tableCount == 0 {
		return nil
	}

	rows, err := db.Query("SELECT id, data FROM blob_snapshots")
	if err != nil {
		return fmt.Errorf("querying blob snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return fmt.Errorf("scanning blob snapshot row: %w", err)
		}
		b.blobs[id] = data
		b.currentSize += int64(len(data))
	}
	return rows.Err()
}

// writeSnapshot writes all blobs to a temp SQLite file and renames it over
// the snapshot path.
func (b *MemoryBackend) writeSnapshot() error {
	b.mu.RLock()
	blobsCopy := make(map[string][]byte, len(b.blobs))
	for k, v := range b.blobs {
		blobsCopy[k] = v
	}
	b.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(b.snapshotPath), 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}

	tmpPath := b.snapshotPath + ".tmp"
	os.Remove(tmpPath)

	if err := writeBlobSnapshot(tmpPath, blobsCopy); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, b.snapshotPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming snapshot file: %w", err)
	}
	os.Remove(tmpPath + "-wal")
	os.Remove(tmpPath + "-shm")
	return nil
}

func writeBlobSnapshot(path string, blobs map[string][]byte) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("creating temp snapshot database: %w", err)
	}
	defer db.Close()

	schema := `
		PRAGMA synchronous = FULL;
		CREATE TABLE blob_snapshots (
			id   TEXT PRIMARY KEY,
			data BLOB NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("creating snapshot schema: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning snapshot transaction: %w", err)
	}
	stmt, err := tx.Prepare("INSERT INTO blob_snapshots (id, data) VALUES (?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing blob insert: %w", err)
	}
	defer stmt.Close()

	ids := make([]string, 0, len(blobs))
	for id := range blobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, err := stmt.Exec(id, blobs[id]); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting blob snapshot for %q: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing snapshot transaction: %w", err)
	}
	return nil
}

var _ Backend = (*MemoryBackend)(nil)
