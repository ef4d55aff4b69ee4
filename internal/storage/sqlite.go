package storage

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteBackend stores blobs as BLOB rows in a single SQLite table. Suited to
// small objects in embedded deployments.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the database at dbPath.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite storage database: %w", err)
	}

	b := &SQLiteBackend{db: db}
	if err := b.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite storage database: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := b.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS blobs (
			id   TEXT PRIMARY KEY,
			size INTEGER NOT NULL,
			data BLOB NOT NULL
		);
	`
	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("creating storage schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// Put upserts the blob row.
func (b *SQLiteBackend) Put(ctx context.Context, id string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading blob data: %w", err)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO blobs (id, size, data) VALUES (?, ?, ?)`,
		id, len(data), data,
	)
	if err != nil {
		return fmt.Errorf("putting blob %s: %w", id, err)
	}
	return nil
}

// Get reads the whole blob into memory.
func (b *SQLiteBackend) Get(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrBlobNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("getting blob %s: %w", id, err)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// GetRange reads only the requested slice using substr, which is 1-based.
func (b *SQLiteBackend) GetRange(ctx context.Context, id string, offset, length int64) (io.ReadCloser, error) {
	var data []byte
	var size int64
	err := b.db.QueryRowContext(ctx,
		`SELECT size, substr(data, ?, ?) FROM blobs WHERE id = ?`,
		offset+1, length, id,
	).Scan(&size, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting blob %s range: %w", id, err)
	}
	if offset < 0 || offset+length > size {
		return nil, fmt.Errorf("range %d+%d outside blob of %d bytes", offset, length, size)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes the blob row.
func (b *SQLiteBackend) Delete(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM blobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting blob %s: %w", id, err)
	}
	return nil
}

// Exists reports whether a row exists for id.
func (b *SQLiteBackend) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := b.db.QueryRowContext(ctx, `SELECT 1 FROM blobs WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking blob %s: %w", id, err)
	}
	return true, nil
}

// List returns all blob IDs ordered by ID.
func (b *SQLiteBackend) List(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id FROM blobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning blob id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// HealthCheck pings the database.
func (b *SQLiteBackend) HealthCheck(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

var _ Backend = (*SQLiteBackend)(nil)
