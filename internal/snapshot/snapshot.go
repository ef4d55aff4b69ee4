// Package snapshot persists the bucket registry, the metadata catalog and
// active multipart sessions to a SQLite database, and restores them into a
// fresh engine at startup.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/cairnstore/cairn/internal/engine"
	s3err "github.com/cairnstore/cairn/internal/errors"
	"github.com/cairnstore/cairn/internal/metadata"
	"github.com/cairnstore/cairn/internal/multipart"
	"github.com/cairnstore/cairn/internal/policy"
	"github.com/cairnstore/cairn/internal/registry"
)

// SchemaVersion is written to schema_version on every save.
const SchemaVersion = 1

// TimeFormat is the text encoding of every timestamp column.
const TimeFormat = time.RFC3339Nano

// Schema is the DDL of a snapshot database.
const Schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version    INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS buckets (
	name          TEXT PRIMARY KEY,
	region        TEXT NOT NULL,
	owner_id      TEXT NOT NULL,
	owner_display TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL,
	config        TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS objects (
	bucket              TEXT NOT NULL,
	key                 TEXT NOT NULL,
	version_id          TEXT NOT NULL,
	seq                 INTEGER NOT NULL,
	blob_id             TEXT NOT NULL DEFAULT '',
	size                INTEGER NOT NULL,
	etag                TEXT NOT NULL DEFAULT '',
	content_type        TEXT NOT NULL DEFAULT '',
	content_encoding    TEXT NOT NULL DEFAULT '',
	content_language    TEXT NOT NULL DEFAULT '',
	content_disposition TEXT NOT NULL DEFAULT '',
	cache_control       TEXT NOT NULL DEFAULT '',
	expires             TEXT NOT NULL DEFAULT '',
	storage_class       TEXT NOT NULL DEFAULT 'STANDARD',
	sse_algorithm       TEXT NOT NULL DEFAULT '',
	tags                TEXT NOT NULL DEFAULT '[]',
	user_metadata       TEXT NOT NULL DEFAULT '{}',
	owner_id            TEXT NOT NULL DEFAULT '',
	owner_display       TEXT NOT NULL DEFAULT '',
	parts_count         INTEGER NOT NULL DEFAULT 0,
	last_modified       TEXT NOT NULL,
	delete_marker       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (bucket, key, version_id),
	FOREIGN KEY (bucket) REFERENCES buckets(name) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS multipart_uploads (
	upload_id    TEXT PRIMARY KEY,
	bucket       TEXT NOT NULL,
	key          TEXT NOT NULL,
	template     TEXT NOT NULL DEFAULT '{}',
	initiated_at TEXT NOT NULL,
	FOREIGN KEY (bucket) REFERENCES buckets(name) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS multipart_parts (
	upload_id     TEXT NOT NULL,
	part_number   INTEGER NOT NULL,
	size          INTEGER NOT NULL,
	etag          TEXT NOT NULL,
	blob_id       TEXT NOT NULL,
	last_modified TEXT NOT NULL,
	PRIMARY KEY (upload_id, part_number),
	FOREIGN KEY (upload_id) REFERENCES multipart_uploads(upload_id) ON DELETE CASCADE
);
`

// Stats counts the records written or restored.
type Stats struct {
	Buckets  int
	Versions int
	Uploads  int
	Parts    int
}

// Store is a snapshot database.
type Store struct {
	db *sql.DB
	// mu serializes saves.
	mu sync.Mutex
}

// Open opens (or creates) the snapshot database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot database: %w", err)
	}
	// A single connection keeps PRAGMA foreign_keys in effect.
	db.SetMaxOpenConns(1)
	for _, p := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON"} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("executing %q: %w", p, err)
		}
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating snapshot schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// bucketConfig is the JSON form of a bucket's configuration sub-resources.
type bucketConfig struct {
	Versioning        metadata.VersioningStatus   `json:"versioning,omitempty"`
	Encryption        *registry.EncryptionConfig  `json:"encryption,omitempty"`
	Lifecycle         []registry.LifecycleRule    `json:"lifecycle,omitempty"`
	CORS              []registry.CORSRule         `json:"cors,omitempty"`
	Website           *registry.WebsiteConfig     `json:"website,omitempty"`
	Policy            json.RawMessage             `json:"policy,omitempty"`
	ACL               registry.ACL                `json:"acl"`
	Ownership         registry.Ownership          `json:"ownership,omitempty"`
	Logging           *registry.LoggingConfig     `json:"logging,omitempty"`
	Tags              []metadata.Tag              `json:"tags,omitempty"`
	PublicAccessBlock *registry.PublicAccessBlock `json:"public_access_block,omitempty"`
}

func configOf(b *registry.Bucket) bucketConfig {
	cfg := bucketConfig{
		Versioning:        b.Versioning,
		Encryption:        b.Encryption,
		Lifecycle:         b.Lifecycle,
		CORS:              b.CORS,
		Website:           b.Website,
		ACL:               b.ACL,
		Ownership:         b.Ownership,
		Logging:           b.Logging,
		Tags:              b.Tags,
		PublicAccessBlock: b.PublicAccessBlock,
	}
	if b.Policy != nil {
		cfg.Policy = json.RawMessage(b.Policy.Raw)
	}
	return cfg
}

func (cfg bucketConfig) apply(b *registry.Bucket) error {
	b.Versioning = cfg.Versioning
	b.Encryption = cfg.Encryption
	b.Lifecycle = cfg.Lifecycle
	b.CORS = cfg.CORS
	b.Website = cfg.Website
	b.ACL = cfg.ACL
	b.Ownership = cfg.Ownership
	b.Logging = cfg.Logging
	b.Tags = cfg.Tags
	b.PublicAccessBlock = cfg.PublicAccessBlock
	if len(cfg.Policy) > 0 {
		doc, err := policy.Parse(cfg.Policy, b.Name)
		if err != nil {
			return fmt.Errorf("parsing stored policy of %s: %w", b.Name, err)
		}
		b.Policy = &registry.Policy{Raw: append([]byte(nil), cfg.Policy...), Document: doc}
	}
	return nil
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Save replaces the database contents with the engine's current state.
// Each key's version chain is captured atomically; the snapshot as a whole
// is not a single point in time.
func (s *Store) Save(ctx context.Context, e *engine.Engine) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Stats{}, fmt.Errorf("beginning snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"multipart_parts", "multipart_uploads", "objects", "buckets"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return Stats{}, fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	var st Stats
	buckets := e.Registry().List()
	saved := make(map[string]bool, len(buckets))
	for _, b := range buckets {
		cfg, err := marshal(configOf(b))
		if err != nil {
			return Stats{}, fmt.Errorf("encoding config of %s: %w", b.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO buckets (name, region, owner_id, owner_display, created_at, config) VALUES (?, ?, ?, ?, ?, ?)`,
			b.Name, b.Region, b.Owner.ID, b.Owner.DisplayName, b.CreatedAt.Format(TimeFormat), cfg,
		); err != nil {
			return Stats{}, fmt.Errorf("saving bucket %s: %w", b.Name, err)
		}
		saved[b.Name] = true
		st.Buckets++
	}

	insertObject, err := tx.PrepareContext(ctx, `INSERT INTO objects (
		bucket, key, version_id, seq, blob_id, size, etag,
		content_type, content_encoding, content_language, content_disposition, cache_control, expires,
		storage_class, sse_algorithm, tags, user_metadata, owner_id, owner_display,
		parts_count, last_modified, delete_marker
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return Stats{}, fmt.Errorf("preparing object insert: %w", err)
	}
	defer insertObject.Close()

	for _, b := range buckets {
		var walkErr error
		err := e.Catalog().Walk(b.Name, "", func(key string, versions []metadata.ObjectVersion) bool {
			for _, v := range versions {
				if walkErr = saveVersion(ctx, insertObject, v); walkErr != nil {
					return false
				}
				st.Versions++
			}
			return true
		})
		if errors.Is(err, s3err.ErrNoSuchBucket) {
			// Deleted since the registry listing.
			continue
		}
		if err == nil {
			err = walkErr
		}
		if err != nil {
			return Stats{}, fmt.Errorf("saving objects of %s: %w", b.Name, err)
		}
	}

	for _, snap := range e.Uploads().Snapshot() {
		if !saved[snap.Upload.Bucket] {
			continue
		}
		n, err := saveUpload(ctx, tx, snap)
		if err != nil {
			return Stats{}, err
		}
		st.Uploads++
		st.Parts += n
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO schema_version (version, applied_at) VALUES (?, ?)`,
		SchemaVersion, time.Now().UTC().Format(TimeFormat),
	); err != nil {
		return Stats{}, fmt.Errorf("recording schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Stats{}, fmt.Errorf("committing snapshot: %w", err)
	}
	return st, nil
}

func saveVersion(ctx context.Context, stmt *sql.Stmt, v metadata.ObjectVersion) error {
	tags, err := marshal(v.Tags)
	if err != nil {
		return err
	}
	meta, err := marshal(v.UserMetadata)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx,
		v.Bucket, v.Key, v.VersionID, int64(v.Seq), v.BlobID, v.Size, v.ETag,
		v.ContentType, v.ContentEncoding, v.ContentLanguage, v.ContentDisposition, v.CacheControl, v.Expires,
		v.StorageClass, v.SSEAlgorithm, tags, meta, v.Owner.ID, v.Owner.DisplayName,
		v.PartsCount, v.LastModified.Format(TimeFormat), boolInt(v.IsDeleteMarker),
	)
	if err != nil {
		return fmt.Errorf("saving %s@%s: %w", v.Key, v.VersionID, err)
	}
	return nil
}

func saveUpload(ctx context.Context, tx *sql.Tx, snap multipart.SessionSnapshot) (int, error) {
	u := snap.Upload
	tmpl, err := marshal(u.Template)
	if err != nil {
		return 0, fmt.Errorf("encoding template of upload %s: %w", u.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO multipart_uploads (upload_id, bucket, key, template, initiated_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Bucket, u.Key, tmpl, u.Initiated.Format(TimeFormat),
	); err != nil {
		return 0, fmt.Errorf("saving upload %s: %w", u.ID, err)
	}
	for _, p := range snap.Parts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO multipart_parts (upload_id, part_number, size, etag, blob_id, last_modified) VALUES (?, ?, ?, ?, ?, ?)`,
			u.ID, p.Number, p.Size, p.ETag, p.BlobID, p.LastModified.Format(TimeFormat),
		); err != nil {
			return 0, fmt.Errorf("saving part %d of upload %s: %w", p.Number, u.ID, err)
		}
	}
	return len(snap.Parts), nil
}

// Load restores the snapshot into e, which must not hold buckets of the
// same names. Blob references are taken for every restored version and part.
func (s *Store) Load(ctx context.Context, e *engine.Engine) (Stats, error) {
	var st Stats
	buckets, err := s.loadBuckets(ctx)
	if err != nil {
		return st, err
	}
	for _, b := range buckets {
		e.Registry().Restore(b)
		e.Catalog().AddBucket(b.Name)
		st.Buckets++
	}

	byBucket, n, err := s.loadVersions(ctx)
	if err != nil {
		return st, err
	}
	for bucket, versions := range byBucket {
		if err := e.Catalog().Restore(bucket, versions); err != nil {
			return st, fmt.Errorf("restoring objects of %s: %w", bucket, err)
		}
	}
	st.Versions = n

	sessions, err := s.loadUploads(ctx)
	if err != nil {
		return st, err
	}
	for _, snap := range sessions {
		e.Uploads().Restore(snap)
		st.Uploads++
		st.Parts += len(snap.Parts)
	}
	e.RefreshGauges()
	return st, nil
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(TimeFormat, s)
}

func (s *Store) loadBuckets(ctx context.Context) ([]*registry.Bucket, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, region, owner_id, owner_display, created_at, config FROM buckets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying buckets: %w", err)
	}
	defer rows.Close()

	var out []*registry.Bucket
	for rows.Next() {
		var (
			b              registry.Bucket
			created, rawCf string
		)
		if err := rows.Scan(&b.Name, &b.Region, &b.Owner.ID, &b.Owner.DisplayName, &created, &rawCf); err != nil {
			return nil, fmt.Errorf("scanning bucket row: %w", err)
		}
		if b.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("bucket %s: %w", b.Name, err)
		}
		var cfg bucketConfig
		if err := json.Unmarshal([]byte(rawCf), &cfg); err != nil {
			return nil, fmt.Errorf("decoding config of %s: %w", b.Name, err)
		}
		if err := cfg.apply(&b); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (s *Store) loadVersions(ctx context.Context) (map[string][]metadata.ObjectVersion, int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		bucket, key, version_id, seq, blob_id, size, etag,
		content_type, content_encoding, content_language, content_disposition, cache_control, expires,
		storage_class, sse_algorithm, tags, user_metadata, owner_id, owner_display,
		parts_count, last_modified, delete_marker
		FROM objects ORDER BY bucket, key, seq`)
	if err != nil {
		return nil, 0, fmt.Errorf("querying objects: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]metadata.ObjectVersion)
	n := 0
	for rows.Next() {
		var (
			v              metadata.ObjectVersion
			seq            int64
			tags, meta, lm string
			deleteMarker   int
		)
		if err := rows.Scan(
			&v.Bucket, &v.Key, &v.VersionID, &seq, &v.BlobID, &v.Size, &v.ETag,
			&v.ContentType, &v.ContentEncoding, &v.ContentLanguage, &v.ContentDisposition, &v.CacheControl, &v.Expires,
			&v.StorageClass, &v.SSEAlgorithm, &tags, &meta, &v.Owner.ID, &v.Owner.DisplayName,
			&v.PartsCount, &lm, &deleteMarker,
		); err != nil {
			return nil, 0, fmt.Errorf("scanning object row: %w", err)
		}
		v.Seq = uint64(seq)
		v.IsDeleteMarker = deleteMarker != 0
		if v.LastModified, err = parseTime(lm); err != nil {
			return nil, 0, fmt.Errorf("object %s/%s: %w", v.Bucket, v.Key, err)
		}
		if err := json.Unmarshal([]byte(tags), &v.Tags); err != nil {
			return nil, 0, fmt.Errorf("decoding tags of %s/%s: %w", v.Bucket, v.Key, err)
		}
		if err := json.Unmarshal([]byte(meta), &v.UserMetadata); err != nil {
			return nil, 0, fmt.Errorf("decoding metadata of %s/%s: %w", v.Bucket, v.Key, err)
		}
		out[v.Bucket] = append(out[v.Bucket], v)
		n++
	}
	return out, n, rows.Err()
}

func (s *Store) loadUploads(ctx context.Context) ([]multipart.SessionSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT upload_id, bucket, key, template, initiated_at FROM multipart_uploads ORDER BY upload_id`)
	if err != nil {
		return nil, fmt.Errorf("querying uploads: %w", err)
	}
	var (
		out   []multipart.SessionSnapshot
		index = make(map[string]int)
	)
	for rows.Next() {
		var (
			u             multipart.Upload
			tmpl, started string
		)
		if err := rows.Scan(&u.ID, &u.Bucket, &u.Key, &tmpl, &started); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning upload row: %w", err)
		}
		if u.Initiated, err = parseTime(started); err != nil {
			rows.Close()
			return nil, fmt.Errorf("upload %s: %w", u.ID, err)
		}
		if err := json.Unmarshal([]byte(tmpl), &u.Template); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decoding template of upload %s: %w", u.ID, err)
		}
		index[u.ID] = len(out)
		out = append(out, multipart.SessionSnapshot{Upload: u})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT upload_id, part_number, size, etag, blob_id, last_modified FROM multipart_parts ORDER BY upload_id, part_number`)
	if err != nil {
		return nil, fmt.Errorf("querying parts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id string
			p  multipart.Part
			lm string
		)
		if err := rows.Scan(&id, &p.Number, &p.Size, &p.ETag, &p.BlobID, &lm); err != nil {
			return nil, fmt.Errorf("scanning part row: %w", err)
		}
		if p.LastModified, err = parseTime(lm); err != nil {
			return nil, fmt.Errorf("part %d of upload %s: %w", p.Number, id, err)
		}
		i, ok := index[id]
		if !ok {
			continue
		}
		out[i].Parts = append(out[i].Parts, p)
	}
	return out, rows.Err()
}

// Run saves the engine every interval until ctx is cancelled.
func (s *Store) Run(ctx context.Context, e *engine.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			st, err := s.Save(ctx, e)
			if err != nil {
				slog.Error("Snapshot failed", "error", err)
				continue
			}
			slog.Debug("Snapshot saved", "buckets", st.Buckets, "versions", st.Versions,
				"uploads", st.Uploads, "duration", time.Since(start))
		}
	}
}
