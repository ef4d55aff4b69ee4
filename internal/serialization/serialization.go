// Package serialization converts snapshot databases to and from JSON.
package serialization

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cairnstore/cairn/internal/snapshot"
)

const (
	Version       = "0.2.0"
	ExportVersion = 1
	// EnvelopeKey names the export header object.
	EnvelopeKey = "cairn_export"
)

// AllTables lists all exportable tables in dependency order.
var AllTables = []string{"buckets", "objects", "multipart_uploads", "multipart_parts"}

// jsonFields are columns holding JSON text that is expanded in exports.
var jsonFields = map[string]bool{"config": true, "tags": true, "user_metadata": true, "template": true}

// boolFields are columns holding integer booleans.
var boolFields = map[string]bool{"delete_marker": true}

// tableColumns defines column order for each table.
var tableColumns = map[string][]string{
	"buckets": {"name", "region", "owner_id", "owner_display", "created_at", "config"},
	"objects": {"bucket", "key", "version_id", "seq", "blob_id", "size", "etag",
		"content_type", "content_encoding", "content_language", "content_disposition", "cache_control", "expires",
		"storage_class", "sse_algorithm", "tags", "user_metadata", "owner_id", "owner_display",
		"parts_count", "last_modified", "delete_marker"},
	"multipart_uploads": {"upload_id", "bucket", "key", "template", "initiated_at"},
	"multipart_parts":   {"upload_id", "part_number", "size", "etag", "blob_id", "last_modified"},
}

var tableOrderBy = map[string]string{
	"buckets":           "name",
	"objects":           "bucket, key, seq",
	"multipart_uploads": "upload_id",
	"multipart_parts":   "upload_id, part_number",
}

// ExportOptions configures what to export.
type ExportOptions struct {
	Tables []string
}

// ImportOptions configures how to import.
type ImportOptions struct {
	// Replace clears the imported tables first. Otherwise existing rows win.
	Replace bool
}

// ImportResult holds the result of an import operation.
type ImportResult struct {
	Counts   map[string]int
	Skipped  map[string]int
	Warnings []string
}

// ExportMetadata exports a snapshot database to indented JSON with sorted
// keys.
func ExportMetadata(dbPath string, opts *ExportOptions) (string, error) {
	if opts == nil || len(opts.Tables) == 0 {
		opts = &ExportOptions{Tables: AllTables}
	}
	for _, table := range opts.Tables {
		if _, ok := tableColumns[table]; !ok {
			return "", fmt.Errorf("unknown table %q (valid: %s)", table, strings.Join(AllTables, ", "))
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return "", fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	result := map[string]any{
		EnvelopeKey: map[string]any{
			"version":        ExportVersion,
			"exported_at":    time.Now().UTC().Format(snapshot.TimeFormat),
			"schema_version": schemaVersion(db),
			"source":         "go/" + Version,
		},
	}

	for _, table := range opts.Tables {
		rows, err := exportTable(db, table)
		if err != nil {
			return "", err
		}
		result[table] = rows
	}

	// encoding/json writes map keys in sorted order.
	b, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func exportTable(db *sql.DB, table string) ([]map[string]any, error) {
	columns := tableColumns[table]
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", strings.Join(columns, ", "), table, tableOrderBy[table])
	rows, err := db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", table, err)
	}
	defer rows.Close()

	out := make([]map[string]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", table, err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = convertValue(col, values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", table, err)
	}
	return out, nil
}

// ImportMetadata loads an export into the snapshot database at dbPath,
// creating the schema when missing. Rows that fail to insert are skipped
// with a warning.
func ImportMetadata(dbPath string, jsonStr string, opts *ImportOptions) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	envelope, _ := data[EnvelopeKey].(map[string]any)
	version, _ := envelope["version"].(float64)
	if version < 1 || version > ExportVersion {
		return nil, fmt.Errorf("unsupported export version: %v", version)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec(snapshot.Schema); err != nil {
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	result := &ImportResult{
		Counts:  make(map[string]int),
		Skipped: make(map[string]int),
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if opts.Replace {
		for _, table := range slices.Backward(AllTables) {
			if _, ok := data[table]; !ok {
				continue
			}
			if _, err := tx.Exec("DELETE FROM " + table); err != nil {
				return nil, fmt.Errorf("deleting %s: %w", table, err)
			}
		}
	}

	verb := "INSERT OR IGNORE"
	if opts.Replace {
		verb = "INSERT"
	}
	for _, table := range AllTables {
		rowList, ok := data[table].([]any)
		if !ok {
			continue
		}
		columns := tableColumns[table]
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
		query := fmt.Sprintf("%s INTO %s (%s) VALUES (%s)", verb, table, strings.Join(columns, ", "), placeholders)

		inserted, skipped := 0, 0
		for _, rawRow := range rowList {
			rowMap, ok := rawRow.(map[string]any)
			if !ok {
				skipped++
				continue
			}
			collapsed := collapseRow(rowMap)
			values := make([]any, len(columns))
			for i, col := range columns {
				values[i] = collapsed[col]
			}
			res, err := tx.Exec(query, values...)
			if err != nil {
				skipped++
				result.Warnings = append(result.Warnings, fmt.Sprintf("Skipped %s row: %v", table, err))
				continue
			}
			if affected, _ := res.RowsAffected(); affected > 0 {
				inserted++
			} else {
				skipped++
			}
		}
		result.Counts[table] = inserted
		result.Skipped[table] = skipped
	}

	if _, err := tx.Exec(`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, ?)`,
		snapshot.SchemaVersion, time.Now().UTC().Format(snapshot.TimeFormat)); err != nil {
		return nil, fmt.Errorf("recording schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return result, nil
}

func schemaVersion(db *sql.DB) int {
	var version int
	if err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version); err != nil {
		return snapshot.SchemaVersion
	}
	return version
}

func convertValue(col string, val any) any {
	if val == nil {
		return nil
	}
	// The driver may return []byte for TEXT columns.
	if b, ok := val.([]byte); ok {
		val = string(b)
	}
	if jsonFields[col] {
		s, _ := val.(string)
		var obj any
		if err := json.Unmarshal([]byte(s), &obj); err != nil {
			return nil
		}
		return obj
	}
	if boolFields[col] {
		switch v := val.(type) {
		case int64:
			return v != 0
		case bool:
			return v
		default:
			return false
		}
	}
	return val
}

func collapseRow(row map[string]any) map[string]any {
	result := make(map[string]any, len(row))
	for k, v := range row {
		switch {
		case jsonFields[k]:
			b, err := json.Marshal(v)
			if err != nil {
				result[k] = nil
				continue
			}
			result[k] = string(b)
		case v == nil:
			result[k] = nil
		case boolFields[k]:
			if b, ok := v.(bool); ok {
				if b {
					result[k] = int64(1)
				} else {
					result[k] = int64(0)
				}
				continue
			}
			result[k] = v
		default:
			if f, ok := v.(float64); ok && f == float64(int64(f)) {
				// JSON numbers decode as float64; keep integers exact.
				result[k] = int64(f)
				continue
			}
			result[k] = v
		}
	}
	return result
}
