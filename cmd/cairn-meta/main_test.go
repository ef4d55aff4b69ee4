package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cairnstore/cairn/internal/snapshot"
)

func emptySnapshot(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	store, err := snapshot.Open(path)
	if err != nil {
		t.Fatalf("snapshot.Open: %v", err)
	}
	store.Close()
	return path
}

func TestExportImportRoundTrip(t *testing.T) {
	src := emptySnapshot(t, "src.db")

	var out bytes.Buffer
	if rc := runExport([]string{"-db", src}, &out); rc != 0 {
		t.Fatalf("export rc = %d", rc)
	}
	var doc map[string]any
	if err := json.Unmarshal(out.Bytes(), &doc); err != nil {
		t.Fatalf("export is not JSON: %v", err)
	}
	if _, ok := doc["cairn_export"]; !ok {
		t.Errorf("export missing envelope: %s", out.String())
	}

	dst := filepath.Join(t.TempDir(), "dst.db")
	if rc := runImport([]string{"-db", dst}, strings.NewReader(out.String())); rc != 0 {
		t.Fatalf("import rc = %d", rc)
	}
}

func TestExportRejectsUnknownTable(t *testing.T) {
	src := emptySnapshot(t, "src.db")
	var out bytes.Buffer
	if rc := runExport([]string{"-db", src, "-tables", "buckets,credentials"}, &out); rc == 0 {
		t.Error("export of unknown table succeeded")
	}
}

func TestImportRejectsGarbage(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "dst.db")
	if rc := runImport([]string{"-db", dst}, strings.NewReader("not json")); rc == 0 {
		t.Error("import of invalid JSON succeeded")
	}
}

func TestResolveDBPathRequiresSnapshot(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "cairn.yaml")
	if err := os.WriteFile(cfgPath, []byte("snapshot:\n  path: /var/lib/cairn/catalog.db\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := resolveDBPath(cfgPath)
	if err != nil || got != "/var/lib/cairn/catalog.db" {
		t.Errorf("resolveDBPath = %q, %v", got, err)
	}

	if err := os.WriteFile(cfgPath, []byte("server:\n  port: 9100\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := resolveDBPath(cfgPath); err == nil {
		t.Error("expected error without snapshot.path")
	}
}
