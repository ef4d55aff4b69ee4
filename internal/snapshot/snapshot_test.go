package snapshot

import (
	"context"
	"database/sql"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/cairnstore/cairn/internal/engine"
	"github.com/cairnstore/cairn/internal/metadata"
	"github.com/cairnstore/cairn/internal/multipart"
	"github.com/cairnstore/cairn/internal/registry"
	"github.com/cairnstore/cairn/internal/storage"
)

var owner = engine.Caller{Owner: metadata.Owner{ID: "owner-1", DisplayName: "owner"}}

// newEngine builds an engine over a local backend rooted at dir, so blobs
// survive across engines sharing dir.
func newEngine(t *testing.T, dir string) *engine.Engine {
	t.Helper()
	backend, err := storage.NewLocalBackend(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	return engine.New(storage.NewBlobStore(backend, t.TempDir()), engine.Options{Region: "us-east-1", MinPartSize: 1024})
}

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	st, err := Open(filepath.Join(dir, "snapshot.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func populate(t *testing.T, e *engine.Engine) (versioned []metadata.ObjectVersion, upload multipart.Upload) {
	t.Helper()
	ctx := context.Background()
	for _, b := range []string{"plain", "hist"} {
		if _, err := e.CreateBucket(ctx, b, owner, registry.CreateOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	r := e.Registry()
	if err := r.PutVersioning("hist", metadata.VersioningEnabled); err != nil {
		t.Fatal(err)
	}
	if err := r.PutPolicy("plain", []byte(`{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":"*","Action":"s3:GetObject","Resource":"arn:aws:s3:::plain/*"}]}`)); err != nil {
		t.Fatal(err)
	}
	if err := r.PutLifecycle("hist", []registry.LifecycleRule{{
		ID: "old", Status: "Enabled",
		NoncurrentVersionExpiration: &registry.NoncurrentVersionExpiration{NoncurrentDays: 30},
	}}); err != nil {
		t.Fatal(err)
	}

	if _, err := e.PutObject(ctx, engine.PutInput{
		Bucket: "plain", Key: "readme.txt", Body: strings.NewReader("hello"),
		Attributes: engine.ObjectAttributes{
			ContentType:  "text/plain",
			UserMetadata: map[string]string{"author": "ann"},
			Tags:         []metadata.Tag{{Key: "team", Value: "docs"}},
		},
		Caller: owner,
	}); err != nil {
		t.Fatal(err)
	}
	for _, body := range []string{"one", "two"} {
		v, err := e.PutObject(ctx, engine.PutInput{Bucket: "hist", Key: "doc", Body: strings.NewReader(body), Caller: owner})
		if err != nil {
			t.Fatal(err)
		}
		versioned = append(versioned, v)
	}
	if _, err := e.DeleteObject(ctx, engine.DeleteInput{Bucket: "hist", Key: "doc", Caller: owner}); err != nil {
		t.Fatal(err)
	}

	upload, err := e.CreateMultipartUpload(ctx, "hist", "big.bin", engine.ObjectAttributes{ContentType: "application/zip"}, owner)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.UploadPart(ctx, engine.PartInput{
		Bucket: "hist", Key: "big.bin", UploadID: upload.ID, PartNumber: 1,
		Body: strings.NewReader(strings.Repeat("p", 2048)), Caller: owner,
	}); err != nil {
		t.Fatal(err)
	}
	return versioned, upload
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	src := newEngine(t, dir)
	versioned, upload := populate(t, src)
	store := openStore(t, dir)
	saved, err := store.Save(ctx, src)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	want := Stats{Buckets: 2, Versions: 4, Uploads: 1, Parts: 1}
	if diff := cmp.Diff(want, saved); diff != "" {
		t.Errorf("saved stats mismatch (-want +got):\n%s", diff)
	}

	dst := newEngine(t, dir)
	loaded, err := store.Load(ctx, dst)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(want, loaded); diff != "" {
		t.Errorf("loaded stats mismatch (-want +got):\n%s", diff)
	}

	for _, bucket := range []string{"plain", "hist"} {
		before, _ := src.Catalog().Versions(bucket, map[string]string{"plain": "readme.txt", "hist": "doc"}[bucket])
		after, err := dst.Catalog().Versions(bucket, map[string]string{"plain": "readme.txt", "hist": "doc"}[bucket])
		if err != nil {
			t.Fatalf("%s: %v", bucket, err)
		}
		if diff := cmp.Diff(before, after); diff != "" {
			t.Errorf("%s versions mismatch (-want +got):\n%s", bucket, diff)
		}
	}

	obj, err := dst.GetObject(ctx, engine.GetInput{Bucket: "hist", Key: "doc", VersionID: versioned[0].VersionID, Caller: owner})
	if err != nil {
		t.Fatalf("reading restored version: %v", err)
	}
	data, _ := io.ReadAll(obj.Body)
	obj.Body.Close()
	if string(data) != "one" {
		t.Errorf("restored payload = %q", data)
	}

	if st, _ := dst.Registry().GetVersioning("hist"); st != metadata.VersioningEnabled {
		t.Errorf("versioning = %q", st)
	}
	if raw, err := dst.Registry().GetPolicy("plain"); err != nil || !strings.Contains(string(raw), "s3:GetObject") {
		t.Errorf("policy = %s, %v", raw, err)
	}
	anon, err := dst.GetObject(ctx, engine.GetInput{Bucket: "plain", Key: "readme.txt"})
	if err != nil {
		t.Errorf("restored policy not enforced: %v", err)
	} else {
		anon.Body.Close()
	}
	if rules, err := dst.Registry().GetLifecycle("hist"); err != nil || len(rules) != 1 || rules[0].ID != "old" {
		t.Errorf("lifecycle = %+v, %v", rules, err)
	}

	parts, err := dst.ListParts("hist", "big.bin", upload.ID, 0, 0, owner)
	if err != nil {
		t.Fatalf("ListParts: %v", err)
	}
	if len(parts.Parts) != 1 || parts.Parts[0].Size != 2048 {
		t.Errorf("parts = %+v", parts.Parts)
	}
}

func TestRestoredRefsKeepBlobsAlive(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	src := newEngine(t, dir)
	populate(t, src)
	store := openStore(t, dir)
	if _, err := store.Save(ctx, src); err != nil {
		t.Fatal(err)
	}

	dst := newEngine(t, dir)
	if _, err := store.Load(ctx, dst); err != nil {
		t.Fatal(err)
	}
	removed, err := dst.Blobs().CollectGarbage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Errorf("garbage collection removed %d referenced blobs", removed)
	}
	if _, err := dst.PutObject(ctx, engine.PutInput{Bucket: "hist", Key: "doc", Body: strings.NewReader("three"), Caller: owner}); err != nil {
		t.Fatal(err)
	}
	versions, _ := dst.Catalog().Versions("hist", "doc")
	if len(versions) != 4 || versions[0].Seq <= versions[1].Seq {
		t.Errorf("new version not ordered after restored ones: %+v", versions)
	}
}

func TestSaveReplacesPreviousSnapshot(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	e := newEngine(t, dir)
	populate(t, e)
	store := openStore(t, dir)
	if _, err := store.Save(ctx, e); err != nil {
		t.Fatal(err)
	}

	if _, err := e.DeleteObject(ctx, engine.DeleteInput{Bucket: "plain", Key: "readme.txt", Caller: owner}); err != nil {
		t.Fatal(err)
	}
	if err := e.DeleteBucket(ctx, "plain", owner); err != nil {
		t.Fatal(err)
	}
	st, err := store.Save(ctx, e)
	if err != nil {
		t.Fatal(err)
	}
	if st.Buckets != 1 {
		t.Errorf("buckets = %d", st.Buckets)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "snapshot.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM objects WHERE bucket = 'plain'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("stale rows = %d", n)
	}
}
