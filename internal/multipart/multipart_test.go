package multipart

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	s3err "github.com/cairnstore/cairn/internal/errors"
	"github.com/cairnstore/cairn/internal/metadata"
	"github.com/cairnstore/cairn/internal/storage"
)

const testMinPart = 1024

type fixture struct {
	mc    *Coordinator
	cat   *metadata.Catalog
	blobs *storage.BlobStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem, err := storage.NewMemoryBackend(0, "", 0)
	if err != nil {
		t.Fatalf("NewMemoryBackend: %v", err)
	}
	bs := storage.NewBlobStore(mem, t.TempDir())
	cat := metadata.New(bs)
	cat.AddBucket("media")
	return &fixture{mc: New(bs, cat, testMinPart), cat: cat, blobs: bs}
}

func (f *fixture) upload(t *testing.T, u Upload, n int, data []byte) Part {
	t.Helper()
	p, err := f.mc.UploadPart(context.Background(), u.ID, u.Bucket, u.Key, n, bytes.NewReader(data), -1)
	if err != nil {
		t.Fatalf("UploadPart(%d): %v", n, err)
	}
	return p
}

func (f *fixture) read(t *testing.T, bucket, key string) []byte {
	t.Helper()
	v, release, err := f.cat.Acquire(bucket, key, "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()
	rc, err := f.blobs.Open(context.Background(), v.BlobID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	return data
}

func fill(b byte, n int) []byte { return bytes.Repeat([]byte{b}, n) }

func TestCompleteAssemblesParts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.mc.Create("media", "video.bin", metadata.ObjectVersion{
		ContentType:  "video/mp4",
		UserMetadata: map[string]string{"Camera": "A"},
	})

	p1 := f.upload(t, u, 1, fill('a', testMinPart))
	p2 := f.upload(t, u, 2, fill('b', testMinPart))
	p3 := f.upload(t, u, 3, []byte("tail"))

	v, err := f.mc.Complete(ctx, u.ID, "media", "video.bin", []CompletedPart{
		{1, p1.ETag}, {2, p2.ETag}, {3, p3.ETag},
	}, metadata.Unversioned)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	wantSize := int64(2*testMinPart + 4)
	if v.Size != wantSize || v.PartsCount != 3 {
		t.Errorf("size=%d parts=%d, want %d and 3", v.Size, v.PartsCount, wantSize)
	}
	if v.ContentType != "video/mp4" || v.UserMetadata["camera"] != "A" {
		t.Errorf("template not applied: %+v", v)
	}
	if want := CompositeETag([]string{p1.ETag, p2.ETag, p3.ETag}); v.ETag != want {
		t.Errorf("ETag = %s, want %s", v.ETag, want)
	}
	if !strings.HasSuffix(v.ETag, `-3"`) {
		t.Errorf("ETag %s lacks part count suffix", v.ETag)
	}

	got := f.read(t, "media", "video.bin")
	want := append(append(fill('a', testMinPart), fill('b', testMinPart)...), "tail"...)
	if !bytes.Equal(got, want) {
		t.Errorf("assembled payload differs (len %d vs %d)", len(got), len(want))
	}

	if f.mc.Count() != 0 {
		t.Errorf("Count = %d after completion", f.mc.Count())
	}
	for _, p := range []Part{p1, p2, p3} {
		if refs := f.blobs.Refs(p.BlobID); refs != 0 {
			t.Errorf("part %d blob still has %d refs", p.Number, refs)
		}
	}
	if _, err := f.mc.ListParts(u.ID, "media", "video.bin", 0, 0); !errors.Is(err, s3err.ErrNoSuchUpload) {
		t.Errorf("ListParts after complete: %v", err)
	}
}

func TestCompositeETag(t *testing.T) {
	a := md5.Sum([]byte("part one"))
	b := md5.Sum([]byte("part two"))
	h := md5.New()
	h.Write(a[:])
	h.Write(b[:])
	want := fmt.Sprintf(`"%x-2"`, h.Sum(nil))
	got := CompositeETag([]string{fmt.Sprintf(`"%x"`, a), fmt.Sprintf("%x", b)})
	if got != want {
		t.Errorf("CompositeETag = %s, want %s", got, want)
	}
}

func TestCompleteValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.mc.Create("media", "k", metadata.ObjectVersion{})
	p1 := f.upload(t, u, 1, []byte("small"))
	p2 := f.upload(t, u, 2, fill('x', testMinPart))
	p3 := f.upload(t, u, 3, []byte("end"))

	tests := []struct {
		name string
		list []CompletedPart
		want *s3err.S3Error
	}{
		{"empty", nil, s3err.ErrMalformedXML},
		{"descending", []CompletedPart{{2, p2.ETag}, {1, p1.ETag}}, s3err.ErrInvalidPartOrder},
		{"duplicate", []CompletedPart{{2, p2.ETag}, {2, p2.ETag}}, s3err.ErrInvalidPartOrder},
		{"missing", []CompletedPart{{2, p2.ETag}, {7, p3.ETag}}, s3err.ErrInvalidPart},
		{"wrong etag", []CompletedPart{{2, p3.ETag}, {3, p3.ETag}}, s3err.ErrInvalidPart},
		{"too small", []CompletedPart{{1, p1.ETag}, {2, p2.ETag}}, s3err.ErrEntityTooSmall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.mc.Complete(ctx, u.ID, "media", "k", tt.list, metadata.Unversioned)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %s", err, tt.want.Code)
			}
		})
	}

	// Failed completions leave the session usable.
	res, err := f.mc.ListParts(u.ID, "media", "k", 0, 0)
	if err != nil || len(res.Parts) != 3 {
		t.Fatalf("ListParts = %d parts, %v", len(res.Parts), err)
	}
	if _, err := f.cat.Get("media", "k", ""); !errors.Is(err, s3err.ErrNoSuchKey) {
		t.Errorf("object visible after failed completion: %v", err)
	}
	if _, err := f.mc.Complete(ctx, u.ID, "media", "k", []CompletedPart{{2, p2.ETag}, {3, p3.ETag}}, metadata.Unversioned); err != nil {
		t.Errorf("Complete after failures: %v", err)
	}
}

func TestSinglePartBelowMinimumIsAllowed(t *testing.T) {
	f := newFixture(t)
	u := f.mc.Create("media", "tiny", metadata.ObjectVersion{})
	p := f.upload(t, u, 1, []byte("x"))
	v, err := f.mc.Complete(context.Background(), u.ID, "media", "tiny", []CompletedPart{{1, p.ETag}}, metadata.Unversioned)
	if err != nil || v.Size != 1 {
		t.Fatalf("Complete = %+v, %v", v, err)
	}
}

func TestDefaultMinPartSize(t *testing.T) {
	mem, err := storage.NewMemoryBackend(0, "", 0)
	if err != nil {
		t.Fatalf("NewMemoryBackend: %v", err)
	}
	bs := storage.NewBlobStore(mem, t.TempDir())
	cat := metadata.New(bs)
	cat.AddBucket("media")
	f := &fixture{mc: New(bs, cat, 0), cat: cat, blobs: bs}
	ctx := context.Background()

	u := f.mc.Create("media", "exact", metadata.ObjectVersion{})
	p1 := f.upload(t, u, 1, fill('a', DefaultMinPartSize))
	p2 := f.upload(t, u, 2, fill('b', DefaultMinPartSize))
	v, err := f.mc.Complete(ctx, u.ID, "media", "exact", []CompletedPart{{1, p1.ETag}, {2, p2.ETag}}, metadata.Unversioned)
	if err != nil {
		t.Fatalf("Complete with two 5 MiB parts: %v", err)
	}
	if v.Size != 10<<20 {
		t.Errorf("size = %d, want %d", v.Size, 10<<20)
	}

	short := f.mc.Create("media", "short", metadata.ObjectVersion{})
	s1 := f.upload(t, short, 1, fill('c', DefaultMinPartSize-1))
	s2 := f.upload(t, short, 2, []byte("end"))
	_, err = f.mc.Complete(ctx, short.ID, "media", "short", []CompletedPart{{1, s1.ETag}, {2, s2.ETag}}, metadata.Unversioned)
	if !errors.Is(err, s3err.ErrEntityTooSmall) {
		t.Fatalf("err = %v, want %s", err, s3err.ErrEntityTooSmall.Code)
	}
	if _, err := f.mc.Lookup(short.ID, "media", "short"); err != nil {
		t.Errorf("session gone after rejected completion: %v", err)
	}
}

func TestUploadPartOverwriteIsIdempotent(t *testing.T) {
	f := newFixture(t)
	u := f.mc.Create("media", "k", metadata.ObjectVersion{})

	first := f.upload(t, u, 1, []byte("same bytes"))
	second := f.upload(t, u, 1, []byte("same bytes"))
	if first.ETag != second.ETag {
		t.Errorf("ETags differ: %s vs %s", first.ETag, second.ETag)
	}
	res, err := f.mc.ListParts(u.ID, "media", "k", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Parts) != 1 {
		t.Fatalf("parts = %d, want 1", len(res.Parts))
	}
	if refs := f.blobs.Refs(first.BlobID); refs != 1 {
		t.Errorf("refs = %d, want 1", refs)
	}

	third := f.upload(t, u, 1, []byte("different"))
	if refs := f.blobs.Refs(first.BlobID); refs != 0 {
		t.Errorf("replaced blob refs = %d, want 0", refs)
	}
	res, _ = f.mc.ListParts(u.ID, "media", "k", 0, 0)
	if res.Parts[0].ETag != third.ETag {
		t.Errorf("listed ETag = %s, want %s", res.Parts[0].ETag, third.ETag)
	}
}

func TestUploadPartErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.mc.Create("media", "k", metadata.ObjectVersion{})

	for _, n := range []int{0, -1, MaxPartNumber + 1} {
		if _, err := f.mc.UploadPart(ctx, u.ID, "media", "k", n, strings.NewReader("x"), -1); !errors.Is(err, s3err.ErrInvalidArgument) {
			t.Errorf("part %d: err = %v, want InvalidArgument", n, err)
		}
	}
	if _, err := f.mc.UploadPart(ctx, "nope", "media", "k", 1, strings.NewReader("x"), -1); !errors.Is(err, s3err.ErrNoSuchUpload) {
		t.Errorf("unknown upload: err = %v", err)
	}
	if _, err := f.mc.UploadPart(ctx, u.ID, "media", "other-key", 1, strings.NewReader("x"), -1); !errors.Is(err, s3err.ErrNoSuchUpload) {
		t.Errorf("wrong key: err = %v", err)
	}
	if _, err := f.mc.UploadPart(ctx, u.ID, "media", "k", 1, strings.NewReader("too long"), 3); !errors.Is(err, s3err.ErrEntityTooLarge) {
		t.Errorf("oversized part: err = %v", err)
	}
}

func TestAbortReleasesParts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.mc.Create("media", "k", metadata.ObjectVersion{})
	p := f.upload(t, u, 1, []byte("payload"))

	if err := f.mc.Abort(ctx, u.ID, "media", "k"); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if refs := f.blobs.Refs(p.BlobID); refs != 0 {
		t.Errorf("refs = %d after abort", refs)
	}
	if err := f.mc.Abort(ctx, u.ID, "media", "k"); !errors.Is(err, s3err.ErrNoSuchUpload) {
		t.Errorf("second Abort = %v", err)
	}
	if _, err := f.mc.UploadPart(ctx, u.ID, "media", "k", 2, strings.NewReader("late"), -1); !errors.Is(err, s3err.ErrNoSuchUpload) {
		t.Errorf("UploadPart after abort = %v", err)
	}
	if _, err := f.cat.Get("media", "k", ""); !errors.Is(err, s3err.ErrNoSuchKey) {
		t.Errorf("object exists after abort: %v", err)
	}
}

func TestCompleteAbortRace(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		ctx := context.Background()
		u := f.mc.Create("media", "k", metadata.ObjectVersion{})
		p := f.upload(t, u, 1, []byte("data"))

		var completeErr, abortErr error
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, completeErr = f.mc.Complete(ctx, u.ID, "media", "k", []CompletedPart{{1, p.ETag}}, metadata.Unversioned)
		}()
		go func() {
			defer wg.Done()
			abortErr = f.mc.Abort(ctx, u.ID, "media", "k")
		}()
		wg.Wait()

		if (completeErr == nil) == (abortErr == nil) {
			t.Fatalf("exactly one should win: complete=%v abort=%v", completeErr, abortErr)
		}
		loser := completeErr
		if loser == nil {
			loser = abortErr
		}
		if !errors.Is(loser, s3err.ErrNoSuchUpload) {
			t.Errorf("loser err = %v, want NoSuchUpload", loser)
		}
		_, getErr := f.cat.Get("media", "k", "")
		if (completeErr == nil) != (getErr == nil) {
			t.Errorf("object visibility %v does not match completion %v", getErr, completeErr)
		}
	}
}

func TestConcurrentPartUploads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.mc.Create("media", "k", metadata.ObjectVersion{})

	var g errgroup.Group
	for n := 1; n <= 20; n++ {
		n := n
		g.Go(func() error {
			_, err := f.mc.UploadPart(ctx, u.ID, "media", "k", n, strings.NewReader(fmt.Sprintf("part-%02d", n)), -1)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("UploadPart: %v", err)
	}

	res, err := f.mc.ListParts(u.ID, "media", "k", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Parts) != 20 {
		t.Fatalf("parts = %d", len(res.Parts))
	}
	for i, p := range res.Parts {
		if p.Number != i+1 {
			t.Errorf("parts out of order at %d: %d", i, p.Number)
		}
	}
}

func TestListPartsPagination(t *testing.T) {
	f := newFixture(t)
	u := f.mc.Create("media", "k", metadata.ObjectVersion{})
	for _, n := range []int{1, 2, 3, 5, 8} {
		f.upload(t, u, n, []byte{byte(n)})
	}

	var got []int
	marker := 0
	for page := 0; page < 10; page++ {
		res, err := f.mc.ListParts(u.ID, "media", "k", marker, 2)
		if err != nil {
			t.Fatal(err)
		}
		for _, p := range res.Parts {
			got = append(got, p.Number)
		}
		if !res.IsTruncated {
			break
		}
		marker = res.NextPartNumberMarker
	}
	if diff := cmp.Diff([]int{1, 2, 3, 5, 8}, got); diff != "" {
		t.Errorf("pages mismatch (-want +got):\n%s", diff)
	}
}

func TestListUploads(t *testing.T) {
	f := newFixture(t)
	f.cat.AddBucket("other")
	keys := []string{"docs/a", "docs/b", "img/x", "readme", "readme"}
	for _, k := range keys {
		f.mc.Create("media", k, metadata.ObjectVersion{})
	}
	f.mc.Create("other", "docs/a", metadata.ObjectVersion{})

	all := f.mc.ListUploads("media", ListUploadsParams{})
	if len(all.Uploads) != 5 || all.IsTruncated {
		t.Fatalf("ListUploads = %d uploads truncated=%v", len(all.Uploads), all.IsTruncated)
	}

	docs := f.mc.ListUploads("media", ListUploadsParams{Prefix: "docs/"})
	if len(docs.Uploads) != 2 {
		t.Errorf("prefix docs/ = %d uploads", len(docs.Uploads))
	}

	grouped := f.mc.ListUploads("media", ListUploadsParams{Delimiter: "/"})
	if diff := cmp.Diff([]string{"docs/", "img/"}, grouped.CommonPrefixes); diff != "" {
		t.Errorf("common prefixes mismatch (-want +got):\n%s", diff)
	}
	if len(grouped.Uploads) != 2 {
		t.Errorf("top-level uploads = %d, want 2", len(grouped.Uploads))
	}

	var seen []string
	p := ListUploadsParams{MaxUploads: 2}
	for i := 0; i < 10; i++ {
		res := f.mc.ListUploads("media", p)
		for _, u := range res.Uploads {
			seen = append(seen, u.Key+"/"+u.ID)
		}
		if !res.IsTruncated {
			break
		}
		p.KeyMarker, p.UploadIDMarker = res.NextKeyMarker, res.NextUploadIDMarker
	}
	if len(seen) != 5 {
		t.Errorf("paged through %d uploads, want 5: %v", len(seen), seen)
	}
	uniq := map[string]bool{}
	for _, s := range seen {
		uniq[s] = true
	}
	if len(uniq) != 5 {
		t.Errorf("duplicates while paging: %v", seen)
	}
}

func TestAbortBucket(t *testing.T) {
	f := newFixture(t)
	f.cat.AddBucket("other")
	u := f.mc.Create("media", "a", metadata.ObjectVersion{})
	f.upload(t, u, 1, []byte("x"))
	f.mc.Create("media", "b", metadata.ObjectVersion{})
	f.mc.Create("other", "c", metadata.ObjectVersion{})

	if n := f.mc.AbortBucket(context.Background(), "media"); n != 2 {
		t.Errorf("AbortBucket = %d, want 2", n)
	}
	if f.mc.Count() != 1 {
		t.Errorf("Count = %d, want 1", f.mc.Count())
	}
}

func TestSnapshotRestore(t *testing.T) {
	f := newFixture(t)
	u := f.mc.Create("media", "k", metadata.ObjectVersion{ContentType: "text/plain"})
	p1 := f.upload(t, u, 1, fill('q', testMinPart))
	p2 := f.upload(t, u, 2, []byte("end"))

	snaps := f.mc.Snapshot()
	if len(snaps) != 1 || len(snaps[0].Parts) != 2 {
		t.Fatalf("Snapshot = %+v", snaps)
	}

	fresh := New(f.blobs, f.cat, testMinPart)
	fresh.Restore(snaps[0])
	if refs := f.blobs.Refs(p1.BlobID); refs != 2 {
		t.Errorf("refs after restore = %d, want 2", refs)
	}
	if err := f.mc.Abort(context.Background(), u.ID, "media", "k"); err != nil {
		t.Fatal(err)
	}

	v, err := fresh.Complete(context.Background(), u.ID, "media", "k", []CompletedPart{{1, p1.ETag}, {2, p2.ETag}}, metadata.Unversioned)
	if err != nil {
		t.Fatalf("Complete on restored session: %v", err)
	}
	if v.ContentType != "text/plain" || v.Size != testMinPart+3 {
		t.Errorf("restored completion = %+v", v)
	}
}
