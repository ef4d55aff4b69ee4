package metadata

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	s3err "github.com/cairnstore/cairn/internal/errors"
)

func keysOf(vs []ObjectVersion) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Key)
	}
	return out
}

func TestListPrefixDelimiter(t *testing.T) {
	f := newFixture(t, "b")
	for _, k := range []string{"a.txt", "photos/2023/x.jpg", "photos/2024/y.jpg", "photos/z.jpg", "videos/v.mp4"} {
		f.put(t, "b", k, k, Unversioned)
	}

	res, err := f.cat.List("b", ListParams{Delimiter: "/", MaxKeys: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a.txt"}, keysOf(res.Objects)); diff != "" {
		t.Errorf("objects (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"photos/", "videos/"}, res.CommonPrefixes); diff != "" {
		t.Errorf("prefixes (-want +got):\n%s", diff)
	}

	res, _ = f.cat.List("b", ListParams{Prefix: "photos/", Delimiter: "/", MaxKeys: 1000})
	if diff := cmp.Diff([]string{"photos/z.jpg"}, keysOf(res.Objects)); diff != "" {
		t.Errorf("objects (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"photos/2023/", "photos/2024/"}, res.CommonPrefixes); diff != "" {
		t.Errorf("prefixes (-want +got):\n%s", diff)
	}
}

func TestListPaginationCoversAllKeysOnce(t *testing.T) {
	f := newFixture(t, "b")
	for _, k := range []string{"a", "b/1", "b/2", "c", "d/1", "e", "f"} {
		f.put(t, "b", k, k, Unversioned)
	}
	want := []string{"a", "b/", "c", "d/", "e", "f"}

	var got []string
	after := ""
	for page := 0; page < 10; page++ {
		res, err := f.cat.List("b", ListParams{Delimiter: "/", After: after, MaxKeys: 2})
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, keysOf(res.Objects)...)
		got = append(got, res.CommonPrefixes...)
		if !res.IsTruncated {
			break
		}
		tok := EncodeToken(res.NextAfter)
		if after, err = DecodeToken(tok); err != nil {
			t.Fatal(err)
		}
	}
	// Objects and prefixes of a page are reported separately; sort to compare.
	if diff := cmp.Diff(want, sorted(got)); diff != "" {
		t.Errorf("entries (-want +got):\n%s", diff)
	}
}

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func TestListSkipsDeleteMarkers(t *testing.T) {
	f := newFixture(t, "b")
	f.put(t, "b", "gone", "x", VersioningEnabled)
	f.put(t, "b", "kept", "y", VersioningEnabled)
	f.cat.Delete(context.Background(), "b", "gone", "", VersioningEnabled, Owner{})

	res, _ := f.cat.List("b", ListParams{MaxKeys: 1000})
	if diff := cmp.Diff([]string{"kept"}, keysOf(res.Objects)); diff != "" {
		t.Errorf("objects (-want +got):\n%s", diff)
	}
}

func TestListMaxKeysZero(t *testing.T) {
	f := newFixture(t, "b")
	f.put(t, "b", "k", "x", Unversioned)
	res, _ := f.cat.List("b", ListParams{MaxKeys: 0})
	if len(res.Objects) != 0 || res.IsTruncated {
		t.Errorf("res = %+v", res)
	}
}

func TestDecodeTokenRejectsGarbage(t *testing.T) {
	for _, tok := range []string{"!!!", "bm90LWEtdG9rZW4"} {
		if _, err := DecodeToken(tok); !errors.Is(err, s3err.ErrInvalidArgument) {
			t.Errorf("DecodeToken(%q) err = %v, want InvalidArgument", tok, err)
		}
	}
}

func TestListVersions(t *testing.T) {
	f := newFixture(t, "b")
	v1 := f.put(t, "b", "k", "1", VersioningEnabled)
	v2 := f.put(t, "b", "k", "2", VersioningEnabled)
	del, _ := f.cat.Delete(context.Background(), "b", "k", "", VersioningEnabled, Owner{})
	zv := f.put(t, "b", "z", "z", VersioningEnabled)

	res, err := f.cat.ListVersions("b", VersionListParams{MaxKeys: 1000})
	if err != nil {
		t.Fatal(err)
	}
	type row struct {
		Key, ID       string
		Marker, Latest bool
	}
	var got []row
	for _, v := range res.Versions {
		got = append(got, row{v.Key, v.VersionID, v.IsDeleteMarker, v.IsLatest})
	}
	want := []row{
		{"k", del.VersionID, true, true},
		{"k", v2.VersionID, false, false},
		{"k", v1.VersionID, false, false},
		{"z", zv.VersionID, false, true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("versions (-want +got):\n%s", diff)
	}

	page, _ := f.cat.ListVersions("b", VersionListParams{MaxKeys: 2})
	if !page.IsTruncated || page.NextKeyMarker != "k" || page.NextVersionIDMarker != v2.VersionID {
		t.Fatalf("first page = %+v", page)
	}
	rest, _ := f.cat.ListVersions("b", VersionListParams{
		KeyMarker: page.NextKeyMarker, VersionIDMarker: page.NextVersionIDMarker, MaxKeys: 10,
	})
	if len(rest.Versions) != 2 || rest.Versions[0].VersionID != v1.VersionID || rest.Versions[1].Key != "z" {
		t.Errorf("second page = %+v", rest.Versions)
	}
}
