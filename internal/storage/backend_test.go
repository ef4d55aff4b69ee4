package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

// runBackendConformance exercises the Backend contract shared by every
// implementation.
func runBackendConformance(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()
	const id = "0a1b2c3d4e5f"
	content := "hello, cairn blob"

	if err := b.Put(ctx, id, strings.NewReader(content), int64(len(content))); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ok, err := b.Exists(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v; want true", ok, err)
	}

	rc, size, err := b.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if string(got) != content || size != int64(len(content)) {
		t.Errorf("Get = %q (%d), want %q (%d)", got, size, content, len(content))
	}

	rc, err = b.GetRange(ctx, id, 7, 5)
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	got, _ = io.ReadAll(rc)
	rc.Close()
	if string(got) != "cairn" {
		t.Errorf("GetRange = %q, want %q", got, "cairn")
	}

	ids, err := b.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Errorf("List = %v, want [%s]", ids, id)
	}

	if err := b.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := b.Delete(ctx, id); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if ok, _ := b.Exists(ctx, id); ok {
		t.Error("blob still exists after Delete")
	}
	if _, _, err := b.Get(ctx, id); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("Get after Delete err = %v, want ErrBlobNotFound", err)
	}
	if err := b.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
}
