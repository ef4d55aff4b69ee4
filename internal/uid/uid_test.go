package uid

import (
	"sync"
	"testing"
)

func TestNewIsHex32(t *testing.T) {
	id := New()
	if len(id) != 32 {
		t.Fatalf("len(New()) = %d, want 32", len(id))
	}
	for _, c := range id {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			t.Fatalf("New() = %q contains non-hex %q", id, c)
		}
	}
}

func TestVersionIDsUniqueUnderConcurrency(t *testing.T) {
	const n = 2000
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, n)
		wg   sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < n/8; j++ {
				id := NewVersionID()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != n {
		t.Fatalf("got %d unique version IDs, want %d", len(seen), n)
	}
}

func TestUploadIDsDistinct(t *testing.T) {
	a, b := NewUploadID(), NewUploadID()
	if a == b || a == "" {
		t.Fatalf("NewUploadID returned %q and %q", a, b)
	}
}
