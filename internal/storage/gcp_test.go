package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	gcs "cloud.google.com/go/storage"
)

type mockGCSClient struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMockGCSClient() *mockGCSClient {
	return &mockGCSClient{objects: make(map[string][]byte)}
}

type mockGCSWriter struct {
	buf    bytes.Buffer
	commit func([]byte)
}

func (w *mockGCSWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *mockGCSWriter) Close() error {
	w.commit(w.buf.Bytes())
	return nil
}

func (m *mockGCSClient) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	return &mockGCSWriter{commit: func(b []byte) {
		m.mu.Lock()
		m.objects[object] = append([]byte(nil), b...)
		m.mu.Unlock()
	}}
}

func (m *mockGCSClient) NewRangeReader(ctx context.Context, bucket, object string, offset, length int64) (io.ReadCloser, int64, error) {
	m.mu.Lock()
	data, ok := m.objects[object]
	m.mu.Unlock()
	if !ok {
		return nil, 0, gcs.ErrObjectNotExist
	}
	end := int64(len(data))
	if length >= 0 {
		end = offset + length
	}
	return io.NopCloser(bytes.NewReader(data[offset:end])), int64(len(data)), nil
}

func (m *mockGCSClient) Delete(ctx context.Context, bucket, object string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[object]; !ok {
		return gcs.ErrObjectNotExist
	}
	delete(m.objects, object)
	return nil
}

func (m *mockGCSClient) Exists(ctx context.Context, bucket, object string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[object]
	return ok, nil
}

func (m *mockGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names, nil
}

func TestGCPBackendConformance(t *testing.T) {
	runBackendConformance(t, NewGCPBackendWithClient("upstream", "", newMockGCSClient()))
}
