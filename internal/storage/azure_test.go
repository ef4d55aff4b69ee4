package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

type mockAzureClient struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMockAzureClient() *mockAzureClient {
	return &mockAzureClient{blobs: make(map[string][]byte)}
}

func azureNotFound() error {
	return &azcore.ResponseError{ErrorCode: "BlobNotFound", StatusCode: http.StatusNotFound}
}

func (m *mockAzureClient) UploadStream(ctx context.Context, containerName, blobName string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[blobName] = data
	return nil
}

func (m *mockAzureClient) DownloadRange(ctx context.Context, containerName, blobName string, offset, count int64) (io.ReadCloser, int64, error) {
	m.mu.Lock()
	data, ok := m.blobs[blobName]
	m.mu.Unlock()
	if !ok {
		return nil, 0, azureNotFound()
	}
	end := int64(len(data))
	if count > 0 {
		end = offset + count
	}
	return io.NopCloser(bytes.NewReader(data[offset:end])), end - offset, nil
}

func (m *mockAzureClient) DeleteBlob(ctx context.Context, containerName, blobName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[blobName]; !ok {
		return azureNotFound()
	}
	delete(m.blobs, blobName)
	return nil
}

func (m *mockAzureClient) BlobExists(ctx context.Context, containerName, blobName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[blobName]
	return ok, nil
}

func (m *mockAzureClient) ListBlobs(ctx context.Context, containerName, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for k := range m.blobs {
		if strings.HasPrefix(k, prefix) {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names, nil
}

func TestAzureBackendConformance(t *testing.T) {
	runBackendConformance(t, NewAzureBackendWithClient("container", "https://acct.blob.core.windows.net", "pfx/", newMockAzureClient()))
}

func TestIsAzureNotFound(t *testing.T) {
	if !isAzureNotFound(azureNotFound()) {
		t.Error("404 ResponseError should be not found")
	}
	if isAzureNotFound(errors.New("boom")) {
		t.Error("plain error should not be not found")
	}
}
