package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// AzureBlobAPI is the subset of the Azure Blob client used by AzureBackend.
type AzureBlobAPI interface {
	UploadStream(ctx context.Context, containerName, blobName string, r io.Reader) error
	// DownloadRange reads count bytes from offset; count zero means to the end.
	DownloadRange(ctx context.Context, containerName, blobName string, offset, count int64) (io.ReadCloser, int64, error)
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	BlobExists(ctx context.Context, containerName, blobName string) (bool, error)
	ListBlobs(ctx context.Context, containerName, prefix string) ([]string, error)
}

// AzureBackend stores blobs in an Azure Blob container under
// {prefix}blobs/{id}.
type AzureBackend struct {
	Container  string
	AccountURL string
	Prefix     string
	client     AzureBlobAPI
}

// NewAzureBackend creates the SDK client and checks the container is
// reachable. connectionString may be empty.
func NewAzureBackend(ctx context.Context, containerName, accountURL, prefix, connectionString string) (*AzureBackend, error) {
	client, err := newRealAzureClient(accountURL, connectionString)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}
	b := NewAzureBackendWithClient(containerName, accountURL, prefix, client)
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access Azure container %q: %w", containerName, err)
	}
	slog.Info("Azure blob backend initialized", "container", containerName, "account", accountURL, "prefix", prefix)
	return b, nil
}

// NewAzureBackendWithClient wires a pre-built client, typically a test mock.
func NewAzureBackendWithClient(containerName, accountURL, prefix string, client AzureBlobAPI) *AzureBackend {
	return &AzureBackend{Container: containerName, AccountURL: accountURL, Prefix: prefix, client: client}
}

func (b *AzureBackend) blobName(id string) string {
	return b.Prefix + "blobs/" + id
}

// Put uploads the blob as a block blob.
func (b *AzureBackend) Put(ctx context.Context, id string, r io.Reader, size int64) error {
	if err := b.client.UploadStream(ctx, b.Container, b.blobName(id), r); err != nil {
		return fmt.Errorf("uploading blob %s to Azure: %w", id, err)
	}
	return nil
}

// Get downloads the whole blob.
func (b *AzureBackend) Get(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	rc, size, err := b.client.DownloadRange(ctx, b.Container, b.blobName(id), 0, 0)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, 0, ErrBlobNotFound
		}
		return nil, 0, fmt.Errorf("downloading blob %s from Azure: %w", id, err)
	}
	return rc, size, nil
}

// GetRange downloads a byte range.
func (b *AzureBackend) GetRange(ctx context.Context, id string, offset, length int64) (io.ReadCloser, error) {
	rc, _, err := b.client.DownloadRange(ctx, b.Container, b.blobName(id), offset, length)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("downloading blob %s range from Azure: %w", id, err)
	}
	return rc, nil
}

// Delete removes the blob. Missing blobs are ignored.
func (b *AzureBackend) Delete(ctx context.Context, id string) error {
	if err := b.client.DeleteBlob(ctx, b.Container, b.blobName(id)); err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("deleting blob %s from Azure: %w", id, err)
	}
	return nil
}

// Exists fetches blob properties.
func (b *AzureBackend) Exists(ctx context.Context, id string) (bool, error) {
	ok, err := b.client.BlobExists(ctx, b.Container, b.blobName(id))
	if err != nil {
		return false, fmt.Errorf("checking blob %s in Azure: %w", id, err)
	}
	return ok, nil
}

// List pages through the blob prefix.
func (b *AzureBackend) List(ctx context.Context) ([]string, error) {
	prefix := b.blobName("")
	names, err := b.client.ListBlobs(ctx, b.Container, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing blobs in Azure: %w", err)
	}
	ids := make([]string, 0, len(names))
	for _, n := range names {
		ids = append(ids, strings.TrimPrefix(n, prefix))
	}
	return ids, nil
}

// HealthCheck lists a prefix that never matches.
func (b *AzureBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.ListBlobs(ctx, b.Container, b.Prefix+"\x00health")
	return err
}

var _ Backend = (*AzureBackend)(nil)
