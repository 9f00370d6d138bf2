package storage

import (
	"context"
	"fmt"
	"testing"

	"go.uber.org/zap"
)

// mockBlobClient records uploads in memory
type mockBlobClient struct {
	uploads  map[string][]byte
	metadata map[string]map[string]string
	err      error
}

func newMockBlobClient() *mockBlobClient {
	return &mockBlobClient{
		uploads:  make(map[string][]byte),
		metadata: make(map[string]map[string]string),
	}
}

func (m *mockBlobClient) Upload(ctx context.Context, blobPath string, data []byte, metadata map[string]string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.uploads[blobPath] = data
	m.metadata[blobPath] = metadata
	return "https://example.blob.core.windows.net/archive/" + blobPath, nil
}

func (m *mockBlobClient) Download(ctx context.Context, blobPath string) ([]byte, error) {
	data, ok := m.uploads[blobPath]
	if !ok {
		return nil, fmt.Errorf("blob not found: %s", blobPath)
	}
	return data, nil
}

func TestArchiveWritesExpectedPath(t *testing.T) {
	blobs := newMockBlobClient()
	a, err := NewOutcomeArchive(blobs, "", zap.NewNop())
	if err != nil {
		t.Fatalf("NewOutcomeArchive: %v", err)
	}

	doc := []byte(`{"batch_id": "b1"}`)
	if err := a.Archive(context.Background(), "create", "key-1", doc); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	path := "outcomes/create/key-1.json"
	if string(blobs.uploads[path]) != `{"batch_id": "b1"}` {
		t.Errorf("uploaded body = %q", blobs.uploads[path])
	}
	md := blobs.metadata[path]
	if md["kind"] != "create" || md["key"] != "key-1" {
		t.Errorf("metadata = %v", md)
	}
	if md["archived_at"] == "" {
		t.Error("archived_at metadata missing")
	}
}

func TestArchiveCustomPrefix(t *testing.T) {
	blobs := newMockBlobClient()
	a, err := NewOutcomeArchive(blobs, "/audit/", zap.NewNop())
	if err != nil {
		t.Fatalf("NewOutcomeArchive: %v", err)
	}

	if err := a.Archive(context.Background(), "delete", "k", []byte(`{}`)); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if _, ok := blobs.uploads["audit/delete/k.json"]; !ok {
		t.Errorf("uploads = %v", blobs.uploads)
	}
}

func TestArchiveSanitizesKey(t *testing.T) {
	blobs := newMockBlobClient()
	a, _ := NewOutcomeArchive(blobs, "", zap.NewNop())

	if err := a.Archive(context.Background(), "create", "../a/b?c", []byte(`{}`)); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	for path := range blobs.uploads {
		if path != "outcomes/create/__a_b_c.json" {
			t.Errorf("unexpected path %q", path)
		}
	}
}

func TestArchiveRequiresKindAndKey(t *testing.T) {
	a, _ := NewOutcomeArchive(newMockBlobClient(), "", zap.NewNop())

	if err := a.Archive(context.Background(), "", "k", nil); err == nil {
		t.Error("expected error for missing kind")
	}
	if err := a.Archive(context.Background(), "create", "", nil); err == nil {
		t.Error("expected error for missing key")
	}
}

func TestArchivePropagatesUploadError(t *testing.T) {
	blobs := newMockBlobClient()
	blobs.err = fmt.Errorf("storage unavailable")
	a, _ := NewOutcomeArchive(blobs, "", zap.NewNop())

	if err := a.Archive(context.Background(), "create", "k", []byte(`{}`)); err == nil {
		t.Error("expected upload error to propagate")
	}
}

func TestNewAzureBlobClientValidation(t *testing.T) {
	logger := zap.NewNop()

	if _, err := NewAzureBlobClient("", "container", logger); err == nil {
		t.Error("expected error for empty connection string")
	}
	if _, err := NewAzureBlobClient("AccountName=a;AccountKey=b64", "", logger); err == nil {
		t.Error("expected error for empty container")
	}
	if _, err := NewAzureBlobClient("BlobEndpoint=http://127.0.0.1:10000/dev", "container", logger); err == nil {
		t.Error("expected error for missing credentials")
	}
}

func TestParseConnectionString(t *testing.T) {
	params := parseConnectionString("AccountName=dev;AccountKey=a2V5;BlobEndpoint=http://127.0.0.1:10000/dev;")
	if params["AccountName"] != "dev" || params["AccountKey"] != "a2V5" {
		t.Errorf("params = %v", params)
	}
	if params["BlobEndpoint"] != "http://127.0.0.1:10000/dev" {
		t.Errorf("BlobEndpoint = %q", params["BlobEndpoint"])
	}
}
