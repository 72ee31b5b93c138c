package storage

import (
	"context"
	"fmt"
	"sync"
)

const memoryScheme = "mem://"

// MemoryBlobClient keeps blobs in process. It backs local runs and tests.
type MemoryBlobClient struct {
	mu        sync.RWMutex
	container string
	blobs     map[string][]byte
	metadata  map[string]map[string]string
}

var _ BlobStorageClient = (*MemoryBlobClient)(nil)

// NewMemoryBlobClient creates an empty in-memory container
func NewMemoryBlobClient(container string) *MemoryBlobClient {
	if container == "" {
		container = "results"
	}
	return &MemoryBlobClient{
		container: container,
		blobs:     make(map[string][]byte),
		metadata:  make(map[string]map[string]string),
	}
}

func (m *MemoryBlobClient) UploadResult(ctx context.Context, blobPath string, data []byte, metadata map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if blobPath == "" {
		return "", fmt.Errorf("blob path is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[blobPath] = append([]byte(nil), data...)
	m.metadata[blobPath] = metadata
	return memoryScheme + m.container + "/" + blobPath, nil
}

func (m *MemoryBlobClient) DownloadResult(ctx context.Context, blobURL string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	blobPath, err := extractBlobPath(memoryScheme, m.container, blobURL)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[blobPath]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", blobPath)
	}
	return append([]byte(nil), data...), nil
}

// Metadata returns the metadata stored with a blob
func (m *MemoryBlobClient) Metadata(blobPath string) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadata[blobPath]
}

// Len returns the number of stored blobs
func (m *MemoryBlobClient) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
