// Package fake is an in-memory providerclient.Client used by tests across
// packages (Lifecycle Engine, Result Processor, end-to-end scenarios) —
// the teacher's fakes-over-mocks testing convention.
package fake

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/batchrelay/batchrelay/internal/providerclient"
)

// Client is a scriptable fake: tests push a sequence of StatusResult values
// per provider batch ID and the fake replays them on successive CheckStatus
// calls, mirroring spec.md §8 scenario 1's
// "validating -> in_progress -> completed" polling script.
type Client struct {
	mu sync.Mutex

	UploadErr error
	Files     map[string][]byte // fileID -> content, populated by UploadFile/seeded for DownloadFile

	CreateBatchStatus providerclient.BatchStatus
	CreateBatchErr    error

	StatusScript map[string][]providerclient.StatusResult // providerBatchID -> queued responses
	statusCalls  map[string]int

	CancelledBatches []string
	DeletedFiles     []string
}

// New returns an empty fake with initialized maps.
func New() *Client {
	return &Client{
		Files:        make(map[string][]byte),
		StatusScript: make(map[string][]providerclient.StatusResult),
		statusCalls:  make(map[string]int),
	}
}

func (c *Client) UploadFile(_ context.Context, path string) (*providerclient.UploadResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.UploadErr != nil {
		return nil, c.UploadErr
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &providerclient.Error{Kind: providerclient.ErrorRequest, Err: err}
	}
	id := "file-" + uuid.NewString()
	c.Files[id] = data
	return &providerclient.UploadResult{InputFileID: id, Bytes: int64(len(data))}, nil
}

func (c *Client) CreateBatch(_ context.Context, _, _, _ string) (*providerclient.CreateBatchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CreateBatchErr != nil {
		return nil, c.CreateBatchErr
	}
	status := c.CreateBatchStatus
	if status == "" {
		status = providerclient.StatusValidating
	}
	return &providerclient.CreateBatchResult{
		ProviderBatchID: "batch-" + uuid.NewString(),
		Status:          status,
	}, nil
}

// SeedStatus sets the StatusResult script for providerBatchID's CheckStatus
// calls, replacing any earlier script; entries are consumed in FIFO order and
// the last one repeats once the script is exhausted.
func (c *Client) SeedStatus(providerBatchID string, results ...providerclient.StatusResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StatusScript[providerBatchID] = results
}

func (c *Client) CheckStatus(_ context.Context, providerBatchID string) (*providerclient.StatusResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	script := c.StatusScript[providerBatchID]
	if len(script) == 0 {
		return nil, &providerclient.Error{Kind: providerclient.ErrorNotFound, Err: fmt.Errorf("no script for %s", providerBatchID)}
	}

	idx := c.statusCalls[providerBatchID]
	if idx >= len(script) {
		idx = len(script) - 1
	} else {
		c.statusCalls[providerBatchID]++
	}
	result := script[idx]
	return &result, nil
}

func (c *Client) CancelBatch(_ context.Context, providerBatchID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CancelledBatches = append(c.CancelledBatches, providerBatchID)
	return nil
}

// SeedFile makes fileID available for DownloadFile.
func (c *Client) SeedFile(fileID string, content []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Files[fileID] = content
}

func (c *Client) DownloadFile(_ context.Context, fileID, destPath string) (string, error) {
	c.mu.Lock()
	content, ok := c.Files[fileID]
	c.mu.Unlock()
	if !ok {
		return "", &providerclient.Error{Kind: providerclient.ErrorNotFound}
	}
	if err := os.WriteFile(destPath, content, 0o600); err != nil {
		return "", &providerclient.Error{Kind: providerclient.ErrorRequest, Err: err}
	}
	return destPath, nil
}

func (c *Client) DeleteFile(_ context.Context, fileID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.Files[fileID]; !ok {
		return nil // idempotent per spec.md §9
	}
	delete(c.Files, fileID)
	c.DeletedFiles = append(c.DeletedFiles, fileID)
	return nil
}

func (c *Client) RetrieveFileMetadata(_ context.Context, fileID string) (*providerclient.FileMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	content, ok := c.Files[fileID]
	if !ok {
		return nil, &providerclient.Error{Kind: providerclient.ErrorNotFound}
	}
	return &providerclient.FileMetadata{ID: fileID, Bytes: int64(len(content)), Purpose: "batch"}, nil
}

var _ providerclient.Client = (*Client)(nil)
