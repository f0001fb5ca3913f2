// Package providerclient defines the contract the core consumes from the
// LLM provider's asynchronous batch API (spec.md §6 "ProviderClient
// contract"), plus an HTTP-based adapter grounded on the teacher's manual
// net/http usage (internal/httputil, internal/proxy).
package providerclient

import (
	"context"
	"errors"
	"time"
)

// ErrorKind is the closed set of error kinds a ProviderClient call may
// return, distinct from Go's free-form error values so callers can branch on
// provider semantics without string matching (spec.md §6).
type ErrorKind string

const (
	ErrorUnauthorized ErrorKind = "unauthorized"
	ErrorNotFound     ErrorKind = "not_found"
	ErrorBadRequest   ErrorKind = "bad_request"
	ErrorServer       ErrorKind = "server_error"
	ErrorHTTP         ErrorKind = "http_error"
	ErrorRequest      ErrorKind = "request_failed"
)

// Error wraps an ErrorKind with the underlying detail and, for every kind
// classified from an HTTP response status, the status code.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// BatchStatus is the provider's reported lifecycle status for a submitted batch.
type BatchStatus string

const (
	StatusValidating BatchStatus = "validating"
	StatusInProgress BatchStatus = "in_progress"
	StatusFinalizing BatchStatus = "finalizing"
	StatusCompleted  BatchStatus = "completed"
	StatusExpired    BatchStatus = "expired"
	StatusFailed     BatchStatus = "failed"
	StatusCancelling BatchStatus = "cancelling"
	StatusCancelled  BatchStatus = "cancelled"
)

// UploadResult is returned by UploadFile.
type UploadResult struct {
	InputFileID string
	Bytes       int64
}

// CreateBatchResult is returned by CreateBatch.
type CreateBatchResult struct {
	ProviderBatchID string
	Status          BatchStatus
	ExpiresAt       *time.Time
}

// Usage reports token counts the provider attaches to a completed batch.
type Usage struct {
	InputTokens     int64
	CachedTokens    int64
	ReasoningTokens int64
	OutputTokens    int64
}

// StatusResult is returned by CheckStatus.
type StatusResult struct {
	Status        BatchStatus
	OutputFileID  *string
	ErrorFileID   *string
	Usage         *Usage
}

// FileMetadata is returned by RetrieveFileMetadata.
type FileMetadata struct {
	ID        string
	Bytes     int64
	CreatedAt time.Time
	Purpose   string
}

// Client is the surface the Lifecycle Engine depends on (spec.md §6). Every
// method is allowed to retry transient errors internally; the core tolerates
// either behavior.
type Client interface {
	UploadFile(ctx context.Context, path string) (*UploadResult, error)
	CreateBatch(ctx context.Context, inputFileID string, endpoint string, completionWindow string) (*CreateBatchResult, error)
	CheckStatus(ctx context.Context, providerBatchID string) (*StatusResult, error)
	CancelBatch(ctx context.Context, providerBatchID string) error
	DownloadFile(ctx context.Context, fileID, destPath string) (string, error)
	DeleteFile(ctx context.Context, fileID string) error
	RetrieveFileMetadata(ctx context.Context, fileID string) (*FileMetadata, error)
}

// ErrDeleteNotFound names a file that is already gone. No Client in this
// package returns it: HTTPClient.DeleteFile (like the fake) treats deleting an
// unknown file as success and returns nil.
var ErrDeleteNotFound = errors.New("providerclient: file not found")
