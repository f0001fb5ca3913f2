// Package store defines the persistence contract batchrelay's Aggregator,
// Lifecycle Engine, Result Processor and Delivery Engine depend on, plus a
// Postgres-backed implementation and an in-memory fake for tests — the same
// interface+two-implementations shape as the teacher's internal/litellmdb
// Manager/NoopManager/DefaultManager split.
package store

import (
	"context"
	"time"

	"github.com/batchrelay/batchrelay/internal/store/models"
)

// BatchProviderUpdate carries the provider-derived fields recorded on a
// Batch by the Lifecycle Engine (upload, create_provider, check_status).
type BatchProviderUpdate struct {
	ProviderInputFileID         *string
	ProviderOutputFileID        *string
	ProviderErrorFileID         *string
	ProviderBatchID             *string
	ProviderStatusLastCheckedAt *time.Time
	ExpiresAt                   *time.Time
	UsageInputTokens            int64
	UsageOutputTokens           int64
	UsageCachedTokens           int64
	UsageReasoningTokens        int64
	ErrorMsg                    *string
}

// TerminalCounts is the aggregate used by check_delivery_completion (spec.md §4.7).
type TerminalCounts struct {
	Delivered int
	Failed    int
	Pending   int
	Total     int
}

// Store is the persistence contract. Every mutating method that changes a
// Batch or Request's `state` field must write the matching transition row in
// the same transaction (spec.md §3 "Written automatically by the single
// change that mutates state on the parent").
type Store interface {
	// Batches
	CreateBatch(ctx context.Context, endpoint models.Endpoint, model string) (*models.Batch, error)
	GetOpenBatch(ctx context.Context, endpoint models.Endpoint, model string) (*models.Batch, error)
	GetBatch(ctx context.Context, id int64) (*models.Batch, error)
	CountAndSizeForBatch(ctx context.Context, batchID int64) (count int, sizeBytes int64, err error)
	TransitionBatch(ctx context.Context, batchID int64, action string) (*models.Batch, error)
	UpdateBatchProviderFields(ctx context.Context, batchID int64, fields BatchProviderUpdate) error
	BatchTerminalCounts(ctx context.Context, batchID int64) (TerminalCounts, error)
	DeleteBatch(ctx context.Context, batchID int64) error
	ListStaleBuildingBatches(ctx context.Context, olderThan time.Time) ([]int64, error)
	ListExpiredBatches(ctx context.Context) ([]int64, error)
	ListBatchesInState(ctx context.Context, state models.BatchState) ([]int64, error)

	// Requests
	CreateRequest(ctx context.Context, req *models.Request) (*models.Request, error)
	CustomIDExists(ctx context.Context, batchID int64, customID string) (bool, error)
	GetRequest(ctx context.Context, id int64) (*models.Request, error)
	GetRequestByCustomID(ctx context.Context, endpoint models.Endpoint, model, customID string) (*models.Request, error)
	GetRequestByBatchAndCustomID(ctx context.Context, batchID int64, customID string) (*models.Request, error)
	ListRequestsForBatch(ctx context.Context, batchID int64) ([]*models.Request, error)
	ListRequestsForBatchInState(ctx context.Context, batchID int64, state models.RequestState) ([]*models.Request, error)
	TransitionRequest(ctx context.Context, requestID int64, action string) (*models.Request, error)
	UpdateRequestResult(ctx context.Context, requestID int64, responsePayload []byte, errMsg *string) error

	// Delivery attempts
	InsertDeliveryAttempt(ctx context.Context, attempt *models.RequestDeliveryAttempt) error
	ListDeliveryAttempts(ctx context.Context, requestID int64) ([]*models.RequestDeliveryAttempt, error)

	// Lifecycle
	IsHealthy() bool
	Close()
}
