package providerclient

import (
	"context"
	"errors"
	"time"

	"github.com/batchrelay/batchrelay/internal/monitoring"
)

// pollInterval is how often a call blocked on RPMLimiter.Allow rechecks.
const pollInterval = 50 * time.Millisecond

// RateLimited wraps a Client so every call waits for RPMLimiter.Allow before
// reaching the provider (spec.md §6 ProviderConfig.RPM), and records each
// call's outcome via Metrics.RecordProviderCall. Waiting rather than
// rejecting matches the Lifecycle Engine/JobRunner's suspension-point model
// (spec.md §5): a blocked call just occupies its worker slot a little longer.
type RateLimited struct {
	Client
	limiter *RPMLimiter
	metrics *monitoring.Metrics
}

// NewRateLimited returns a Client that rate-limits every call through limiter.
func NewRateLimited(c Client, limiter *RPMLimiter) *RateLimited {
	return &RateLimited{Client: c, limiter: limiter}
}

// SetMetrics attaches a Metrics recorder; nil (the default) records nothing.
func (r *RateLimited) SetMetrics(m *monitoring.Metrics) { r.metrics = m }

func (r *RateLimited) wait(ctx context.Context) error {
	for !r.limiter.Allow() {
		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *RateLimited) record(operation string, err error) {
	if r.metrics == nil {
		return
	}
	r.metrics.RecordProviderCall(operation, outcomeLabel(err))
}

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	var perr *Error
	if errors.As(err, &perr) {
		return string(perr.Kind)
	}
	return "error"
}

func (r *RateLimited) UploadFile(ctx context.Context, path string) (*UploadResult, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	res, err := r.Client.UploadFile(ctx, path)
	r.record("upload_file", err)
	return res, err
}

func (r *RateLimited) CreateBatch(ctx context.Context, inputFileID, endpoint, completionWindow string) (*CreateBatchResult, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	res, err := r.Client.CreateBatch(ctx, inputFileID, endpoint, completionWindow)
	r.record("create_batch", err)
	return res, err
}

func (r *RateLimited) CheckStatus(ctx context.Context, providerBatchID string) (*StatusResult, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	res, err := r.Client.CheckStatus(ctx, providerBatchID)
	r.record("check_status", err)
	return res, err
}

func (r *RateLimited) CancelBatch(ctx context.Context, providerBatchID string) error {
	if err := r.wait(ctx); err != nil {
		return err
	}
	err := r.Client.CancelBatch(ctx, providerBatchID)
	r.record("cancel_batch", err)
	return err
}

func (r *RateLimited) DownloadFile(ctx context.Context, fileID, destPath string) (string, error) {
	if err := r.wait(ctx); err != nil {
		return "", err
	}
	res, err := r.Client.DownloadFile(ctx, fileID, destPath)
	r.record("download_file", err)
	return res, err
}

func (r *RateLimited) DeleteFile(ctx context.Context, fileID string) error {
	if err := r.wait(ctx); err != nil {
		return err
	}
	err := r.Client.DeleteFile(ctx, fileID)
	r.record("delete_file", err)
	return err
}

func (r *RateLimited) RetrieveFileMetadata(ctx context.Context, fileID string) (*FileMetadata, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	res, err := r.Client.RetrieveFileMetadata(ctx, fileID)
	r.record("retrieve_file_metadata", err)
	return res, err
}

var _ Client = (*RateLimited)(nil)
