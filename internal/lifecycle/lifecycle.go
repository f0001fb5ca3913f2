// Package lifecycle implements the Lifecycle Engine (spec.md §4.4): the set
// of JobRunner-triggered actions that move a Batch through upload, provider
// submission, polling, and expiry. Every action is idempotent under
// re-delivery because the underlying transitions are state-guarded
// (spec.md §4.2 "A transition rejected by the machine is an error to the
// caller, not a silent no-op" — re-running a completed action simply errors
// and the JobRunner drops it).
package lifecycle

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/batchrelay/batchrelay/internal/bus"
	"github.com/batchrelay/batchrelay/internal/providerclient"
	"github.com/batchrelay/batchrelay/internal/store"
	"github.com/batchrelay/batchrelay/internal/store/models"
)

// Config is the Lifecycle Engine's deployment policy.
type Config struct {
	StorageBase      string
	CompletionWindow string // e.g. "24h", passed through to ProviderClient.CreateBatch
	BuildingAgeLimit time.Duration
}

// Engine executes one Lifecycle action at a time against the Store and
// ProviderClient; the JobRunner decides when to call which method.
type Engine struct {
	store    store.Store
	provider providerclient.Client
	bus      *bus.Bus
	cfg      Config
	logger   *slog.Logger
}

// New returns an Engine.
func New(st store.Store, provider providerclient.Client, b *bus.Bus, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{store: st, provider: provider, bus: b, cfg: cfg, logger: logger}
}

func (e *Engine) notify(batchID int64) {
	if e.bus != nil {
		e.bus.Publish(bus.BatchStateChangedTopic(batchID), batchID)
	}
}

func (e *Engine) notifyDestroyed(batchID int64) {
	if e.bus != nil {
		e.bus.Publish(bus.BatchDestroyedTopic(batchID), batchID)
	}
}

func (e *Engine) batchFilePath(batchID int64) string {
	return filepath.Join(e.cfg.StorageBase, fmt.Sprintf("batch_%d.jsonl", batchID))
}

// endpointPaths maps a Batch's Endpoint to the provider-facing URL path
// written into each line of the batch file (spec.md §6).
var endpointPaths = map[models.Endpoint]string{
	models.EndpointResponses:       "/v1/responses",
	models.EndpointChatCompletions: "/v1/chat/completions",
	models.EndpointCompletions:     "/v1/completions",
	models.EndpointEmbeddings:      "/v1/embeddings",
	models.EndpointModerations:     "/v1/moderations",
}

type batchFileLine struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     json.RawMessage `json:"body"`
}

// ExpireStaleBuilding handles every Batch that has sat in `building` longer
// than BuildingAgeLimit: empty batches are deleted outright, non-empty
// batches move on to upload (spec.md §4.4 row 1).
func (e *Engine) ExpireStaleBuilding(ctx context.Context) error {
	ids, err := e.store.ListStaleBuildingBatches(ctx, time.Now().UTC().Add(-e.cfg.BuildingAgeLimit))
	if err != nil {
		return fmt.Errorf("lifecycle: list stale building batches: %w", err)
	}
	for _, id := range ids {
		if err := e.expireStaleBuildingOne(ctx, id); err != nil {
			e.logger.Error("lifecycle: expire_stale_building failed", "batch_id", id, "error", err)
		}
	}
	return nil
}

func (e *Engine) expireStaleBuildingOne(ctx context.Context, batchID int64) error {
	count, _, err := e.store.CountAndSizeForBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if count == 0 {
		if err := e.store.DeleteBatch(ctx, batchID); err != nil {
			return err
		}
		e.notifyDestroyed(batchID)
		return nil
	}
	if _, err := e.store.TransitionBatch(ctx, batchID, "start_upload"); err != nil {
		return err
	}
	e.notify(batchID)
	return nil
}

// Upload assembles the Batch's JSONL file on local storage, uploads it to
// the provider, and transitions uploading → uploaded (spec.md §4.4 row 2).
func (e *Engine) Upload(ctx context.Context, batchID int64) (err error) {
	defer e.failOnError(ctx, batchID, &err)

	requests, err := e.store.ListRequestsForBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("lifecycle: list requests for batch %d: %w", batchID, err)
	}

	path, err := e.writeBatchFile(batchID, requests)
	if err != nil {
		return fmt.Errorf("lifecycle: write batch file for batch %d: %w", batchID, err)
	}

	result, err := e.provider.UploadFile(ctx, path)
	if err != nil {
		return fmt.Errorf("lifecycle: upload_file for batch %d: %w", batchID, err)
	}

	if err := e.store.UpdateBatchProviderFields(ctx, batchID, store.BatchProviderUpdate{
		ProviderInputFileID: &result.InputFileID,
	}); err != nil {
		return fmt.Errorf("lifecycle: record provider_input_file_id for batch %d: %w", batchID, err)
	}

	if _, err := e.store.TransitionBatch(ctx, batchID, "upload"); err != nil {
		return fmt.Errorf("lifecycle: upload transition for batch %d: %w", batchID, err)
	}
	e.notify(batchID)
	return nil
}

func (e *Engine) writeBatchFile(batchID int64, requests []*models.Request) (string, error) {
	if err := os.MkdirAll(e.cfg.StorageBase, 0o755); err != nil {
		return "", err
	}
	path := e.batchFilePath(batchID)

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, req := range requests {
		line := batchFileLine{
			CustomID: req.CustomID,
			Method:   "POST",
			URL:      endpointPaths[req.Endpoint],
			Body:     json.RawMessage(req.RequestPayload),
		}
		encoded, err := json.Marshal(line)
		if err != nil {
			return "", err
		}
		if _, err := w.Write(encoded); err != nil {
			return "", err
		}
		if err := w.WriteByte('\n'); err != nil {
			return "", err
		}
	}
	return path, w.Flush()
}

// CreateProvider submits the uploaded file as a provider batch and
// transitions uploaded|expired → provider_processing (spec.md §4.4 row 3).
func (e *Engine) CreateProvider(ctx context.Context, batchID int64) (err error) {
	defer e.failOnError(ctx, batchID, &err)

	batch, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("lifecycle: load batch %d: %w", batchID, err)
	}
	if batch.ProviderInputFileID == nil {
		return fmt.Errorf("lifecycle: batch %d has no provider_input_file_id", batchID)
	}

	result, err := e.provider.CreateBatch(ctx, *batch.ProviderInputFileID, endpointPaths[batch.Endpoint], e.cfg.CompletionWindow)
	if err != nil {
		return fmt.Errorf("lifecycle: create_batch for batch %d: %w", batchID, err)
	}

	if err := e.store.UpdateBatchProviderFields(ctx, batchID, store.BatchProviderUpdate{
		ProviderBatchID: &result.ProviderBatchID,
		ExpiresAt:       result.ExpiresAt,
	}); err != nil {
		return fmt.Errorf("lifecycle: record provider_batch_id for batch %d: %w", batchID, err)
	}

	if _, err := e.store.TransitionBatch(ctx, batchID, "create_provider"); err != nil {
		return fmt.Errorf("lifecycle: create_provider transition for batch %d: %w", batchID, err)
	}
	e.notify(batchID)
	return nil
}

// CheckStatus polls the provider for this Batch's current status (spec.md
// §4.4 row 4). It is meant to be called periodically while the Batch is in
// provider_processing.
func (e *Engine) CheckStatus(ctx context.Context, batchID int64) (err error) {
	defer e.failOnError(ctx, batchID, &err)

	batch, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("lifecycle: load batch %d: %w", batchID, err)
	}
	if batch.ProviderBatchID == nil {
		return fmt.Errorf("lifecycle: batch %d has no provider_batch_id", batchID)
	}

	status, statusErr := e.provider.CheckStatus(ctx, *batch.ProviderBatchID)
	if statusErr != nil {
		// A transient provider/network error on a poll must not fail the
		// whole Batch (spec.md §4.4/§7): leave it in provider_processing so
		// the next sweep retries check_status instead of terminating it.
		e.logger.Warn("lifecycle: check_status poll failed, will retry", "batch_id", batchID, "error", statusErr)
		return nil
	}

	now := time.Now().UTC()
	update := store.BatchProviderUpdate{ProviderStatusLastCheckedAt: &now}
	if status.Usage != nil {
		update.UsageInputTokens = status.Usage.InputTokens
		update.UsageCachedTokens = status.Usage.CachedTokens
		update.UsageReasoningTokens = status.Usage.ReasoningTokens
		update.UsageOutputTokens = status.Usage.OutputTokens
	}

	switch status.Status {
	case providerclient.StatusCompleted:
		update.ProviderOutputFileID = status.OutputFileID
		update.ProviderErrorFileID = status.ErrorFileID
		if err := e.store.UpdateBatchProviderFields(ctx, batchID, update); err != nil {
			return fmt.Errorf("lifecycle: record completion fields for batch %d: %w", batchID, err)
		}
		if _, err := e.store.TransitionBatch(ctx, batchID, "finish_processing"); err != nil {
			return fmt.Errorf("lifecycle: finish_processing for batch %d: %w", batchID, err)
		}
		e.notify(batchID)
	case providerclient.StatusExpired:
		if err := e.store.UpdateBatchProviderFields(ctx, batchID, update); err != nil {
			return fmt.Errorf("lifecycle: record check timestamp for batch %d: %w", batchID, err)
		}
		if _, err := e.store.TransitionBatch(ctx, batchID, "mark_expired"); err != nil {
			return fmt.Errorf("lifecycle: mark_expired for batch %d: %w", batchID, err)
		}
		e.notify(batchID)
	case providerclient.StatusFailed:
		msg := "provider reported batch status failed"
		update.ErrorMsg = &msg
		if err := e.store.UpdateBatchProviderFields(ctx, batchID, update); err != nil {
			return fmt.Errorf("lifecycle: record failure for batch %d: %w", batchID, err)
		}
		if _, err := e.store.TransitionBatch(ctx, batchID, "fail"); err != nil {
			return fmt.Errorf("lifecycle: fail transition for batch %d: %w", batchID, err)
		}
		e.notify(batchID)
	default:
		if err := e.store.UpdateBatchProviderFields(ctx, batchID, update); err != nil {
			return fmt.Errorf("lifecycle: record check timestamp for batch %d: %w", batchID, err)
		}
	}
	return nil
}

// StartDownloading transitions provider_completed → downloading (spec.md
// §4.4 row 5); the Result Processor (internal/resultprocessor) does the
// actual work once the Batch is in `downloading`.
func (e *Engine) StartDownloading(ctx context.Context, batchID int64) (err error) {
	defer e.failOnError(ctx, batchID, &err)

	if _, err := e.store.TransitionBatch(ctx, batchID, "start_downloading"); err != nil {
		return fmt.Errorf("lifecycle: start_downloading for batch %d: %w", batchID, err)
	}
	e.notify(batchID)
	return nil
}

// DeleteExpiredBatch best-effort cancels the upstream provider batch, deletes
// its provider-side files and local JSONL file, and destroys the Batch row
// (spec.md §4.4 last row).
func (e *Engine) DeleteExpiredBatch(ctx context.Context, batchID int64) error {
	batch, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("lifecycle: load batch %d: %w", batchID, err)
	}

	if batch.ProviderBatchID != nil && !batch.State.Terminal() {
		if err := e.provider.CancelBatch(ctx, *batch.ProviderBatchID); err != nil {
			e.logger.Warn("lifecycle: best-effort cancel_batch failed", "batch_id", batchID, "error", err)
		}
	}
	for _, fileID := range []*string{batch.ProviderInputFileID, batch.ProviderOutputFileID, batch.ProviderErrorFileID} {
		if fileID == nil {
			continue
		}
		if err := e.provider.DeleteFile(ctx, *fileID); err != nil {
			e.logger.Warn("lifecycle: best-effort delete_file failed", "batch_id", batchID, "file_id", *fileID, "error", err)
		}
	}

	if err := os.Remove(e.batchFilePath(batchID)); err != nil && !os.IsNotExist(err) {
		e.logger.Warn("lifecycle: failed to remove local batch file", "batch_id", batchID, "error", err)
	}

	if err := e.store.DeleteBatch(ctx, batchID); err != nil {
		return fmt.Errorf("lifecycle: delete batch %d: %w", batchID, err)
	}
	e.notifyDestroyed(batchID)
	return nil
}

// failOnError transitions the Batch to `failed` when the wrapped action
// returns a non-nil error, per spec.md §4.5 step 7 (applied uniformly across
// Lifecycle actions, not just the Result Processor). A models.ErrWrongState
// error (the action's state guard no longer holds) leaves the Batch as it is.
func (e *Engine) failOnError(ctx context.Context, batchID int64, errp *error) {
	if *errp == nil || errors.Is(*errp, models.ErrWrongState) {
		return
	}
	if _, failErr := e.store.TransitionBatch(ctx, batchID, "fail"); failErr != nil {
		e.logger.Error("lifecycle: failed to mark batch failed", "batch_id", batchID, "error", failErr)
		return
	}
	e.notify(batchID)
}
