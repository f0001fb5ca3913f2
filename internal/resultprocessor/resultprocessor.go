// Package resultprocessor implements process_downloaded_file (spec.md §4.5):
// it downloads the provider's output (and optional error) file, streams it
// as newline-delimited JSON, and joins each line back to a Request by
// custom_id. Line scanning follows the teacher's bufio.Scanner-with-enlarged-
// buffer pattern from internal/converter's streaming transformers.
package resultprocessor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/batchrelay/batchrelay/internal/logger"
	"github.com/batchrelay/batchrelay/internal/providerclient"
	"github.com/batchrelay/batchrelay/internal/store"
	"github.com/batchrelay/batchrelay/internal/store/models"
)

const maxLineBytes = 16 * 1024 * 1024

// debugPreviewFieldLength bounds DEBUG-logged payload field previews.
const debugPreviewFieldLength = 200

// resultLine is one record of the provider's output or error file (spec.md §6).
type resultLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int             `json:"status_code"`
		Body       json.RawMessage `json:"body"`
	} `json:"response"`
	Error json.RawMessage `json:"error"`
}

// Processor downloads and joins a Batch's provider output back to Requests.
type Processor struct {
	store    store.Store
	provider providerclient.Client
	logger   *slog.Logger
	tempDir  string
}

// New returns a Processor. tempDir is where output/error files are staged
// before parsing; it must already exist and be writable.
func New(st store.Store, provider providerclient.Client, tempDir string, logger *slog.Logger) *Processor {
	return &Processor{store: st, provider: provider, tempDir: tempDir, logger: logger}
}

// Process runs spec.md §4.5 steps 1-7 for one Batch.
func (p *Processor) Process(ctx context.Context, batchID int64) (err error) {
	defer func() {
		if err != nil {
			if _, failErr := p.store.TransitionBatch(ctx, batchID, "fail"); failErr != nil {
				p.logger.Error("resultprocessor: failed to mark batch failed", "batch_id", batchID, "error", failErr)
			}
		}
	}()

	batch, err := p.store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("resultprocessor: load batch %d: %w", batchID, err)
	}
	if batch.ProviderOutputFileID == nil {
		return fmt.Errorf("resultprocessor: batch %d has no provider_output_file_id", batchID)
	}

	if err := p.processFile(ctx, batchID, *batch.ProviderOutputFileID); err != nil {
		return err
	}
	if batch.ProviderErrorFileID != nil {
		if err := p.processFile(ctx, batchID, *batch.ProviderErrorFileID); err != nil {
			return err
		}
	}

	if err := p.failUnresolvedRequests(ctx, batchID); err != nil {
		return err
	}

	if _, err := p.store.TransitionBatch(ctx, batchID, "finalize"); err != nil {
		return fmt.Errorf("resultprocessor: finalize batch %d: %w", batchID, err)
	}
	return nil
}

func (p *Processor) processFile(ctx context.Context, batchID int64, fileID string) error {
	destPath := fmt.Sprintf("%s/%s.jsonl", p.tempDir, fileID)
	path, err := p.provider.DownloadFile(ctx, fileID, destPath)
	if err != nil {
		return fmt.Errorf("resultprocessor: download file %s: %w", fileID, err)
	}
	defer os.Remove(path)

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("resultprocessor: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec resultLine
		if err := json.Unmarshal(line, &rec); err != nil {
			p.logger.Warn("resultprocessor: skipping malformed line", "file_id", fileID, "error", err)
			continue
		}
		if err := p.applyLine(ctx, batchID, rec); err != nil {
			p.logger.Warn("resultprocessor: failed to apply line", "custom_id", rec.CustomID, "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("resultprocessor: scan %s: %w", path, err)
	}
	return nil
}

func (p *Processor) applyLine(ctx context.Context, batchID int64, rec resultLine) error {
	req, err := p.store.GetRequestByBatchAndCustomID(ctx, batchID, rec.CustomID)
	if err != nil {
		return fmt.Errorf("lookup custom_id %q: %w", rec.CustomID, err)
	}
	if req.State != models.RequestProviderProcessing {
		// Already resolved by a prior (possibly interrupted) run of this
		// same file; transitions are guarded so re-applying is a no-op.
		return nil
	}

	if len(rec.Error) > 0 && string(rec.Error) != "null" {
		msg := string(rec.Error)
		if err := p.store.UpdateRequestResult(ctx, req.ID, nil, &msg); err != nil {
			return fmt.Errorf("set error_msg for %q: %w", rec.CustomID, err)
		}
		_, err := p.store.TransitionRequest(ctx, req.ID, "record_provider_error")
		return err
	}

	if rec.Response != nil {
		p.logger.Debug("resultprocessor: response payload",
			"custom_id", rec.CustomID, "body", logger.TruncateLongFields(string(rec.Response.Body), debugPreviewFieldLength))
		if err := p.store.UpdateRequestResult(ctx, req.ID, rec.Response.Body, nil); err != nil {
			return fmt.Errorf("set response_payload for %q: %w", rec.CustomID, err)
		}
		_, err := p.store.TransitionRequest(ctx, req.ID, "record_result")
		return err
	}

	return fmt.Errorf("line for %q has neither response nor error", rec.CustomID)
}

func (p *Processor) failUnresolvedRequests(ctx context.Context, batchID int64) error {
	stuck, err := p.store.ListRequestsForBatchInState(ctx, batchID, models.RequestProviderProcessing)
	if err != nil {
		return fmt.Errorf("resultprocessor: list unresolved requests for batch %d: %w", batchID, err)
	}
	for _, req := range stuck {
		msg := "no result returned for this custom_id"
		if err := p.store.UpdateRequestResult(ctx, req.ID, nil, &msg); err != nil {
			return fmt.Errorf("resultprocessor: set error_msg for request %d: %w", req.ID, err)
		}
		if _, err := p.store.TransitionRequest(ctx, req.ID, "no_result_returned"); err != nil {
			return fmt.Errorf("resultprocessor: no_result_returned for request %d: %w", req.ID, err)
		}
	}
	return nil
}
