// Package delivery implements the Delivery Engine (spec.md §4.6/§4.7): it
// dispatches a provider-processed Request's result to its configured sink,
// records the outcome, and drives both the Request and its parent Batch
// through their delivery-side transitions.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/batchrelay/batchrelay/internal/bus"
	"github.com/batchrelay/batchrelay/internal/monitoring"
	"github.com/batchrelay/batchrelay/internal/store"
	"github.com/batchrelay/batchrelay/internal/store/models"
)

// Sink interface { Publish(...) Result } is declared in sink.go.

// Config is the Delivery Engine's deployment policy (spec.md §4.6 "Retry control").
type Config struct {
	MaxAttempts  int
	DisableRetry bool
}

// Engine wires the Store, Bus and sink adapters together.
type Engine struct {
	store   store.Store
	bus     *bus.Bus
	webhook Sink
	queue   Sink
	cfg     Config
	logger  *slog.Logger
	metrics *monitoring.Metrics
}

// SetMetrics attaches a Metrics recorder; nil (the default) records nothing.
func (e *Engine) SetMetrics(m *monitoring.Metrics) { e.metrics = m }

// NewEngine returns an Engine. Either sink may be nil if that delivery kind
// is unused by the deployment; a Request configured for a nil sink fails
// with OutcomeOther.
func NewEngine(st store.Store, b *bus.Bus, webhook, queue Sink, cfg Config, logger *slog.Logger) *Engine {
	if cfg.DisableRetry {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Engine{store: st, bus: b, webhook: webhook, queue: queue, cfg: cfg, logger: logger}
}

func (e *Engine) sinkFor(cfg models.DeliveryConfig) Sink {
	switch cfg.Kind {
	case models.DeliveryWebhook:
		return e.webhook
	case models.DeliveryQueue:
		return e.queue
	default:
		return nil
	}
}

// Deliver runs the per-Request delivery algorithm (spec.md §4.6 steps 1-7)
// for one attempt. The caller (JobRunner) is responsible for scheduling
// retries when it returns retry=true.
func (e *Engine) Deliver(ctx context.Context, requestID int64) (retry bool, err error) {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return false, fmt.Errorf("delivery: load request %d: %w", requestID, err)
	}

	if req.State == models.RequestProviderProcessed {
		req, err = e.store.TransitionRequest(ctx, requestID, "start_delivering")
		if err != nil {
			return false, fmt.Errorf("delivery: start_delivering request %d: %w", requestID, err)
		}
	}

	attempts, err := e.store.ListDeliveryAttempts(ctx, requestID)
	if err != nil {
		return false, fmt.Errorf("delivery: list attempts for request %d: %w", requestID, err)
	}
	attemptNo := len(attempts) + 1

	sink := e.sinkFor(req.DeliveryConfig)
	var result Result
	start := time.Now()
	if sink == nil {
		result = Result{Outcome: models.OutcomeOther, ErrorMsg: fmt.Sprintf("no sink configured for delivery kind %q", req.DeliveryConfig.Kind)}
	} else {
		result = sink.Publish(ctx, req.DeliveryConfig, req.ResponsePayload)
	}
	if e.metrics != nil {
		e.metrics.RecordDeliveryAttempt(string(req.DeliveryConfig.Kind), string(result.Outcome), time.Since(start))
	}

	attempt := &models.RequestDeliveryAttempt{
		RequestID:      requestID,
		DeliveryConfig: req.DeliveryConfig,
		Outcome:        result.Outcome,
		AttemptedAt:    time.Now().UTC(),
	}
	if result.ErrorMsg != "" {
		msg := result.ErrorMsg
		attempt.ErrorMsg = &msg
	}
	if err := e.store.InsertDeliveryAttempt(ctx, attempt); err != nil {
		return false, fmt.Errorf("delivery: insert attempt for request %d: %w", requestID, err)
	}

	if result.Outcome == models.OutcomeSuccess {
		if _, err := e.store.TransitionRequest(ctx, requestID, "mark_delivered"); err != nil {
			return false, fmt.Errorf("delivery: mark_delivered request %d: %w", requestID, err)
		}
		e.enqueueCompletionCheck(req.BatchID)
		return false, nil
	}

	if result.Outcome.Transient() && attemptNo < e.cfg.MaxAttempts {
		e.logger.Warn("delivery attempt failed, will retry", "request_id", requestID, "attempt", attemptNo, "outcome", result.Outcome)
		return true, nil
	}

	if _, err := e.store.TransitionRequest(ctx, requestID, "mark_delivery_failed"); err != nil {
		return false, fmt.Errorf("delivery: mark_delivery_failed request %d: %w", requestID, err)
	}
	e.enqueueCompletionCheck(req.BatchID)
	return false, nil
}

func (e *Engine) enqueueCompletionCheck(batchID int64) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.BatchStateChangedTopic(batchID), batchID)
}

// CheckDeliveryCompletion implements spec.md §4.7: aggregate the Batch's
// child Request terminal-state counts and transition the Batch accordingly.
// It is a no-op while any Request is still non-terminal.
func (e *Engine) CheckDeliveryCompletion(ctx context.Context, batchID int64) error {
	counts, err := e.store.BatchTerminalCounts(ctx, batchID)
	if err != nil {
		return fmt.Errorf("delivery: terminal counts for batch %d: %w", batchID, err)
	}
	if counts.Pending > 0 {
		return nil
	}

	batch, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("delivery: load batch %d: %w", batchID, err)
	}
	if batch.State != models.BatchDelivering {
		return nil
	}

	var action string
	switch {
	case counts.Delivered == counts.Total:
		action = "mark_delivered"
	case counts.Delivered == 0:
		action = "mark_delivery_failed"
	default:
		action = "mark_partial"
	}

	if _, err := e.store.TransitionBatch(ctx, batchID, action); err != nil {
		return fmt.Errorf("delivery: %s batch %d: %w", action, batchID, err)
	}
	return nil
}

// RetryRequestDelivery implements spec.md §4.7 redelivery: valid iff the
// parent Batch is delivering, partially_delivered, or delivery_failed.
func (e *Engine) RetryRequestDelivery(ctx context.Context, requestID int64) error {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("delivery: load request %d: %w", requestID, err)
	}

	batch, err := e.store.GetBatch(ctx, req.BatchID)
	if err != nil {
		return fmt.Errorf("delivery: load batch %d: %w", req.BatchID, err)
	}

	switch batch.State {
	case models.BatchPartiallyDelivered, models.BatchDeliveryFailed:
		if _, err := e.store.TransitionBatch(ctx, batch.ID, "begin_redeliver"); err != nil {
			return fmt.Errorf("delivery: begin_redeliver batch %d: %w", batch.ID, err)
		}
	case models.BatchDelivering:
		// already in the right state
	default:
		return fmt.Errorf("%w: batch %d is %q, not eligible for redelivery", models.ErrValidationFailed, batch.ID, batch.State)
	}

	if _, err := e.store.TransitionRequest(ctx, requestID, "retry_delivery"); err != nil {
		return fmt.Errorf("delivery: retry_delivery request %d: %w", requestID, err)
	}
	return nil
}
