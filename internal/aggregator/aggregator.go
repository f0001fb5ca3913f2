// Package aggregator implements the Aggregator (spec.md §4.1): a registry of
// per-(endpoint, model) actors, each serializing admission of new Requests
// into the currently-open Batch for its key. The registry is a sharded
// map[key]*actor guarded by a registry-level mutex, with each actor owning
// its own mutex for the per-key serialization boundary — the shape spec.md
// §5 calls out explicitly ("sharded map key → (mutex, AggregatorState)").
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/batchrelay/batchrelay/internal/bus"
	"github.com/batchrelay/batchrelay/internal/config"
	"github.com/batchrelay/batchrelay/internal/logger"
	"github.com/batchrelay/batchrelay/internal/monitoring"
	"github.com/batchrelay/batchrelay/internal/store"
	"github.com/batchrelay/batchrelay/internal/store/models"
)

// debugPreviewFieldLength bounds DEBUG-logged payload field previews.
const debugPreviewFieldLength = 200

// Errors surfaced to the Intake Facade (spec.md §4.1 "Error enum").
var (
	ErrBatchFull        = fmt.Errorf("%w: batch_full", models.ErrValidationFailed)
	ErrBatchNotBuilding = fmt.Errorf("%w: batch_not_building", models.ErrValidationFailed)
)

// Config bounds admission (spec.md §6 MAX_REQUESTS_PER_BATCH / MAX_BATCH_SIZE_BYTES).
type Config struct {
	MaxRequestsPerBatch int
	MaxBatchSizeBytes   int64
}

// Snapshot is the Aggregator's introspection view (the `state` operation).
type Snapshot struct {
	BatchID      int64
	RequestCount int
	SizeBytes    int64
	OpenedAt     time.Time
}

type key struct {
	endpoint models.Endpoint
	model    string
}

// Admission is the already-schema-validated input to admit (spec.md §4.1).
type Admission struct {
	CustomID       string
	RequestPayload []byte
	DeliveryConfig models.DeliveryConfig
}

type actor struct {
	mu        sync.Mutex
	key       key
	batchID   int64
	count     int
	sizeBytes int64
	openedAt  time.Time
	sub       *bus.Subscription
	done      bool
}

// Registry is the Aggregator's per-(endpoint, model) actor table.
type Registry struct {
	mu     sync.Mutex
	actors map[key]*actor

	store   store.Store
	bus     *bus.Bus
	cfg     Config
	logger  *slog.Logger
	metrics *monitoring.Metrics
}

// SetMetrics attaches a Metrics recorder; nil (the default) records nothing.
func (r *Registry) SetMetrics(m *monitoring.Metrics) { r.metrics = m }

// New returns an empty Registry.
func New(st store.Store, b *bus.Bus, cfg Config, logger *slog.Logger) *Registry {
	if cfg.MaxRequestsPerBatch <= 0 {
		cfg.MaxRequestsPerBatch = 50_000
	}
	if cfg.MaxBatchSizeBytes <= 0 {
		cfg.MaxBatchSizeBytes = 200 * 1024 * 1024
	}
	return &Registry{
		actors: make(map[key]*actor),
		store:  st,
		bus:    b,
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Registry) actorFor(k key) *actor {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.actors[k]; ok {
		return a
	}
	a := &actor{key: k}
	r.actors[k] = a
	return a
}

// Admit implements spec.md §4.1 admit(endpoint, model, request_data).
func (r *Registry) Admit(ctx context.Context, endpoint models.Endpoint, model string, in Admission) (*models.Request, error) {
	k := key{endpoint: endpoint, model: model}
	a := r.actorFor(k)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.done {
		// A concurrent admit already closed or self-terminated this actor;
		// the caller's retry will route to a fresh one via actorFor.
		r.recordRejected("batch_not_building")
		return nil, ErrBatchNotBuilding
	}

	if err := r.ensureBatch(ctx, a); err != nil {
		return nil, err
	}

	exists, err := r.store.CustomIDExists(ctx, a.batchID, in.CustomID)
	if err != nil {
		return nil, fmt.Errorf("aggregator: check custom_id: %w", err)
	}
	if exists {
		r.recordRejected("custom_id_already_taken")
		return nil, models.ErrCustomIDAlreadyTaken
	}

	incomingSize := int64(len(in.RequestPayload))
	if a.count+1 > r.cfg.MaxRequestsPerBatch || a.sizeBytes+incomingSize > r.cfg.MaxBatchSizeBytes {
		if err := r.closeAndTerminate(ctx, a); err != nil {
			return nil, fmt.Errorf("aggregator: close full batch: %w", err)
		}
		r.recordRejected("batch_full")
		return nil, ErrBatchFull
	}

	r.logger.Debug("aggregator: admitting request",
		"custom_id", in.CustomID, "request_payload", logger.TruncateLongFields(string(in.RequestPayload), debugPreviewFieldLength))

	req, err := r.store.CreateRequest(ctx, &models.Request{
		BatchID:            a.batchID,
		CustomID:           in.CustomID,
		Endpoint:           endpoint,
		Model:              model,
		RequestPayload:     in.RequestPayload,
		RequestPayloadSize: incomingSize,
		DeliveryConfig:     in.DeliveryConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("aggregator: create request: %w", err)
	}
	a.count++
	a.sizeBytes += incomingSize
	if a.sizeBytes >= config.SoftBatchSizeWarnBytes && a.sizeBytes-incomingSize < config.SoftBatchSizeWarnBytes {
		r.logger.Warn("aggregator: batch crossed soft size threshold",
			"batch_id", a.batchID, "size_bytes", a.sizeBytes, "threshold_bytes", config.SoftBatchSizeWarnBytes)
	}
	if r.metrics != nil {
		r.metrics.RecordRequestAdmitted(string(endpoint), model)
	}

	if a.count >= r.cfg.MaxRequestsPerBatch || a.sizeBytes >= r.cfg.MaxBatchSizeBytes {
		if err := r.closeAndTerminate(ctx, a); err != nil {
			r.logger.Error("aggregator: failed to close batch at capacity", "batch_id", a.batchID, "error", err)
		}
	}

	return req, nil
}

// ensureBatch loads or creates the actor's draft Batch and subscribes to its
// lifecycle events, loading counts from the Store (never from stale
// in-memory state) so a crashed-and-replaced actor never double-counts.
func (r *Registry) ensureBatch(ctx context.Context, a *actor) error {
	if a.batchID != 0 {
		return nil
	}

	batch, err := r.store.GetOpenBatch(ctx, a.key.endpoint, a.key.model)
	if err != nil {
		if err != models.ErrNotFound {
			return fmt.Errorf("aggregator: get open batch: %w", err)
		}
		batch, err = r.store.CreateBatch(ctx, a.key.endpoint, a.key.model)
		if err != nil {
			return fmt.Errorf("aggregator: create batch: %w", err)
		}
		if r.metrics != nil {
			r.metrics.RecordBatchCreated(string(a.key.endpoint), a.key.model)
		}
	}

	count, size, err := r.store.CountAndSizeForBatch(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("aggregator: count_and_size: %w", err)
	}

	a.batchID = batch.ID
	a.count = count
	a.sizeBytes = size
	a.openedAt = batch.CreatedAt
	if r.bus != nil {
		a.sub = r.bus.Subscribe(bus.BatchStateChangedTopic(batch.ID), 4)
		go r.watchSelfTermination(a, batch.ID)
	}
	return nil
}

func (r *Registry) watchSelfTermination(a *actor, batchID int64) {
	sub := a.sub
	if sub == nil {
		return
	}
	for range sub.C() {
		a.mu.Lock()
		stillCurrent := !a.done && a.batchID == batchID
		if stillCurrent {
			a.done = true
		}
		a.mu.Unlock()
		if stillCurrent {
			r.remove(a)
			return
		}
	}
}

func (r *Registry) recordRejected(reason string) {
	if r.metrics != nil {
		r.metrics.RecordAdmitRejected(reason)
	}
}

func (r *Registry) remove(a *actor) {
	r.mu.Lock()
	if r.actors[a.key] == a {
		delete(r.actors, a.key)
	}
	r.mu.Unlock()
}

// closeAndTerminate forces the actor's Batch out of `building` (spec.md §4.1
// step 6 / flush) and retires the actor; the caller must hold a.mu.
func (r *Registry) closeAndTerminate(ctx context.Context, a *actor) error {
	if _, err := r.store.TransitionBatch(ctx, a.batchID, "start_upload"); err != nil {
		return err
	}
	a.done = true
	if a.sub != nil {
		a.sub.Unsubscribe()
	}
	r.remove(a)
	return nil
}

// Flush implements spec.md §4.1 flush(endpoint, model): force closure of the
// current Batch, used by an age-based sweeper. It is a no-op if no actor
// currently holds an open Batch for this key.
func (r *Registry) Flush(ctx context.Context, endpoint models.Endpoint, model string) error {
	k := key{endpoint: endpoint, model: model}

	r.mu.Lock()
	a, ok := r.actors[k]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done || a.batchID == 0 {
		return nil
	}
	return r.closeAndTerminate(ctx, a)
}

// State implements spec.md §4.1 state(endpoint, model) → snapshot.
func (r *Registry) State(endpoint models.Endpoint, model string) (Snapshot, bool) {
	k := key{endpoint: endpoint, model: model}

	r.mu.Lock()
	a, ok := r.actors[k]
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done || a.batchID == 0 {
		return Snapshot{}, false
	}
	return Snapshot{BatchID: a.batchID, RequestCount: a.count, SizeBytes: a.sizeBytes, OpenedAt: a.openedAt}, true
}
