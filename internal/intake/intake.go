// Package intake implements the Intake Facade (spec.md §4.8): the single
// synchronous admit(request) → {ok, request_view} | error entry point edges
// call into. It normalizes the two accepted input shapes from spec.md §6,
// revalidates the delivery config, enforces the maintenance gate, and hands
// the result to the Aggregator — retrying once on batch_full/batch_not_building
// since the Aggregator will already have opened a fresh Batch by then.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/batchrelay/batchrelay/internal/aggregator"
	"github.com/batchrelay/batchrelay/internal/store/models"
)

// MaintenanceGate is the process-wide runtime flag from spec.md §4.8/§9: when
// enabled, intake refuses new admissions with models.ErrMaintenanceMode.
type MaintenanceGate struct {
	enabled atomic.Bool
}

func (g *MaintenanceGate) Enable()       { g.enabled.Store(true) }
func (g *MaintenanceGate) Disable()      { g.enabled.Store(false) }
func (g *MaintenanceGate) Enabled() bool { return g.enabled.Load() }

// Record is the normalized internal shape both accepted input forms collapse
// into before admission (spec.md §6).
type Record struct {
	CustomID       string
	Endpoint       models.Endpoint
	Model          string
	RequestPayload []byte
	Delivery       models.DeliveryConfig
}

// pathEndpoints inverts the Lifecycle Engine's endpoint→URL table, letting
// the pre-normalized "per-line" input shape (§6 form 2) name its endpoint by
// URL the same way a provider batch file line does.
var pathEndpoints = map[string]models.Endpoint{
	"/v1/responses":        models.EndpointResponses,
	"/v1/chat/completions": models.EndpointChatCompletions,
	"/v1/completions":      models.EndpointCompletions,
	"/v1/embeddings":       models.EndpointEmbeddings,
	"/v1/moderations":      models.EndpointModerations,
}

// NewStructuredRecord builds a Record from input shape 1 (spec.md §6): a
// structured object naming endpoint and model directly.
func NewStructuredRecord(customID string, endpoint models.Endpoint, model string, requestPayload []byte, delivery models.DeliveryConfig) Record {
	return Record{
		CustomID:       customID,
		Endpoint:       endpoint,
		Model:          model,
		RequestPayload: requestPayload,
		Delivery:       delivery,
	}
}

// NewPerLineRecord builds a Record from input shape 2 (spec.md §6): the
// pre-normalized per-line form {custom_id, url, method:"POST", body,
// delivery_config}, as found in a provider batch file line. The model is
// recovered from the body's "model" field, the way every provider batch
// endpoint's request body names it.
func NewPerLineRecord(customID, url, method string, body []byte, delivery models.DeliveryConfig) (Record, error) {
	if method != "" && method != "POST" {
		return Record{}, fmt.Errorf("%w: unsupported method %q", models.ErrValidationFailed, method)
	}
	endpoint, ok := pathEndpoints[url]
	if !ok {
		return Record{}, fmt.Errorf("%w: unrecognized url %q", models.ErrValidationFailed, url)
	}
	var payload struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Record{}, fmt.Errorf("%w: body is not valid JSON: %v", models.ErrValidationFailed, err)
	}
	if payload.Model == "" {
		return Record{}, fmt.Errorf("%w: body is missing \"model\"", models.ErrValidationFailed)
	}
	return Record{
		CustomID:       customID,
		Endpoint:       endpoint,
		Model:          payload.Model,
		RequestPayload: body,
		Delivery:       delivery,
	}, nil
}

// validate checks the fields an Aggregator admission itself does not check
// (it trusts CustomID/RequestPayload/Delivery verbatim).
func (r Record) validate() error {
	if r.CustomID == "" {
		return fmt.Errorf("%w: custom_id is required", models.ErrValidationFailed)
	}
	if !r.Endpoint.Valid() {
		return fmt.Errorf("%w: unknown endpoint %q", models.ErrValidationFailed, r.Endpoint)
	}
	if r.Model == "" {
		return fmt.Errorf("%w: model is required", models.ErrValidationFailed)
	}
	if len(r.RequestPayload) == 0 {
		return fmt.Errorf("%w: request_payload is required", models.ErrValidationFailed)
	}
	return r.Delivery.Validate()
}

// RequestView is the {ok, request_view} success payload returned to callers.
type RequestView struct {
	ID       int64
	BatchID  int64
	CustomID string
	Endpoint models.Endpoint
	Model    string
	State    models.RequestState
}

// Facade is the Intake Facade (spec.md §4.8).
type Facade struct {
	registry *aggregator.Registry
	gate     *MaintenanceGate
}

// New returns a Facade backed by registry. gate may be nil, in which case
// the maintenance gate is always open.
func New(registry *aggregator.Registry, gate *MaintenanceGate) *Facade {
	return &Facade{registry: registry, gate: gate}
}

// Admit implements spec.md §4.8: validate, check the maintenance gate, admit
// into the Aggregator, retrying once on batch_full/batch_not_building.
func (f *Facade) Admit(ctx context.Context, rec Record) (*RequestView, error) {
	if err := rec.validate(); err != nil {
		return nil, err
	}
	if f.gate != nil && f.gate.Enabled() {
		return nil, models.ErrMaintenanceMode
	}

	in := aggregator.Admission{
		CustomID:       rec.CustomID,
		RequestPayload: rec.RequestPayload,
		DeliveryConfig: rec.Delivery,
	}

	req, err := f.registry.Admit(ctx, rec.Endpoint, rec.Model, in)
	if isRetryableAdmitError(err) {
		req, err = f.registry.Admit(ctx, rec.Endpoint, rec.Model, in)
	}
	if err != nil {
		return nil, err
	}

	return &RequestView{
		ID:       req.ID,
		BatchID:  req.BatchID,
		CustomID: req.CustomID,
		Endpoint: req.Endpoint,
		Model:    req.Model,
		State:    req.State,
	}, nil
}

func isRetryableAdmitError(err error) bool {
	return err == aggregator.ErrBatchFull || err == aggregator.ErrBatchNotBuilding
}
