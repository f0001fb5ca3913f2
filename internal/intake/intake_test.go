package intake

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchrelay/batchrelay/internal/aggregator"
	"github.com/batchrelay/batchrelay/internal/bus"
	"github.com/batchrelay/batchrelay/internal/store"
	"github.com/batchrelay/batchrelay/internal/store/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFacade(t *testing.T, cfg aggregator.Config) (*Facade, store.Store) {
	t.Helper()
	st := store.NewMemStore()
	reg := aggregator.New(st, bus.New(), cfg, testLogger())
	return New(reg, nil), st
}

func structuredRecord(customID string) Record {
	return NewStructuredRecord(customID, models.EndpointResponses, "gpt-5",
		[]byte(`{"input":"hi"}`),
		models.DeliveryConfig{Kind: models.DeliveryWebhook, URL: "http://localhost/hook"})
}

func TestFacade_Admit_StructuredShapeSucceeds(t *testing.T) {
	ctx := context.Background()
	f, _ := newFacade(t, aggregator.Config{})

	view, err := f.Admit(ctx, structuredRecord("cid-1"))
	require.NoError(t, err)
	assert.Equal(t, "cid-1", view.CustomID)
	assert.Equal(t, models.EndpointResponses, view.Endpoint)
	assert.Equal(t, models.RequestPending, view.State)
}

func TestFacade_Admit_PerLineShapeRecoversModelFromBody(t *testing.T) {
	ctx := context.Background()
	f, _ := newFacade(t, aggregator.Config{})

	rec, err := NewPerLineRecord("cid-1", "/v1/chat/completions", "POST",
		[]byte(`{"model":"gpt-4o-mini","messages":[]}`),
		models.DeliveryConfig{Kind: models.DeliveryWebhook, URL: "http://localhost/hook"})
	require.NoError(t, err)

	view, err := f.Admit(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", view.Model)
	assert.Equal(t, models.EndpointChatCompletions, view.Endpoint)
}

func TestNewPerLineRecord_UnknownURLFails(t *testing.T) {
	_, err := NewPerLineRecord("cid-1", "/v1/bogus", "POST", []byte(`{"model":"x"}`), models.DeliveryConfig{})
	assert.ErrorIs(t, err, models.ErrValidationFailed)
}

func TestNewPerLineRecord_MissingModelFails(t *testing.T) {
	_, err := NewPerLineRecord("cid-1", "/v1/responses", "POST", []byte(`{}`), models.DeliveryConfig{})
	assert.ErrorIs(t, err, models.ErrValidationFailed)
}

func TestFacade_Admit_InvalidDeliveryConfigRejected(t *testing.T) {
	ctx := context.Background()
	f, _ := newFacade(t, aggregator.Config{})

	rec := structuredRecord("cid-1")
	rec.Delivery = models.DeliveryConfig{Kind: models.DeliveryWebhook} // missing URL
	_, err := f.Admit(ctx, rec)
	assert.ErrorIs(t, err, models.ErrValidationFailed)
}

func TestFacade_Admit_DuplicateCustomIDPassesThroughAggregatorError(t *testing.T) {
	ctx := context.Background()
	f, _ := newFacade(t, aggregator.Config{})

	_, err := f.Admit(ctx, structuredRecord("cid-1"))
	require.NoError(t, err)

	_, err = f.Admit(ctx, structuredRecord("cid-1"))
	assert.ErrorIs(t, err, models.ErrCustomIDAlreadyTaken)
}

func TestFacade_Admit_MaintenanceModeRefusesIntake(t *testing.T) {
	ctx := context.Background()
	f, _ := newFacade(t, aggregator.Config{})
	gate := &MaintenanceGate{}
	gate.Enable()
	f.gate = gate

	_, err := f.Admit(ctx, structuredRecord("cid-1"))
	assert.ErrorIs(t, err, models.ErrMaintenanceMode)

	gate.Disable()
	_, err = f.Admit(ctx, structuredRecord("cid-1"))
	assert.NoError(t, err)
}

func TestFacade_Admit_OpensFreshBatchAfterCapacityClose(t *testing.T) {
	ctx := context.Background()
	f, _ := newFacade(t, aggregator.Config{MaxRequestsPerBatch: 1})

	view1, err := f.Admit(ctx, structuredRecord("cid-1"))
	require.NoError(t, err)

	// The batch is now at capacity and closed; a second admit for the same
	// key must transparently land in a freshly opened Batch.
	view2, err := f.Admit(ctx, structuredRecord("cid-2"))
	require.NoError(t, err)
	assert.NotEqual(t, view1.BatchID, view2.BatchID)
}

func TestIsRetryableAdmitError(t *testing.T) {
	assert.True(t, isRetryableAdmitError(aggregator.ErrBatchFull))
	assert.True(t, isRetryableAdmitError(aggregator.ErrBatchNotBuilding))
	assert.False(t, isRetryableAdmitError(errors.New("other")))
	assert.False(t, isRetryableAdmitError(nil))
}
