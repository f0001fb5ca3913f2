package aggregator

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchrelay/batchrelay/internal/bus"
	"github.com/batchrelay/batchrelay/internal/store"
	"github.com/batchrelay/batchrelay/internal/store/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAdmission(customID string) Admission {
	return Admission{
		CustomID:       customID,
		RequestPayload: []byte(`{"input":"hi"}`),
		DeliveryConfig: models.DeliveryConfig{Kind: models.DeliveryWebhook, URL: "http://localhost/hook"},
	}
}

func TestRegistry_Admit_CreatesBatchAndAccumulates(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	r := New(st, bus.New(), Config{}, testLogger())

	req1, err := r.Admit(ctx, models.EndpointResponses, "gpt-5", testAdmission("cid-1"))
	require.NoError(t, err)

	req2, err := r.Admit(ctx, models.EndpointResponses, "gpt-5", testAdmission("cid-2"))
	require.NoError(t, err)

	assert.Equal(t, req1.BatchID, req2.BatchID)

	snap, ok := r.State(models.EndpointResponses, "gpt-5")
	require.True(t, ok)
	assert.Equal(t, 2, snap.RequestCount)
}

func TestRegistry_Admit_DuplicateCustomIDRejected(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	r := New(st, bus.New(), Config{}, testLogger())

	_, err := r.Admit(ctx, models.EndpointResponses, "gpt-5", testAdmission("cid-1"))
	require.NoError(t, err)

	_, err = r.Admit(ctx, models.EndpointResponses, "gpt-5", testAdmission("cid-1"))
	assert.ErrorIs(t, err, models.ErrCustomIDAlreadyTaken)
}

func TestRegistry_Admit_DistinctKeysGetDistinctBatches(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	r := New(st, bus.New(), Config{}, testLogger())

	reqA, err := r.Admit(ctx, models.EndpointResponses, "gpt-5", testAdmission("cid-1"))
	require.NoError(t, err)
	reqB, err := r.Admit(ctx, models.EndpointResponses, "gpt-4o-mini", testAdmission("cid-1"))
	require.NoError(t, err)

	assert.NotEqual(t, reqA.BatchID, reqB.BatchID)
}

func TestRegistry_Admit_CapacityClosesBatchThenOpensNewOne(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	r := New(st, bus.New(), Config{MaxRequestsPerBatch: 2}, testLogger())

	_, err := r.Admit(ctx, models.EndpointResponses, "gpt-5", testAdmission("cid-1"))
	require.NoError(t, err)
	req2, err := r.Admit(ctx, models.EndpointResponses, "gpt-5", testAdmission("cid-2"))
	require.NoError(t, err)

	// The batch is now at capacity (2/2); the closure happened inline with
	// the second admit, so the Batch should already be out of `building`.
	batch, err := st.GetBatch(ctx, req2.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchUploading, batch.State)

	// A third admit for the same key must open a brand new Batch.
	req3, err := r.Admit(ctx, models.EndpointResponses, "gpt-5", testAdmission("cid-3"))
	require.NoError(t, err)
	assert.NotEqual(t, req2.BatchID, req3.BatchID)
}

func TestRegistry_Admit_RejectsWhenIncomingWouldOverflowBytes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	r := New(st, bus.New(), Config{MaxBatchSizeBytes: 10}, testLogger())

	big := testAdmission("cid-1")
	big.RequestPayload = make([]byte, 20)

	_, err := r.Admit(ctx, models.EndpointResponses, "gpt-5", big)
	assert.ErrorIs(t, err, ErrBatchFull)
}

func TestRegistry_Flush_ClosesOpenBatch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	r := New(st, bus.New(), Config{}, testLogger())

	req, err := r.Admit(ctx, models.EndpointResponses, "gpt-5", testAdmission("cid-1"))
	require.NoError(t, err)

	require.NoError(t, r.Flush(ctx, models.EndpointResponses, "gpt-5"))

	batch, err := st.GetBatch(ctx, req.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchUploading, batch.State)

	_, ok := r.State(models.EndpointResponses, "gpt-5")
	assert.False(t, ok, "flushed actor must retire")
}

func TestRegistry_Admit_SelfTerminatesOnExternalStateChange(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	b := bus.New()
	r := New(st, b, Config{}, testLogger())

	req, err := r.Admit(ctx, models.EndpointResponses, "gpt-5", testAdmission("cid-1"))
	require.NoError(t, err)

	// Simulate an out-of-band transition (e.g. expire_stale_building closing
	// the batch) and give the actor's watcher goroutine a chance to run.
	_, err = st.TransitionBatch(ctx, req.BatchID, "start_upload")
	require.NoError(t, err)
	b.Publish(bus.BatchStateChangedTopic(req.BatchID), req.BatchID)

	require.Eventually(t, func() bool {
		_, ok := r.State(models.EndpointResponses, "gpt-5")
		return !ok
	}, time.Second, time.Millisecond, "actor should self-terminate after the state-changed event")
}
