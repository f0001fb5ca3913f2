package resultprocessor

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchrelay/batchrelay/internal/providerclient/fake"
	"github.com/batchrelay/batchrelay/internal/store"
	"github.com/batchrelay/batchrelay/internal/store/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupDownloadingBatch(t *testing.T, st store.Store) *models.Batch {
	t.Helper()
	ctx := context.Background()
	b, err := st.CreateBatch(ctx, models.EndpointResponses, "gpt-5")
	require.NoError(t, err)
	for _, action := range []string{"start_upload", "upload", "create_provider", "finish_processing", "start_downloading"} {
		b, err = st.TransitionBatch(ctx, b.ID, action)
		require.NoError(t, err)
	}
	return b
}

func newPendingRequest(t *testing.T, st store.Store, batchID int64, customID string) *models.Request {
	t.Helper()
	ctx := context.Background()
	req, err := st.CreateRequest(ctx, &models.Request{
		BatchID:        batchID,
		CustomID:       customID,
		Endpoint:       models.EndpointResponses,
		Model:          "gpt-5",
		RequestPayload: []byte(`{}`),
		DeliveryConfig: models.DeliveryConfig{Kind: models.DeliveryWebhook, URL: "http://localhost/hook"},
	})
	require.NoError(t, err)
	_, err = st.TransitionRequest(ctx, req.ID, "create_provider")
	require.NoError(t, err)
	return req
}

func TestProcessor_Process_SuccessAndErrorLines(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	b := setupDownloadingBatch(t, st)

	req1 := newPendingRequest(t, st, b.ID, "cid-1")
	req2 := newPendingRequest(t, st, b.ID, "cid-2")

	require.NoError(t, st.UpdateBatchProviderFields(ctx, b.ID, store.BatchProviderUpdate{
		ProviderOutputFileID: strPtr("out-1"),
	}))

	client := fake.New()
	client.SeedFile("out-1", []byte(
		`{"custom_id":"cid-1","response":{"status_code":200,"body":{"ok":true}}}`+"\n"+
			`{"custom_id":"cid-2","error":{"message":"boom"}}`+"\n"))

	tmp := t.TempDir()
	p := New(st, client, tmp, testLogger())

	require.NoError(t, p.Process(ctx, b.ID))

	got1, err := st.GetRequest(ctx, req1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestProviderProcessed, got1.State)
	assert.JSONEq(t, `{"ok":true}`, string(got1.ResponsePayload))

	got2, err := st.GetRequest(ctx, req2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestFailed, got2.State)
	require.NotNil(t, got2.ErrorMsg)

	batch, err := st.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchReadyToDeliver, batch.State)
}

func TestProcessor_Process_UnresolvedRequestFailsWithNoResult(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	b := setupDownloadingBatch(t, st)
	req := newPendingRequest(t, st, b.ID, "cid-missing")

	require.NoError(t, st.UpdateBatchProviderFields(ctx, b.ID, store.BatchProviderUpdate{
		ProviderOutputFileID: strPtr("out-empty"),
	}))

	client := fake.New()
	client.SeedFile("out-empty", []byte(""))

	p := New(st, client, t.TempDir(), testLogger())
	require.NoError(t, p.Process(ctx, b.ID))

	got, err := st.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestFailed, got.State)
	require.NotNil(t, got.ErrorMsg)
	assert.Contains(t, *got.ErrorMsg, "no result returned")
}

func TestProcessor_Process_IsResumableAcrossReruns(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	b := setupDownloadingBatch(t, st)
	req := newPendingRequest(t, st, b.ID, "cid-1")

	require.NoError(t, st.UpdateBatchProviderFields(ctx, b.ID, store.BatchProviderUpdate{
		ProviderOutputFileID: strPtr("out-1"),
	}))

	client := fake.New()
	client.SeedFile("out-1", []byte(`{"custom_id":"cid-1","response":{"status_code":200,"body":{"ok":true}}}`+"\n"))

	p := New(st, client, t.TempDir(), testLogger())
	require.NoError(t, p.Process(ctx, b.ID))

	got, err := st.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestProviderProcessed, got.State)

	// Re-processing the same output line must not re-transition the
	// already-resolved Request (the guarded transition would error).
	require.NoError(t, p.processFile(ctx, b.ID, "out-1"))

	got, err = st.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestProviderProcessed, got.State)
}

func strPtr(s string) *string { return &s }
