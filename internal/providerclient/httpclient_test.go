package providerclient

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHTTPClient_UploadFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/files", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"id": "file-abc", "bytes": 12})
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "batch.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("hello world\n"), 0o600))

	c := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, ReceiveTimeout: 5 * time.Second}, testLogger())
	result, err := c.UploadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "file-abc", result.InputFileID)
}

func TestHTTPClient_CreateBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/batches", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"id": "batch-1", "status": "validating"})
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, ReceiveTimeout: 5 * time.Second}, testLogger())
	result, err := c.CreateBatch(context.Background(), "file-abc", "/v1/responses", "24h")
	require.NoError(t, err)
	assert.Equal(t, "batch-1", result.ProviderBatchID)
	assert.Equal(t, StatusValidating, result.Status)
}

func TestHTTPClient_CheckStatus_Completed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status":         "completed",
			"output_file_id": "out-1",
			"usage":          map[string]any{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, ReceiveTimeout: 5 * time.Second}, testLogger())
	result, err := c.CheckStatus(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	require.NotNil(t, result.OutputFileID)
	assert.Equal(t, "out-1", *result.OutputFileID)
	require.NotNil(t, result.Usage)
	assert.Equal(t, int64(10), result.Usage.InputTokens)
}

func TestHTTPClient_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"bad key"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, ReceiveTimeout: 5 * time.Second}, testLogger())
	_, err := c.CheckStatus(context.Background(), "batch-1")
	require.Error(t, err)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrorUnauthorized, perr.Kind)
}

func TestHTTPClient_DeleteFile_NotFoundIsIdempotentOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, ReceiveTimeout: 5 * time.Second}, testLogger())
	err := c.DeleteFile(context.Background(), "missing")
	assert.NoError(t, err)
}

func TestHTTPClient_DownloadFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"custom_id":"cid-1"}` + "\n"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.jsonl")

	c := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, ReceiveTimeout: 5 * time.Second}, testLogger())
	path, err := c.DownloadFile(context.Background(), "out-1", dest)
	require.NoError(t, err)
	assert.Equal(t, dest, path)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Contains(t, string(data), "cid-1")
}
