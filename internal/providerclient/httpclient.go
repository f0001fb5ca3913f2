package providerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/batchrelay/batchrelay/internal/security"
)

const maxResponseBodyBytes = 10 * 1024 * 1024

// HTTPConfig configures the HTTP-based Client adapter.
type HTTPConfig struct {
	BaseURL        string
	APIKey         string
	ConnectTimeout time.Duration
	// ReceiveTimeout is generous (>=120s per spec.md §5) because uploads and
	// downloads move large multipart bodies.
	ReceiveTimeout time.Duration
}

// HTTPClient is the manual net/http ProviderClient adapter, grounded on the
// teacher's internal/httputil.FetchFromProxy: explicit context timeouts, a
// shared *http.Client, structured logging, and io.LimitReader on every body
// read.
type HTTPClient struct {
	cfg    HTTPConfig
	http   *http.Client
	logger *slog.Logger
}

// NewHTTPClient returns a ready-to-use HTTPClient.
func NewHTTPClient(cfg HTTPConfig, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.ReceiveTimeout,
		},
		logger: logger,
	}
}

func (c *HTTPClient) url(path string) string {
	return strings.TrimSuffix(c.cfg.BaseURL, "/") + path
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}

func (c *HTTPClient) classify(resp *http.Response, body []byte) *Error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &Error{Kind: ErrorUnauthorized, StatusCode: resp.StatusCode, Body: string(body)}
	case resp.StatusCode == http.StatusNotFound:
		return &Error{Kind: ErrorNotFound, StatusCode: resp.StatusCode, Body: string(body)}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return &Error{Kind: ErrorBadRequest, StatusCode: resp.StatusCode, Body: string(body)}
	case resp.StatusCode >= 500:
		return &Error{Kind: ErrorServer, StatusCode: resp.StatusCode, Body: string(body)}
	case resp.StatusCode >= 400:
		return &Error{Kind: ErrorHTTP, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ReceiveTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return nil, &Error{Kind: ErrorRequest, Err: fmt.Errorf("build request: %w", err)}
	}
	c.authorize(req)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.logger.Debug("provider request", "method", method, "path", path, "headers", security.MaskSensitiveHeaders(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("provider request failed", "method", method, "path", path, "error", err)
		return nil, &Error{Kind: ErrorRequest, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return nil, &Error{Kind: ErrorRequest, Err: fmt.Errorf("read response: %w", err)}
	}

	if classified := c.classify(resp, respBody); classified != nil {
		c.logger.Error("provider returned error status",
			"method", method, "path", path, "status", resp.StatusCode)
		return nil, classified
	}

	return respBody, nil
}

func (c *HTTPClient) UploadFile(ctx context.Context, path string) (*UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &Error{Kind: ErrorRequest, Err: fmt.Errorf("open batch file: %w", err)}
	}
	defer f.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("purpose", "batch"); err != nil {
		return nil, &Error{Kind: ErrorRequest, Err: err}
	}
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, &Error{Kind: ErrorRequest, Err: err}
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, &Error{Kind: ErrorRequest, Err: fmt.Errorf("stream batch file: %w", err)}
	}
	if err := writer.Close(); err != nil {
		return nil, &Error{Kind: ErrorRequest, Err: err}
	}

	respBody, err := c.do(ctx, http.MethodPost, "/v1/files", &buf, writer.FormDataContentType())
	if err != nil {
		return nil, err
	}

	var decoded struct {
		ID    string `json:"id"`
		Bytes int64  `json:"bytes"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, &Error{Kind: ErrorRequest, Err: fmt.Errorf("decode upload response: %w", err)}
	}
	return &UploadResult{InputFileID: decoded.ID, Bytes: decoded.Bytes}, nil
}

func (c *HTTPClient) CreateBatch(ctx context.Context, inputFileID, endpoint, completionWindow string) (*CreateBatchResult, error) {
	payload, err := json.Marshal(map[string]string{
		"input_file_id":     inputFileID,
		"endpoint":          endpoint,
		"completion_window": completionWindow,
	})
	if err != nil {
		return nil, &Error{Kind: ErrorRequest, Err: err}
	}

	respBody, err := c.do(ctx, http.MethodPost, "/v1/batches", bytes.NewReader(payload), "application/json")
	if err != nil {
		return nil, err
	}

	var decoded struct {
		ID        string  `json:"id"`
		Status    string  `json:"status"`
		ExpiresAt *int64  `json:"expires_at"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, &Error{Kind: ErrorRequest, Err: fmt.Errorf("decode create batch response: %w", err)}
	}

	result := &CreateBatchResult{ProviderBatchID: decoded.ID, Status: BatchStatus(decoded.Status)}
	if decoded.ExpiresAt != nil {
		t := time.Unix(*decoded.ExpiresAt, 0).UTC()
		result.ExpiresAt = &t
	}
	return result, nil
}

func (c *HTTPClient) CheckStatus(ctx context.Context, providerBatchID string) (*StatusResult, error) {
	respBody, err := c.do(ctx, http.MethodGet, "/v1/batches/"+providerBatchID, nil, "")
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Status       string `json:"status"`
		OutputFileID *string `json:"output_file_id"`
		ErrorFileID  *string `json:"error_file_id"`
		Usage        *struct {
			InputTokens     int64 `json:"input_tokens"`
			CachedTokens    int64 `json:"cached_tokens"`
			ReasoningTokens int64 `json:"reasoning_tokens"`
			OutputTokens    int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, &Error{Kind: ErrorRequest, Err: fmt.Errorf("decode status response: %w", err)}
	}

	result := &StatusResult{
		Status:       BatchStatus(decoded.Status),
		OutputFileID: decoded.OutputFileID,
		ErrorFileID:  decoded.ErrorFileID,
	}
	if decoded.Usage != nil {
		result.Usage = &Usage{
			InputTokens:     decoded.Usage.InputTokens,
			CachedTokens:    decoded.Usage.CachedTokens,
			ReasoningTokens: decoded.Usage.ReasoningTokens,
			OutputTokens:    decoded.Usage.OutputTokens,
		}
	}
	return result, nil
}

func (c *HTTPClient) CancelBatch(ctx context.Context, providerBatchID string) error {
	_, err := c.do(ctx, http.MethodPost, "/v1/batches/"+providerBatchID+"/cancel", nil, "")
	return err
}

func (c *HTTPClient) DownloadFile(ctx context.Context, fileID, destPath string) (string, error) {
	respBody, err := c.do(ctx, http.MethodGet, "/v1/files/"+fileID+"/content", nil, "")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(destPath, respBody, 0o600); err != nil {
		return "", &Error{Kind: ErrorRequest, Err: fmt.Errorf("write downloaded file: %w", err)}
	}
	return destPath, nil
}

func (c *HTTPClient) DeleteFile(ctx context.Context, fileID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/v1/files/"+fileID, nil, "")
	var perr *Error
	if err != nil && asError(err, &perr) && perr.Kind == ErrorNotFound {
		return nil // spec.md §9: deletion of an unknown file is idempotent ok
	}
	return err
}

func (c *HTTPClient) RetrieveFileMetadata(ctx context.Context, fileID string) (*FileMetadata, error) {
	respBody, err := c.do(ctx, http.MethodGet, "/v1/files/"+fileID, nil, "")
	if err != nil {
		return nil, err
	}

	var decoded struct {
		ID        string `json:"id"`
		Bytes     int64  `json:"bytes"`
		CreatedAt int64  `json:"created_at"`
		Purpose   string `json:"purpose"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, &Error{Kind: ErrorRequest, Err: fmt.Errorf("decode file metadata: %w", err)}
	}
	return &FileMetadata{
		ID:        decoded.ID,
		Bytes:     decoded.Bytes,
		CreatedAt: time.Unix(decoded.CreatedAt, 0).UTC(),
		Purpose:   decoded.Purpose,
	}, nil
}

func asError(err error, target **Error) bool {
	if e, ok := err.(*Error); ok {
		*target = e
		return true
	}
	return false
}

var _ Client = (*HTTPClient)(nil)
