// Package webhooksink delivers a Request's result via HTTP POST, grounded
// on the teacher's internal/httputil manual net/http client pattern (no
// third-party HTTP client wrapper — stdlib is the teacher's own choice).
package webhooksink

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/batchrelay/batchrelay/internal/delivery"
	"github.com/batchrelay/batchrelay/internal/store/models"
)

const maxResponseBodyBytes = 64 * 1024

// Sink posts a Request's canonical JSON response to a webhook URL.
type Sink struct {
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// New returns a Sink with the given per-request timeout.
func New(timeout time.Duration, logger *slog.Logger) *Sink {
	return &Sink{
		http:    &http.Client{Timeout: timeout},
		timeout: timeout,
		logger:  logger,
	}
}

func (s *Sink) Publish(ctx context.Context, cfg models.DeliveryConfig, payload []byte) delivery.Result {
	if cfg.Kind != models.DeliveryWebhook {
		return delivery.Result{Outcome: models.OutcomeOther, ErrorMsg: "webhooksink invoked with non-webhook delivery config"}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return delivery.Result{Outcome: models.OutcomeOther, ErrorMsg: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		s.logger.Warn("webhook response body read failed", "error", err)
	}

	outcome := delivery.ClassifyHTTPStatus(resp.StatusCode)
	result := delivery.Result{Outcome: outcome}
	if outcome != models.OutcomeSuccess {
		result.ErrorMsg = "webhook returned status " + resp.Status
		if len(body) > 0 {
			result.ErrorMsg += ": " + string(body)
		}
	}
	return result
}

func classifyTransportError(err error) delivery.Result {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return delivery.Result{Outcome: models.OutcomeTimeout, ErrorMsg: err.Error()}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return delivery.Result{Outcome: models.OutcomeConnectionError, ErrorMsg: err.Error()}
	}
	return delivery.Result{Outcome: models.OutcomeConnectionError, ErrorMsg: err.Error()}
}

var _ delivery.Sink = (*Sink)(nil)
