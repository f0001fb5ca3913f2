package delivery

import (
	"net/http"

	"github.com/batchrelay/batchrelay/internal/store/models"
)

// ClassifyHTTPStatus maps a webhook response status to an Outcome, grounded
// on the teacher's internal/proxy.ShouldRetryWithFallback status-code
// switch — here widened to the full outcome table (spec.md §4.6).
func ClassifyHTTPStatus(status int) models.Outcome {
	switch {
	case status >= 200 && status < 300:
		return models.OutcomeSuccess
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.OutcomeAuthorizationError
	default:
		return models.OutcomeHTTPStatusNot2xx
	}
}
