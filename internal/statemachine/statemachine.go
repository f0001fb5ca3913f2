// Package statemachine encodes the Batch and Request transition tables from
// spec.md §4.2/§4.3 as data, so the guarded store-level transition (a
// conditional `UPDATE ... WHERE state = expected`) can be validated against
// the same table the rest of the system reasons about.
package statemachine

import (
	"fmt"

	"github.com/batchrelay/batchrelay/internal/store/models"
)

// BatchTransitionRule is one (action, from-states, to-state) table entry.
type BatchTransitionRule struct {
	Action string
	From   []models.BatchState // empty means "any non-terminal"
	To     models.BatchState
}

// BatchTransitions is the table from spec.md §4.2.
var BatchTransitions = []BatchTransitionRule{
	{Action: "create", From: nil, To: models.BatchBuilding},
	{Action: "start_upload", From: []models.BatchState{models.BatchBuilding}, To: models.BatchUploading},
	{Action: "upload", From: []models.BatchState{models.BatchUploading}, To: models.BatchUploaded},
	{Action: "create_provider", From: []models.BatchState{models.BatchUploaded, models.BatchExpired}, To: models.BatchProviderProcessing},
	{Action: "mark_expired", From: []models.BatchState{models.BatchProviderProcessing}, To: models.BatchExpired},
	{Action: "finish_processing", From: []models.BatchState{models.BatchProviderProcessing}, To: models.BatchProviderCompleted},
	{Action: "start_downloading", From: []models.BatchState{models.BatchProviderCompleted}, To: models.BatchDownloading},
	{Action: "finalize", From: []models.BatchState{models.BatchDownloading}, To: models.BatchReadyToDeliver},
	{Action: "start_delivering", From: []models.BatchState{models.BatchReadyToDeliver}, To: models.BatchDelivering},
	{Action: "mark_delivered", From: []models.BatchState{models.BatchDelivering}, To: models.BatchDelivered},
	{Action: "mark_partial", From: []models.BatchState{models.BatchDelivering}, To: models.BatchPartiallyDelivered},
	{Action: "mark_delivery_failed", From: []models.BatchState{models.BatchDelivering}, To: models.BatchDeliveryFailed},
	{Action: "begin_redeliver", From: []models.BatchState{models.BatchPartiallyDelivered, models.BatchDeliveryFailed}, To: models.BatchDelivering},
	{Action: "fail", From: nil, To: models.BatchFailed}, // any non-terminal except delivered/cancelled
	{Action: "cancel", From: nil, To: models.BatchCancelled}, // any non-terminal
}

// RequestTransitionRule is one (action, from-states, to-state) table entry.
type RequestTransitionRule struct {
	Action string
	From   []models.RequestState
	To     models.RequestState
}

// RequestTransitions is the table from spec.md §4.3.
var RequestTransitions = []RequestTransitionRule{
	{Action: "create_provider", From: []models.RequestState{models.RequestPending}, To: models.RequestProviderProcessing},
	{Action: "record_result", From: []models.RequestState{models.RequestProviderProcessing}, To: models.RequestProviderProcessed},
	{Action: "record_provider_error", From: []models.RequestState{models.RequestProviderProcessing}, To: models.RequestFailed},
	{Action: "no_result_returned", From: []models.RequestState{models.RequestProviderProcessing}, To: models.RequestFailed},
	{Action: "start_delivering", From: []models.RequestState{models.RequestProviderProcessed}, To: models.RequestDelivering},
	{Action: "mark_delivered", From: []models.RequestState{models.RequestDelivering}, To: models.RequestDelivered},
	{Action: "mark_delivery_failed", From: []models.RequestState{models.RequestDelivering}, To: models.RequestDeliveryFailed},
	{Action: "retry_delivery", From: []models.RequestState{models.RequestDeliveryFailed, models.RequestDelivered}, To: models.RequestProviderProcessed},
	{Action: "mark_expired", From: []models.RequestState{models.RequestPending, models.RequestProviderProcessing}, To: models.RequestExpired},
	{Action: "cancel", From: nil, To: models.RequestCancelled}, // any non-terminal
}

// ValidateBatchTransition checks whether `action` may move a Batch currently
// in `from` to the rule's target state. It does not mutate anything — the
// actual guarded UPDATE lives in internal/store, which calls this to decide
// what WHERE clause to issue and to produce the same models.ErrWrongState on
// a client-side pre-check.
func ValidateBatchTransition(action string, from models.BatchState) (models.BatchState, error) {
	for _, rule := range BatchTransitions {
		if rule.Action != action {
			continue
		}
		if action == "fail" {
			if from.Terminal() {
				// fail is valid from any non-terminal state; Terminal()
				// covers delivered, failed and cancelled, all excluded.
				return "", fmt.Errorf("%w: action %q invalid from state %q", models.ErrWrongState, action, from)
			}
			return rule.To, nil
		}
		if action == "cancel" {
			if from.Terminal() {
				return "", fmt.Errorf("%w: action %q invalid from state %q", models.ErrWrongState, action, from)
			}
			return rule.To, nil
		}
		for _, s := range rule.From {
			if s == from {
				return rule.To, nil
			}
		}
		return "", fmt.Errorf("%w: action %q invalid from state %q", models.ErrWrongState, action, from)
	}
	return "", fmt.Errorf("batchrelay: unknown batch action %q", action)
}

// ValidateRequestTransition is the Request-side equivalent of ValidateBatchTransition.
func ValidateRequestTransition(action string, from models.RequestState) (models.RequestState, error) {
	for _, rule := range RequestTransitions {
		if rule.Action != action {
			continue
		}
		if action == "cancel" {
			if from.Terminal() {
				return "", fmt.Errorf("%w: action %q invalid from state %q", models.ErrWrongState, action, from)
			}
			return rule.To, nil
		}
		for _, s := range rule.From {
			if s == from {
				return rule.To, nil
			}
		}
		return "", fmt.Errorf("%w: action %q invalid from state %q", models.ErrWrongState, action, from)
	}
	return "", fmt.Errorf("batchrelay: unknown request action %q", action)
}
