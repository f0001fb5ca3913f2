// Package models defines batchrelay's persisted entities: Batch, Request,
// their append-only transition logs, and delivery attempts.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Endpoint is the provider-side API path a Batch targets.
type Endpoint string

const (
	EndpointResponses        Endpoint = "responses"
	EndpointChatCompletions  Endpoint = "chat_completions"
	EndpointCompletions      Endpoint = "completions"
	EndpointEmbeddings       Endpoint = "embeddings"
	EndpointModerations      Endpoint = "moderations"
)

func (e Endpoint) Valid() bool {
	switch e {
	case EndpointResponses, EndpointChatCompletions, EndpointCompletions, EndpointEmbeddings, EndpointModerations:
		return true
	}
	return false
}

// BatchState is a state in the Batch lifecycle state machine (spec.md §4.2).
type BatchState string

const (
	BatchBuilding            BatchState = "building"
	BatchUploading           BatchState = "uploading"
	BatchUploaded            BatchState = "uploaded"
	BatchProviderProcessing  BatchState = "provider_processing"
	BatchExpired             BatchState = "expired"
	BatchProviderCompleted   BatchState = "provider_completed"
	BatchDownloading         BatchState = "downloading"
	BatchReadyToDeliver      BatchState = "ready_to_deliver"
	BatchDelivering          BatchState = "delivering"
	BatchDelivered           BatchState = "delivered"
	BatchPartiallyDelivered  BatchState = "partially_delivered"
	BatchDeliveryFailed      BatchState = "delivery_failed"
	BatchFailed              BatchState = "failed"
	BatchCancelled           BatchState = "cancelled"
)

// Terminal reports whether a Batch in this state will never transition again.
func (s BatchState) Terminal() bool {
	switch s {
	case BatchDelivered, BatchFailed, BatchCancelled:
		return true
	}
	return false
}

// RequestState is a state in the Request lifecycle state machine (spec.md §4.3).
type RequestState string

const (
	RequestPending             RequestState = "pending"
	RequestProviderProcessing  RequestState = "provider_processing"
	RequestProviderProcessed   RequestState = "provider_processed"
	RequestDelivering          RequestState = "delivering"
	RequestDelivered           RequestState = "delivered"
	RequestFailed              RequestState = "failed"
	RequestDeliveryFailed      RequestState = "delivery_failed"
	RequestExpired             RequestState = "expired"
	RequestCancelled           RequestState = "cancelled"
)

// Terminal reports whether a Request in this state will never transition again.
func (s RequestState) Terminal() bool {
	switch s {
	case RequestDelivered, RequestFailed, RequestDeliveryFailed, RequestExpired, RequestCancelled:
		return true
	}
	return false
}

// Outcome is the closed set of delivery outcomes a sink may return (spec.md §4.6).
type Outcome string

const (
	OutcomeSuccess               Outcome = "success"
	OutcomeAuthorizationError    Outcome = "authorization_error"
	OutcomeHTTPStatusNot2xx      Outcome = "http_status_not_2xx"
	OutcomeTimeout               Outcome = "timeout"
	OutcomeConnectionError       Outcome = "connection_error"
	OutcomeExchangeNotFound      Outcome = "exchange_not_found"
	OutcomeQueueNotFound         Outcome = "queue_not_found"
	OutcomeRabbitMQNotConfigured Outcome = "rabbitmq_not_configured"
	OutcomeOther                 Outcome = "other"
)

// Transient reports whether a delivery outcome should be retried (spec.md §4.6 table).
func (o Outcome) Transient() bool {
	switch o {
	case OutcomeHTTPStatusNot2xx, OutcomeTimeout, OutcomeConnectionError:
		return true
	}
	return false
}

// DeliveryKind distinguishes the two DeliveryConfig shapes.
type DeliveryKind string

const (
	DeliveryWebhook DeliveryKind = "webhook"
	DeliveryQueue   DeliveryKind = "queue"
)

// DeliveryConfig is the tagged union described in spec.md §4.5.
type DeliveryConfig struct {
	Kind DeliveryKind `json:"kind"`

	// webhook
	URL string `json:"url,omitempty"`

	// queue
	QueueName string `json:"queue_name,omitempty"`
	Exchange  string `json:"exchange,omitempty"`
	RoutingKey string `json:"routing_key,omitempty"`
}

// Validate enforces spec.md §4.6's DeliveryConfig well-formedness rules.
func (c DeliveryConfig) Validate() error {
	switch c.Kind {
	case DeliveryWebhook:
		return validateWebhookURL(c.URL)
	case DeliveryQueue:
		hasQueueOnly := c.QueueName != "" && c.Exchange == "" && c.RoutingKey == ""
		hasExchangeForm := c.Exchange != "" && c.RoutingKey != ""
		if hasQueueOnly || hasExchangeForm {
			return nil
		}
		return fmt.Errorf("%w: queue delivery requires either queue_name or (exchange + routing_key)", ErrValidationFailed)
	default:
		return fmt.Errorf("%w: unknown delivery kind %q", ErrValidationFailed, c.Kind)
	}
}

func validateWebhookURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: webhook url is required", ErrValidationFailed)
	}
	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return fmt.Errorf("%w: webhook url must be http or https", ErrValidationFailed)
	}
	rest := raw[strings.Index(raw, "://")+3:]
	host := rest
	if idx := strings.IndexAny(rest, "/:"); idx >= 0 {
		host = rest[:idx]
	}
	if host == "" {
		return fmt.Errorf("%w: webhook url host is empty", ErrValidationFailed)
	}
	if host == "localhost" || strings.Contains(host, ".") {
		return nil
	}
	return fmt.Errorf("%w: webhook url host %q must be localhost or contain a dot", ErrValidationFailed, host)
}

// Batch is the persisted grouping of Requests submitted together to the provider.
type Batch struct {
	ID       int64
	Endpoint Endpoint
	Model    string
	State    BatchState

	ProviderInputFileID  *string
	ProviderOutputFileID *string
	ProviderErrorFileID  *string
	ProviderBatchID      *string

	ProviderStatusLastCheckedAt *time.Time
	ExpiresAt                   *time.Time

	UsageInputTokens     int64
	UsageOutputTokens    int64
	UsageCachedTokens    int64
	UsageReasoningTokens int64

	RequestCount int
	SizeBytes    int64

	ErrorMsg *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Request is a single LLM call, identified externally by CustomID.
type Request struct {
	ID       int64
	BatchID  int64
	CustomID string
	Endpoint Endpoint
	Model    string
	State    RequestState

	RequestPayload     []byte // canonical JSON
	RequestPayloadSize int64

	DeliveryConfig DeliveryConfig

	ResponsePayload []byte
	ErrorMsg        *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BatchTransition is an append-only audit row for a Batch state change.
type BatchTransition struct {
	ID             int64
	BatchID        int64
	From           *BatchState
	To             BatchState
	Action         string
	TransitionedAt time.Time
}

// RequestTransition is an append-only audit row for a Request state change.
type RequestTransition struct {
	ID             int64
	RequestID      int64
	From           *RequestState
	To             RequestState
	Action         string
	TransitionedAt time.Time
}

// RequestDeliveryAttempt is an append-only record of one physical delivery attempt.
type RequestDeliveryAttempt struct {
	ID             int64
	RequestID      int64
	DeliveryConfig DeliveryConfig
	Outcome        Outcome
	ErrorMsg       *string
	AttemptedAt    time.Time
}

// Errors surfaced to callers (spec.md §7).
var (
	ErrCustomIDAlreadyTaken = errors.New("batchrelay: custom_id already taken")
	ErrBatchFull            = errors.New("batchrelay: batch full")
	ErrBatchNotBuilding     = errors.New("batchrelay: batch not building")
	ErrValidationFailed     = errors.New("batchrelay: validation failed")
	ErrMaintenanceMode      = errors.New("batchrelay: maintenance mode")
	ErrWrongState           = errors.New("batchrelay: wrong state")
	ErrNotFound             = errors.New("batchrelay: not found")
)
