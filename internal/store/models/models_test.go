package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeliveryConfig_Webhook_Valid(t *testing.T) {
	cfg := DeliveryConfig{Kind: DeliveryWebhook, URL: "https://example.com/hook"}
	assert.NoError(t, cfg.Validate())

	cfg = DeliveryConfig{Kind: DeliveryWebhook, URL: "http://localhost:4000/hook"}
	assert.NoError(t, cfg.Validate())
}

func TestDeliveryConfig_Webhook_NoDotNoLocalhostRejected(t *testing.T) {
	cfg := DeliveryConfig{Kind: DeliveryWebhook, URL: "http://internalhost/hook"}
	err := cfg.Validate()
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidationFailed))
}

func TestDeliveryConfig_Webhook_BadScheme(t *testing.T) {
	cfg := DeliveryConfig{Kind: DeliveryWebhook, URL: "ftp://example.com/hook"}
	assert.Error(t, cfg.Validate())
}

func TestDeliveryConfig_Queue_QueueNameOnly(t *testing.T) {
	cfg := DeliveryConfig{Kind: DeliveryQueue, QueueName: "results"}
	assert.NoError(t, cfg.Validate())
}

func TestDeliveryConfig_Queue_ExchangeAndRoutingKey(t *testing.T) {
	cfg := DeliveryConfig{Kind: DeliveryQueue, Exchange: "ex", RoutingKey: "rk"}
	assert.NoError(t, cfg.Validate())
}

func TestDeliveryConfig_Queue_ExchangeWithoutRoutingKeyRejected(t *testing.T) {
	cfg := DeliveryConfig{Kind: DeliveryQueue, Exchange: "ex"}
	assert.Error(t, cfg.Validate())
}

func TestDeliveryConfig_Queue_NeitherShapeRejected(t *testing.T) {
	cfg := DeliveryConfig{Kind: DeliveryQueue}
	err := cfg.Validate()
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidationFailed))
}

func TestEndpoint_Valid(t *testing.T) {
	assert.True(t, EndpointResponses.Valid())
	assert.True(t, EndpointEmbeddings.Valid())
	assert.False(t, Endpoint("bogus").Valid())
}

func TestOutcome_Transient(t *testing.T) {
	assert.True(t, OutcomeHTTPStatusNot2xx.Transient())
	assert.True(t, OutcomeTimeout.Transient())
	assert.True(t, OutcomeConnectionError.Transient())
	assert.False(t, OutcomeSuccess.Transient())
	assert.False(t, OutcomeAuthorizationError.Transient())
	assert.False(t, OutcomeExchangeNotFound.Transient())
	assert.False(t, OutcomeQueueNotFound.Transient())
	assert.False(t, OutcomeRabbitMQNotConfigured.Transient())
	assert.False(t, OutcomeOther.Transient())
}

func TestBatchState_Terminal(t *testing.T) {
	assert.True(t, BatchDelivered.Terminal())
	assert.True(t, BatchFailed.Terminal())
	assert.True(t, BatchCancelled.Terminal())
	assert.False(t, BatchBuilding.Terminal())
	assert.False(t, BatchPartiallyDelivered.Terminal())
	assert.False(t, BatchDeliveryFailed.Terminal())
}

func TestRequestState_Terminal(t *testing.T) {
	assert.True(t, RequestDelivered.Terminal())
	assert.True(t, RequestFailed.Terminal())
	assert.True(t, RequestDeliveryFailed.Terminal())
	assert.True(t, RequestExpired.Terminal())
	assert.True(t, RequestCancelled.Terminal())
	assert.False(t, RequestPending.Terminal())
	assert.False(t, RequestProviderProcessing.Terminal())
	assert.False(t, RequestDelivering.Terminal())
}
