package statemachine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/batchrelay/batchrelay/internal/store/models"
)

func TestValidateBatchTransition_HappyPath(t *testing.T) {
	to, err := ValidateBatchTransition("start_upload", models.BatchBuilding)
	assert.NoError(t, err)
	assert.Equal(t, models.BatchUploading, to)

	to, err = ValidateBatchTransition("create_provider", models.BatchExpired)
	assert.NoError(t, err)
	assert.Equal(t, models.BatchProviderProcessing, to)
}

func TestValidateBatchTransition_WrongState(t *testing.T) {
	_, err := ValidateBatchTransition("start_upload", models.BatchDelivered)
	assert.True(t, errors.Is(err, models.ErrWrongState))
}

func TestValidateBatchTransition_CancelFromTerminalRejected(t *testing.T) {
	_, err := ValidateBatchTransition("cancel", models.BatchDelivered)
	assert.True(t, errors.Is(err, models.ErrWrongState))
}

func TestValidateBatchTransition_CancelFromNonTerminal(t *testing.T) {
	to, err := ValidateBatchTransition("cancel", models.BatchUploading)
	assert.NoError(t, err)
	assert.Equal(t, models.BatchCancelled, to)
}

func TestValidateBatchTransition_FailFromDeliveredRejected(t *testing.T) {
	_, err := ValidateBatchTransition("fail", models.BatchDelivered)
	assert.True(t, errors.Is(err, models.ErrWrongState))
}

func TestValidateBatchTransition_FailFromNonTerminal(t *testing.T) {
	to, err := ValidateBatchTransition("fail", models.BatchProviderProcessing)
	assert.NoError(t, err)
	assert.Equal(t, models.BatchFailed, to)
}

func TestValidateBatchTransition_UnknownAction(t *testing.T) {
	_, err := ValidateBatchTransition("nonexistent", models.BatchBuilding)
	assert.Error(t, err)
}

func TestValidateRequestTransition_HappyPath(t *testing.T) {
	to, err := ValidateRequestTransition("create_provider", models.RequestPending)
	assert.NoError(t, err)
	assert.Equal(t, models.RequestProviderProcessing, to)

	to, err = ValidateRequestTransition("record_result", models.RequestProviderProcessing)
	assert.NoError(t, err)
	assert.Equal(t, models.RequestProviderProcessed, to)
}

func TestValidateRequestTransition_RetryDeliveryFromDeliveredOrFailed(t *testing.T) {
	to, err := ValidateRequestTransition("retry_delivery", models.RequestDeliveryFailed)
	assert.NoError(t, err)
	assert.Equal(t, models.RequestProviderProcessed, to)

	to, err = ValidateRequestTransition("retry_delivery", models.RequestDelivered)
	assert.NoError(t, err)
	assert.Equal(t, models.RequestProviderProcessed, to)
}

func TestValidateRequestTransition_WrongState(t *testing.T) {
	_, err := ValidateRequestTransition("start_delivering", models.RequestPending)
	assert.True(t, errors.Is(err, models.ErrWrongState))
}

func TestValidateRequestTransition_CancelFromTerminalRejected(t *testing.T) {
	_, err := ValidateRequestTransition("cancel", models.RequestDelivered)
	assert.True(t, errors.Is(err, models.ErrWrongState))
}
