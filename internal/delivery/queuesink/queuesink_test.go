package queuesink

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchrelay/batchrelay/internal/store/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSink_Publish_DisabledReturnsRabbitMQNotConfigured(t *testing.T) {
	s, err := New(Config{Enabled: false}, testLogger())
	require.NoError(t, err)

	result := s.Publish(context.Background(), models.DeliveryConfig{Kind: models.DeliveryQueue, QueueName: "q"}, []byte(`{}`))
	assert.Equal(t, models.OutcomeRabbitMQNotConfigured, result.Outcome)
}

func TestSink_Publish_WrongKindIsOther(t *testing.T) {
	s, err := New(Config{Enabled: false}, testLogger())
	require.NoError(t, err)

	result := s.Publish(context.Background(), models.DeliveryConfig{Kind: models.DeliveryWebhook, URL: "http://example.invalid"}, []byte(`{}`))
	assert.Equal(t, models.OutcomeOther, result.Outcome)
}

func TestSink_Publish_NotConnectedIsConnectionError(t *testing.T) {
	// Enabled but never successfully dialed: connected stays false, and New
	// only dials eagerly when Enabled, so simulate the "lost connection"
	// state directly rather than pointing at a real broker.
	s := &Sink{cfg: Config{Enabled: true}, logger: testLogger()}
	s.partitions = []*partition{{}}

	result := s.Publish(context.Background(), models.DeliveryConfig{Kind: models.DeliveryQueue, QueueName: "q"}, []byte(`{}`))
	assert.Equal(t, models.OutcomeConnectionError, result.Outcome)
}

func TestDestinationOf_PrefersExchangeForm(t *testing.T) {
	exchange, routingKey := destinationOf(models.DeliveryConfig{Kind: models.DeliveryQueue, Exchange: "ex", RoutingKey: "rk"})
	assert.Equal(t, "ex", exchange)
	assert.Equal(t, "rk", routingKey)

	exchange, routingKey = destinationOf(models.DeliveryConfig{Kind: models.DeliveryQueue, QueueName: "q"})
	assert.Equal(t, "", exchange)
	assert.Equal(t, "q", routingKey)
}

func TestPartitionFor_DeterministicAndDistributes(t *testing.T) {
	s := &Sink{partitions: make([]*partition, 4)}
	for i := range s.partitions {
		s.partitions[i] = &partition{}
	}

	a := s.partitionFor("ex", "rk1")
	b := s.partitionFor("ex", "rk1")
	assert.Same(t, a, b, "same destination must always hash to the same partition")

	seen := make(map[*partition]bool)
	for i := 0; i < 50; i++ {
		seen[s.partitionFor("ex", string(rune('a'+i)))] = true
	}
	assert.Greater(t, len(seen), 1, "distinct destinations should spread across partitions")
}
