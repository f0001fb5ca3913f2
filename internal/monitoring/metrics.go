// Package monitoring exposes Prometheus metrics for the Aggregator, Lifecycle
// Engine, Result Processor and Delivery Engine.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BatchesCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchrelay_batches_created_total",
			Help: "Total number of Batches created, by endpoint and model",
		},
		[]string{"endpoint", "model"},
	)

	BatchTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchrelay_batch_transitions_total",
			Help: "Total number of Batch state transitions, by action and resulting state",
		},
		[]string{"action", "to_state"},
	)

	BatchesInState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "batchrelay_batches_in_state",
			Help: "Current number of Batches in each state",
		},
		[]string{"state"},
	)

	RequestsAdmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchrelay_requests_admitted_total",
			Help: "Total number of Requests successfully admitted, by endpoint and model",
		},
		[]string{"endpoint", "model"},
	)

	AdmitRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchrelay_admit_rejected_total",
			Help: "Total number of admit() rejections, by reason",
		},
		[]string{"reason"},
	)

	RequestTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchrelay_request_transitions_total",
			Help: "Total number of Request state transitions, by action and resulting state",
		},
		[]string{"action", "to_state"},
	)

	DeliveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchrelay_delivery_attempts_total",
			Help: "Total number of delivery attempts, by sink type and outcome",
		},
		[]string{"sink", "outcome"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batchrelay_delivery_duration_seconds",
			Help:    "Delivery attempt duration in seconds, by sink type",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"sink"},
	)

	DestinationCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "batchrelay_destination_cache_entries",
			Help: "Current number of entries in the queue sink destination cache",
		},
	)

	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchrelay_provider_calls_total",
			Help: "Total number of ProviderClient calls, by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	JobQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "batchrelay_job_queue_depth",
			Help: "Current number of buffered jobs per named queue",
		},
		[]string{"queue"},
	)
)

// Metrics gates all recording behind a single enable flag, so a deployment
// can disable Prometheus entirely without branching at every call site.
type Metrics struct {
	enabled bool
}

func New(enabled bool) *Metrics {
	return &Metrics{enabled: enabled}
}

func (m *Metrics) isEnabled() bool {
	return m.enabled
}

func (m *Metrics) RecordBatchCreated(endpoint, model string) {
	if !m.isEnabled() {
		return
	}
	BatchesCreatedTotal.WithLabelValues(endpoint, model).Inc()
}

func (m *Metrics) RecordBatchTransition(action, toState string) {
	if !m.isEnabled() {
		return
	}
	BatchTransitionsTotal.WithLabelValues(action, toState).Inc()
}

func (m *Metrics) SetBatchesInState(state string, count int) {
	if !m.isEnabled() {
		return
	}
	BatchesInState.WithLabelValues(state).Set(float64(count))
}

func (m *Metrics) RecordRequestAdmitted(endpoint, model string) {
	if !m.isEnabled() {
		return
	}
	RequestsAdmittedTotal.WithLabelValues(endpoint, model).Inc()
}

func (m *Metrics) RecordAdmitRejected(reason string) {
	if !m.isEnabled() {
		return
	}
	AdmitRejectedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordRequestTransition(action, toState string) {
	if !m.isEnabled() {
		return
	}
	RequestTransitionsTotal.WithLabelValues(action, toState).Inc()
}

func (m *Metrics) RecordDeliveryAttempt(sink, outcome string, duration time.Duration) {
	if !m.isEnabled() {
		return
	}
	DeliveryAttemptsTotal.WithLabelValues(sink, outcome).Inc()
	DeliveryDuration.WithLabelValues(sink).Observe(duration.Seconds())
}

func (m *Metrics) SetDestinationCacheSize(n int) {
	if !m.isEnabled() {
		return
	}
	DestinationCacheSize.Set(float64(n))
}

func (m *Metrics) RecordProviderCall(operation, outcome string) {
	if !m.isEnabled() {
		return
	}
	ProviderCallsTotal.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) SetJobQueueDepth(queue string, depth int) {
	if !m.isEnabled() {
		return
	}
	JobQueueDepth.WithLabelValues(queue).Set(float64(depth))
}
