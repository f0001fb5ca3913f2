// Package delivery implements the Delivery Engine (spec.md §4.6/§4.7): the
// per-Request delivery algorithm, outcome classification, and batch-level
// completion detection, atop sink adapters in the webhooksink and queuesink
// subpackages.
package delivery

import (
	"context"

	"github.com/batchrelay/batchrelay/internal/store/models"
)

// Sink is the contract a delivery destination adapter implements (spec.md §6
// "Sinks contract"). Publish never returns a Go error for a delivery
// failure — failures are represented as an Outcome so the Engine can apply
// the same retry/terminal logic uniformly across sink types.
type Sink interface {
	Publish(ctx context.Context, cfg models.DeliveryConfig, payload []byte) Result
}

// Result is what a Sink returns for one publish attempt.
type Result struct {
	Outcome  models.Outcome
	ErrorMsg string
}
