// Package stream delivers kill reports from the upstream agent's durable
// stream using consumer-group semantics, so un-acked messages survive
// crashes and redeliver.
package stream

import (
	"context"

	"github.com/ashita-ai/medic/internal/model"
)

// Message is one delivery from the stream. Err carries a validation
// failure on the payload; the report is nil in that case and the consumer
// decides whether to acknowledge anyway.
type Message struct {
	ID     string
	Report *model.KillReport
	Err    error
}

// Listener yields kill-report messages and confirms their processing.
// The real and mock variants share this contract; the orchestrator does
// not distinguish them.
type Listener interface {
	// Listen returns a channel of deliveries. The channel closes when ctx
	// is cancelled.
	Listen(ctx context.Context) <-chan Message
	// Ack confirms end-to-end processing of a delivery. Callers must
	// persist the outcome first.
	Ack(ctx context.Context, id string) error
	// Close releases broker resources.
	Close() error
}
