package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Publisher is the producer-side surface of the dispatch queue.
type Publisher interface {
	Publish(ctx context.Context, refundID uuid.UUID) error
}

// Broadcaster pushes messages to connected clients.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// FanoutPublisher publishes the execution intent to the queue and then
// broadcasts a dispatch notification to realtime subscribers. The queue
// write is authoritative; a nil broadcaster just skips the fanout.
type FanoutPublisher struct {
	queue       Publisher
	broadcaster Broadcaster
	now         func() time.Time
}

// NewFanoutPublisher constructs a publisher that fans out to the queue
// and broadcaster.
func NewFanoutPublisher(queue Publisher, broadcaster Broadcaster) *FanoutPublisher {
	return &FanoutPublisher{queue: queue, broadcaster: broadcaster, now: time.Now}
}

// Publish writes to the queue then broadcasts the dispatch event.
func (p *FanoutPublisher) Publish(ctx context.Context, refundID uuid.UUID) error {
	if err := p.queue.Publish(ctx, refundID); err != nil {
		return err
	}

	payload := struct {
		Type       string    `json:"type"`
		RefundID   string    `json:"refund_id"`
		Dispatched time.Time `json:"dispatched_at"`
	}{
		Type:       "refund_dispatch",
		RefundID:   refundID.String(),
		Dispatched: p.now().UTC(),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if p.broadcaster != nil {
		p.broadcaster.Broadcast(data)
	}
	return nil
}
