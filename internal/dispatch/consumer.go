package dispatch

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"payrail/internal/refunds"
)

// Submitter executes one queued refund intent.
type Submitter interface {
	SubmitRefund(ctx context.Context, refundID uuid.UUID) error
}

// Queue is the consumer-side surface of the dispatch queue.
type Queue interface {
	Fetch(ctx context.Context, group, consumer string, block time.Duration, count int64) ([]Message, error)
	Ack(ctx context.Context, group, messageID string) error
	DeadLetter(ctx context.Context, group string, msg Message, reason string) error
}

// Consumer drains the dispatch queue and hands each refund intent to
// the orchestrator. Delivery is at least once; the orchestrator's
// terminal-state guard makes redelivery harmless.
type Consumer struct {
	queue      Queue
	submit     Submitter
	group      string
	name       string
	block      time.Duration
	batch      int64
	retryDelay time.Duration
	logf       func(format string, args ...any)
}

// NewConsumer constructs a consumer identified by name within the group.
func NewConsumer(queue Queue, submit Submitter, group, name string, logf func(format string, args ...any)) *Consumer {
	if logf == nil {
		logf = log.Printf
	}
	return &Consumer{
		queue:      queue,
		submit:     submit,
		group:      group,
		name:       name,
		block:      5 * time.Second,
		batch:      16,
		retryDelay: time.Second,
		logf:       logf,
	}
}

// Run fetches and processes messages until the context ends.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		messages, err := c.queue.Fetch(ctx, c.group, c.name, c.block, c.batch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logf("fetch dispatch messages: %v", err)
			// A broken connection fails immediately instead of honoring
			// the block timeout, so wait before the next attempt.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay):
			}
			continue
		}
		for _, msg := range messages {
			c.process(ctx, msg)
		}
	}
}

// process executes one message and decides its fate: ack on success or
// recorded decline, dead-letter on anything that can never succeed,
// leave unacked (for redelivery) on transient failure.
func (c *Consumer) process(ctx context.Context, msg Message) {
	refundID, err := uuid.Parse(msg.RefundID)
	if err != nil {
		c.logf("dead-lettering malformed message %s: %v", msg.ID, err)
		if dlErr := c.queue.DeadLetter(ctx, c.group, msg, "malformed refund id"); dlErr != nil {
			c.logf("dead-letter %s: %v", msg.ID, dlErr)
		}
		return
	}

	err = c.submit.SubmitRefund(ctx, refundID)
	var notFound refunds.RefundNotFoundError
	switch {
	case err == nil:
		// Done, or the refund was already terminal and execution no-oped.
	case errors.As(err, &notFound):
		c.logf("dead-lettering message %s: %v", msg.ID, err)
		if dlErr := c.queue.DeadLetter(ctx, c.group, msg, err.Error()); dlErr != nil {
			c.logf("dead-letter %s: %v", msg.ID, dlErr)
		}
		return
	case isAcquirerAPIError(err):
		// The decline is already recorded on the refund; the message is done.
		c.logf("refund %s declined: %v", refundID, err)
	default:
		c.logf("submit refund %s failed, leaving for redelivery: %v", refundID, err)
		return
	}

	if ackErr := c.queue.Ack(ctx, c.group, msg.ID); ackErr != nil {
		c.logf("ack %s: %v", msg.ID, ackErr)
	}
}

func isAcquirerAPIError(err error) bool {
	var apiErr *refunds.AcquirerAPIError
	return errors.As(err, &apiErr)
}
