package main

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"payrail/internal/dispatch"
	"payrail/internal/observability"
	"payrail/internal/refunds"
	"payrail/internal/sweeper"
)

// instrumentedSubmitter records call metrics for queue-driven refund
// execution. An acquirer API error means a decline was recorded.
type instrumentedSubmitter struct {
	base    dispatch.Submitter
	metrics *observability.Metrics
}

func (s instrumentedSubmitter) SubmitRefund(ctx context.Context, refundID uuid.UUID) error {
	span := s.metrics.Start("refunds.SubmitRefund")
	err := s.base.SubmitRefund(ctx, refundID)
	span.End(err)

	var apiErr *refunds.AcquirerAPIError
	if errors.As(err, &apiErr) {
		s.metrics.AddDeclined()
	}
	return err
}

// instrumentedQueue counts messages parked on the dead-letter stream.
type instrumentedQueue struct {
	dispatch.Queue
	metrics *observability.Metrics
}

func (q instrumentedQueue) DeadLetter(ctx context.Context, group string, msg dispatch.Message, reason string) error {
	err := q.Queue.DeadLetter(ctx, group, msg, reason)
	if err == nil {
		q.metrics.AddDeadLettered()
	}
	return err
}

// instrumentedOrchestrator times sweeps and counts republished intents.
type instrumentedOrchestrator struct {
	base    sweeper.Orchestrator
	metrics *observability.Metrics
}

func (o instrumentedOrchestrator) SubmitPendingRefunds(ctx context.Context) (int, error) {
	span := o.metrics.Start("refunds.SubmitPendingRefunds")
	n, err := o.base.SubmitPendingRefunds(ctx)
	span.End(err)
	o.metrics.AddSweepRepublished(int64(n))
	return n, err
}
