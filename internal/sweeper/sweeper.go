// Package sweeper periodically recovers refunds stuck in PENDING or
// CREATING by asking the orchestrator to re-publish their execution
// intents.
package sweeper

import (
	"context"
	"log"
	"time"
)

// Orchestrator is the only surface the sweeper talks to.
type Orchestrator interface {
	SubmitPendingRefunds(ctx context.Context) (int, error)
}

// Sweeper runs the stalled-refund reconciliation on a fixed interval,
// independent of request handling.
type Sweeper struct {
	orch     Orchestrator
	interval time.Duration
	logf     func(format string, args ...any)
}

// New constructs a sweeper ticking at the given interval.
func New(orch Orchestrator, interval time.Duration, logf func(format string, args ...any)) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logf == nil {
		logf = log.Printf
	}
	return &Sweeper{orch: orch, interval: interval, logf: logf}
}

// Run sweeps until the context ends. Sweep failures are logged, not
// fatal: the next tick tries again.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := s.orch.SubmitPendingRefunds(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logf("sweep stalled refunds: %v", err)
				continue
			}
			if n > 0 {
				s.logf("republished %d stalled refunds", n)
			}
		}
	}
}
