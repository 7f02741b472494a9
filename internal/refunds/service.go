package refunds

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"payrail/internal/refs"
)

// Publisher carries refund-execution intents onto the dispatch queue.
// Delivery is at least once; publishing the same refund twice is safe
// because execution no-ops on terminal refunds.
type Publisher interface {
	Publish(ctx context.Context, refundID uuid.UUID) error
}

// GatewayResolver selects the acquirer-specific execution strategy.
type GatewayResolver interface {
	Resolve(code AcquirerCode) (Gateway, error)
}

// Service is the refund orchestrator: it owns the idempotency guard,
// the state machine, and every public refund operation.
type Service struct {
	store     Store
	gateways  GatewayResolver
	directory Directory
	publisher Publisher
	logf      func(format string, args ...any)
	now       func() time.Time
}

// NewService constructs the orchestrator.
func NewService(store Store, gateways GatewayResolver, directory Directory, publisher Publisher, logf func(format string, args ...any)) *Service {
	if logf == nil {
		logf = log.Printf
	}
	return &Service{
		store:     store,
		gateways:  gateways,
		directory: directory,
		publisher: publisher,
		logf:      logf,
		now:       time.Now,
	}
}

// ExecuteRefund creates and immediately executes a refund against the
// sale's acquirer. A refund the store leaves in PENDING is returned
// without an acquirer call; the sweeper picks it up later. On acquirer
// failure the refund is declined with the failure description and the
// acquirer error propagates to the caller.
func (s *Service) ExecuteRefund(ctx context.Context, intent CreateRefund) (ExecuteRefundResponse, error) {
	if intent.IdempotencyKey != "" {
		resp, found, err := s.replayExistingRefund(ctx, intent)
		if err != nil {
			return ExecuteRefundResponse{}, err
		}
		if found {
			return resp, nil
		}
	}

	sale, err := s.store.FindSaleByReference(ctx, intent.SaleReference)
	if err != nil {
		return ExecuteRefundResponse{}, err
	}
	if err := s.validateRefundsTotal(ctx, sale, intent); err != nil {
		return ExecuteRefundResponse{}, err
	}

	refund, err := s.store.PersistRefund(ctx, intent, sale)
	if err != nil {
		return ExecuteRefundResponse{}, err
	}
	if refund.Status == StatusPending {
		s.logf("refund %s is pending, no acquirer call made", refund.Reference)
		return ExecuteRefundResponse{Reference: refund.Reference, Status: StatusPending}, nil
	}

	resp, err := s.executeWithAcquirer(ctx, refund)
	if err != nil {
		s.declineOnAcquirerError(ctx, refund, err)
		return ExecuteRefundResponse{}, err
	}
	return resp, nil
}

// AcceptRefund creates a refund and publishes its execution intent to
// the dispatch queue, keeping the acquirer round trip off the caller's
// critical path. A refund the store leaves in PENDING publishes no
// message yet; the sweeper will.
func (s *Service) AcceptRefund(ctx context.Context, intent CreateRefund) (ExecuteRefundResponse, error) {
	if intent.IdempotencyKey != "" {
		resp, found, err := s.replayExistingRefund(ctx, intent)
		if err != nil {
			return ExecuteRefundResponse{}, err
		}
		if found {
			return resp, nil
		}
	}

	sale, err := s.store.FindSaleByReference(ctx, intent.SaleReference)
	if err != nil {
		return ExecuteRefundResponse{}, err
	}
	if err := s.validateRefundsTotal(ctx, sale, intent); err != nil {
		return ExecuteRefundResponse{}, err
	}

	refund, err := s.store.PersistRefund(ctx, intent, sale)
	if err != nil {
		return ExecuteRefundResponse{}, err
	}
	if refund.Status == StatusPending {
		s.logf("refund %s is pending, no execution intent published", refund.Reference)
		return ExecuteRefundResponse{Reference: refund.Reference, Status: StatusPending}, nil
	}

	if err := s.publisher.Publish(ctx, refund.ID); err != nil {
		// The refund stays CREATING; the sweeper republishes it.
		return ExecuteRefundResponse{}, fmt.Errorf("publish refund %s: %w", refund.Reference, err)
	}
	s.logf("accepted refund %s on sale %s", refund.Reference, intent.SaleReference)
	return ExecuteRefundResponse{Reference: refund.Reference, Status: StatusCreating}, nil
}

// SubmitRefund executes one queued refund intent. It re-reads the
// refund from the store, so delayed or duplicated deliveries act on
// current state; refunds already in a terminal state make no second
// acquirer call.
func (s *Service) SubmitRefund(ctx context.Context, refundID uuid.UUID) error {
	refund, err := s.store.FindRefundByID(ctx, refundID)
	if err != nil {
		return err
	}
	if err := s.store.AddEvent(ctx, refund.ID, EventProcessing); err != nil {
		return err
	}

	if _, err := s.executeWithAcquirer(ctx, refund); err != nil {
		s.declineOnAcquirerError(ctx, refund, err)
		return err
	}
	return nil
}

// GetRefundDetails loads a refund by its external reference.
func (s *Service) GetRefundDetails(ctx context.Context, reference string) (Refund, error) {
	id, err := refs.Decode(refs.KindRefund, reference)
	if err != nil {
		return Refund{}, RefundNotFoundError{Reference: reference}
	}
	return s.store.FindRefundByID(ctx, id)
}

// SubmitPendingRefunds re-publishes execution intents for refunds that
// have sat in PENDING or CREATING past their acquirer's timeout,
// returning how many it republished. CREATING refunds are covered so a
// failed acquirer call or a failed publish cannot strand a refund
// outside a terminal state. Redundant publication is harmless:
// execution no-ops on terminal refunds.
func (s *Service) SubmitPendingRefunds(ctx context.Context) (int, error) {
	acquirers, err := s.directory.Acquirers(ctx)
	if err != nil {
		return 0, err
	}

	republished := 0
	var errs []error
	for _, acquirer := range acquirers {
		cutoff := s.now().Add(-acquirer.PendingTimeout)
		stuck, err := s.store.StalledRefundsBefore(ctx, acquirer.Code, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("acquirer %s: %w", acquirer.Code, err))
			continue
		}
		for _, refund := range stuck {
			if err := s.publisher.Publish(ctx, refund.ID); err != nil {
				errs = append(errs, fmt.Errorf("republish refund %s: %w", refund.Reference, err))
				continue
			}
			republished++
			s.logf("republished stalled refund %s for acquirer %s", refund.Reference, acquirer.Code)
		}
	}
	return republished, errors.Join(errs...)
}

// HandleRefundEvent records a refund the acquirer initiated on its own
// side. No idempotency or amount check applies: the funds already
// moved. A sale that cannot be resolved is fatal to the event.
func (s *Service) HandleRefundEvent(ctx context.Context, event AcquirerRefundEvent) error {
	sale, err := s.store.FindSaleByToken(ctx, event.SaleToken)
	if err != nil {
		return fmt.Errorf("refund event %s from acquirer %s: %w", event.RefundToken, event.AcquirerCode, err)
	}
	refund, err := s.store.CreateRefundForEvent(ctx, event, sale)
	if err != nil {
		return err
	}
	s.logf("recorded acquirer-initiated refund %s from %s on sale token %s", refund.Reference, event.AcquirerCode, event.SaleToken)
	return nil
}

// replayExistingRefund is the idempotency fast path: an existing refund
// for (sale, amount, key) is answered without creating a second row.
// The store's uniqueness constraint, not this check, is what makes
// concurrent duplicates converge.
func (s *Service) replayExistingRefund(ctx context.Context, intent CreateRefund) (ExecuteRefundResponse, bool, error) {
	saleID, err := refs.Decode(refs.KindSale, intent.SaleReference)
	if err != nil {
		return ExecuteRefundResponse{}, false, SaleNotFoundError{Reference: intent.SaleReference}
	}
	existing, found, err := s.store.FindRefundByIdempotency(ctx, saleID, intent.Amount, intent.IdempotencyKey)
	if err != nil || !found {
		return ExecuteRefundResponse{}, false, err
	}
	if existing.Status == StatusCreating {
		return ExecuteRefundResponse{Reference: existing.Reference, Status: StatusCreating}, true, nil
	}
	return ExecuteRefundResponse{
		Reference:        existing.Reference,
		Status:           existing.Status,
		AcquirerResponse: existing.AcquirerResponse,
	}, true, nil
}

// validateRefundsTotal re-checks the whole-sale invariant: CREATED
// refunds plus the incoming amount must not exceed the sale amount.
func (s *Service) validateRefundsTotal(ctx context.Context, sale Sale, intent CreateRefund) error {
	total := intent.Amount
	existing, err := s.store.RefundsOnSale(ctx, sale.ID)
	if err != nil {
		return err
	}
	for _, refund := range existing {
		if refund.Status == StatusCreated {
			total = total.Add(refund.Amount)
		}
	}
	if total.GreaterThan(sale.Amount) {
		return ConstraintViolationError{Message: "total refund amount exceeds sale amount"}
	}
	return nil
}

// executeWithAcquirer dispatches the refund to its acquirer's gateway
// and records the response. Terminal refunds return their existing
// outcome without calling the acquirer again; if the conditional
// CREATED write loses a race to a concurrent delivery, the refund is
// re-read and that outcome returned instead.
func (s *Service) executeWithAcquirer(ctx context.Context, refund Refund) (ExecuteRefundResponse, error) {
	if refund.Status.Terminal() {
		return ExecuteRefundResponse{
			Reference:        refund.Reference,
			Status:           refund.Status,
			AcquirerResponse: refund.AcquirerResponse,
		}, nil
	}

	gateway, err := s.gateways.Resolve(refund.AcquirerCode)
	if err != nil {
		return ExecuteRefundResponse{}, err
	}
	response, err := gateway.ExecuteRefund(ctx, refund)
	if err != nil {
		return ExecuteRefundResponse{}, err
	}

	applied, err := s.store.UpdateWithAcquirerResponse(ctx, refund.ID, response)
	if err != nil {
		return ExecuteRefundResponse{}, err
	}
	if !applied {
		current, err := s.store.FindRefundByID(ctx, refund.ID)
		if err != nil {
			return ExecuteRefundResponse{}, err
		}
		return ExecuteRefundResponse{
			Reference:        current.Reference,
			Status:           current.Status,
			AcquirerResponse: current.AcquirerResponse,
		}, nil
	}
	return ExecuteRefundResponse{
		Reference:        refund.Reference,
		Status:           StatusCreated,
		AcquirerResponse: response,
	}, nil
}

// declineOnAcquirerError durably records an acquirer failure as a
// decline. The write happens even though the triggering error will
// propagate; only acquirer API errors are recorded. Anything else
// leaves the refund non-terminal for the sweeper to republish.
func (s *Service) declineOnAcquirerError(ctx context.Context, refund Refund, err error) {
	var apiErr *AcquirerAPIError
	if !errors.As(err, &apiErr) {
		return
	}
	applied, declineErr := s.store.DeclineRefund(ctx, refund.ID, apiErr.Description)
	if declineErr != nil {
		s.logf("decline refund %s: %v", refund.Reference, declineErr)
		return
	}
	if !applied {
		s.logf("refund %s already terminal, decline not recorded", refund.Reference)
		return
	}
	s.logf("declined refund %s: %s", refund.Reference, apiErr.Description)
}
