package refunds

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SortField names a sortable refund column.
type SortField string

const (
	SortByCreated  SortField = "created"
	SortByModified SortField = "modified"
	SortByAmount   SortField = "amount"
	SortByStatus   SortField = "status"
)

// SortDirection orders search results.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// SearchCriteria filters refunds for search and last-modified lookups.
// Zero values mean "not filtered": a Nil CardID matches any card and an
// empty Status matches any status.
type SearchCriteria struct {
	CustomerReference string
	CardID            uuid.UUID
	Start             time.Time
	End               time.Time
	Status            Status
}

// PageRequest selects one page of search results. Page is 1-based.
type PageRequest struct {
	Page      int
	Limit     int
	SortBy    SortField
	Direction SortDirection
}

// PagedRefunds is one page of search results with pagination totals.
type PagedRefunds struct {
	Refunds    []Refund
	Page       int
	TotalPages int
	TotalCount int
}

// Store abstracts refund and sale persistence.
//
// Required invariants of any implementation:
//   - PersistRefund enforces at most one row per (sale, amount,
//     idempotency key) under concurrent writers, e.g. via a uniqueness
//     constraint. The orchestrator's pre-check is only a fast path.
//   - UpdateWithAcquirerResponse and DeclineRefund are conditional
//     writes that transition only refunds still in a non-terminal
//     status, so a refund reaches a terminal state at most once.
//   - PersistRefund decides the initial status (PENDING vs CREATING)
//     by store-level business policy, such as an acquirer requiring
//     manual review.
type Store interface {
	FindSaleByReference(ctx context.Context, reference string) (Sale, error)
	FindSaleByToken(ctx context.Context, token string) (Sale, error)
	FindRefundByID(ctx context.Context, id uuid.UUID) (Refund, error)
	// FindRefundByIdempotency returns ok=false when no refund matches.
	FindRefundByIdempotency(ctx context.Context, saleID uuid.UUID, amount decimal.Decimal, key string) (Refund, bool, error)
	RefundsOnSale(ctx context.Context, saleID uuid.UUID) ([]Refund, error)
	// StalledRefundsBefore lists refunds for the acquirer still in a
	// non-terminal status (PENDING or CREATING) and last modified at or
	// before the cutoff. CREATING rows land here when the process dies,
	// the acquirer call fails without a decline, or publishing the
	// execution intent fails; the sweeper is their only recovery path.
	StalledRefundsBefore(ctx context.Context, code AcquirerCode, cutoff time.Time) ([]Refund, error)
	PersistRefund(ctx context.Context, intent CreateRefund, sale Sale) (Refund, error)
	// DeclineRefund records a terminal DECLINED state with the failure
	// description. It commits independently of the caller's unit of
	// work so the decline survives a propagating acquirer error.
	// Returns false when the refund was already terminal and the write
	// did not apply.
	DeclineRefund(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	// UpdateWithAcquirerResponse attaches the acquirer response and
	// moves the refund to CREATED. Returns false when the refund was
	// already terminal and the write did not apply.
	UpdateWithAcquirerResponse(ctx context.Context, id uuid.UUID, response json.RawMessage) (bool, error)
	AddEvent(ctx context.Context, id uuid.UUID, eventType string) error
	CreateRefundForEvent(ctx context.Context, event AcquirerRefundEvent, sale Sale) (Refund, error)
	// SearchLastModified returns the latest modification time among
	// refunds matching the criteria; ok=false when nothing matches.
	SearchLastModified(ctx context.Context, criteria SearchCriteria) (time.Time, bool, error)
	Search(ctx context.Context, criteria SearchCriteria, page PageRequest) (PagedRefunds, error)
}

// Directory is a read-only lookup of configured acquirers.
type Directory interface {
	Acquirers(ctx context.Context) ([]Acquirer, error)
}

// StaticDirectory serves a fixed acquirer list resolved at startup.
type StaticDirectory struct {
	acquirers []Acquirer
}

// NewStaticDirectory constructs a directory over the given acquirers.
func NewStaticDirectory(acquirers ...Acquirer) *StaticDirectory {
	return &StaticDirectory{acquirers: acquirers}
}

// Acquirers returns the configured acquirers.
func (d *StaticDirectory) Acquirers(ctx context.Context) ([]Acquirer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Acquirer, len(d.acquirers))
	copy(out, d.acquirers)
	return out, nil
}
