package refunds

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status tracks a refund through its lifecycle.
type Status string

const (
	// StatusPending means the refund awaits asynchronous execution
	// (for example the acquirer requires manual review first).
	StatusPending Status = "PENDING"
	// StatusCreating means the refund is accepted and an execution
	// intent exists, but the acquirer has not resolved it yet.
	StatusCreating Status = "CREATING"
	// StatusCreated means the acquirer confirmed the refund.
	StatusCreated Status = "CREATED"
	// StatusDeclined means the acquirer rejected the refund, or
	// execution failed and was recorded as a decline.
	StatusDeclined Status = "DECLINED"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCreated || s == StatusDeclined
}

// AcquirerCode identifies an external payment acquirer.
type AcquirerCode string

// Acquirer is read-only configuration for one external acquirer.
type Acquirer struct {
	Code AcquirerCode
	// PendingTimeout is how long a refund may sit in PENDING before the
	// sweeper re-publishes its execution intent.
	PendingTimeout time.Duration
}

// Card carries the acquirer the owning sale was captured through.
type Card struct {
	ID           uuid.UUID
	Reference    string
	AcquirerCode AcquirerCode
}

// Sale is a captured card transaction. Owned by the sale subsystem;
// the refund core reads it and never mutates it.
type Sale struct {
	ID        uuid.UUID
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Card      Card
}

// Event is one entry in a refund's ordered lifecycle history.
type Event struct {
	Type       string
	OccurredAt time.Time
}

// EventProcessing is appended when a queue consumer picks a refund up.
const EventProcessing = "REFUND_PROCESSING"

// Refund is a request (or acquirer-originated record) to return funds
// for a sale. Rows are never deleted; declined refunds stay for audit
// and idempotent replay.
type Refund struct {
	ID               uuid.UUID
	Reference        string
	SaleID           uuid.UUID
	AcquirerCode     AcquirerCode
	Amount           decimal.Decimal
	Currency         string
	IdempotencyKey   string
	Status           Status
	AcquirerResponse json.RawMessage
	DeclineReason    string
	Events           []Event
	CreatedAt        time.Time
	ModifiedAt       time.Time
}

// CreateRefund is a caller's refund intent.
type CreateRefund struct {
	SaleReference  string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
}

// ExecuteRefundResponse is what callers get back from the create paths.
type ExecuteRefundResponse struct {
	Reference        string
	Status           Status
	AcquirerResponse json.RawMessage
}

// AcquirerRefundEvent is the payload of an acquirer-initiated refund
// notification (webhook ingestion is outside this core; only the
// payload contract matters here).
type AcquirerRefundEvent struct {
	AcquirerCode AcquirerCode
	SaleToken    string
	RefundToken  string
	Amount       decimal.Decimal
	Currency     string
}

// SaleNotFoundError means the referenced sale does not exist.
type SaleNotFoundError struct {
	Reference string
}

func (e SaleNotFoundError) Error() string {
	return fmt.Sprintf("sale %s not found", e.Reference)
}

// RefundNotFoundError means a lookup or queue message referenced a
// missing refund.
type RefundNotFoundError struct {
	Reference string
}

func (e RefundNotFoundError) Error() string {
	return fmt.Sprintf("refund %s not found", e.Reference)
}

// ConstraintViolationError means the requested refund would push the
// sale's refunded total past the sale amount.
type ConstraintViolationError struct {
	Message string
}

func (e ConstraintViolationError) Error() string {
	return e.Message
}

// AcquirerAPIError is a failure reported by the external acquirer. The
// description is recorded onto the refund as a decline before the
// error propagates.
type AcquirerAPIError struct {
	Description string
	Err         error
}

func (e *AcquirerAPIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("acquirer api: %s: %v", e.Description, e.Err)
	}
	return "acquirer api: " + e.Description
}

func (e *AcquirerAPIError) Unwrap() error { return e.Err }
