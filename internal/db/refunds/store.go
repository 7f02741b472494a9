package refundsdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"payrail/internal/refs"
	"payrail/internal/refunds"
)

// Store persists sales and refunds in Postgres. Refund rows are never
// deleted; declined refunds remain for audit and idempotent replay.
type Store struct {
	db *sql.DB
	// manualReview holds acquirer codes whose refunds start PENDING
	// instead of CREATING. This is the store-level initial-status policy.
	manualReview map[refunds.AcquirerCode]bool
	now          func() time.Time
}

// NewStore constructs a Store backed by Postgres. Acquirers listed in
// manualReview get PENDING as the initial refund status.
func NewStore(db *sql.DB, manualReview ...refunds.AcquirerCode) *Store {
	review := make(map[refunds.AcquirerCode]bool, len(manualReview))
	for _, code := range manualReview {
		review[code] = true
	}
	return &Store{db: db, manualReview: review, now: time.Now}
}

// NewStoreWithSchema initializes the schema then returns the store.
func NewStoreWithSchema(ctx context.Context, db *sql.DB, manualReview ...refunds.AcquirerCode) (*Store, error) {
	store := NewStore(db, manualReview...)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the refund tables if they do not exist. The
// partial unique index on (sale_id, amount, idempotency_key) is what
// makes concurrent duplicate creation converge on one row.
func (s *Store) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sales (
			id UUID PRIMARY KEY,
			reference TEXT UNIQUE NOT NULL,
			sale_token TEXT UNIQUE NOT NULL,
			customer_reference TEXT NOT NULL,
			amount NUMERIC(19,4) NOT NULL,
			currency TEXT NOT NULL,
			card_id UUID NOT NULL,
			card_reference TEXT NOT NULL,
			acquirer_code TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS refunds (
			id UUID PRIMARY KEY,
			reference TEXT UNIQUE NOT NULL,
			sale_id UUID NOT NULL REFERENCES sales(id),
			acquirer_code TEXT NOT NULL,
			amount NUMERIC(19,4) NOT NULL,
			currency TEXT NOT NULL,
			idempotency_key TEXT,
			status TEXT NOT NULL,
			acquirer_response JSONB,
			decline_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			modified_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS refunds_idempotency_idx
			ON refunds (sale_id, amount, idempotency_key)
			WHERE idempotency_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS refunds_stalled_idx
			ON refunds (acquirer_code, status, modified_at)`,
		`CREATE TABLE IF NOT EXISTS refund_events (
			id BIGSERIAL PRIMARY KEY,
			refund_id UUID NOT NULL REFERENCES refunds(id),
			event_type TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const saleColumns = `id, reference, sale_token, customer_reference, amount, currency, card_id, card_reference, acquirer_code`

func scanSale(row *sql.Row) (refunds.Sale, error) {
	var sale refunds.Sale
	var token string
	var customer string
	var code string
	err := row.Scan(&sale.ID, &sale.Reference, &token, &customer, &sale.Amount, &sale.Currency, &sale.Card.ID, &sale.Card.Reference, &code)
	if err != nil {
		return refunds.Sale{}, err
	}
	sale.Card.AcquirerCode = refunds.AcquirerCode(code)
	return sale, nil
}

// FindSaleByReference loads a sale by its external reference.
func (s *Store) FindSaleByReference(ctx context.Context, reference string) (refunds.Sale, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE reference = $1`, reference)
	sale, err := scanSale(row)
	if errors.Is(err, sql.ErrNoRows) {
		return refunds.Sale{}, refunds.SaleNotFoundError{Reference: reference}
	}
	return sale, err
}

// FindSaleByToken loads a sale by the acquirer-side sale token.
func (s *Store) FindSaleByToken(ctx context.Context, token string) (refunds.Sale, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE sale_token = $1`, token)
	sale, err := scanSale(row)
	if errors.Is(err, sql.ErrNoRows) {
		return refunds.Sale{}, refunds.SaleNotFoundError{Reference: token}
	}
	return sale, err
}

const refundColumns = `id, reference, sale_id, acquirer_code, amount, currency, COALESCE(idempotency_key, ''), status, acquirer_response, decline_reason, created_at, modified_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRefund(row rowScanner) (refunds.Refund, error) {
	var refund refunds.Refund
	var code, status string
	var response []byte
	err := row.Scan(&refund.ID, &refund.Reference, &refund.SaleID, &code, &refund.Amount, &refund.Currency,
		&refund.IdempotencyKey, &status, &response, &refund.DeclineReason, &refund.CreatedAt, &refund.ModifiedAt)
	if err != nil {
		return refunds.Refund{}, err
	}
	refund.AcquirerCode = refunds.AcquirerCode(code)
	refund.Status = refunds.Status(status)
	refund.AcquirerResponse = response
	return refund, nil
}

// FindRefundByID loads a refund and its lifecycle events.
func (s *Store) FindRefundByID(ctx context.Context, id uuid.UUID) (refunds.Refund, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refunds WHERE id = $1`, id)
	refund, err := scanRefund(row)
	if errors.Is(err, sql.ErrNoRows) {
		return refunds.Refund{}, refunds.RefundNotFoundError{Reference: id.String()}
	}
	if err != nil {
		return refunds.Refund{}, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT event_type, created_at FROM refund_events WHERE refund_id = $1 ORDER BY id`, id)
	if err != nil {
		return refunds.Refund{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var event refunds.Event
		if err := rows.Scan(&event.Type, &event.OccurredAt); err != nil {
			return refunds.Refund{}, err
		}
		refund.Events = append(refund.Events, event)
	}
	return refund, rows.Err()
}

// FindRefundByIdempotency looks up an existing refund for the
// (sale, amount, idempotency key) triple.
func (s *Store) FindRefundByIdempotency(ctx context.Context, saleID uuid.UUID, amount decimal.Decimal, key string) (refunds.Refund, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE sale_id = $1 AND amount = $2 AND idempotency_key = $3`,
		saleID, amount, key)
	refund, err := scanRefund(row)
	if errors.Is(err, sql.ErrNoRows) {
		return refunds.Refund{}, false, nil
	}
	if err != nil {
		return refunds.Refund{}, false, err
	}
	return refund, true, nil
}

// RefundsOnSale lists every refund recorded against the sale.
func (s *Store) RefundsOnSale(ctx context.Context, saleID uuid.UUID) ([]refunds.Refund, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+refundColumns+` FROM refunds WHERE sale_id = $1 ORDER BY created_at`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRefunds(rows)
}

// StalledRefundsBefore lists refunds for the acquirer still PENDING or
// CREATING and last modified at or before the cutoff. Including
// CREATING catches refunds orphaned by a failed acquirer call, a
// failed publish, or a crash mid-execution.
func (s *Store) StalledRefundsBefore(ctx context.Context, code refunds.AcquirerCode, cutoff time.Time) ([]refunds.Refund, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE acquirer_code = $1 AND status IN ($2, $3) AND modified_at <= $4 ORDER BY modified_at`,
		string(code), string(refunds.StatusPending), string(refunds.StatusCreating), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRefunds(rows)
}

func collectRefunds(rows *sql.Rows) ([]refunds.Refund, error) {
	var out []refunds.Refund
	for rows.Next() {
		refund, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, refund)
	}
	return out, rows.Err()
}

// PersistRefund inserts a refund for the sale. With an idempotency key
// the insert is a conditional ON CONFLICT DO NOTHING against the
// partial unique index, so concurrent duplicates converge on one row:
// the loser re-reads and returns the winner's refund.
func (s *Store) PersistRefund(ctx context.Context, intent refunds.CreateRefund, sale refunds.Sale) (refunds.Refund, error) {
	id, reference := refs.NewReference(refs.KindRefund)
	status := refunds.StatusCreating
	if s.manualReview[sale.Card.AcquirerCode] {
		status = refunds.StatusPending
	}
	now := s.now()

	key := sql.NullString{String: intent.IdempotencyKey, Valid: intent.IdempotencyKey != ""}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO refunds (id, reference, sale_id, acquirer_code, amount, currency, idempotency_key, status, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (sale_id, amount, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING`,
		id, reference, sale.ID, string(sale.Card.AcquirerCode), intent.Amount, intent.Currency, key, string(status), now)
	if err != nil {
		return refunds.Refund{}, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return refunds.Refund{}, err
	}
	if affected == 0 {
		existing, found, err := s.FindRefundByIdempotency(ctx, sale.ID, intent.Amount, intent.IdempotencyKey)
		if err != nil {
			return refunds.Refund{}, err
		}
		if !found {
			return refunds.Refund{}, fmt.Errorf("refund not found after conflicting insert on sale %s", sale.Reference)
		}
		return existing, nil
	}

	return refunds.Refund{
		ID:             id,
		Reference:      reference,
		SaleID:         sale.ID,
		AcquirerCode:   sale.Card.AcquirerCode,
		Amount:         intent.Amount,
		Currency:       intent.Currency,
		IdempotencyKey: intent.IdempotencyKey,
		Status:         status,
		CreatedAt:      now,
		ModifiedAt:     now,
	}, nil
}

// DeclineRefund records a terminal DECLINED state with the failure
// description. The write is conditional on a non-terminal status, so a
// refund that already resolved keeps its outcome; the returned flag
// reports whether the transition applied.
func (s *Store) DeclineRefund(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refunds SET status = $2, decline_reason = $3, modified_at = NOW()
		WHERE id = $1 AND status IN ($4, $5)`,
		id, string(refunds.StatusDeclined), reason,
		string(refunds.StatusPending), string(refunds.StatusCreating))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// UpdateWithAcquirerResponse attaches the acquirer response and moves
// the refund to CREATED. Returns false when the refund was already
// terminal, making the transition race-free under duplicate delivery.
func (s *Store) UpdateWithAcquirerResponse(ctx context.Context, id uuid.UUID, response json.RawMessage) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refunds SET status = $2, acquirer_response = $3, modified_at = NOW()
		WHERE id = $1 AND status IN ($4, $5)`,
		id, string(refunds.StatusCreated), []byte(response),
		string(refunds.StatusPending), string(refunds.StatusCreating))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// AddEvent appends a lifecycle event to the refund's history.
func (s *Store) AddEvent(ctx context.Context, id uuid.UUID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refund_events (refund_id, event_type) VALUES ($1, $2)`,
		id, eventType)
	return err
}

// CreateRefundForEvent records a refund the acquirer already executed
// on its own side. The row is born CREATED; no idempotency or
// amount-invariant check applies.
func (s *Store) CreateRefundForEvent(ctx context.Context, event refunds.AcquirerRefundEvent, sale refunds.Sale) (refunds.Refund, error) {
	id, reference := refs.NewReference(refs.KindRefund)
	now := s.now()

	response, err := json.Marshal(struct {
		RefundToken string `json:"refund_token"`
	}{RefundToken: event.RefundToken})
	if err != nil {
		return refunds.Refund{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO refunds (id, reference, sale_id, acquirer_code, amount, currency, status, acquirer_response, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		id, reference, sale.ID, string(event.AcquirerCode), event.Amount, event.Currency,
		string(refunds.StatusCreated), response, now)
	if err != nil {
		return refunds.Refund{}, err
	}

	return refunds.Refund{
		ID:               id,
		Reference:        reference,
		SaleID:           sale.ID,
		AcquirerCode:     event.AcquirerCode,
		Amount:           event.Amount,
		Currency:         event.Currency,
		Status:           refunds.StatusCreated,
		AcquirerResponse: response,
		CreatedAt:        now,
		ModifiedAt:       now,
	}, nil
}
