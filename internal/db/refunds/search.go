package refundsdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"payrail/internal/refunds"
)

var sortColumns = map[refunds.SortField]string{
	refunds.SortByCreated:  "r.created_at",
	refunds.SortByModified: "r.modified_at",
	refunds.SortByAmount:   "r.amount",
	refunds.SortByStatus:   "r.status",
}

// searchFilter renders criteria as a WHERE clause over refunds r joined
// with sales s. Arguments are appended positionally.
func searchFilter(criteria refunds.SearchCriteria) (string, []any) {
	clauses := []string{"r.modified_at >= $1", "r.modified_at <= $2"}
	args := []any{criteria.Start, criteria.End}

	if criteria.CustomerReference != "" {
		args = append(args, criteria.CustomerReference)
		clauses = append(clauses, fmt.Sprintf("s.customer_reference = $%d", len(args)))
	}
	if criteria.CardID != uuid.Nil {
		args = append(args, criteria.CardID)
		clauses = append(clauses, fmt.Sprintf("s.card_id = $%d", len(args)))
	}
	if criteria.Status != "" {
		args = append(args, string(criteria.Status))
		clauses = append(clauses, fmt.Sprintf("r.status = $%d", len(args)))
	}
	return strings.Join(clauses, " AND "), args
}

// SearchLastModified returns the newest modification time among refunds
// matching the criteria; ok=false when nothing matches.
func (s *Store) SearchLastModified(ctx context.Context, criteria refunds.SearchCriteria) (time.Time, bool, error) {
	where, args := searchFilter(criteria)
	row := s.db.QueryRowContext(ctx,
		`SELECT MAX(r.modified_at) FROM refunds r JOIN sales s ON s.id = r.sale_id WHERE `+where, args...)

	var latest sql.NullTime
	if err := row.Scan(&latest); err != nil {
		return time.Time{}, false, err
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return latest.Time, true, nil
}

// Search runs the filtered, paginated refund query.
func (s *Store) Search(ctx context.Context, criteria refunds.SearchCriteria, page refunds.PageRequest) (refunds.PagedRefunds, error) {
	where, args := searchFilter(criteria)

	var total int
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM refunds r JOIN sales s ON s.id = r.sale_id WHERE `+where, args...)
	if err := row.Scan(&total); err != nil {
		return refunds.PagedRefunds{}, err
	}

	column, ok := sortColumns[page.SortBy]
	if !ok {
		return refunds.PagedRefunds{}, fmt.Errorf("unsupported sort field %q", page.SortBy)
	}
	order := "DESC"
	if page.Direction == refunds.SortAsc {
		order = "ASC"
	}

	limit := page.Limit
	if limit < 1 {
		limit = 1
	}
	pageNum := page.Page
	if pageNum < 1 {
		pageNum = 1
	}
	offset := (pageNum - 1) * limit

	args = append(args, limit, offset)
	query := fmt.Sprintf(
		`SELECT %s FROM refunds r JOIN sales s ON s.id = r.sale_id WHERE %s ORDER BY %s %s LIMIT $%d OFFSET $%d`,
		prefixedRefundColumns, where, column, order, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return refunds.PagedRefunds{}, err
	}
	defer rows.Close()

	matched, err := collectRefunds(rows)
	if err != nil {
		return refunds.PagedRefunds{}, err
	}

	totalPages := (total + limit - 1) / limit
	return refunds.PagedRefunds{
		Refunds:    matched,
		Page:       pageNum,
		TotalPages: totalPages,
		TotalCount: total,
	}, nil
}

const prefixedRefundColumns = `r.id, r.reference, r.sale_id, r.acquirer_code, r.amount, r.currency, COALESCE(r.idempotency_key, ''), r.status, r.acquirer_response, r.decline_reason, r.created_at, r.modified_at`
