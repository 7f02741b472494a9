package refunds

import (
	"context"
	"time"

	"github.com/google/uuid"

	"payrail/internal/refs"
)

// DefaultSearchPeriodDays is the trailing window applied when a search
// carries no explicit date range.
const DefaultSearchPeriodDays = 30

const defaultSearchLimit = 20

// SearchRequest is a caller's filtered, paginated refund query.
// IfModifiedSince enables the conditional path: when nothing matching
// the filter changed since that time, no list query runs.
type SearchRequest struct {
	CustomerReference string
	CardReference     string
	StartDate         *time.Time
	EndDate           *time.Time
	Status            Status
	SortBy            SortField
	Direction         SortDirection
	Page              int
	Limit             int
	IfModifiedSince   *time.Time
}

// SearchResponse is one page of refunds, or a not-modified signal when
// PageModified is false (reuse the cached copy; PageDate echoes the
// caller's timestamp).
type SearchResponse struct {
	Page         int
	TotalPages   int
	Limit        int
	TotalCount   int
	Count        int
	PageModified bool
	PageDate     time.Time
	Data         []Refund
}

// Search serves list queries behind a freshness gate: the latest
// modification time matching the filter is computed first, and the
// paginated query only runs when the caller's timestamp is absent or
// older. Timestamps compare at whole-second resolution.
func (s *Service) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	now := s.now()

	end := now
	if req.EndDate != nil {
		end = endOfDay(*req.EndDate)
	}
	start := end.AddDate(0, 0, -DefaultSearchPeriodDays)
	if req.StartDate != nil {
		start = startOfDay(*req.StartDate)
	}

	cardID := uuid.Nil
	if req.CardReference != "" {
		id, err := refs.Decode(refs.KindCard, req.CardReference)
		if err != nil {
			return SearchResponse{}, err
		}
		cardID = id
	}

	criteria := SearchCriteria{
		CustomerReference: req.CustomerReference,
		CardID:            cardID,
		Start:             start,
		End:               end,
		Status:            req.Status,
	}

	// Default to "now" when nothing matches so an empty result is never
	// served as a stale cache hit.
	lastModified, ok, err := s.store.SearchLastModified(ctx, criteria)
	if err != nil {
		return SearchResponse{}, err
	}
	if !ok {
		lastModified = now
	}
	pageDate := lastModified.Truncate(time.Second)

	if req.IfModifiedSince != nil && !req.IfModifiedSince.Before(pageDate) {
		return SearchResponse{PageModified: false, PageDate: *req.IfModifiedSince}, nil
	}

	page := req.Page
	if page < 1 {
		page = 1
	}
	limit := req.Limit
	if limit < 1 {
		limit = defaultSearchLimit
	}
	sortBy := req.SortBy
	if sortBy == "" {
		sortBy = SortByCreated
	}
	direction := req.Direction
	if direction == "" {
		direction = SortDesc
	}

	result, err := s.store.Search(ctx, criteria, PageRequest{
		Page:      page,
		Limit:     limit,
		SortBy:    sortBy,
		Direction: direction,
	})
	if err != nil {
		return SearchResponse{}, err
	}

	return SearchResponse{
		Page:         result.Page,
		TotalPages:   result.TotalPages,
		Limit:        limit,
		TotalCount:   result.TotalCount,
		Count:        len(result.Refunds),
		PageModified: true,
		PageDate:     pageDate,
		Data:         result.Refunds,
	}, nil
}

func startOfDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}

func endOfDay(t time.Time) time.Time {
	return startOfDay(t).AddDate(0, 0, 1).Add(-time.Nanosecond)
}
