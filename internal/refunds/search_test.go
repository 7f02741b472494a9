package refunds

import (
	"context"
	"testing"
	"time"

	"payrail/internal/refs"
)

type searchStore struct {
	*fakeStore
	lastModified   time.Time
	lastModifiedOK bool
	criteria       SearchCriteria
	page           PageRequest
	searchCalls    int
	result         PagedRefunds
}

func (s *searchStore) SearchLastModified(ctx context.Context, criteria SearchCriteria) (time.Time, bool, error) {
	s.criteria = criteria
	return s.lastModified, s.lastModifiedOK, nil
}

func (s *searchStore) Search(ctx context.Context, criteria SearchCriteria, page PageRequest) (PagedRefunds, error) {
	s.searchCalls++
	s.criteria = criteria
	s.page = page
	return s.result, nil
}

func newSearchService(store *searchStore, now time.Time) *Service {
	service := newTestService(store, &spyGateway{}, &spyPublisher{})
	service.now = func() time.Time { return now }
	return service
}

func TestSearch_NotModifiedSkipsQuery(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := &searchStore{
		fakeStore:      newFakeStore(),
		lastModified:   time.Date(2025, 6, 1, 10, 0, 0, 400_000_000, time.UTC),
		lastModifiedOK: true,
	}
	service := newSearchService(store, now)

	since := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	resp, err := service.Search(context.Background(), SearchRequest{IfModifiedSince: &since})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.PageModified {
		t.Fatalf("expected not-modified response")
	}
	if !resp.PageDate.Equal(since) {
		t.Fatalf("expected PageDate to echo caller timestamp, got %v", resp.PageDate)
	}
	if store.searchCalls != 0 {
		t.Fatalf("expected no list query, got %d", store.searchCalls)
	}
}

func TestSearch_ModifiedRunsQuery(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	lastModified := time.Date(2025, 6, 1, 11, 30, 0, 700_000_000, time.UTC)
	refundID, refundRef := refs.NewReference(refs.KindRefund)
	store := &searchStore{
		fakeStore:      newFakeStore(),
		lastModified:   lastModified,
		lastModifiedOK: true,
		result: PagedRefunds{
			Refunds:    []Refund{{ID: refundID, Reference: refundRef}},
			Page:       1,
			TotalPages: 1,
			TotalCount: 1,
		},
	}
	service := newSearchService(store, now)

	since := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	resp, err := service.Search(context.Background(), SearchRequest{IfModifiedSince: &since})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.PageModified {
		t.Fatalf("expected modified response")
	}
	if !resp.PageDate.Equal(lastModified.Truncate(time.Second)) {
		t.Fatalf("expected PageDate at whole-second resolution, got %v", resp.PageDate)
	}
	if resp.Count != 1 || resp.TotalCount != 1 {
		t.Fatalf("unexpected counts: count=%d total=%d", resp.Count, resp.TotalCount)
	}
	if store.page.Page != 1 || store.page.Limit != defaultSearchLimit {
		t.Fatalf("unexpected page defaults: %+v", store.page)
	}
	if store.page.SortBy != SortByCreated || store.page.Direction != SortDesc {
		t.Fatalf("unexpected sort defaults: %+v", store.page)
	}
}

func TestSearch_DefaultTrailingWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := &searchStore{fakeStore: newFakeStore()}
	service := newSearchService(store, now)

	if _, err := service.Search(context.Background(), SearchRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !store.criteria.End.Equal(now) {
		t.Fatalf("expected window end at now, got %v", store.criteria.End)
	}
	if !store.criteria.Start.Equal(now.AddDate(0, 0, -DefaultSearchPeriodDays)) {
		t.Fatalf("expected 30-day trailing window, got start %v", store.criteria.Start)
	}
}

func TestSearch_ExplicitDatesCoverWholeDays(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := &searchStore{fakeStore: newFakeStore()}
	service := newSearchService(store, now)

	startDate := time.Date(2025, 5, 10, 15, 4, 5, 0, time.UTC)
	endDate := time.Date(2025, 5, 20, 9, 30, 0, 0, time.UTC)
	req := SearchRequest{StartDate: &startDate, EndDate: &endDate}

	if _, err := service.Search(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantStart := time.Date(2025, 5, 10, 0, 0, 0, 0, time.UTC)
	if !store.criteria.Start.Equal(wantStart) {
		t.Fatalf("expected start of day %v, got %v", wantStart, store.criteria.Start)
	}
	if store.criteria.End.Before(time.Date(2025, 5, 20, 23, 59, 59, 0, time.UTC)) {
		t.Fatalf("expected end of day, got %v", store.criteria.End)
	}
}

func TestSearch_EmptyResultNeverServedStale(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := &searchStore{fakeStore: newFakeStore(), lastModifiedOK: false}
	service := newSearchService(store, now)

	since := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	resp, err := service.Search(context.Background(), SearchRequest{IfModifiedSince: &since})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.PageModified {
		t.Fatalf("expected empty result to count as modified")
	}
	if store.searchCalls != 1 {
		t.Fatalf("expected list query to run, got %d calls", store.searchCalls)
	}
}

func TestSearch_DecodesCardReference(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := &searchStore{fakeStore: newFakeStore()}
	service := newSearchService(store, now)

	cardID, cardRef := refs.NewReference(refs.KindCard)
	if _, err := service.Search(context.Background(), SearchRequest{CardReference: cardRef}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.criteria.CardID != cardID {
		t.Fatalf("expected card filter %s, got %s", cardID, store.criteria.CardID)
	}

	if _, err := service.Search(context.Background(), SearchRequest{CardReference: "bogus"}); err == nil {
		t.Fatalf("expected error for malformed card reference")
	}
}
