package refunds

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRetryPolicy_RetriesWithBackoff(t *testing.T) {
	attempts := 0
	var delays []time.Duration

	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
		ShouldRetry: func(error) bool { return true },
	}

	err := policy.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("fail")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if len(delays) != 2 || delays[0] != 10*time.Millisecond || delays[1] != 20*time.Millisecond {
		t.Fatalf("unexpected delays: %v", delays)
	}
}

func TestRetryPolicy_StopsOnNonRetryable(t *testing.T) {
	attempts := 0
	expected := errors.New("nope")

	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		Sleep: func(ctx context.Context, d time.Duration) error {
			return nil
		},
		ShouldRetry: func(error) bool { return false },
	}

	err := policy.Do(context.Background(), func() error {
		attempts++
		return expected
	})
	if err != expected {
		t.Fatalf("expected %v, got %v", expected, err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestRetryPolicy_DoesNotRetryOpenCircuit(t *testing.T) {
	attempts := 0

	policy := RetryPolicy{
		MaxAttempts: 3,
		Sleep: func(ctx context.Context, d time.Duration) error {
			return nil
		},
	}

	err := policy.Do(context.Background(), func() error {
		attempts++
		return ErrCircuitOpen
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestCircuitBreaker_OpensAndResets(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	calls := 0

	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
	})

	fail := func() error {
		calls++
		return errors.New("fail")
	}

	if err := breaker.Execute(fail); err == nil {
		t.Fatalf("expected failure")
	}
	if err := breaker.Execute(fail); err == nil {
		t.Fatalf("expected failure")
	}

	if err := breaker.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open error, got %v", err)
	}

	now = now.Add(2 * time.Second)

	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to allow trial, got %v", err)
	}
	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to close, got %v", err)
	}

	if calls != 2 {
		t.Fatalf("expected 2 failing calls, got %d", calls)
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
	})

	if err := breaker.Execute(func() error { return errors.New("fail") }); err == nil {
		t.Fatalf("expected failure")
	}

	now = now.Add(2 * time.Second)

	if err := breaker.Execute(func() error { return errors.New("fail again") }); err == nil {
		t.Fatalf("expected trial failure")
	}
	if err := breaker.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit to reopen, got %v", err)
	}
}

func TestRateLimiter_EnforcesBurst(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var slept []time.Duration

	limiter := NewRateLimiter(100*time.Millisecond, 2)
	limiter.now = func() time.Time { return now }
	limiter.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		now = now.Add(d)
		return nil
	}
	limiter.tokens = 2
	limiter.last = now

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := limiter.Wait(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(slept) == 0 {
		t.Fatalf("expected third acquisition to wait")
	}
}

func TestReliableGateway_NeverRetries(t *testing.T) {
	gateway := &spyGateway{err: &AcquirerAPIError{Description: "declined"}}
	wrapped := NewReliableGateway(gateway, nil, NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 5}))

	_, err := wrapped.ExecuteRefund(context.Background(), Refund{ID: uuid.New()})
	var apiErr *AcquirerAPIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected acquirer error to pass through, got %v", err)
	}
	if gateway.calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", gateway.calls)
	}
}

func TestReliableGateway_CircuitOpenShortCircuits(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	gateway := &spyGateway{err: errors.New("fail")}
	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Minute,
		Now:          func() time.Time { return now },
	})
	wrapped := NewReliableGateway(gateway, nil, breaker)

	if _, err := wrapped.ExecuteRefund(context.Background(), Refund{}); err == nil {
		t.Fatalf("expected failure")
	}
	if _, err := wrapped.ExecuteRefund(context.Background(), Refund{}); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if gateway.calls != 1 {
		t.Fatalf("expected open circuit to block the call, got %d", gateway.calls)
	}
}

func TestReliableGateway_ReturnsResponse(t *testing.T) {
	gateway := &spyGateway{response: json.RawMessage(`{"result":"approved"}`)}
	wrapped := NewReliableGateway(gateway, nil, nil)

	response, err := wrapped.ExecuteRefund(context.Background(), Refund{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(response) != `{"result":"approved"}` {
		t.Fatalf("unexpected response: %s", response)
	}
}

func TestReliablePublisher_RetriesPublish(t *testing.T) {
	var calls int
	base := publisherFunc(func(ctx context.Context, refundID uuid.UUID) error {
		calls++
		if calls < 3 {
			return errors.New("queue unavailable")
		}
		return nil
	})

	publisher := NewReliablePublisher(base, RetryPolicy{
		MaxAttempts: 3,
		Sleep: func(ctx context.Context, d time.Duration) error {
			return nil
		},
	})

	if err := publisher.Publish(context.Background(), uuid.New()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

type publisherFunc func(ctx context.Context, refundID uuid.UUID) error

func (f publisherFunc) Publish(ctx context.Context, refundID uuid.UUID) error {
	return f(ctx, refundID)
}
