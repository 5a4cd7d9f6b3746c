package reliability

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"fulfillment/internal/fault"
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
	}

	err := policy.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return fault.Transient("gateway unavailable")
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

func TestRetryPolicy_StopsOnPermanentError(t *testing.T) {
	attempts := 0
	expected := fault.BusinessRule("card declined")

	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		Sleep: func(ctx context.Context, d time.Duration) error {
			t.Fatalf("unexpected sleep %v", d)
			return nil
		},
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

func TestRetryPolicy_DelayCapped(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	if got := policy.Delay(1); got != time.Second {
		t.Fatalf("attempt 1: got %v", got)
	}
	if got := policy.Delay(3); got != 4*time.Second {
		t.Fatalf("attempt 3: got %v", got)
	}
	if got := policy.Delay(10); got != 5*time.Second {
		t.Fatalf("attempt 10: got %v", got)
	}
}

func TestRetryPolicy_DelayNeverWrapsForLargeAttempts(t *testing.T) {
	capped := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second}
	uncapped := RetryPolicy{BaseDelay: 100 * time.Millisecond}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 200; attempt++ {
		got := capped.Delay(attempt)
		if got < prev || got > 10*time.Second {
			t.Fatalf("attempt %d: got %v after %v", attempt, got, prev)
		}
		prev = got

		if d := uncapped.Delay(attempt); d < 100*time.Millisecond {
			t.Fatalf("uncapped attempt %d wrapped to %v", attempt, d)
		}
	}
	if got := uncapped.Delay(100); got != time.Duration(math.MaxInt64) {
		t.Fatalf("uncapped attempt 100: got %v", got)
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
		t.Fatalf("expected 2 failed calls, got %d", calls)
	}
}

func TestCircuitBreaker_IgnoresNonTrippingErrors(t *testing.T) {
	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures: 1,
		Trips:       fault.Retryable,
	})

	declined := fault.BusinessRule("card declined")
	for i := 0; i < 3; i++ {
		if err := breaker.Execute(func() error { return declined }); err != declined {
			t.Fatalf("call %d: expected declined, got %v", i, err)
		}
	}
}

func TestRateLimiter_WaitsWhenExhausted(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var waits []time.Duration
	var observed []time.Duration

	limiter := NewRateLimiter(100*time.Millisecond, 1, func(d time.Duration) {
		observed = append(observed, d)
	})
	limiter.now = func() time.Time { return now }
	limiter.last = now
	limiter.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		now = now.Add(d)
		return nil
	}

	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(waits) != 1 || waits[0] != 100*time.Millisecond {
		t.Fatalf("expected one wait of 100ms, got %v", waits)
	}
	if len(observed) != 1 {
		t.Fatalf("expected onWait once, got %v", observed)
	}
}

func TestGuard_RetriesThroughBreaker(t *testing.T) {
	calls := 0
	guard := Guard{
		Breaker: NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 5}),
		Retry: RetryPolicy{
			MaxAttempts: 2,
			Sleep:       func(context.Context, time.Duration) error { return nil },
		},
	}

	err := guard.Do(context.Background(), func() error {
		calls++
		if calls == 1 {
			return fault.Transient("timeout talking to gateway")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestGuard_OpenBreakerNotRetried(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	calls := 0
	guard := Guard{
		Breaker: NewCircuitBreaker(CircuitBreakerConfig{
			MaxFailures:  1,
			ResetTimeout: time.Minute,
			Now:          func() time.Time { return now },
		}),
		Retry: RetryPolicy{
			MaxAttempts: 3,
			Sleep:       func(context.Context, time.Duration) error { return nil },
		},
	}

	err := guard.Do(context.Background(), func() error {
		calls++
		return fault.Transient("down")
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}
