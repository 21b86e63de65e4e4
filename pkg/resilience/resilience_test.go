package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestPolicyRetriesUntilSuccess(t *testing.T) {
	p := Policy{MaxAttempts: 3, Backoff: time.Second, Sleep: noSleep}
	var seen []int
	err := p.Do(context.Background(), func(_ context.Context, attempt int) error {
		seen = append(seen, attempt)
		if attempt < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen) != 3 || seen[2] != 3 {
		t.Fatalf("expected attempts 1..3, got %v", seen)
	}
}

func TestPolicyExhaustion(t *testing.T) {
	var slept []time.Duration
	p := Policy{MaxAttempts: 3, Backoff: 1500 * time.Millisecond, Sleep: func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}}
	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return errors.New("down")
	})
	if !IsExhausted(err) {
		t.Fatalf("expected exhausted error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if len(slept) != 2 || slept[0] != 1500*time.Millisecond {
		t.Fatalf("expected two fixed sleeps, got %v", slept)
	}
}

func TestPolicyPermanentStops(t *testing.T) {
	p := Policy{MaxAttempts: 5, Sleep: noSleep}
	stop := errors.New("closed")
	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return Permanent(stop)
	})
	if !errors.Is(err, stop) || IsExhausted(err) {
		t.Fatalf("expected permanent error returned as-is, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected single call, got %d", calls)
	}
}

func TestDoWithFallbackRunsOnce(t *testing.T) {
	p := Policy{MaxAttempts: 2, Sleep: noSleep}
	fallbacks := 0
	used, err := p.DoWithFallback(context.Background(),
		func(context.Context, int) error { return errors.New("synth down") },
		func(context.Context, error) error {
			fallbacks++
			return errors.New("fallback down too")
		})
	if !used || err == nil {
		t.Fatalf("expected fallback used with joined error, got used=%v err=%v", used, err)
	}
	if fallbacks != 1 {
		t.Fatalf("expected exactly one fallback, got %d", fallbacks)
	}
}

func TestDoWithFallbackSkipsOnPermanent(t *testing.T) {
	p := Policy{MaxAttempts: 3, Sleep: noSleep}
	used, err := p.DoWithFallback(context.Background(),
		func(context.Context, int) error { return Permanent(errors.New("transport closed")) },
		func(context.Context, error) error {
			t.Fatalf("fallback must not run for permanent errors")
			return nil
		})
	if used || err == nil {
		t.Fatalf("expected error without fallback, got used=%v err=%v", used, err)
	}
}

func TestPolicyHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 3, Backoff: time.Hour}
	go cancel()
	err := p.Do(ctx, func(context.Context, int) error {
		return errors.New("down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestSlidingWindowEvicts(t *testing.T) {
	now := time.Unix(0, 0)
	w := NewSlidingWindow(2, time.Minute)
	w.now = func() time.Time { return now }

	if !w.Allow() || !w.Allow() {
		t.Fatalf("expected first two admissions")
	}
	if w.Allow() {
		t.Fatalf("third admission inside the window must be rejected")
	}
	now = now.Add(61 * time.Second)
	if !w.Allow() {
		t.Fatalf("expected admission after window slid")
	}
	if w.InFlight() != 1 {
		t.Fatalf("expected 1 in flight, got %d", w.InFlight())
	}
}

func TestCircuitBreakerOpensOnRateLimit(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(2, 10*time.Second)
	cb.now = func() time.Time { return now }

	cb.OnError(errors.New("plain"))
	cb.OnError(RateLimitError{Provider: "openai"})
	if !cb.Allow() {
		t.Fatalf("breaker should stay closed below threshold")
	}
	cb.OnError(AuthError{Provider: "openai", Status: 401})
	if cb.Allow() {
		t.Fatalf("breaker should open at threshold")
	}
	now = now.Add(11 * time.Second)
	if !cb.Allow() {
		t.Fatalf("breaker should close after cooldown")
	}
	cb.OnSuccess()
	var nilBreaker *CircuitBreaker
	if !nilBreaker.Allow() {
		t.Fatalf("nil breaker must allow")
	}
}
