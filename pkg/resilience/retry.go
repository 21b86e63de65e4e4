package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy is the bounded retry used for transcription connects and speech
// synthesis. MaxAttempts counts the first try.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
	// Sleep waits between attempts; nil uses a timer that honors ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewPolicy(maxAttempts int, backoff time.Duration) Policy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoff < 0 {
		backoff = 0
	}
	return Policy{MaxAttempts: maxAttempts, Backoff: backoff}
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsExhausted reports whether err came from running out of attempts.
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Do runs fn until it succeeds, returns a permanent error, ctx ends, or the
// attempt budget runs out. Permanent errors come back unwrapped.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == attempts {
			break
		}
		if serr := p.sleep(ctx, p.Backoff); serr != nil {
			return serr
		}
	}
	return &ExhaustedError{Attempts: attempts, Err: err}
}

// DoWithFallback runs Do and, only when the attempts were exhausted, calls
// fallback exactly once. The fallback itself is never retried.
func (p Policy) DoWithFallback(ctx context.Context, fn func(ctx context.Context, attempt int) error, fallback func(ctx context.Context, cause error) error) (bool, error) {
	err := p.Do(ctx, fn)
	if err == nil || !IsExhausted(err) || fallback == nil {
		return false, err
	}
	if ctx != nil && ctx.Err() != nil {
		return false, err
	}
	if ferr := fallback(ctx, err); ferr != nil {
		return true, errors.Join(err, ferr)
	}
	return true, nil
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
