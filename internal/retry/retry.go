// Package retry provides the bounded-retry combinator shared by every
// generate/inspect cycle.
//
// One budget covers all failure kinds: a generator error and a non-pass
// quality verdict both consume an attempt from the same counter.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy configures a bounded retry loop
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	// The loop runs at most MaxRetries+1 attempts.
	MaxRetries int
	// Backoff returns the pause before the attempt following a failed one.
	// Nil means no pause.
	Backoff func(attempt int, err error) time.Duration
	// Retryable decides whether err may be retried. Nil retries every error.
	Retryable func(err error) bool
	// OnRetry runs after a failed attempt when another attempt will follow.
	OnRetry func(attempt int, err error)
}

// ExhaustedError is returned when no attempt succeeded within the budget
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry budget exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Do calls fn with attempt = 0..MaxRetries until it returns nil.
//
// It returns the index of the last attempt made and nil on success. A
// non-retryable error stops the loop immediately and is returned as is;
// exhausting the budget returns an *ExhaustedError wrapping the last error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) (int, error) {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}

	var last error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if last == nil {
				return attempt, err
			}
			return attempt - 1, &ExhaustedError{Attempts: attempt, Last: last}
		}

		last = fn(ctx, attempt)
		if last == nil {
			return attempt, nil
		}
		if p.Retryable != nil && !p.Retryable(last) {
			return attempt, last
		}
		if attempt == p.MaxRetries {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, last)
		}
		if p.Backoff != nil {
			if err := sleep(ctx, p.Backoff(attempt, last)); err != nil {
				return attempt, &ExhaustedError{Attempts: attempt + 1, Last: last}
			}
		}
	}

	return p.MaxRetries, &ExhaustedError{Attempts: p.MaxRetries + 1, Last: last}
}

// Constant returns a backoff that always waits d
func Constant(d time.Duration) func(int, error) time.Duration {
	return func(int, error) time.Duration { return d }
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
