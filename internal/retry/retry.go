// Package retry provides a small retry policy value used wherever the relay
// retries a remote call. The sleep function is injectable so
// callers can test retry behaviour without waiting on real timers.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted wraps the last attempt's error once every attempt has failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Backoff returns the delay to wait after the given failed attempt (1-based).
type Backoff func(attempt int) time.Duration

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy describes how many times to try an operation and how long to wait
// between attempts.
type Policy struct {
	MaxAttempts int
	Backoff     Backoff
	Sleep       SleepFunc
}

// Fixed returns a Backoff that always waits d.
func Fixed(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// NewFixed builds a Policy with a fixed delay and the real sleeper.
func NewFixed(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Backoff: Fixed(delay), Sleep: Sleep}
}

// Sleep waits for d, returning early with ctx.Err() when ctx is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

// Do runs op until it succeeds, the attempts run out, or ctx is cancelled.
// op receives the 1-based attempt number. No delay follows the final attempt.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				return err
			}
			return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt-1, lastErr)
		}
		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		var delay time.Duration
		if p.Backoff != nil {
			delay = p.Backoff(attempt)
		}
		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, lastErr)
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}
