// Package backoff provides exponential retry delays.
package backoff

import (
	"context"
	"errors"
	"math"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
}

func (c *Config) bounds() (time.Duration, time.Duration) {
	initial, maxDelay := 100*time.Millisecond, 5*time.Second
	if c != nil {
		if c.Initial > 0 {
			initial = c.Initial
		}
		if c.Max > 0 {
			maxDelay = c.Max
		}
	}
	return initial, maxDelay
}

// Exponential returns the delay before retry number attempt.
// Attempt 1 waits initial, attempt 2 waits initial*2, and so on up to Max.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial, maxDelay := cfg.bounds()
	if attempt < 1 {
		return initial
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if d > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Retry returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry calls fn up to attempts times, sleeping between failures.
// It stops early when ctx ends, fn returns nil or fn returns a Permanent
// error, and returns the last error.
func Retry(ctx context.Context, attempts int, cfg *Config, fn func(ctx context.Context) error) error {
	var err error
	for attempt := range max(attempts, 1) {
		if attempt > 0 {
			timer := time.NewTimer(Exponential(attempt, cfg))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
	}
	return err
}
