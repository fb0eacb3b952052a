// Package backoff provides the truncated binary backoff schedule used by
// every recipe's retry loop (group join/watch, server set cache refills,
// membership cancellation).
package backoff

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Schedule parameters, per spec.md §6.4 "backoff parameters (initial, cap)".
type Schedule struct {
	Initial time.Duration
	Cap     time.Duration
}

// DefaultSchedule matches the teacher's zkRetryOptions (10ms initial, 1s cap,
// unbounded retries).
var DefaultSchedule = Schedule{Initial: 10 * time.Millisecond, Cap: time.Second}

func (s Schedule) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.Initial
	eb.MaxInterval = s.Cap
	eb.MaxElapsedTime = 0 // unbounded; caller controls lifetime via context
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.2
	return eb
}

// Retry runs op until it returns a nil error, op returns a non-retryable
// error (via Permanent), or ctx is done. retryable classifies which errors
// get another attempt.
func Retry(ctx context.Context, schedule Schedule, retryable func(error) bool, op func() error) error {
	b := backoff.WithContext(schedule.newBackOff(), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
