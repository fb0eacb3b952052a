package backoff_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segmentfault/zkrecipes/backoff"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	schedule := backoff.Schedule{Initial: time.Millisecond, Cap: 10 * time.Millisecond}
	attempts := 0
	err := backoff.Retry(context.Background(), schedule, func(error) bool { return true }, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	schedule := backoff.Schedule{Initial: time.Millisecond, Cap: 10 * time.Millisecond}
	sentinel := errors.New("fatal")
	attempts := 0
	err := backoff.Retry(context.Background(), schedule, func(error) bool { return false }, func() error {
		attempts++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, attempts)
}

func TestRetryStopsWhenContextCancelled(t *testing.T) {
	schedule := backoff.Schedule{Initial: 5 * time.Millisecond, Cap: 10 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := backoff.Retry(ctx, schedule, func(error) bool { return true }, func() error {
		attempts++
		return errors.New("always fails")
	})
	assert.Error(t, err)
}
