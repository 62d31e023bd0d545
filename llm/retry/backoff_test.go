package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() *Policy {
	return &Policy{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetryerSucceedsAfterTransientFailures(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(), nil)

	attempts := 0
	err := r.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryerExhaustsRetries(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(), nil)

	sentinel := errors.New("still broken")
	attempts := 0
	err := r.Do(context.Background(), func() error {
		attempts++
		return sentinel
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, attempts) // initial + 2 retries
}

func TestRetryerStopsOnNonRetryable(t *testing.T) {
	p := fastPolicy()
	p.Retryable = func(err error) bool { return false }
	r := NewBackoffRetryer(p, nil)

	attempts := 0
	err := r.Do(context.Background(), func() error {
		attempts++
		return errors.New("permanent")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryerHonoursContextCancellation(t *testing.T) {
	p := fastPolicy()
	p.InitialDelay = time.Second
	r := NewBackoffRetryer(p, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := r.Do(ctx, func() error { return errors.New("transient") })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalculateDelayCapped(t *testing.T) {
	p := &Policy{
		MaxRetries:   10,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   3.0,
	}
	r := NewBackoffRetryer(p, nil).(*backoffRetryer)

	for attempt := 1; attempt <= 10; attempt++ {
		d := r.calculateDelay(attempt)
		assert.LessOrEqual(t, d, time.Second)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
	}
}
