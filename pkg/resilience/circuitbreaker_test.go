package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chris-alexander-pop/msgbroker/pkg/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          50 * time.Millisecond,
	})

	boom := errors.New("boom")
	fail := func(ctx context.Context) error { return boom }

	require.ErrorIs(t, cb.Execute(context.Background(), fail), boom)
	require.ErrorIs(t, cb.Execute(context.Background(), fail), boom)
	assert.Equal(t, resilience.StateOpen, cb.CurrentState())

	err := cb.Execute(context.Background(), fail)
	require.Error(t, err)
	assert.NotErrorIs(t, err, boom) // fast-failed by the breaker, not the downstream call

	time.Sleep(60 * time.Millisecond)
	ok := func(ctx context.Context) error { return nil }
	require.NoError(t, cb.Execute(context.Background(), ok))
	assert.Equal(t, resilience.StateClosed, cb.CurrentState())
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := resilience.Retry(context.Background(), resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	}, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}
