package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "conversation-orchestrator/backend/pkg/errors"
	"conversation-orchestrator/backend/pkg/logger"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxElapsedTime:  time.Second,
		MaxRetries:      3,
	}
}

func TestRetryRecoversFromTransientErrors(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(), logger.Discard(), "publish", func() error {
		calls++
		if calls < 3 {
			return apperrors.NewTransientError("BUS_UNAVAILABLE", "bus down", errors.New("dial tcp"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentErrors(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(), nil, "resolve", func() error {
		calls++
		return apperrors.NewNotFoundError("TOKEN_NOT_FOUND", "unknown token")
	})

	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
	assert.Equal(t, 1, calls)
}

func TestRetryGivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(), nil, "publish", func() error {
		calls++
		return apperrors.NewTransientError("BUS_UNAVAILABLE", "bus down", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls)
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "bus",
		FailureThreshold: 2,
		SuccessThreshold: 1,
		RetryTimeout:     time.Hour,
	}, nil)

	boom := errors.New("boom")
	assert.Equal(t, boom, cb.Execute(func() error { return boom }))
	assert.Equal(t, boom, cb.Execute(func() error { return boom }))
	assert.Equal(t, StateOpen, cb.GetState())

	err := cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, apperrors.IsTransient(err))

	stats := cb.Stats()
	assert.Equal(t, "bus", stats.Name)
	assert.Equal(t, StateOpen, stats.State)
	assert.Equal(t, uint64(2), stats.TotalRequests)
	assert.Equal(t, uint64(2), stats.TotalFailures)
	assert.Equal(t, uint64(1), stats.OpenCircuitCount)
	assert.False(t, stats.LastFailure.IsZero())
}

func TestCircuitBreakerIgnoresRequestErrors(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "store",
		FailureThreshold: 1,
		SuccessThreshold: 1,
		RetryTimeout:     time.Hour,
	}, nil)

	err := cb.Execute(func() error { return apperrors.NewValidationError("BAD", "bad input") })
	require.Error(t, err)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "bus",
		FailureThreshold: 1,
		SuccessThreshold: 1,
		RetryTimeout:     time.Millisecond,
	}, nil)

	_ = cb.Execute(func() error { return errors.New("boom") })
	require.Equal(t, StateOpen, cb.GetState())

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
}
