package resilience

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	apperrors "conversation-orchestrator/backend/pkg/errors"
	"conversation-orchestrator/backend/pkg/logger"
)

// RetryConfig holds the exponential backoff settings used around store and
// bus calls
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	MaxRetries      uint64
}

// DefaultRetryConfig returns the backoff used for publishes and store writes
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsedTime:  15 * time.Second,
		MaxRetries:      5,
	}
}

// NewBackOff builds a context-aware exponential backoff from the config
func (rc RetryConfig) NewBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rc.InitialInterval
	b.MaxInterval = rc.MaxInterval
	b.MaxElapsedTime = rc.MaxElapsedTime

	var bo backoff.BackOff = b
	if rc.MaxRetries > 0 {
		bo = backoff.WithMaxRetries(bo, rc.MaxRetries)
	}
	return backoff.WithContext(bo, ctx)
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// backoff gives up. Only transient and unclassified errors are retried.
func Retry(ctx context.Context, rc RetryConfig, log *logger.Logger, op string, fn func() error) error {
	if log == nil {
		log = logger.Discard()
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		log.Warn("Retrying operation",
			"operation", op,
			"attempt", attempt,
			"wait", wait.String(),
			"error", err.Error(),
		)
	}

	return backoff.RetryNotify(operation, rc.NewBackOff(ctx), notify)
}

// Retryable reports whether err is worth another attempt
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindTransient, apperrors.KindInternal:
		return true
	}
	return false
}
