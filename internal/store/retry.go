package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/gorm"

	"procodus.dev/ecoatlas/pkg/telemetry"
)

const (
	// Initial delay between attempts of a failed database operation.
	retryInitialInterval = 50 * time.Millisecond

	// Upper bound for the delay between attempts.
	retryMaxInterval = 2 * time.Second
)

// do runs fn with bounded exponential backoff and converts the final failure
// into a *telemetry.StoreError.
func (s *GormStore) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	attempts := 0

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = retryInitialInterval
	exp.MaxInterval = retryMaxInterval
	exp.MaxElapsedTime = 0 // bounded by maxRetries instead

	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(s.maxRetries)), ctx)

	err := backoff.RetryNotify(func() error {
		attempts++
		err := fn(ctx)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		s.logger.Warn("database operation failed, retrying",
			"operation", op,
			"attempt", attempts,
			"backoff", wait,
			"error", err)
		if s.metrics != nil {
			s.metrics.DBRetries.WithLabelValues(op).Inc()
		}
	})

	if s.metrics != nil {
		s.metrics.DBOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		status := "success"
		if err != nil {
			status = "error"
		}
		s.metrics.DBOperationsTotal.WithLabelValues(op, status).Inc()
	}

	if err != nil {
		s.logger.Error("database operation failed",
			"operation", op,
			"attempts", attempts,
			"error", err)
		return telemetry.NewStoreError(op, attempts, err)
	}
	return nil
}

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, gorm.ErrInvalidData),
		errors.Is(err, gorm.ErrInvalidField):
		return false
	default:
		return true
	}
}
