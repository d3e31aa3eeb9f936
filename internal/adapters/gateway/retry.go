package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retry runs operation until it succeeds, fails permanently or maxRetries
// extra attempts were made. Delays grow exponentially from baseDelay with
// jitter and stop as soon as ctx is done.
func retry[T any](ctx context.Context, maxRetries int, baseDelay time.Duration, operation func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx)
	return backoff.RetryWithData(func() (T, error) {
		v, err := operation()
		if err != nil && !isRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, policy)
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, errMalformedResponse) {
		return false
	}
	if apiErr, ok := asAPIError(err); ok {
		return apiErr.IsRetryable()
	}
	// Connection resets and refused dials.
	return true
}
