// Package retry provides the shared retry policy applied to every external
// service call.
//
// Transient failures (timeouts, rate limiting, network errors) are retried
// with exponential backoff up to a configured attempt count. Permanent
// failures (bad credentials, malformed requests) short-circuit immediately.
// Exhaustion always surfaces as ErrUnavailable so callers can fall back to a
// scripted response instead of propagating a raw fault.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable is returned when all attempts are exhausted. The wrapped
// cause is the last attempt's error.
var ErrUnavailable = errors.New("service unavailable")

// PermanentError marks an error as not worth retrying.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so Do stops retrying and returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError anywhere in its chain.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Policy is the shared retry policy value. The zero value performs a single
// attempt with no backoff.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BackoffBase is the delay before the first retry; each subsequent retry
	// doubles it.
	BackoffBase time.Duration
}

// Do runs fn up to p.MaxAttempts times. It returns nil on the first success,
// the wrapped cause for permanent errors, the context error if ctx is done,
// and an error wrapping ErrUnavailable once attempts are exhausted.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	backoff := p.BackoffBase
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return err
		}
		lastErr = err

		if attempt == attempts {
			break
		}
		if err := sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
	}

	return fmt.Errorf("%w after %d attempts: %v", ErrUnavailable, attempts, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
