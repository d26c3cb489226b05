// Package retry classifies dispatch failures and computes bounded backoff
// between delivery attempts.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/textproto"
	"syscall"
	"time"
)

// IsRetryable reports whether err looks like a transient transport failure.
// Unknown errors are not retryable: delivery is not idempotent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return isRetryableNetworkError(err) || isRetryableSystemError(err) || isRetryableSMTPError(err)
}

func isRetryableNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func isRetryableSystemError(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// SMTP 4xx replies are transient by definition; 5xx are permanent.
func isRetryableSMTPError(err error) bool {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code >= 400 && protoErr.Code < 500
	}
	return false
}

// Backoff returns the delay before retry number attempt (1-based): exponential
// growth from initial, capped at max, with full jitter.
func Backoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt < 1 || initial <= 0 {
		return 0
	}
	if max < initial {
		max = initial
	}

	d := initial
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return time.Duration(rand.Int64N(int64(d)) + 1)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
