package provisioner

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// Retrier centralizes the fixed-backoff retry policy spec.md §4.2
// requires for both Launch's creation calls and the watchdog's
// zombie-destroy cleanup. Grounded on the teacher's
// internal/bmc/retry.go doWithRetry, adapted from HTTP-response
// classification to a generic func(context.Context) error and from
// exponential to fixed backoff per spec.md §4.2 ("fixed backoff").
type Retrier struct {
	MaxAttempts int
	Backoff     time.Duration
	JitterFrac  float64
	Logger      *slog.Logger
}

// Do runs fn, retrying while the returned error wraps ErrTransient, up
// to MaxAttempts total attempts. A non-transient error (nil, or any
// error not wrapping ErrTransient) returns immediately.
func (r Retrier) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrTransient) {
			return err
		}
		lastErr = err

		if attempt < maxAttempts {
			if r.Logger != nil {
				r.Logger.Debug("provisioner retry", "op", op, "attempt", attempt, "err", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.sleepFor()):
			}
		}
	}
	return lastErr
}

func (r Retrier) sleepFor() time.Duration {
	base := r.Backoff
	if base <= 0 {
		base = time.Second
	}
	jitterFrac := r.JitterFrac
	if jitterFrac <= 0 {
		return base
	}
	jitter := time.Duration(rand.Float64() * jitterFrac * float64(base))
	return base + jitter
}
