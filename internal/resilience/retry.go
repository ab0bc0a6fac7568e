package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/voxloop/pkg/provider"
)

// Default retry parameters.
const (
	DefaultCallTimeout  = 10 * time.Second
	DefaultRetryBackoff = 250 * time.Millisecond
)

// RetryConfig tunes [Retry].
type RetryConfig struct {
	// CallTimeout bounds each attempt. Zero selects DefaultCallTimeout. An
	// attempt that overruns it fails with a TimeoutError and is not retried.
	CallTimeout time.Duration

	// Backoff is the fixed pause before the retry. Zero selects
	// DefaultRetryBackoff.
	Backoff time.Duration

	// Attempts is the total number of tries, including the first. Zero
	// selects 2 (one retry).
	Attempts int
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultRetryBackoff
	}
	if c.Attempts <= 0 {
		c.Attempts = 2
	}
	return c
}

// Retry runs fn with a per-attempt deadline and classifies its failure.
//
// A [provider.TransientNetworkError] is retried after cfg.Backoff until the
// attempts are used up, after which it becomes a [provider.ServiceError].
// An attempt that hits its own deadline yields a [provider.TimeoutError] and
// is not retried. Every other error is returned classified on the first
// failure. If ctx itself ends, ctx's error is returned, wrapped in a
// TimeoutError when ctx hit its deadline.
func Retry[T any](ctx context.Context, op string, cfg RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()
	var zero T

	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
		v, err := fn(callCtx)
		callErr := callCtx.Err()
		cancel()
		if err == nil {
			return v, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return zero, &provider.TimeoutError{Op: op, Err: ctxErr}
			}
			return zero, ctxErr
		}
		if errors.Is(callErr, context.DeadlineExceeded) {
			return zero, &provider.TimeoutError{Op: op, After: cfg.CallTimeout, Err: err}
		}

		classified := provider.Classify(op, err)
		if !provider.IsTransient(classified) {
			return zero, classified
		}
		if attempt >= cfg.Attempts {
			var te *provider.TransientNetworkError
			errors.As(classified, &te)
			return zero, &provider.ServiceError{Op: op, StatusCode: te.StatusCode, Err: te.Err}
		}

		slog.Warn("resilience: transient failure, retrying", "op", op, "attempt", attempt, "backoff", cfg.Backoff, "err", err)
		t := time.NewTimer(cfg.Backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return zero, &provider.TimeoutError{Op: op, Err: ctx.Err()}
			}
			return zero, ctx.Err()
		case <-t.C:
		}
	}
}
