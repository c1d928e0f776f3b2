// Package retry runs an operation with a bounded attempt budget and
// quadratic backoff between attempts.
package retry

import (
	"context"
	"time"
)

// Config controls the attempt budget and backoff curve.
type Config struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is multiplied by the square of the attempt number to
	// compute the sleep before the next try.
	BaseDelay time.Duration
	// OnRetry, when set, is called before each sleep with the attempt
	// number that just failed and its error.
	OnRetry func(attempt int, err error)
}

// Do invokes fn until it succeeds, the attempt budget runs out, or ctx is
// done. It returns the last error when all attempts fail.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
		delay := cfg.BaseDelay * time.Duration(attempt*attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
