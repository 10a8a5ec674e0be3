package llm

import (
	"context"
	"time"
)

// RetryConfig bounds WithRetry's exponential backoff.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig matches the external-call timeout/retry defaults used
// throughout the merge pipeline: bounded retries with exponential backoff
// for transient failures.
var DefaultRetryConfig = RetryConfig{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}

// WithRetry calls fn up to cfg.MaxAttempts times, doubling the delay between
// attempts (capped at cfg.MaxDelay). It returns the last error if every
// attempt fails, or nil on the first success. Callers are responsible for
// the defensive fallback when WithRetry still returns an error (random
// vectors, cluster split, default classification, etc.) — this helper only
// absorbs the transient-retry policy, never changes call semantics.
func WithRetry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	delay := cfg.BaseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
		if err := fn(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}
