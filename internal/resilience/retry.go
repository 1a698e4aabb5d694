package resilience

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"
)

// RetryConfig tunes [Retry]'s jittered exponential backoff.
type RetryConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the backoff before the second attempt; the actual sleep is
	// drawn uniformly from [0, backoff]. Subsequent backoffs double each
	// time, capped at MaxDelay.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff delay.
	MaxDelay time.Duration

	// RateLimitFactor multiplies the computed delay when IsRateLimited
	// classifies the failure as a rate-limit error, giving upstream providers
	// more room to recover.
	RateLimitFactor float64

	// IsRateLimited classifies err as a rate-limit failure. May be nil, in
	// which case RateLimitFactor is never applied.
	IsRateLimited func(err error) bool
}

// Retry calls fn until it succeeds, the context is cancelled, or MaxAttempts
// is reached, sleeping with jittered exponential backoff between attempts.
// Returns the last error seen if all attempts fail.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.RateLimitFactor <= 0 {
		cfg.RateLimitFactor = 2
	}

	var lastErr error
	delay := cfg.BaseDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		wait := delay
		if cfg.IsRateLimited != nil && cfg.IsRateLimited(lastErr) {
			wait = time.Duration(float64(wait) * cfg.RateLimitFactor)
		}
		if wait > cfg.MaxDelay {
			wait = cfg.MaxDelay
		}
		// Full jitter: sleep somewhere in [0, wait].
		jittered := time.Duration(rand.Int64N(int64(wait) + 1))

		slog.Warn("retrying after failure",
			"name", cfg.Name,
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"delay", jittered,
			"err", lastErr,
		)

		select {
		case <-ctx.Done():
			return errors.Join(lastErr, ctx.Err())
		case <-time.After(jittered):
		}

		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return lastErr
}
