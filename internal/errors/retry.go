package errors

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"maestro/internal/logging"
)

// RetryConfig configures capped exponential backoff.
type RetryConfig struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxElapsed   time.Duration // total budget; zero means a single attempt
	JitterFactor float64       // 0.25 means ±25%
}

// DefaultRetryConfig matches the handshake budget used for workers.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseDelay:    200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		MaxElapsed:   10 * time.Second,
		JitterFactor: 0.1,
	}
}

// RetryWithResult calls fn until it succeeds, retryable reports false, the
// elapsed budget is spent, or ctx is done.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, retryable func(error) bool, logger logging.Logger, fn func(context.Context) (T, error)) (T, error) {
	logger = logging.OrNop(logger)
	var zero T
	start := time.Now()
	delay := cfg.BaseDelay

	for attempt := 1; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("Retry succeeded after %d attempts", attempt)
			}
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if retryable == nil || !retryable(err) {
			return zero, err
		}
		if time.Since(start) >= cfg.MaxElapsed {
			logger.Warn("Retry budget %v exhausted after %d attempts", cfg.MaxElapsed, attempt)
			return zero, fmt.Errorf("retries exhausted: %w", err)
		}

		wait := jitter(delay, cfg.JitterFactor)
		logger.Debug("Attempt %d failed: %v; waiting %v", attempt, err, wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}

		if delay < cfg.MaxDelay {
			delay *= 2
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
	}
}

func jitter(delay time.Duration, factor float64) time.Duration {
	if factor <= 0 || delay <= 0 {
		return delay
	}
	spread := float64(delay) * factor
	out := time.Duration(float64(delay) + (rand.Float64()*2-1)*spread)
	if out < 0 {
		return 0
	}
	return out
}
