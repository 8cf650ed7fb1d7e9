// Package retry runs an operation repeatedly with exponential backoff until
// it succeeds, a classifier rules the error permanent, or the attempt budget
// runs out. The agent uses it for control-plane calls that race the control
// plane's own startup, such as registration.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Config controls the retry behaviour.
type Config struct {
	// MaxAttempts is the total number of attempts, first one included.
	// Values below 1 mean a single attempt.
	MaxAttempts int
	// InitialDelay is the wait before the second attempt; each further wait
	// doubles until MaxDelay caps it.
	InitialDelay time.Duration
	// MaxDelay caps the per-attempt wait.
	MaxDelay time.Duration
	// ShouldRetry classifies errors as transient. Nil retries everything.
	ShouldRetry func(err error) bool
}

// DefaultConfig suits short-lived network calls.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
}

func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultConfig.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultConfig.MaxDelay
	}
	if c.ShouldRetry == nil {
		c.ShouldRetry = func(error) bool { return true }
	}
	return c
}

// Do calls fn until it returns nil, up to cfg.MaxAttempts times. A cancelled
// ctx stops the loop between attempts; the last attempt's error is returned,
// joined with the context error when cancellation cut the loop short.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg = cfg.normalized()

	var lastErr error
	delay := cfg.InitialDelay
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !cfg.ShouldRetry(lastErr) || attempt >= cfg.MaxAttempts {
			return lastErr
		}

		slog.Debug("transient failure, backing off",
			"attempt", attempt, "max", cfg.MaxAttempts, "delay", delay, "error", lastErr)

		select {
		case <-ctx.Done():
			return errors.Join(lastErr, ctx.Err())
		case <-time.After(delay):
		}
		if delay *= 2; delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}
