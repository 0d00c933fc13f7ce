package retry

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// Config holds retry behavior for a call site.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultConfig suits short-lived transient failures (network blips).
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

// Func is the operation under retry.
type Func func() error

// Predicate decides whether an error is worth another attempt.
type Predicate func(error) bool

// WithExponentialBackoff runs fn up to cfg.MaxAttempts times, sleeping
// BaseDelay*Multiplier^attempt (capped at MaxDelay) between attempts. A
// non-retryable error or context cancellation stops immediately; the last
// error is wrapped so callers can still inspect it with errors.Is/As.
func WithExponentialBackoff(ctx context.Context, cfg Config, fn Func, isRetryable Predicate) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !isRetryable(err) {
			return err
		}

		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := time.Duration(float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt)))
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}

// IsTemporaryError matches common transient transport failures by message.
// Prefer a typed predicate where one exists; this is the fallback for
// errors that cross an untyped boundary.
func IsTemporaryError(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"network is unreachable",
		"no route to host",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
