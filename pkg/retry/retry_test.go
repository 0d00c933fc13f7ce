package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fastConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestWithExponentialBackoffSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := WithExponentialBackoff(context.Background(), fastConfig(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, func(error) bool { return true })

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithExponentialBackoffStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("bad credentials")
	calls := 0
	err := WithExponentialBackoff(context.Background(), fastConfig(), func() error {
		calls++
		return fatal
	}, func(error) bool { return false })

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestWithExponentialBackoffExhaustsBudget(t *testing.T) {
	transient := errors.New("flaky")
	calls := 0
	err := WithExponentialBackoff(context.Background(), fastConfig(), func() error {
		calls++
		return transient
	}, func(error) bool { return true })

	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 3, calls)
}

func TestWithExponentialBackoffHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := fastConfig()
	cfg.BaseDelay = time.Second

	err := WithExponentialBackoff(ctx, cfg, func() error {
		return errors.New("transient")
	}, func(error) bool { return true })

	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsTemporaryError(t *testing.T) {
	assert.True(t, IsTemporaryError(errors.New("dial tcp: connection refused")))
	assert.True(t, IsTemporaryError(errors.New("request Timeout exceeded")))
	assert.False(t, IsTemporaryError(errors.New("invalid credentials")))
	assert.False(t, IsTemporaryError(nil))
}
