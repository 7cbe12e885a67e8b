package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/syncerr"
)

func fastConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
		MaxRetries:      3,
	}
}

func TestExponentialBackoff(t *testing.T) {
	backoff := ExponentialBackoff(BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
	})

	assert.Equal(t, 100*time.Millisecond, backoff(0))
	assert.Equal(t, 100*time.Millisecond, backoff(1))
	assert.Equal(t, 200*time.Millisecond, backoff(2))
	assert.Equal(t, 400*time.Millisecond, backoff(3))
	assert.Equal(t, time.Second, backoff(10))
}

func TestExponentialBackoffJitterStaysInRange(t *testing.T) {
	backoff := ExponentialBackoff(BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
		Jitter:          true,
	})

	for i := 0; i < 50; i++ {
		d := backoff(2)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 200*time.Millisecond)
	}
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return syncerr.Transient("pull", errors.New("503"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	authErr := syncerr.Auth("pull", errors.New("401"))
	err := Do(context.Background(), fastConfig(), func(ctx context.Context) error {
		calls++
		return authErr
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, authErr)
	assert.True(t, syncerr.IsAuth(err))
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(ctx context.Context) error {
		calls++
		return syncerr.Transient("pull", errors.New("502"))
	})

	assert.Equal(t, 4, calls)
	require.Error(t, err)
	assert.True(t, syncerr.IsTransient(err))
	assert.Contains(t, err.Error(), "after 4 attempts")
}

func TestDoHonoursContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig()
	cfg.InitialInterval = time.Hour
	cfg.MaxInterval = time.Hour

	calls := 0
	err := Do(ctx, cfg, func(ctx context.Context) error {
		calls++
		cancel()
		return syncerr.Transient("pull", errors.New("timeout"))
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoCallsOnRetry(t *testing.T) {
	var attempts []int
	cfg := fastConfig()
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		attempts = append(attempts, attempt)
	}

	_ = Do(context.Background(), cfg, func(ctx context.Context) error {
		return syncerr.Transient("pull", errors.New("503"))
	})

	assert.Equal(t, []int{1, 2, 3}, attempts)
}
