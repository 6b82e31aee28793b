package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
		JitterFraction: 0,
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetry(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(eris.New("boom"), 503)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := eris.New("symbol not found")

	err := Do(context.Background(), fastRetry(5), func(ctx context.Context) error {
		calls++
		return permanent
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetry(3), func(ctx context.Context) error {
		calls++
		return NewTransientError(eris.New("still down"), 502)
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoValReturnsValue(t *testing.T) {
	calls := 0
	val, err := DoVal(context.Background(), fastRetry(3), func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, NewTransientError(eris.New("flaky"), 500)
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, val)
}

func TestDoRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := Do(ctx, fastRetry(10), func(ctx context.Context) error {
		calls++
		cancel()
		return NewTransientError(eris.New("boom"), 503)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(eris.New("bad request")))
	assert.True(t, IsTransient(NewTransientError(eris.New("rate limited"), 429)))
	assert.True(t, IsTransient(eris.New("dial tcp: i/o timeout")))
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 301, 400, 401, 403, 404} {
		assert.False(t, IsTransientHTTPStatus(code), "status %d", code)
	}
}
