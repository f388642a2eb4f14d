package errors

import (
	"context"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"configuration", NewConfigurationError(fmt.Errorf("cycle"), "dependency cycle"), false},
		{"infrastructure", NewInfrastructureError("checkpoint db", fmt.Errorf("down")), true},
		{"connection refused string", fmt.Errorf("dial tcp: connection refused"), true},
		{"syscall", syscall.ECONNRESET, true},
		{"plain", fmt.Errorf("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsConfigurationWrapped(t *testing.T) {
	inner := NewConfigurationError(nil, "cycle detected in task graph")
	wrapped := fmt.Errorf("build plan: %w", inner)
	assert.True(t, IsConfiguration(wrapped))
	assert.False(t, IsConfiguration(fmt.Errorf("other")))
}

func fastRetryConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return NewInfrastructureError("db", fmt.Errorf("connection refused"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := NewConfigurationError(nil, "bad plan")
	err := Retry(context.Background(), fastRetryConfig(5), func(context.Context) error {
		calls++
		return permanent
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsConfiguration(err))
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(2), func(context.Context) error {
		calls++
		return NewInfrastructureError("db", fmt.Errorf("timeout"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls) // first try + 2 retries
	assert.Contains(t, err.Error(), "max retries exceeded")
}

func TestRetryWithResultHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RetryWithResult(ctx, fastRetryConfig(3), func(context.Context) (int, error) {
		return 0, NewInfrastructureError("db", fmt.Errorf("timeout"))
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context cancelled")
}

func TestCalculateBackoffCapped(t *testing.T) {
	config := RetryConfig{BaseDelay: time.Second, MaxDelay: 2 * time.Second}
	for attempt := 0; attempt < 8; attempt++ {
		delay := calculateBackoff(attempt, config)
		assert.LessOrEqual(t, delay, config.MaxDelay)
		assert.Greater(t, delay, time.Duration(0))
	}
}
