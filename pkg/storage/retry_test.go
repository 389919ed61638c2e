package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/resource-slot/pkg/sandbox"
)

func fastRetry() RetryConfig {
	config := DefaultRetryConfig()
	config.BaseDelay = time.Millisecond
	config.MaxDelay = 5 * time.Millisecond
	return config
}

func TestIsBusy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"locked", sqlite3.Error{Code: sqlite3.ErrLocked}, true},
		{"wrapped busy", fmt.Errorf("exec: %w", sqlite3.Error{Code: sqlite3.ErrBusy}), true},
		{"constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"plain", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsBusy(tt.err))
		})
	}
}

func TestRetryConfig_Delay(t *testing.T) {
	config := RetryConfig{
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   100 * time.Millisecond,
		Multiplier: 2,
	}

	assert.Equal(t, 10*time.Millisecond, config.delay(1))
	assert.Equal(t, 20*time.Millisecond, config.delay(2))
	assert.Equal(t, 40*time.Millisecond, config.delay(3))
	assert.Equal(t, 100*time.Millisecond, config.delay(10))

	config.JitterRange = 0.5
	for i := 0; i < 20; i++ {
		d := config.delay(2)
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.LessOrEqual(t, d, 30*time.Millisecond)
	}
}

func TestWithRetry_SucceedsAfterBusy(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), fastRetry(), "test", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return sqlite3.Error{Code: sqlite3.ErrBusy}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_NonRetryable(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := withRetry(context.Background(), fastRetry(), "test", func(ctx context.Context) error {
		calls++
		return boom
	})

	assert.Same(t, boom, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_ExhaustsAttempts(t *testing.T) {
	config := fastRetry()
	config.MaxAttempts = 3

	calls := 0
	err := withRetry(context.Background(), config, "test", func(ctx context.Context) error {
		calls++
		return sqlite3.Error{Code: sqlite3.ErrLocked}
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, ErrMaxAttemptsExceeded)
	assert.True(t, IsBusy(err), "last driver error stays reachable")
}

func TestWithRetry_ContextCancelled(t *testing.T) {
	config := fastRetry()
	config.BaseDelay = time.Hour
	config.MaxDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := withRetry(ctx, config, "test", func(ctx context.Context) error {
		calls++
		cancel()
		return sqlite3.Error{Code: sqlite3.ErrBusy}
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), RetryConfig{}, "test", func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestEventJournal_WithRetry(t *testing.T) {
	store := setupTestStore(t)

	config := fastRetry()
	config.MaxAttempts = 1
	journal := NewEventJournal(store).WithRetry(config)

	assert.Equal(t, 1, journal.retry.MaxAttempts)
	require.NoError(t, journal.SaveEvent(sandbox.Event{
		ID:        "evt-retry",
		Type:      sandbox.EventTypeSandboxCreated,
		Severity:  sandbox.EventSeverityInfo,
		SandboxID: "sb-1",
		Timestamp: time.Now(),
	}))

	count, err := journal.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
