package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// ErrMaxAttemptsExceeded is returned when every attempt hit a retryable error
var ErrMaxAttemptsExceeded = errors.New("maximum retry attempts exceeded")

// RetryConfig controls how journal writes are retried when the database
// is busy
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// JitterRange is the fraction of each delay randomised, 0 to 1
	JitterRange float64
	IsRetryable func(error) bool
}

// DefaultRetryConfig returns the retry policy used by EventJournal
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
		Multiplier:  2.0,
		JitterRange: 0.1,
		IsRetryable: IsBusy,
	}
}

// IsBusy reports whether err is a transient SQLite lock conflict
func IsBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

// delay returns the backoff before the given retry (1-based)
func (c RetryConfig) delay(retry int) time.Duration {
	d := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(retry-1))
	if c.JitterRange > 0 {
		d += d * c.JitterRange * (rand.Float64()*2 - 1)
	}
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	return time.Duration(d)
}

// withRetry runs op until it succeeds, fails with a non-retryable error,
// exhausts MaxAttempts or ctx ends
func withRetry(ctx context.Context, config RetryConfig, name string, op func(ctx context.Context) error) error {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.IsRetryable == nil {
		config.IsRetryable = IsBusy
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := config.delay(attempt - 1)
			log.Debug().
				Str("operation", name).
				Int("attempt", attempt).
				Dur("delay", wait).
				Err(lastErr).
				Msg("Retrying journal operation")

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%s: %w (last error: %v)", name, ctx.Err(), lastErr)
			case <-timer.C:
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if !config.IsRetryable(err) {
			return err
		}
		lastErr = err
	}

	log.Warn().
		Str("operation", name).
		Int("attempts", config.MaxAttempts).
		Err(lastErr).
		Msg("Journal operation failed after retries")
	return fmt.Errorf("%s: %w: %w", name, ErrMaxAttemptsExceeded, lastErr)
}
