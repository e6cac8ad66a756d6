package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Jitter          float64 // ±jitter fraction (e.g., 0.2 = ±20%)

	// OnRetry, when set, is called before sleeping ahead of attempt+1.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultConfig mirrors the delivery defaults: five tries doubling from two seconds.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		InitialInterval: 2 * time.Second,
		MaxInterval:     60 * time.Second,
	}
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks an error as permanent (non-retryable).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent returns true if the error is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do executes fn with retry logic. It stops retrying when:
// - fn returns nil (success)
// - fn returns a PermanentError (returned unwrapped)
// - MaxAttempts is exhausted (returned as *ExhaustedError)
// - ctx is cancelled
//
// fn receives the zero-based attempt number.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(lastErr, &pe) {
			return pe.Err
		}
		if attempt == attempts-1 {
			break
		}
		delay := Backoff(cfg, attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, delay, lastErr)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return &ExhaustedError{Attempts: attempts, Err: lastErr}
}

// Backoff returns the delay that follows the given zero-based attempt:
// InitialInterval × 2^attempt, capped at MaxInterval, then jittered.
func Backoff(cfg Config, attempt int) time.Duration {
	backoff := float64(cfg.InitialInterval) * math.Pow(2, float64(attempt))
	if cfg.MaxInterval > 0 && backoff > float64(cfg.MaxInterval) {
		backoff = float64(cfg.MaxInterval)
	}
	if cfg.Jitter > 0 {
		jitter := backoff * cfg.Jitter
		backoff = backoff - jitter + rand.Float64()*2*jitter
	}
	return time.Duration(backoff)
}
