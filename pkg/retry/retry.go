// Package retry implements the bounded retry policy used for specific
// transient backend errors (spec.md §5/§7.4): only ZFS's "dataset is
// busy" is retried internally, with a fixed 1-second delay and a hard
// cap of 6 attempts. No other transient error gets an internal retry —
// callers that need one compose their own RetryableFunc.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/klog/v2"
)

// Config configures a bounded retry loop.
type Config struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// Delay is the fixed wait between attempts (no backoff: spec.md §4.G
	// specifies a flat 1s sleep for ZFS busy-dataset retries, not an
	// exponential schedule).
	Delay time.Duration
	// Retryable reports whether err should trigger another attempt.
	// If nil, every error is retryable.
	Retryable func(error) bool
	// OperationName labels log lines.
	OperationName string
}

// ErrMaxAttemptsExceeded is returned, wrapping the last error, once
// every attempt has failed.
var ErrMaxAttemptsExceeded = errors.New("retry: max attempts exceeded")

// ZFSBusyConfig is the fixed policy for ZFS "dataset is busy" failures
// (spec.md §4.G free_image): up to 6 attempts total, 1s apart.
func ZFSBusyConfig(operation string) Config {
	return Config{
		MaxAttempts:   6,
		Delay:         1 * time.Second,
		OperationName: operation,
		Retryable:     IsDatasetBusy,
	}
}

// IsDatasetBusy matches the ZFS CLI's "dataset is busy" error text.
func IsDatasetBusy(err error) bool {
	if err == nil {
		return false
	}
	return containsSubstr(err.Error(), "dataset is busy")
}

// WithRetry runs fn, retrying per cfg until it succeeds, a
// non-retryable error is seen, the context is cancelled, or attempts
// are exhausted.
func WithRetry[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.OperationName == "" {
		cfg.OperationName = "operation"
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		result, err := fn()
		if err == nil {
			if attempt > 1 {
				klog.V(4).Infof("retry: %s succeeded on attempt %d", cfg.OperationName, attempt)
			}
			return result, nil
		}
		lastErr = err

		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return zero, err
		}

		if attempt < cfg.MaxAttempts {
			klog.V(4).Infof("retry: %s failed on attempt %d/%d: %v, retrying in %v",
				cfg.OperationName, attempt, cfg.MaxAttempts, err, cfg.Delay)
			select {
			case <-time.After(cfg.Delay):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
	}

	return zero, fmt.Errorf("%w: %s failed after %d attempts: %w",
		ErrMaxAttemptsExceeded, cfg.OperationName, cfg.MaxAttempts, lastErr)
}

// WithRetryNoResult is WithRetry for functions with no return value.
func WithRetryNoResult(ctx context.Context, cfg Config, fn func() error) error {
	_, err := WithRetry(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func containsSubstr(s, sub string) bool {
	if len(sub) == 0 {
		return true
	}
	if len(s) < len(sub) {
		return false
	}
	for i := 0; i <= len(s)-len(sub); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
