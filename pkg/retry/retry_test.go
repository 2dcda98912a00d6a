package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithRetrySucceedsEventually(t *testing.T) {
	attempts := 0
	cfg := Config{MaxAttempts: 6, Delay: time.Millisecond, Retryable: IsDatasetBusy, OperationName: "zfs destroy"}

	result, err := WithRetry(context.Background(), cfg, func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("cannot destroy 'tank/vm-100-disk-1': dataset is busy")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" || attempts != 3 {
		t.Fatalf("expected success on 3rd attempt, got result=%q attempts=%d", result, attempts)
	}
}

func TestWithRetryGivesUpAfterMaxAttempts(t *testing.T) {
	attempts := 0
	cfg := ZFSBusyConfig("zfs destroy")
	cfg.Delay = time.Millisecond

	_, err := WithRetry(context.Background(), cfg, func() (struct{}, error) {
		attempts++
		return struct{}{}, errors.New("dataset is busy")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 6 {
		t.Fatalf("expected exactly 6 attempts, got %d", attempts)
	}
	if !errors.Is(err, ErrMaxAttemptsExceeded) {
		t.Fatalf("expected ErrMaxAttemptsExceeded, got %v", err)
	}
}

func TestWithRetryNonRetryableFailsImmediately(t *testing.T) {
	attempts := 0
	cfg := ZFSBusyConfig("zfs destroy")
	cfg.Delay = time.Millisecond

	err := WithRetryNoResult(context.Background(), cfg, func() error {
		attempts++
		return errors.New("dataset does not exist")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable error, got %d", attempts)
	}
}

func TestWithRetryRespectsContextCancellation(t *testing.T) {
	cfg := Config{MaxAttempts: 10, Delay: 50 * time.Millisecond, Retryable: func(error) bool { return true }}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := WithRetry(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, errors.New("dataset is busy")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestIsDatasetBusy(t *testing.T) {
	if IsDatasetBusy(nil) {
		t.Fatal("nil error should not be retryable")
	}
	if !IsDatasetBusy(errors.New("cannot destroy 'tank/vm-1-disk-1': dataset is busy")) {
		t.Fatal("expected dataset-is-busy message to match")
	}
	if IsDatasetBusy(errors.New("dataset does not exist")) {
		t.Fatal("did not expect match")
	}
}
