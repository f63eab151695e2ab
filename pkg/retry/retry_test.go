package retry

import (
	"context"
	"testing"
	"time"

	"github.com/dfscache/dfscache/pkg/errors"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
	}
}

// TestDoSucceedsFirstTry tests the no-retry fast path
func TestDoSucceedsFirstTry(t *testing.T) {
	r := New(fastConfig(3))
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

// TestDoRetriesRetryable tests that retryable errors consume the budget
func TestDoRetriesRetryable(t *testing.T) {
	r := New(fastConfig(3))
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New(errors.ErrCodeConnect, "dial refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

// TestDoStopsOnNonRetryable tests that permanent errors fail fast
func TestDoStopsOnNonRetryable(t *testing.T) {
	r := New(fastConfig(5))
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return errors.New(errors.ErrCodeNotFound, "missing")
	})
	if !errors.IsCode(err, errors.ErrCodeNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

// TestDoExhaustsBudget tests that the last error is returned
func TestDoExhaustsBudget(t *testing.T) {
	r := New(fastConfig(3))
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return errors.New(errors.ErrCodeRemote, "flaky")
	})
	if !errors.IsCode(err, errors.ErrCodeRemote) {
		t.Fatalf("expected Remote, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

// TestDoHonorsContext tests cancellation between attempts
func TestDoHonorsContext(t *testing.T) {
	r := New(Config{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := r.Do(ctx, func() error {
		calls++
		return errors.New(errors.ErrCodeConnect, "dial refused")
	})
	if !errors.IsCode(err, errors.ErrCodeCanceled) {
		t.Fatalf("expected Canceled, got %v", err)
	}
	if calls == 0 {
		t.Error("expected at least one attempt before cancel")
	}
}

// TestOnRetryCallback tests the retry hook
func TestOnRetryCallback(t *testing.T) {
	var hooks int
	cfg := fastConfig(3)
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		hooks++
	}
	r := New(cfg)
	_ = r.Do(context.Background(), func() error {
		return errors.New(errors.ErrCodeConnect, "dial refused")
	})
	if hooks != 2 {
		t.Errorf("expected 2 retry hooks for 3 attempts, got %d", hooks)
	}
}
