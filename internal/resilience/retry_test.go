package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{Name: "test", MaxAttempts: 3}, func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	cfg := RetryConfig{Name: "test", MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	err := Retry(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	cfg := RetryConfig{Name: "test", MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	err := Retry(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return errTest
	})
	if !errors.Is(err, errTest) {
		t.Errorf("expected errTest, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, RetryConfig{Name: "test", MaxAttempts: 3}, func(ctx context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0 (should not invoke fn on an already-cancelled context)", calls)
	}
}

func TestRetry_RateLimitedGetsLongerDelay(t *testing.T) {
	var errRateLimit = errors.New("rate limited")
	calls := 0
	start := time.Now()
	cfg := RetryConfig{
		Name:            "test",
		MaxAttempts:     2,
		BaseDelay:       10 * time.Millisecond,
		MaxDelay:        time.Second,
		RateLimitFactor: 1,
		IsRateLimited:   func(err error) bool { return errors.Is(err, errRateLimit) },
	}
	_ = Retry(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return errRateLimit
	})
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("expected at least one backoff delay to have elapsed")
	}
}
