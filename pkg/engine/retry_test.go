package engine

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestRetryPolicyStopsWhenDone(t *testing.T) {
	policy := RetryPolicy{Attempts: 5, Interval: time.Millisecond}

	attempts, done, err := policy.Do(context.Background(), func(attempt int) (bool, error) {
		return attempt == 3, nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if !done || attempts != 3 {
		t.Errorf("attempts = %d done = %v, want 3 attempts then done", attempts, done)
	}
}

func TestRetryPolicyExhaustsBudgetExactly(t *testing.T) {
	policy := RetryPolicy{Attempts: 3, Interval: 0}

	calls := 0
	attempts, done, err := policy.Do(context.Background(), func(int) (bool, error) {
		calls++
		return false, nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if done {
		t.Error("exhaustion must not report done")
	}
	if attempts != 3 || calls != 3 {
		t.Errorf("attempts = %d calls = %d, want exactly the budget of 3", attempts, calls)
	}
}

func TestRetryPolicyPropagatesError(t *testing.T) {
	policy := RetryPolicy{Attempts: 3, Interval: 0}

	attempts, _, err := policy.Do(context.Background(), func(int) (bool, error) {
		return false, fmt.Errorf("probe mechanism broken")
	})
	if err == nil {
		t.Fatal("expected error from attempt")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want no retry after a mechanism error", attempts)
	}
}

func TestRetryPolicyHonorsCancellation(t *testing.T) {
	policy := RetryPolicy{Attempts: 10, Interval: time.Minute}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts, _, err := policy.Do(ctx, func(int) (bool, error) {
		return false, nil
	})
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 before waiting", attempts)
	}
}
