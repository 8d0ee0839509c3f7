package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicy_RetriesWithBackoff(t *testing.T) {
	attempts := 0
	var delays []time.Duration

	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
		ShouldRetry: func(error) bool { return true },
	}

	err := policy.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("fail")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if len(delays) != 2 || delays[0] != 10*time.Millisecond || delays[1] != 20*time.Millisecond {
		t.Fatalf("delays = %v", delays)
	}
}

func TestRetryPolicy_StopsWhenShouldRetryDeclines(t *testing.T) {
	permanent := errors.New("permanent")
	attempts := 0

	policy := RetryPolicy{
		MaxAttempts: 5,
		Sleep:       func(context.Context, time.Duration) error { return nil },
		ShouldRetry: func(err error) bool { return !errors.Is(err, permanent) },
	}

	err := policy.Do(context.Background(), func() error {
		attempts++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v, want permanent", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestRetryPolicy_ReturnsLastErrorAfterBudget(t *testing.T) {
	transient := errors.New("transient")
	attempts := 0

	policy := RetryPolicy{
		MaxAttempts: 3,
		Sleep:       func(context.Context, time.Duration) error { return nil },
		ShouldRetry: func(error) bool { return true },
	}

	err := policy.Do(context.Background(), func() error {
		attempts++
		return transient
	})
	if !errors.Is(err, transient) {
		t.Fatalf("err = %v, want transient", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRetryPolicy_HonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	policy := RetryPolicy{MaxAttempts: 3}
	err := policy.Do(ctx, func() error { return errors.New("never runs") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRetryPolicy_CapsDelayAtMax(t *testing.T) {
	var delays []time.Duration

	policy := RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   20 * time.Millisecond,
		MaxDelay:    30 * time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep: func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
		ShouldRetry: func(error) bool { return true },
	}

	_ = policy.Do(context.Background(), func() error { return errors.New("fail") })
	if len(delays) != 3 {
		t.Fatalf("delays = %v", delays)
	}
	for _, d := range delays[1:] {
		if d > 30*time.Millisecond {
			t.Fatalf("delay %v exceeds cap", d)
		}
	}
}

func TestRateLimiter_AllowsBurstThenBlocks(t *testing.T) {
	now := time.Now()
	limiter := NewRateLimiter(time.Second, 2)
	limiter.now = func() time.Time { return now }

	slept := 0
	limiter.sleep = func(_ context.Context, d time.Duration) error {
		slept++
		now = now.Add(d)
		return nil
	}

	for i := 0; i < 2; i++ {
		if err := limiter.Wait(context.Background()); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
	if slept != 0 {
		t.Fatalf("burst should not sleep, slept %d times", slept)
	}

	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("Wait after burst: %v", err)
	}
	if slept == 0 {
		t.Fatalf("expected a sleep once the burst is spent")
	}
}

func TestRateLimiter_NilLimiterIsPassthrough(t *testing.T) {
	var limiter *RateLimiter
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("Wait on nil limiter: %v", err)
	}
}
