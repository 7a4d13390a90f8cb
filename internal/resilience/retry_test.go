package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryReturnsLastError(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.0}
	wantErr := errors.New("persistent")

	err := Retry(context.Background(), cfg, func() error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}

func TestRetryHonoursContextCancel(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 10, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1.0}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, cfg, func() error { return errors.New("always") })
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}

func TestBackoffGrowsAndResets(t *testing.T) {
	b := &Backoff{Initial: time.Second, Max: 8 * time.Second, Multiplier: 2.0}

	if d := b.Next(); d != time.Second {
		t.Fatalf("first delay = %v, want 1s", d)
	}
	if d := b.Next(); d != 2*time.Second {
		t.Fatalf("second delay = %v, want 2s", d)
	}
	b.Next()
	b.Next()
	if d := b.Next(); d != 8*time.Second {
		t.Fatalf("capped delay = %v, want 8s", d)
	}
	if !b.Active() {
		t.Fatal("backoff should be active after failures")
	}

	b.Reset()
	if b.Active() {
		t.Fatal("backoff should be inactive after reset")
	}
	if d := b.Next(); d != time.Second {
		t.Fatalf("delay after reset = %v, want 1s", d)
	}
}
