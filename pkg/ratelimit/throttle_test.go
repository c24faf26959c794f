package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestNewThrottle_Limit(t *testing.T) {
	if got := NewThrottle(0).Limit(); got != rate.Inf {
		t.Errorf("NewThrottle(0).Limit() = %v, want Inf", got)
	}
	if got := NewThrottle(120).Limit(); got != 2 {
		t.Errorf("NewThrottle(120).Limit() = %v, want 2/s", got)
	}
}

func TestThrottle_Paces(t *testing.T) {
	// 1200 rpm = one request every 50ms.
	th := NewThrottle(1200)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := th.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	// First token is immediate, the next two wait ~50ms each.
	if d := time.Since(start); d < 90*time.Millisecond {
		t.Errorf("3 requests took %v, want >= ~100ms", d)
	}
}

func TestThrottle_ContextCancelled(t *testing.T) {
	th := NewThrottle(1) // one per minute
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := th.Wait(ctx); err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}
	start := time.Now()
	if err := th.Wait(ctx); !errors.Is(err, ErrWaitExceedsDeadline) {
		t.Fatalf("second Wait() error = %v, want ErrWaitExceedsDeadline", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("Wait() blocked for %v after the deadline", d)
	}
}

func TestThrottle_CancelledContext(t *testing.T) {
	th := NewThrottle(1)
	ctx, cancel := context.WithCancel(context.Background())
	if err := th.Wait(ctx); err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}
	cancel()
	if err := th.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
}
