package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/rs/zerolog"
)

func TestUpdateFromHeaders_Local(t *testing.T) {
	tests := []struct {
		name            string
		remainHeader    string
		resetHeader     string
		expectedRemain  int
		expectedHealthy bool
	}{
		{name: "healthy state", remainHeader: "100", resetHeader: "60", expectedRemain: 100, expectedHealthy: true},
		{name: "warning state", remainHeader: "8", resetHeader: "30", expectedRemain: 8, expectedHealthy: false},
		{name: "exhausted", remainHeader: "0", resetHeader: "45", expectedRemain: 0, expectedHealthy: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewTracker(nil, zerolog.Nop())
			headers := http.Header{}
			headers.Set(HeaderRemaining, tt.remainHeader)
			headers.Set(HeaderReset, tt.resetHeader)

			if err := tracker.UpdateFromHeaders(context.Background(), headers); err != nil {
				t.Fatalf("UpdateFromHeaders() error = %v", err)
			}

			state, err := tracker.GetState(context.Background())
			if err != nil {
				t.Fatalf("GetState() error = %v", err)
			}
			if state.Remaining != tt.expectedRemain {
				t.Errorf("Remaining = %d, want %d", state.Remaining, tt.expectedRemain)
			}
			if state.IsHealthy != tt.expectedHealthy {
				t.Errorf("IsHealthy = %v, want %v", state.IsHealthy, tt.expectedHealthy)
			}
		})
	}
}

func TestUpdateFromHeaders_InvalidHeaders(t *testing.T) {
	tracker := NewTracker(nil, zerolog.Nop())

	tests := []struct {
		name         string
		remainHeader string
		resetHeader  string
		shouldError  bool
	}{
		{name: "missing remain header", remainHeader: "", resetHeader: "60", shouldError: false},
		{name: "invalid remain header", remainHeader: "invalid", resetHeader: "60", shouldError: true},
		{name: "invalid reset header", remainHeader: "100", resetHeader: "invalid", shouldError: true},
		{name: "missing reset header", remainHeader: "100", resetHeader: "", shouldError: true},
		{name: "both headers missing", remainHeader: "", resetHeader: "", shouldError: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := http.Header{}
			if tt.remainHeader != "" {
				headers.Set(HeaderRemaining, tt.remainHeader)
			}
			if tt.resetHeader != "" {
				headers.Set(HeaderReset, tt.resetHeader)
			}

			err := tracker.UpdateFromHeaders(context.Background(), headers)
			if tt.shouldError && err == nil {
				t.Error("Expected error but got nil")
			}
			if !tt.shouldError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestGetState_Redis(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	defer func() { _ = rdb.Close() }()

	tracker := NewTracker(rdb, zerolog.Nop())
	ctx := context.Background()

	// No state yet.
	mock.ExpectGet(RedisKeyState).RedisNil()
	state, err := tracker.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Remaining != 100 || !state.IsHealthy {
		t.Errorf("default state = %+v, want healthy with 100 remaining", state)
	}

	// Stored state.
	resetAt := time.Now().Add(time.Minute).UTC().Truncate(time.Second)
	mock.ExpectGet(RedisKeyState).SetVal(fmt.Sprintf(
		`{"remaining":4,"reset_at":%q,"last_update":%q}`,
		resetAt.Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339)))
	state, err = tracker.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Remaining != 4 {
		t.Errorf("Remaining = %d, want 4", state.Remaining)
	}
	if !state.ResetAt.Equal(resetAt) {
		t.Errorf("ResetAt = %v, want %v", state.ResetAt, resetAt)
	}

	// Redis failure surfaces.
	mock.ExpectGet(RedisKeyState).SetErr(errors.New("connection refused"))
	if _, err := tracker.GetState(ctx); err == nil {
		t.Error("GetState() should fail when Redis fails")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet redis expectations: %v", err)
	}
}

func TestUpdateFromHeaders_Redis(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	defer func() { _ = rdb.Close() }()

	tracker := NewTracker(rdb, zerolog.Nop())

	mock.CustomMatch(func(expected, actual []interface{}) error {
		if len(actual) < 3 {
			return fmt.Errorf("unexpected args %v", actual)
		}
		if actual[1] != RedisKeyState {
			return fmt.Errorf("key = %v, want %s", actual[1], RedisKeyState)
		}
		if !strings.Contains(fmt.Sprint(actual[2]), `"remaining":42`) {
			return fmt.Errorf("value %v does not carry remaining=42", actual[2])
		}
		return nil
	}).ExpectSet(RedisKeyState, "", 61*time.Second).SetVal("OK")

	headers := http.Header{}
	headers.Set(HeaderRemaining, "42")
	headers.Set(HeaderReset, "60")
	if err := tracker.UpdateFromHeaders(context.Background(), headers); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet redis expectations: %v", err)
	}
}

func TestTracker_Wait(t *testing.T) {
	orig := throttleDelay
	throttleDelay = 10 * time.Millisecond
	defer func() { throttleDelay = orig }()

	t.Run("healthy returns immediately", func(t *testing.T) {
		tracker := NewTracker(nil, zerolog.Nop())
		start := time.Now()
		if err := tracker.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
		if d := time.Since(start); d > 50*time.Millisecond {
			t.Errorf("Wait() took %v on healthy state", d)
		}
	})

	t.Run("warning band pauses", func(t *testing.T) {
		tracker := NewTracker(nil, zerolog.Nop())
		tracker.local = &State{Remaining: 5, ResetAt: time.Now().Add(time.Minute), LastUpdate: time.Now()}
		start := time.Now()
		if err := tracker.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
		if d := time.Since(start); d < 10*time.Millisecond {
			t.Errorf("Wait() took %v, want >= throttle delay", d)
		}
	})

	t.Run("exhausted holds until context ends", func(t *testing.T) {
		tracker := NewTracker(nil, zerolog.Nop())
		tracker.local = &State{Remaining: 0, ResetAt: time.Now().Add(time.Minute), LastUpdate: time.Now()}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := tracker.Wait(ctx)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Wait() error = %v, want context.DeadlineExceeded", err)
		}
	})

	t.Run("exhausted resumes after reset", func(t *testing.T) {
		tracker := NewTracker(nil, zerolog.Nop())
		tracker.local = &State{Remaining: 0, ResetAt: time.Now().Add(30 * time.Millisecond), LastUpdate: time.Now()}
		if err := tracker.Wait(context.Background()); err != nil {
			t.Errorf("Wait() error = %v", err)
		}
	})
}
