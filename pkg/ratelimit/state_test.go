package ratelimit

import (
	"testing"
	"time"
)

func TestState_IsStale(t *testing.T) {
	tests := []struct {
		name     string
		state    *State
		maxAge   time.Duration
		expected bool
	}{
		{
			name:     "fresh state",
			state:    &State{LastUpdate: time.Now()},
			maxAge:   5 * time.Minute,
			expected: false,
		},
		{
			name:     "stale state",
			state:    &State{LastUpdate: time.Now().Add(-10 * time.Minute)},
			maxAge:   5 * time.Minute,
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := tt.state.IsStale(tt.maxAge); result != tt.expected {
				t.Errorf("IsStale() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestState_Bands(t *testing.T) {
	tests := []struct {
		name           string
		remaining      int
		resetIn        time.Duration
		expectHold     bool
		expectThrottle bool
		expectHealthy  bool
	}{
		{name: "healthy", remaining: 100, resetIn: time.Minute, expectHealthy: true},
		{name: "at healthy threshold", remaining: RemainingThresholdHealthy, resetIn: time.Minute, expectHealthy: true},
		{name: "warning", remaining: 5, resetIn: time.Minute, expectThrottle: true},
		{name: "at critical threshold", remaining: RemainingThresholdCritical, resetIn: time.Minute, expectThrottle: true},
		{name: "exhausted", remaining: 0, resetIn: time.Minute, expectHold: true},
		{name: "exhausted but window already reset", remaining: 0, resetIn: -time.Second, expectThrottle: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := &State{
				Remaining:  tt.remaining,
				ResetAt:    time.Now().Add(tt.resetIn),
				LastUpdate: time.Now(),
			}
			state.UpdateHealth()

			if got := state.NeedsHold(); got != tt.expectHold {
				t.Errorf("NeedsHold() = %v, want %v", got, tt.expectHold)
			}
			if got := state.NeedsThrottling(); got != tt.expectThrottle {
				t.Errorf("NeedsThrottling() = %v, want %v", got, tt.expectThrottle)
			}
			if state.IsHealthy != tt.expectHealthy {
				t.Errorf("IsHealthy = %v, want %v", state.IsHealthy, tt.expectHealthy)
			}
		})
	}
}

func TestState_TimeUntilReset(t *testing.T) {
	past := &State{ResetAt: time.Now().Add(-time.Minute)}
	if got := past.TimeUntilReset(); got != 0 {
		t.Errorf("TimeUntilReset() = %v, want 0", got)
	}

	future := &State{ResetAt: time.Now().Add(30 * time.Second)}
	if got := future.TimeUntilReset(); got < 29*time.Second || got > 30*time.Second {
		t.Errorf("TimeUntilReset() = %v, want ~30s", got)
	}
}
