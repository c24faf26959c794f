// Package ratelimit keeps API usage inside the provider's budget. Throttle
// paces requests to a configured requests-per-minute ceiling; Tracker follows
// the provider's X-RateLimit-Remaining / X-RateLimit-Reset headers and, when
// backed by Redis, shares that budget across processes using the same token.
package ratelimit

import (
	"time"
)

// Redis key for the shared budget state.
const RedisKeyState = "opstrat:rate_limit:state"

// Header names sent by the provider.
const (
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// Thresholds for budget decisions.
const (
	// RemainingThresholdCritical holds requests until the window resets.
	RemainingThresholdCritical = 2

	// RemainingThresholdWarning slows requests down.
	RemainingThresholdWarning = 10

	// RemainingThresholdHealthy indicates normal operation.
	RemainingThresholdHealthy = 30
)

// State is the provider's request budget as last reported.
type State struct {
	// Remaining is the number of requests left in the current window.
	Remaining int `json:"remaining"`

	// ResetAt is when the window resets.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was recorded.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining >= RemainingThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state is older than maxAge.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsHold returns true if requests must wait for the window to reset.
func (s *State) NeedsHold() bool {
	return s.Remaining < RemainingThresholdCritical && s.TimeUntilReset() > 0
}

// NeedsThrottling returns true if requests should be slowed down.
func (s *State) NeedsThrottling() bool {
	return s.Remaining < RemainingThresholdWarning && !s.NeedsHold()
}

// TimeUntilReset returns the duration until the window resets, 0 if passed.
func (s *State) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth updates IsHealthy from Remaining.
func (s *State) UpdateHealth() {
	s.IsHealthy = s.Remaining >= RemainingThresholdHealthy
}
