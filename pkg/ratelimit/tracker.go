package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for budget tracking.
var (
	apiBudgetRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "opstrat_api_budget_remaining",
		Help: "Requests remaining in the provider's current rate limit window",
	})

	apiBudgetHoldsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opstrat_api_budget_holds_total",
		Help: "Total number of requests held until the provider window reset",
	})

	apiBudgetThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opstrat_api_budget_throttles_total",
		Help: "Total number of requests slowed down due to a low provider budget",
	})
)

// throttleDelay is the pause applied in the warning band.
var throttleDelay = time.Second

// Tracker follows the provider's request budget and gates requests.
// With a nil Redis client the state is kept in process.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger

	mu    sync.Mutex
	local *State
}

// NewTracker creates a new budget tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
	}
}

// GetState returns the current budget state. Without recorded state a
// healthy default is returned.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	if t.redis == nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.local == nil {
			return defaultState(), nil
		}
		s := *t.local
		return &s, nil
	}

	data, err := t.redis.Get(ctx, RedisKeyState).Bytes()
	if err == redis.Nil {
		t.logger.Debug().Msg("No budget state in Redis, returning default healthy state")
		return defaultState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get budget state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse budget state: %w", err)
	}
	state.UpdateHealth()
	return &state, nil
}

func defaultState() *State {
	return &State{
		Remaining:  100,
		ResetAt:    time.Now().Add(60 * time.Second),
		LastUpdate: time.Now(),
		IsHealthy:  true,
	}
}

// UpdateFromHeaders records the budget reported in response headers.
// Responses without the headers are ignored.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get(HeaderRemaining)
	if remainStr == "" {
		return nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}

	resetStr := headers.Get(HeaderReset)
	if resetStr == "" {
		return fmt.Errorf("%s header missing", HeaderReset)
	}

	resetSeconds, err := strconv.Atoi(resetStr)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderReset, err)
	}

	now := time.Now()
	state := &State{
		Remaining:  remain,
		ResetAt:    now.Add(time.Duration(resetSeconds) * time.Second),
		LastUpdate: now,
	}
	state.UpdateHealth()

	if t.redis == nil {
		t.mu.Lock()
		t.local = state
		t.mu.Unlock()
	} else {
		data, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("marshal budget state: %w", err)
		}
		// The state is meaningless once the window has reset.
		ttl := time.Duration(resetSeconds)*time.Second + time.Second
		if err := t.redis.Set(ctx, RedisKeyState, string(data), ttl).Err(); err != nil {
			return fmt.Errorf("store budget state in redis: %w", err)
		}
	}

	apiBudgetRemaining.Set(float64(remain))

	switch {
	case state.NeedsHold():
		t.logger.Error().
			Int("remaining", remain).
			Time("reset_at", state.ResetAt).
			Msg("Provider budget CRITICAL - requests will wait for reset")
	case state.NeedsThrottling():
		t.logger.Warn().
			Int("remaining", remain).
			Time("reset_at", state.ResetAt).
			Msg("Provider budget WARNING - requests will be throttled")
	default:
		t.logger.Debug().
			Int("remaining", remain).
			Time("reset_at", state.ResetAt).
			Bool("is_healthy", state.IsHealthy).
			Msg("Provider budget updated")
	}

	return nil
}

// Wait blocks while the budget is exhausted and applies a short pause in the
// warning band. It returns the context error if ctx ends first.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		return fmt.Errorf("get budget state: %w", err)
	}

	var delay time.Duration
	switch {
	case state.NeedsHold():
		delay = state.TimeUntilReset()
		apiBudgetHoldsTotal.Inc()
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Dur("wait_duration", delay).
			Msg("Provider budget exhausted - holding request until reset")
	case state.NeedsThrottling():
		delay = throttleDelay
		apiBudgetThrottlesTotal.Inc()
		t.logger.Debug().
			Int("remaining", state.Remaining).
			Msg("Provider budget low - throttling request")
	default:
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
