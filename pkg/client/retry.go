package client

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	apiRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opstrat_api_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"class"})

	apiRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opstrat_api_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"class"})

	apiRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opstrat_api_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first one).
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential delay. A Retry-After from the provider
	// may exceed it.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       4,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RetryState is a state of the retry state machine.
type RetryState int

const (
	StateIdle RetryState = iota
	StateAttempting
	StateSucceeded
	StateFailedFinal
)

func (s RetryState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttempting:
		return "attempting"
	case StateSucceeded:
		return "succeeded"
	case StateFailedFinal:
		return "failed_final"
	default:
		return "unknown"
	}
}

// Transition records one step of the state machine. Attempt is the attempt
// number entered (Attempting) or the last attempt made (terminal states).
type Transition struct {
	State   RetryState
	Attempt int
	Class   ErrorClass
	Backoff time.Duration
}

// retrier drives one operation through Idle -> Attempting(1..n) ->
// Succeeded | FailedFinal. It is not safe for concurrent use; create one
// per operation.
type retrier struct {
	config RetryConfig
	logger zerolog.Logger

	// sleep waits for d or until ctx ends.
	sleep func(ctx context.Context, d time.Duration) error
	// jitter returns a value in [0, 1).
	jitter func() float64

	state   RetryState
	attempt int
	history []Transition
}

func newRetrier(config RetryConfig, logger zerolog.Logger) *retrier {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.BackoffMultiplier < 1 {
		config.BackoffMultiplier = 2.0
	}
	return &retrier{
		config: config,
		logger: logger,
		sleep:  sleepContext,
		jitter: rand.Float64,
		state:  StateIdle,
	}
}

func (r *retrier) transition(t Transition) {
	r.state = t.State
	r.history = append(r.history, t)
}

// run executes op until it succeeds, fails permanently or attempts run out.
// Non-transient errors are returned unchanged; exhaustion yields a
// *TransientFetchError; cancellation yields the context error.
func (r *retrier) run(ctx context.Context, op func(ctx context.Context) error) error {
	var backoff time.Duration

	for {
		r.attempt++
		r.transition(Transition{State: StateAttempting, Attempt: r.attempt, Backoff: backoff})

		err := op(ctx)
		if err == nil {
			r.transition(Transition{State: StateSucceeded, Attempt: r.attempt})
			if r.attempt > 1 {
				r.logger.Info().
					Int("attempt", r.attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			r.transition(Transition{State: StateFailedFinal, Attempt: r.attempt})
			return ctxErr
		}

		class := classifyError(err)
		if !shouldRetry(class) {
			r.transition(Transition{State: StateFailedFinal, Attempt: r.attempt, Class: class})
			return err
		}

		if r.attempt >= r.config.MaxAttempts {
			r.transition(Transition{State: StateFailedFinal, Attempt: r.attempt, Class: class})
			apiRetryExhaustedTotal.WithLabelValues(string(class)).Inc()
			r.logger.Warn().
				Str("error_class", string(class)).
				Int("max_attempts", r.config.MaxAttempts).
				Err(err).
				Msg("Retry attempts exhausted")
			return &TransientFetchError{Attempts: r.attempt, Class: class, Err: err}
		}

		var retryAfter time.Duration
		var se *statusError
		if errors.As(err, &se) {
			retryAfter = se.RetryAfter
		}
		backoff = r.backoff(r.attempt, retryAfter)

		apiRetriesTotal.WithLabelValues(string(class)).Inc()
		apiRetryBackoffSeconds.WithLabelValues(string(class)).Observe(backoff.Seconds())
		r.logger.Warn().
			Str("error_class", string(class)).
			Int("attempt", r.attempt).
			Dur("backoff", backoff).
			Err(err).
			Msg("Retrying request after backoff")

		if err := r.sleep(ctx, backoff); err != nil {
			r.transition(Transition{State: StateFailedFinal, Attempt: r.attempt, Class: class})
			r.logger.Warn().
				Int("attempt", r.attempt).
				Msg("Context cancelled during retry backoff")
			return err
		}
	}
}

// backoff returns the delay after the given failed attempt: exponential
// from InitialBackoff, ±20% jitter, capped by MaxBackoff, never below
// retryAfter.
func (r *retrier) backoff(attempt int, retryAfter time.Duration) time.Duration {
	base := float64(r.config.InitialBackoff) * math.Pow(r.config.BackoffMultiplier, float64(attempt-1))
	d := time.Duration(base * (0.8 + r.jitter()*0.4))
	if r.config.MaxBackoff > 0 && d > r.config.MaxBackoff {
		d = r.config.MaxBackoff
	}
	if retryAfter > d {
		d = retryAfter
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// parseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date. Unparseable or past values yield 0.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
