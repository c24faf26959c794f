package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var apiThrottleWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "opstrat_api_throttle_wait_seconds",
	Help:    "Time spent waiting on the requests-per-minute throttle",
	Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
})

// ErrWaitExceedsDeadline is returned when the next request slot lies beyond
// the context deadline. Waiting again under the same deadline cannot succeed.
var ErrWaitExceedsDeadline = errors.New("ratelimit: next request slot is past the context deadline")

// Throttle paces requests to a requests-per-minute ceiling. It is safe for
// concurrent use; all requests of one client share the same budget.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle creates a throttle allowing requestsPerMinute requests per
// minute with no burst. A non-positive value disables throttling.
func NewThrottle(requestsPerMinute int) *Throttle {
	if requestsPerMinute <= 0 {
		return &Throttle{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	every := time.Minute / time.Duration(requestsPerMinute)
	return &Throttle{limiter: rate.NewLimiter(rate.Every(every), 1)}
}

// Wait blocks until the next request is allowed or ctx ends. It returns
// ErrWaitExceedsDeadline without waiting when the slot is past ctx's deadline.
func (t *Throttle) Wait(ctx context.Context) error {
	start := time.Now()
	err := t.limiter.Wait(ctx)
	apiThrottleWaitSeconds.Observe(time.Since(start).Seconds())
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %v", ErrWaitExceedsDeadline, err)
}

// Limit returns the configured rate in requests per second.
func (t *Throttle) Limit() rate.Limit {
	return t.limiter.Limit()
}
