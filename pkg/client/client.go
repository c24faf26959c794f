// Package client provides the HTTP client for the historical market data
// provider: authenticated month fetches with pagination, record validation,
// self-throttling and a bounded retry state machine.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/opstrat-data/pkg/logging"
	"github.com/Sternrassler/opstrat-data/pkg/marketdata"
	"github.com/Sternrassler/opstrat-data/pkg/pagination"
	"github.com/Sternrassler/opstrat-data/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for API client operations.
var (
	apiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opstrat_api_requests_total",
		Help: "Total API requests by instrument kind and status",
	}, []string{"kind", "status"})

	apiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opstrat_api_request_duration_seconds",
		Help:    "API request duration in seconds by instrument kind",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"kind"})

	apiErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opstrat_api_errors_total",
		Help: "Total API errors by class",
	}, []string{"class"})

	recordsQuarantinedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opstrat_records_quarantined_total",
		Help: "Records skipped because they do not conform to the schema",
	}, []string{"kind"})
)

// DefaultBaseURL is the provider's production endpoint.
const DefaultBaseURL = "https://api.oplab.com.br"

// testToken is sent in test mode when no token is configured.
const testToken = "test_token"

// maxBodyBytes caps a single page body.
const maxBodyBytes = 64 << 20

// Client fetches historical month windows from the provider.
type Client struct {
	httpClient *http.Client
	throttle   *ratelimit.Throttle
	tracker    *ratelimit.Tracker
	config     Config
	logger     zerolog.Logger
	now        func() time.Time
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the provider API (no trailing slash needed).
	BaseURL string

	// Token is the bearer token (REQUIRED unless TestMode).
	Token string

	// TestMode allows a missing token; a placeholder token is sent.
	TestMode bool

	// UserAgent header sent with every request.
	UserAgent string

	// RequestsPerMinute is the self-imposed request ceiling (0 disables).
	RequestsPerMinute int

	// Timeout per HTTP request.
	Timeout time.Duration

	// Retry
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Pagination
	PageSize int
	MaxPages int

	// HTTPClient overrides the default HTTP client (Timeout is then ignored).
	HTTPClient *http.Client

	// Tracker follows the provider's budget headers (optional).
	Tracker *ratelimit.Tracker

	// Logger overrides the component logger.
	Logger *zerolog.Logger

	// Clock returns the current time (default time.Now).
	Clock func() time.Time
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(token string) Config {
	return Config{
		BaseURL:           DefaultBaseURL,
		Token:             token,
		UserAgent:         "opstrat-data/1.0",
		RequestsPerMinute: 60,
		Timeout:           30 * time.Second,
		MaxAttempts:       4,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		PageSize:          1000,
		MaxPages:          200,
	}
}

// New creates a new API client.
func New(cfg Config) (*Client, error) {
	cfg.Token = strings.TrimSpace(cfg.Token)
	if cfg.Token == "" {
		if !cfg.TestMode {
			return nil, &AuthError{Message: "access token not found; set OPLAB_ACCESS_TOKEN"}
		}
		cfg.Token = testToken
	}

	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("max_attempts must be >= 1 (got %d)", cfg.MaxAttempts)
	}
	if cfg.RequestsPerMinute < 0 {
		return nil, fmt.Errorf("requests_per_minute must be >= 0 (got %d)", cfg.RequestsPerMinute)
	}
	if cfg.PageSize < 0 || cfg.MaxPages < 0 {
		return nil, fmt.Errorf("page_size and max_pages must be >= 0")
	}

	logger := logging.NewLogger("api-client")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	return &Client{
		httpClient: httpClient,
		throttle:   ratelimit.NewThrottle(cfg.RequestsPerMinute),
		tracker:    cfg.Tracker,
		config:     cfg,
		logger:     logger,
		now:        now,
	}, nil
}

// FetchMonth returns every record of one calendar month for symbol and kind.
// Stock bars keep provider order and option quotes are grouped into one
// record per date. Exact duplicates are dropped and non-conforming records
// are quarantined.
func (c *Client) FetchMonth(ctx context.Context, symbol string, kind marketdata.Kind, year, month int) (*marketdata.Series, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", ErrInvalidRequest)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, marketdata.ErrInvalidKind)
	}
	m, err := marketdata.NewMonth(year, month)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if m.First().After(c.now()) {
		return nil, fmt.Errorf("%w: month %s is in the future", ErrInvalidRequest, m)
	}

	logger := c.logger.With().
		Str("symbol", symbol).
		Str("kind", string(kind)).
		Str("month", m.String()).
		Logger()

	start := time.Now()
	quarantined := 0

	items, err := pagination.Walk(ctx, pagination.Config{MaxPages: c.config.MaxPages, FirstPage: 1, Logger: &logger},
		func(ctx context.Context, page int) (pagination.Page[item], error) {
			reqURL := c.monthURL(symbol, kind, m, page)
			body, err := c.get(ctx, kind, reqURL, logger)
			if err != nil {
				return pagination.Page[item]{}, c.finalError(err, symbol, kind, m, reqURL)
			}
			p, rejected, err := decodePage(body, page, kind, symbol, m)
			for _, r := range rejected {
				logger.Warn().
					Int("page", page).
					Int("index", r.index).
					Str("reason", r.reason).
					Msg("Quarantined non-conforming record")
			}
			recordsQuarantinedTotal.WithLabelValues(string(kind)).Add(float64(len(rejected)))
			quarantined += len(rejected)
			if err != nil {
				apiErrorsTotal.WithLabelValues(string(ErrorClassMalformed)).Inc()
			}
			return p, err
		})
	if err != nil {
		switch {
		case errors.Is(err, pagination.ErrTooManyPages), errors.Is(err, pagination.ErrCursorLoop):
			apiErrorsTotal.WithLabelValues(string(ErrorClassMalformed)).Inc()
			return nil, &MalformedResponseError{Reason: "pagination does not terminate", Err: err}
		}
		return nil, err
	}

	series, dups := buildSeries(symbol, kind, items)
	logger.Debug().
		Int("records", series.Len()).
		Int("duplicates", dups).
		Int("quarantined", quarantined).
		Dur("duration", time.Since(start)).
		Msg("Month fetched")
	return series, nil
}

// monthURL builds the request URL of one page.
func (c *Client) monthURL(symbol string, kind marketdata.Kind, m marketdata.Month, page int) string {
	from := m.First().Format(marketdata.DateLayout)
	to := m.Last().Format(marketdata.DateLayout)

	q := url.Values{}
	var path string
	switch kind {
	case marketdata.KindStock:
		path = "/market/historical/stock/" + url.PathEscape(symbol)
		q.Set("start_date", from)
		q.Set("end_date", to)
	default:
		path = "/market/historical/options/" + url.PathEscape(symbol) + "/" + from + "/" + to
	}
	q.Set("page", strconv.Itoa(page))
	if c.config.PageSize > 0 {
		q.Set("per_page", strconv.Itoa(c.config.PageSize))
	}
	return c.config.BaseURL + path + "?" + q.Encode()
}

// get performs one GET through the retry state machine and returns the body.
func (c *Client) get(ctx context.Context, kind marketdata.Kind, reqURL string, logger zerolog.Logger) ([]byte, error) {
	r := newRetrier(RetryConfig{
		MaxAttempts:       c.config.MaxAttempts,
		InitialBackoff:    c.config.InitialBackoff,
		MaxBackoff:        c.config.MaxBackoff,
		BackoffMultiplier: 2.0,
	}, logger)

	var body []byte
	err := r.run(ctx, func(ctx context.Context) error {
		var err error
		body, err = c.do(ctx, kind, reqURL, logger)
		return err
	})
	return body, err
}

// do performs a single HTTP attempt.
func (c *Client) do(ctx context.Context, kind marketdata.Kind, reqURL string, logger zerolog.Logger) ([]byte, error) {
	if err := c.throttle.Wait(ctx); err != nil {
		return nil, err
	}
	if c.tracker != nil {
		if err := c.tracker.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrInvalidRequest, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.Token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)

	logger.Debug().Str("url", req.URL.Path).Msg("Executing API request")

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	apiRequestDuration.WithLabelValues(string(kind)).Observe(time.Since(startTime).Seconds())
	if err != nil {
		apiRequestsTotal.WithLabelValues(string(kind), "network_error").Inc()
		apiErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		logger.Warn().Err(err).Msg("HTTP request failed")
		return nil, fmt.Errorf("GET %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	apiRequestsTotal.WithLabelValues(string(kind), strconv.Itoa(resp.StatusCode)).Inc()

	if c.tracker != nil {
		if err := c.tracker.UpdateFromHeaders(ctx, resp.Header); err != nil {
			logger.Warn().Err(err).Msg("Failed to update budget from headers")
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		apiErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		class := classifyStatus(resp.StatusCode)
		if class == "" {
			class = ErrorClassClient
		}
		apiErrorsTotal.WithLabelValues(string(class)).Inc()
		logger.Warn().
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("API request error")
		return nil, &statusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       snippet(body),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
		}
	}
	return body, nil
}

// finalError converts a terminal attempt error into the client's taxonomy.
func (c *Client) finalError(err error, symbol string, kind marketdata.Kind, m marketdata.Month, reqURL string) error {
	var tfe *TransientFetchError
	if errors.As(err, &tfe) {
		return err
	}
	var se *statusError
	if !errors.As(err, &se) {
		return err
	}
	msg := se.Body
	if msg == "" {
		msg = se.Status
	}
	switch classifyStatus(se.StatusCode) {
	case ErrorClassAuth:
		return &AuthError{StatusCode: se.StatusCode, Message: msg}
	case ErrorClassNotFound:
		return &NotFoundError{Symbol: symbol, Kind: kind, Month: m, URL: reqURL}
	default:
		return &RequestError{StatusCode: se.StatusCode, Message: msg}
	}
}

func snippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
