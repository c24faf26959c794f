// Package loader assembles continuous series for a date range from cached
// month windows.
//
// A load decomposes [start, end] into the calendar months it touches, asks
// the cache for each month (fetching through the API client on a miss),
// checks ordering within and across months, concatenates and slices the
// result to the requested range.
package loader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/opstrat-data/pkg/cache"
	"github.com/Sternrassler/opstrat-data/pkg/logging"
	"github.com/Sternrassler/opstrat-data/pkg/marketdata"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Fetcher fetches one month window from the provider.
// *client.Client satisfies it.
type Fetcher interface {
	FetchMonth(ctx context.Context, symbol string, kind marketdata.Kind, year, month int) (*marketdata.Series, error)
}

// MonthCache serves month windows. *cache.Manager satisfies it.
type MonthCache interface {
	GetOrFetch(ctx context.Context, key cache.Key, isCurrentMonth bool, fetch cache.FetchFunc) (*marketdata.Series, error)
	Refresh(ctx context.Context, key cache.Key, isCurrentMonth bool, fetch cache.FetchFunc) (*marketdata.Series, error)
}

// ProgressEvent is emitted once per processed month.
type ProgressEvent struct {
	Symbol string
	Kind   marketdata.Kind
	Month  marketdata.Month
	Done   int
	Total  int
}

// Options configures a Loader.
type Options struct {
	// Concurrency is the number of months fetched in parallel (default 1).
	Concurrency int

	// StrictEmpty fails a load on a closed month with business days but no
	// records instead of logging a warning.
	StrictEmpty bool

	// ForceRefresh fetches every month again, bypassing cached entries.
	ForceRefresh bool

	// Progress is called once per processed month. Calls are serialized.
	Progress func(ProgressEvent)

	// Clock returns the current time (default time.Now).
	Clock func() time.Time

	// Location decides which calendar month is current (default time.Local).
	Location *time.Location

	// Logger overrides the component logger.
	Logger *zerolog.Logger
}

// DefaultOptions returns sequential loading in the local time zone.
func DefaultOptions() Options {
	return Options{
		Concurrency: 1,
		Location:    time.Local,
	}
}

// Loader turns date ranges into month lookups.
type Loader struct {
	fetcher Fetcher
	cache   MonthCache
	opts    Options
	logger  zerolog.Logger

	progressMu sync.Mutex
}

// New creates a loader.
func New(fetcher Fetcher, mc MonthCache, opts Options) (*Loader, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if mc == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if opts.Concurrency < 0 {
		return nil, fmt.Errorf("concurrency must be >= 0 (got %d)", opts.Concurrency)
	}
	if opts.Concurrency == 0 {
		opts.Concurrency = 1
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}

	logger := logging.NewLogger("loader")
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Loader{fetcher: fetcher, cache: mc, opts: opts, logger: logger}, nil
}

// monthResult is the outcome of one month.
type monthResult struct {
	series   *marketdata.Series
	writeErr error
}

// Load returns the series for symbol and kind covering [start, end]
// inclusive (calendar dates). Months after the current month are not
// requested. A failed month aborts the load with a *MonthError. Cache write
// failures do not: the series is returned together with the joined
// *cache.CacheWriteError values.
func (l *Loader) Load(ctx context.Context, symbol string, kind marketdata.Kind, start, end time.Time) (*marketdata.Series, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "" {
		return nil, fmt.Errorf("%w: empty symbol", ErrInvalidRange)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %v %q", ErrInvalidRange, marketdata.ErrInvalidKind, kind)
	}
	start, end = marketdata.DateOf(start), marketdata.DateOf(end)
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end %s before start %s", ErrInvalidRange,
			end.Format(marketdata.DateLayout), start.Format(marketdata.DateLayout))
	}

	current := marketdata.MonthOf(l.opts.Clock().In(l.opts.Location))
	var months []marketdata.Month
	for _, m := range marketdata.MonthsBetween(start, end) {
		if current.Before(m) {
			break
		}
		months = append(months, m)
	}

	logger := l.logger.With().Str("symbol", sym).Str("kind", string(kind)).Logger()
	logger.Info().
		Str("start", start.Format(marketdata.DateLayout)).
		Str("end", end.Format(marketdata.DateLayout)).
		Int("months", len(months)).
		Msg("Loading range")

	began := time.Now()
	results, err := l.loadMonths(ctx, sym, kind, months, current, logger)
	LoadDuration.WithLabelValues(string(kind)).Observe(time.Since(began).Seconds())
	if err != nil {
		LoadsTotal.WithLabelValues(string(kind), "error").Inc()
		logger.Error().Err(err).Msg("Load failed")
		return nil, err
	}

	merged := &marketdata.Series{Symbol: sym, Kind: kind, Records: []marketdata.Record{}}
	var writeErrs []error
	for i, r := range results {
		if r.writeErr != nil {
			writeErrs = append(writeErrs, r.writeErr)
		}
		if r.series.Empty() {
			continue
		}
		if n := len(merged.Records); n > 0 {
			prev := merged.Records[n-1].Date
			if !r.series.First().After(prev) {
				err := &MonthError{Symbol: sym, Kind: kind, Month: months[i], Err: &DataIntegrityError{
					Symbol: sym, Kind: kind, Month: months[i],
					Reason: fmt.Sprintf("first record %s not after previous month's last record %s",
						r.series.First().Format(marketdata.DateLayout), prev.Format(marketdata.DateLayout)),
				}}
				LoadsTotal.WithLabelValues(string(kind), "error").Inc()
				logger.Error().Err(err).Msg("Load failed")
				return nil, err
			}
		}
		merged.Records = append(merged.Records, r.series.Records...)
	}

	out := merged.Slice(start, end)
	logger.Info().
		Int("records", out.Len()).
		Dur("duration", time.Since(began)).
		Msg("Range loaded")

	if len(writeErrs) > 0 {
		LoadsTotal.WithLabelValues(string(kind), "partial_cache").Inc()
		return out, errors.Join(writeErrs...)
	}
	LoadsTotal.WithLabelValues(string(kind), "ok").Inc()
	return out, nil
}

func (l *Loader) loadMonths(ctx context.Context, sym string, kind marketdata.Kind, months []marketdata.Month, current marketdata.Month, logger zerolog.Logger) ([]monthResult, error) {
	results := make([]monthResult, len(months))
	done := 0
	report := func(m marketdata.Month) {
		l.progressMu.Lock()
		defer l.progressMu.Unlock()
		done++
		if l.opts.Progress != nil {
			l.opts.Progress(ProgressEvent{Symbol: sym, Kind: kind, Month: m, Done: done, Total: len(months)})
		}
	}

	if l.opts.Concurrency <= 1 || len(months) <= 1 {
		for i, m := range months {
			r, err := l.loadMonth(ctx, sym, kind, m, m == current, logger)
			if err != nil {
				return nil, err
			}
			results[i] = r
			report(m)
		}
		return results, nil
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(l.opts.Concurrency)
	errs := make([]error, len(months))
	for i, m := range months {
		i, m := i, m
		eg.Go(func() error {
			r, err := l.loadMonth(gctx, sym, kind, m, m == current, logger)
			if err != nil {
				errs[i] = err
				return err
			}
			results[i] = r
			report(m)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, earliestError(errs, err)
	}
	return results, nil
}

// earliestError picks the failure of the earliest month, preferring real
// failures over cancellations caused by another month failing.
func earliestError(errs []error, fallback error) error {
	for _, err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return fallback
}

func (l *Loader) loadMonth(ctx context.Context, sym string, kind marketdata.Kind, m marketdata.Month, isCurrent bool, logger zerolog.Logger) (monthResult, error) {
	fail := func(err error) (monthResult, error) {
		return monthResult{}, &MonthError{Symbol: sym, Kind: kind, Month: m, Err: err}
	}

	key, err := cache.KeyFor(sym, kind, m)
	if err != nil {
		return fail(err)
	}

	fetch := func(ctx context.Context) (*marketdata.Series, error) {
		return l.fetcher.FetchMonth(ctx, key.Symbol(), kind, m.Year, int(m.Month))
	}
	get := l.cache.GetOrFetch
	if l.opts.ForceRefresh {
		get = l.cache.Refresh
	}

	var res monthResult
	series, err := get(ctx, key, isCurrent, fetch)
	if err != nil {
		var writeErr *cache.CacheWriteError
		if !errors.As(err, &writeErr) || series == nil {
			return fail(err)
		}
		logger.Warn().Err(err).Str("month", m.String()).Msg("Month not persisted; continuing with fetched data")
		res.writeErr = err
	}
	if series == nil {
		series = &marketdata.Series{Symbol: sym, Kind: kind}
	}

	if reason := checkMonth(series, kind, m); reason != "" {
		return fail(&DataIntegrityError{Symbol: sym, Kind: kind, Month: m, Reason: reason})
	}

	if series.Empty() && !isCurrent {
		if days := m.BusinessDays(); days > 0 {
			EmptyMonths.WithLabelValues(string(kind)).Inc()
			if l.opts.StrictEmpty {
				return fail(&EmptyMonthError{Symbol: sym, Kind: kind, Month: m, BusinessDays: days})
			}
			logger.Warn().Str("month", m.String()).Int("business_days", days).Msg("Closed month returned no records")
		}
	}

	MonthsProcessed.WithLabelValues(string(kind)).Inc()
	res.series = series
	return res, nil
}

// checkMonth returns the first ordering or window violation, or "".
func checkMonth(s *marketdata.Series, kind marketdata.Kind, m marketdata.Month) string {
	if s.Kind != "" && s.Kind != kind {
		return fmt.Sprintf("series kind %q, want %q", s.Kind, kind)
	}
	for i, r := range s.Records {
		if !m.Contains(r.Date) {
			return fmt.Sprintf("record %d dated %s outside month", i, r.Date.Format(marketdata.DateLayout))
		}
	}
	payload := &marketdata.Series{Kind: kind, Records: s.Records}
	if err := payload.Validate(); err != nil {
		return err.Error()
	}
	return ""
}
