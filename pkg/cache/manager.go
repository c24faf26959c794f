package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/opstrat-data/pkg/logging"
	"github.com/Sternrassler/opstrat-data/pkg/marketdata"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrCacheMiss indicates the requested key was not found in a tier
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")

	// errLeaderCancelled marks a flight abandoned because the context of
	// the caller that started it ended.
	errLeaderCancelled = errors.New("cache: shared fetch cancelled by its leader")
)

// CacheWriteError reports a failed disk write. The series it accompanies
// is valid; only durability was lost.
type CacheWriteError struct {
	Key Key
	Err error
}

func (e *CacheWriteError) Error() string {
	return fmt.Sprintf("cache write %s: %v", e.Key, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *CacheWriteError) Unwrap() error { return e.Err }

// FetchFunc produces a month's series on a cache miss.
type FetchFunc func(ctx context.Context) (*marketdata.Series, error)

// Config holds the cache manager configuration.
type Config struct {
	// Dir is the disk cache root (REQUIRED).
	Dir string

	// FreshnessWindow is how long an in-progress month fetched by this
	// process (or shared through Redis) is reused.
	FreshnessWindow time.Duration

	// SettleDelay is how long after a month ends its data is considered
	// final.
	SettleDelay time.Duration

	// HotTier defaults to a MemoryHotTier.
	HotTier HotTier

	// Logger overrides the component logger.
	Logger *zerolog.Logger

	// Clock returns the current time (default time.Now).
	Clock func() time.Time
}

// DefaultConfig returns the default configuration for dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:             dir,
		FreshnessWindow: time.Hour,
		SettleDelay:     72 * time.Hour,
	}
}

// Manager serves month windows from the hot and disk tiers and runs at most
// one fetch per key at a time.
type Manager struct {
	disk   *DiskStore
	hot    HotTier
	group  singleflight.Group
	config Config
	logger zerolog.Logger
	now    func() time.Time
}

// NewManager creates a cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.FreshnessWindow < 0 {
		return nil, fmt.Errorf("freshness_window must be >= 0 (got %s)", cfg.FreshnessWindow)
	}
	if cfg.SettleDelay < 0 {
		return nil, fmt.Errorf("settle_delay must be >= 0 (got %s)", cfg.SettleDelay)
	}

	logger := logging.NewLogger("cache")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	disk, err := NewDiskStore(cfg.Dir, logger)
	if err != nil {
		return nil, err
	}

	hot := cfg.HotTier
	if hot == nil {
		hot = NewMemoryHotTier()
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	return &Manager{
		disk:   disk,
		hot:    hot,
		config: cfg,
		logger: logger,
		now:    now,
	}, nil
}

// Disk returns the disk tier.
func (m *Manager) Disk() *DiskStore { return m.disk }

// flightResult is shared by all callers of one flight.
type flightResult struct {
	series   *marketdata.Series
	writeErr error
}

// GetOrFetch returns the series for key, invoking fetch only when no usable
// entry exists. Concurrent callers for the same key share one fetch. The
// returned series is a fresh copy. A *CacheWriteError may be returned
// together with a valid series.
func (m *Manager) GetOrFetch(ctx context.Context, key Key, isCurrentMonth bool, fetch FetchFunc) (*marketdata.Series, error) {
	return m.getOrFetch(ctx, key, isCurrentMonth, false, fetch)
}

// Refresh fetches key regardless of cached entries and stores the result.
// It is still de-duplicated with concurrent callers.
func (m *Manager) Refresh(ctx context.Context, key Key, isCurrentMonth bool, fetch FetchFunc) (*marketdata.Series, error) {
	return m.getOrFetch(ctx, key, isCurrentMonth, true, fetch)
}

func (m *Manager) getOrFetch(ctx context.Context, key Key, isCurrentMonth, force bool, fetch FetchFunc) (*marketdata.Series, error) {
	logger := m.logger.With().
		Str("symbol", key.Symbol()).
		Str("kind", string(key.Kind())).
		Str("month", key.Month().String()).
		Logger()

	if !force {
		if series, layer, ok := m.lookup(ctx, key, isCurrentMonth, logger); ok {
			CacheHits.WithLabelValues(layer).Inc()
			logger.Info().Str("layer", layer).Msg("Cache hit")
			return series, nil
		}
	}
	CacheMisses.Inc()
	logger.Info().Bool("current_month", isCurrentMonth).Bool("force", force).Msg("Cache miss - fetching")

	for {
		ch := m.group.DoChan(key.String(), func() (interface{}, error) {
			// A flight that finished between our lookup and this call may
			// already have stored the entry.
			if !force {
				if series, layer, ok := m.lookup(ctx, key, isCurrentMonth, logger); ok {
					CacheHits.WithLabelValues(layer).Inc()
					return &flightResult{series: series}, nil
				}
			}
			fr, err := m.fetchAndStore(ctx, key, isCurrentMonth, fetch, logger)
			if err != nil && ctx.Err() != nil {
				return nil, errLeaderCancelled
			}
			return fr, err
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				if errors.Is(res.Err, errLeaderCancelled) {
					if err := ctx.Err(); err != nil {
						return nil, err
					}
					// The leader's context ended; ours is alive, so run our own flight.
					logger.Debug().Msg("Shared fetch cancelled by its leader, retrying")
					continue
				}
				return nil, res.Err
			}
			fr := res.Val.(*flightResult)
			if fr.writeErr != nil {
				return fr.series.Clone(), fr.writeErr
			}
			return fr.series.Clone(), nil
		}
	}
}

// lookup consults the tiers. The returned series is owned by the caller.
func (m *Manager) lookup(ctx context.Context, key Key, isCurrentMonth bool, logger zerolog.Logger) (*marketdata.Series, string, bool) {
	now := m.now()

	e, ok, err := m.hot.Get(ctx, key)
	if err != nil {
		CacheErrors.WithLabelValues("hot_get").Inc()
		logger.Warn().Err(err).Str("layer", m.hot.Name()).Msg("Hot tier read failed")
	}
	if ok {
		if isCurrentMonth {
			if e.Age(now) < m.config.FreshnessWindow {
				return e.Series, m.hot.Name(), true
			}
			logger.Debug().Dur("age", e.Age(now)).Msg("Current month entry outside freshness window")
		} else if !e.FetchedAt.Before(key.Month().End()) {
			// Fetched after the month closed.
			return e.Series, m.hot.Name(), true
		}
	}

	if isCurrentMonth {
		return nil, "", false
	}

	de, err := m.disk.Load(key)
	switch {
	case errors.Is(err, ErrCacheMiss):
		return nil, "", false
	case errors.Is(err, ErrCorruptEntry):
		CacheErrors.WithLabelValues("disk_read").Inc()
		logger.Warn().Err(err).Msg("Corrupt cache file treated as miss; left for inspection")
		return nil, "", false
	case err != nil:
		CacheErrors.WithLabelValues("disk_read").Inc()
		logger.Warn().Err(err).Msg("Disk cache read failed")
		return nil, "", false
	}

	if !de.Complete {
		logger.Info().Time("fetched_at", de.FetchedAt).Msg("Cached month may be incomplete - refetching")
		return nil, "", false
	}

	if err := m.hot.Set(ctx, de); err != nil {
		CacheErrors.WithLabelValues("hot_set").Inc()
		logger.Warn().Err(err).Msg("Hot tier promotion failed")
	}
	return de.Series, "disk", true
}

func (m *Manager) fetchAndStore(ctx context.Context, key Key, isCurrentMonth bool, fetch FetchFunc, logger zerolog.Logger) (*flightResult, error) {
	CacheFetches.Inc()
	start := time.Now()

	series, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	if series == nil {
		series = &marketdata.Series{}
	}
	series = series.Clone()
	series.Symbol = key.Symbol()
	series.Kind = key.Kind()

	fetchedAt := m.now()
	entry := &Entry{
		Key:       key,
		Series:    series,
		FetchedAt: fetchedAt,
		Complete:  IsComplete(key.Month(), isCurrentMonth, fetchedAt, m.config.SettleDelay),
	}

	if err := m.hot.Set(ctx, entry); err != nil {
		CacheErrors.WithLabelValues("hot_set").Inc()
		logger.Warn().Err(err).Str("layer", m.hot.Name()).Msg("Hot tier write failed")
	}

	result := &flightResult{series: series}
	switch {
	case isCurrentMonth:
		// In-progress months are never persisted.
	case series.Empty():
		logger.Info().Msg("Fetched month is empty - not persisted")
	default:
		n, err := m.disk.Store(entry)
		if err != nil {
			CacheErrors.WithLabelValues("disk_write").Inc()
			logger.Error().Err(err).Msg("Disk cache write failed")
			result.writeErr = &CacheWriteError{Key: key, Err: err}
		} else {
			CacheWriteBytes.Add(float64(n))
		}
	}

	logger.Info().
		Int("records", series.Len()).
		Bool("complete", entry.Complete).
		Dur("duration", time.Since(start)).
		Msg("Month fetched and cached")
	return result, nil
}

// Invalidate removes key from both tiers.
func (m *Manager) Invalidate(ctx context.Context, key Key) error {
	var errs []error
	if err := m.hot.Delete(ctx, key); err != nil {
		errs = append(errs, err)
	}
	if err := m.disk.Delete(key); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("invalidate %s: %w", key, errors.Join(errs...))
	}
	m.logger.Info().Str("key", key.String()).Msg("Cache entry invalidated")
	return nil
}
