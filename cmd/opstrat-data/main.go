// Command opstrat-data loads historical market data into the local cache.
//
//	opstrat-data -symbol PETR4 -kind options -start 2023-01-15 -end 2023-03-10
//	opstrat-data -symbol PETR4 -kind stock -invalidate 2023-02
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Sternrassler/opstrat-data/internal/config"
	"github.com/Sternrassler/opstrat-data/pkg/cache"
	"github.com/Sternrassler/opstrat-data/pkg/client"
	"github.com/Sternrassler/opstrat-data/pkg/loader"
	"github.com/Sternrassler/opstrat-data/pkg/logging"
	"github.com/Sternrassler/opstrat-data/pkg/marketdata"
	"github.com/Sternrassler/opstrat-data/pkg/metrics"
	"github.com/Sternrassler/opstrat-data/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Error().Err(err).Msg("opstrat-data failed")
		os.Exit(1)
	}
}

// options are the parsed command line flags.
type options struct {
	configPath  string
	symbol      string
	kind        marketdata.Kind
	start       time.Time
	end         time.Time
	invalidate  *marketdata.Month
	force       bool
	metricsAddr string
}

func parseArgs(args []string, now time.Time, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("opstrat-data", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		configPath  = fs.String("config", "", "path to a YAML config file")
		symbol      = fs.String("symbol", "", "ticker symbol (required)")
		kind        = fs.String("kind", "stock", "instrument kind: stock or options")
		start       = fs.String("start", "", "first date YYYY-MM-DD (required unless -invalidate)")
		end         = fs.String("end", "", "last date YYYY-MM-DD (default today)")
		invalidate  = fs.String("invalidate", "", "remove the cached month YYYY-MM and exit")
		force       = fs.Bool("force", false, "fetch every month again, bypassing the cache")
		metricsAddr = fs.String("metrics-addr", "", "serve /metrics and /health on this address")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	opts := &options{
		configPath:  *configPath,
		symbol:      strings.ToUpper(strings.TrimSpace(*symbol)),
		force:       *force,
		metricsAddr: *metricsAddr,
	}
	if opts.symbol == "" {
		return nil, fmt.Errorf("-symbol is required")
	}
	k, err := marketdata.ParseKind(*kind)
	if err != nil {
		return nil, fmt.Errorf("-kind: %w", err)
	}
	opts.kind = k

	if *invalidate != "" {
		m, err := marketdata.ParseMonth(*invalidate)
		if err != nil {
			return nil, fmt.Errorf("-invalidate: %w", err)
		}
		opts.invalidate = &m
		return opts, nil
	}

	if *start == "" {
		return nil, fmt.Errorf("-start is required")
	}
	if opts.start, err = marketdata.ParseDate(*start); err != nil {
		return nil, fmt.Errorf("-start: %w", err)
	}
	opts.end = marketdata.DateOf(now)
	if *end != "" {
		if opts.end, err = marketdata.ParseDate(*end); err != nil {
			return nil, fmt.Errorf("-end: %w", err)
		}
	}
	if opts.end.Before(opts.start) {
		return nil, fmt.Errorf("-end %s is before -start %s",
			opts.end.Format(marketdata.DateLayout), opts.start.Format(marketdata.DateLayout))
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseArgs(args, time.Now(), os.Stderr)
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.Addr = opts.metricsAddr
	}

	logger := logging.Setup(cfg.LoggingConfig())

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
	}

	cacheCfg := cfg.CacheConfig()
	if rdb != nil {
		cacheCfg.HotTier = cache.NewRedisHotTier(rdb, cfg.Cache.RedisTTL)
	}
	manager, err := cache.NewManager(cacheCfg)
	if err != nil {
		return err
	}

	if opts.invalidate != nil {
		key, err := cache.KeyFor(opts.symbol, opts.kind, *opts.invalidate)
		if err != nil {
			return err
		}
		if err := manager.Invalidate(ctx, key); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "invalidated %s %s %s\n", opts.symbol, opts.kind, opts.invalidate)
		return nil
	}

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: newMux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info().Str("addr", cfg.Metrics.Addr).Msg("Serving metrics")
	}

	clientCfg := cfg.ClientConfig()
	clientCfg.Tracker = ratelimit.NewTracker(rdb, logging.NewLogger("ratelimit"))
	apiClient, err := client.New(clientCfg)
	if err != nil {
		return err
	}

	loaderOpts, err := cfg.LoaderOptions()
	if err != nil {
		return err
	}
	loaderOpts.ForceRefresh = opts.force
	loaderOpts.Progress = progressLogger(logger)
	l, err := loader.New(apiClient, manager, loaderOpts)
	if err != nil {
		return err
	}

	started := time.Now()
	series, err := l.Load(ctx, opts.symbol, opts.kind, opts.start, opts.end)
	var writeErr *cache.CacheWriteError
	switch {
	case errors.As(err, &writeErr) && series != nil:
		logger.Warn().Err(err).Msg("Some months could not be cached; data is complete for this run")
	case err != nil:
		return err
	}

	fmt.Fprintf(stdout, "%s %s %s..%s: %d records in %s\n",
		opts.symbol, opts.kind,
		opts.start.Format(marketdata.DateLayout), opts.end.Format(marketdata.DateLayout),
		series.Len(), time.Since(started).Round(time.Millisecond))
	return nil
}

func progressLogger(logger zerolog.Logger) func(loader.ProgressEvent) {
	return func(e loader.ProgressEvent) {
		logger.Info().
			Str("symbol", e.Symbol).
			Str("kind", string(e.Kind)).
			Str("month", e.Month.String()).
			Int("done", e.Done).
			Int("total", e.Total).
			Msg("Month ready")
	}
}

func newMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}
