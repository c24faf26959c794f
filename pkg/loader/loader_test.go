package loader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/opstrat-data/internal/testutil"
	"github.com/Sternrassler/opstrat-data/pkg/cache"
	"github.com/Sternrassler/opstrat-data/pkg/client"
	"github.com/Sternrassler/opstrat-data/pkg/marketdata"
	"github.com/rs/zerolog"
)

var testNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type testEnv struct {
	provider *testutil.MockProvider
	client   *client.Client
	cache    *cache.Manager
	dir      string
}

func newTestEnv(t *testing.T, now time.Time) *testEnv {
	t.Helper()
	provider := testutil.NewMockProvider()
	t.Cleanup(provider.Close)

	logger := zerolog.Nop()
	clock := func() time.Time { return now }

	ccfg := client.DefaultConfig(testutil.MockToken)
	ccfg.BaseURL = provider.URL()
	ccfg.RequestsPerMinute = 0
	ccfg.InitialBackoff = time.Millisecond
	ccfg.MaxBackoff = 5 * time.Millisecond
	ccfg.Logger = &logger
	ccfg.Clock = clock
	c, err := client.New(ccfg)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}

	dir := t.TempDir()
	return &testEnv{provider: provider, client: c, cache: newTestCache(t, dir, now), dir: dir}
}

func newTestCache(t *testing.T, dir string, now time.Time) *cache.Manager {
	t.Helper()
	logger := zerolog.Nop()
	cfg := cache.DefaultConfig(dir)
	cfg.Logger = &logger
	cfg.Clock = func() time.Time { return now }
	m, err := cache.NewManager(cfg)
	if err != nil {
		t.Fatalf("cache.NewManager() error = %v", err)
	}
	return m
}

func newTestLoader(t *testing.T, f Fetcher, mc MonthCache, now time.Time, mutate func(*Options)) *Loader {
	t.Helper()
	logger := zerolog.Nop()
	opts := DefaultOptions()
	opts.Clock = func() time.Time { return now }
	opts.Location = time.UTC
	opts.Logger = &logger
	if mutate != nil {
		mutate(&opts)
	}
	l, err := New(f, mc, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return l
}

func assertOrdered(t *testing.T, s *marketdata.Series) {
	t.Helper()
	for i := 1; i < len(s.Records); i++ {
		if !s.Records[i].Date.After(s.Records[i-1].Date) {
			t.Fatalf("record %d (%s) not after record %d (%s)", i,
				s.Records[i].Date.Format(marketdata.DateLayout), i-1, s.Records[i-1].Date.Format(marketdata.DateLayout))
		}
	}
}

func TestNew_Validation(t *testing.T) {
	env := newTestEnv(t, testNow)

	if _, err := New(nil, env.cache, DefaultOptions()); err == nil {
		t.Error("New(nil fetcher) error = nil, want error")
	}
	if _, err := New(env.client, nil, DefaultOptions()); err == nil {
		t.Error("New(nil cache) error = nil, want error")
	}
	opts := DefaultOptions()
	opts.Concurrency = -1
	if _, err := New(env.client, env.cache, opts); err == nil {
		t.Error("New(concurrency -1) error = nil, want error")
	}
}

func TestLoad_RangeAcrossMonths(t *testing.T) {
	env := newTestEnv(t, testNow)
	l := newTestLoader(t, env.client, env.cache, testNow, nil)

	got, err := l.Load(context.Background(), "PETR4", marketdata.KindStock, date(2023, 1, 15), date(2023, 3, 10))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	ranges := [][2]string{
		{"2023-01-01", "2023-01-31"},
		{"2023-02-01", "2023-02-28"},
		{"2023-03-01", "2023-03-31"},
	}
	for _, r := range ranges {
		if n := env.provider.RangeRequests("stock", "PETR4", r[0], r[1]); n != 1 {
			t.Errorf("RangeRequests(%s..%s) = %d, want 1", r[0], r[1], n)
		}
	}
	if n := env.provider.DistinctRanges(); n != 3 {
		t.Errorf("DistinctRanges() = %d, want 3", n)
	}

	// 12 weekdays in Jan 16-31, 20 in February, 8 in Mar 1-10.
	if got.Len() != 40 {
		t.Errorf("Len() = %d, want 40", got.Len())
	}
	if want := date(2023, 1, 16); !got.First().Equal(want) {
		t.Errorf("First() = %v, want %v", got.First(), want)
	}
	if want := date(2023, 3, 10); !got.Last().Equal(want) {
		t.Errorf("Last() = %v, want %v", got.Last(), want)
	}
	if got.Symbol != "PETR4" || got.Kind != marketdata.KindStock {
		t.Errorf("Series = %s/%s, want PETR4/stock", got.Symbol, got.Kind)
	}
	assertOrdered(t, got)
}

func TestLoad_OverlappingRangesFetchOnce(t *testing.T) {
	env := newTestEnv(t, testNow)
	l := newTestLoader(t, env.client, env.cache, testNow, nil)
	ctx := context.Background()

	if _, err := l.Load(ctx, "PETR4", marketdata.KindStock, date(2023, 1, 15), date(2023, 3, 10)); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := l.Load(ctx, "PETR4", marketdata.KindStock, date(2023, 2, 1), date(2023, 4, 20)); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if n := env.provider.RangeRequests("stock", "PETR4", "2023-02-01", "2023-02-28"); n != 1 {
		t.Errorf("February requested %d times, want 1", n)
	}
	if n := env.provider.DistinctRanges(); n != 4 {
		t.Errorf("DistinctRanges() = %d, want 4", n)
	}

	// A new process over the same cache directory makes no requests.
	before := env.provider.RequestCount()
	l2 := newTestLoader(t, env.client, newTestCache(t, env.dir, testNow), testNow, nil)
	got, err := l2.Load(ctx, "PETR4", marketdata.KindStock, date(2023, 1, 1), date(2023, 4, 30))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if after := env.provider.RequestCount(); after != before {
		t.Errorf("requests after restart = %d, want 0", after-before)
	}
	assertOrdered(t, got)
}

func TestLoad_Options(t *testing.T) {
	env := newTestEnv(t, testNow)
	l := newTestLoader(t, env.client, env.cache, testNow, nil)

	got, err := l.Load(context.Background(), "PETR4", marketdata.KindOptions, date(2023, 2, 27), date(2023, 3, 3))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", got.Len())
	}
	for _, r := range got.Records {
		if len(r.Options) != 2 {
			t.Errorf("%s has %d quotes, want 2", r.Date.Format(marketdata.DateLayout), len(r.Options))
		}
	}
	assertOrdered(t, got)
}

func TestLoad_SingleDay(t *testing.T) {
	env := newTestEnv(t, testNow)
	l := newTestLoader(t, env.client, env.cache, testNow, nil)

	got, err := l.Load(context.Background(), "PETR4", marketdata.KindStock, date(2023, 1, 16), date(2023, 1, 16))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Len() != 1 || !got.First().Equal(date(2023, 1, 16)) {
		t.Errorf("Load() = %d records starting %v, want one on 2023-01-16", got.Len(), got.First())
	}
}

func TestLoad_NotFound(t *testing.T) {
	env := newTestEnv(t, testNow)
	env.provider.SetNotFound("XXXX3")
	l := newTestLoader(t, env.client, env.cache, testNow, nil)

	got, err := l.Load(context.Background(), "XXXX3", marketdata.KindStock, date(2023, 1, 1), date(2023, 2, 28))
	if got != nil {
		t.Errorf("Load() returned partial series with %d records", got.Len())
	}
	var monthErr *MonthError
	if !errors.As(err, &monthErr) {
		t.Fatalf("Load() error = %v, want *MonthError", err)
	}
	if want := (marketdata.Month{Year: 2023, Month: 1}); monthErr.Month != want {
		t.Errorf("MonthError.Month = %v, want %v", monthErr.Month, want)
	}
	if monthErr.Symbol != "XXXX3" {
		t.Errorf("MonthError.Symbol = %q, want XXXX3", monthErr.Symbol)
	}
	if !errors.Is(err, client.ErrNotFound) {
		t.Errorf("errors.Is(err, ErrNotFound) = false for %v", err)
	}

	key, _ := cache.NewKey("XXXX3", marketdata.KindStock, 2023, 1)
	if _, err := env.cache.Disk().Load(key); !errors.Is(err, cache.ErrCacheMiss) {
		t.Errorf("Disk().Load(%s) error = %v, want ErrCacheMiss", key, err)
	}
}

func TestLoad_ProviderTimeoutSurfacesTransientError(t *testing.T) {
	env := newTestEnv(t, testNow)
	env.provider.SetDelay(2 * time.Second)

	logger := zerolog.Nop()
	ccfg := client.DefaultConfig(testutil.MockToken)
	ccfg.BaseURL = env.provider.URL()
	ccfg.RequestsPerMinute = 0
	ccfg.Timeout = 50 * time.Millisecond
	ccfg.MaxAttempts = 2
	ccfg.InitialBackoff = time.Millisecond
	ccfg.MaxBackoff = 5 * time.Millisecond
	ccfg.Logger = &logger
	ccfg.Clock = func() time.Time { return testNow }
	c, err := client.New(ccfg)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	l := newTestLoader(t, c, env.cache, testNow, nil)

	done := make(chan error, 1)
	go func() {
		_, err := l.Load(context.Background(), "PETR4", marketdata.KindStock, date(2023, 1, 1), date(2023, 1, 31))
		done <- err
	}()

	select {
	case err := <-done:
		var tfe *client.TransientFetchError
		if !errors.As(err, &tfe) {
			t.Fatalf("Load() error = %v, want *TransientFetchError", err)
		}
		if tfe.Attempts != 2 {
			t.Errorf("Attempts = %d, want 2", tfe.Attempts)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Load() kept retrying a timing-out provider")
	}
	if n := env.provider.RequestCount(); n != 2 {
		t.Errorf("requests = %d, want 2", n)
	}
}

func TestLoad_InvalidRange(t *testing.T) {
	env := newTestEnv(t, testNow)
	l := newTestLoader(t, env.client, env.cache, testNow, nil)
	ctx := context.Background()

	tests := []struct {
		name       string
		symbol     string
		kind       marketdata.Kind
		start, end time.Time
	}{
		{"end before start", "PETR4", marketdata.KindStock, date(2023, 3, 1), date(2023, 2, 1)},
		{"empty symbol", " ", marketdata.KindStock, date(2023, 1, 1), date(2023, 2, 1)},
		{"bad kind", "PETR4", marketdata.Kind("bond"), date(2023, 1, 1), date(2023, 2, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := l.Load(ctx, tt.symbol, tt.kind, tt.start, tt.end); !errors.Is(err, ErrInvalidRange) {
				t.Errorf("Load() error = %v, want ErrInvalidRange", err)
			}
		})
	}
	if n := env.provider.RequestCount(); n != 0 {
		t.Errorf("RequestCount() = %d, want 0", n)
	}
}

func TestLoad_FutureMonthsNotRequested(t *testing.T) {
	now := time.Date(2023, 2, 10, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, now)
	l := newTestLoader(t, env.client, env.cache, now, nil)

	got, err := l.Load(context.Background(), "PETR4", marketdata.KindStock, date(2023, 1, 1), date(2023, 4, 30))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if n := env.provider.DistinctRanges(); n != 2 {
		t.Errorf("DistinctRanges() = %d, want 2 (January and February)", n)
	}
	if got.Last().After(date(2023, 2, 28)) {
		t.Errorf("Last() = %v, beyond the current month", got.Last())
	}

	// The current month is re-used within the freshness window.
	if _, err := l.Load(context.Background(), "PETR4", marketdata.KindStock, date(2023, 2, 1), date(2023, 2, 10)); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if n := env.provider.RangeRequests("stock", "PETR4", "2023-02-01", "2023-02-28"); n != 1 {
		t.Errorf("current month requested %d times, want 1", n)
	}
}

func TestLoad_EmptyMonth(t *testing.T) {
	tests := []struct {
		name    string
		strict  bool
		wantErr bool
	}{
		{"lenient", false, false},
		{"strict", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, testNow)
			env.provider.SetEmpty("DELISTED3")
			l := newTestLoader(t, env.client, env.cache, testNow, func(o *Options) { o.StrictEmpty = tt.strict })

			got, err := l.Load(context.Background(), "DELISTED3", marketdata.KindStock, date(2023, 1, 1), date(2023, 1, 31))
			if tt.wantErr {
				var emptyErr *EmptyMonthError
				if !errors.As(err, &emptyErr) {
					t.Fatalf("Load() error = %v, want *EmptyMonthError", err)
				}
				if emptyErr.BusinessDays != 22 {
					t.Errorf("BusinessDays = %d, want 22", emptyErr.BusinessDays)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if !got.Empty() {
				t.Errorf("Len() = %d, want 0", got.Len())
			}
		})
	}
}

func TestLoad_Progress(t *testing.T) {
	env := newTestEnv(t, testNow)
	var events []ProgressEvent
	l := newTestLoader(t, env.client, env.cache, testNow, func(o *Options) {
		o.Progress = func(e ProgressEvent) { events = append(events, e) }
	})

	if _, err := l.Load(context.Background(), "PETR4", marketdata.KindStock, date(2023, 1, 15), date(2023, 3, 10)); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("got %d progress events, want 3", len(events))
	}
	for i, e := range events {
		if e.Done != i+1 || e.Total != 3 {
			t.Errorf("event %d = %d/%d, want %d/3", i, e.Done, e.Total, i+1)
		}
		if want := (marketdata.Month{Year: 2023, Month: time.Month(i + 1)}); e.Month != want {
			t.Errorf("event %d month = %v, want %v", i, e.Month, want)
		}
	}
}

func TestLoad_ConcurrentMonthsKeepOrder(t *testing.T) {
	env := newTestEnv(t, testNow)
	env.provider.SetDelay(10 * time.Millisecond)

	var mu sync.Mutex
	var progress int
	l := newTestLoader(t, env.client, env.cache, testNow, func(o *Options) {
		o.Concurrency = 4
		o.Progress = func(ProgressEvent) { mu.Lock(); progress++; mu.Unlock() }
	})

	got, err := l.Load(context.Background(), "PETR4", marketdata.KindStock, date(2023, 1, 1), date(2023, 12, 31))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	assertOrdered(t, got)
	if n := env.provider.DistinctRanges(); n != 12 {
		t.Errorf("DistinctRanges() = %d, want 12", n)
	}
	if progress != 12 {
		t.Errorf("progress events = %d, want 12", progress)
	}

	// Same result as a sequential load.
	seq := newTestLoader(t, env.client, env.cache, testNow, nil)
	want, err := seq.Load(context.Background(), "PETR4", marketdata.KindStock, date(2023, 1, 1), date(2023, 12, 31))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Len() != want.Len() {
		t.Errorf("concurrent Len() = %d, sequential Len() = %d", got.Len(), want.Len())
	}
}

func TestLoad_OverlappingConcurrentLoadsShareFetches(t *testing.T) {
	env := newTestEnv(t, testNow)
	env.provider.SetDelay(20 * time.Millisecond)
	l := newTestLoader(t, env.client, env.cache, testNow, nil)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = l.Load(context.Background(), "PETR4", marketdata.KindStock, date(2023, 1, 10), date(2023, 3, 20))
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("load %d error = %v", i, err)
		}
	}
	for _, r := range [][2]string{{"2023-01-01", "2023-01-31"}, {"2023-02-01", "2023-02-28"}, {"2023-03-01", "2023-03-31"}} {
		if n := env.provider.RangeRequests("stock", "PETR4", r[0], r[1]); n != 1 {
			t.Errorf("RangeRequests(%s..%s) = %d, want 1", r[0], r[1], n)
		}
	}
}

func TestLoad_ForceRefresh(t *testing.T) {
	env := newTestEnv(t, testNow)
	ctx := context.Background()

	if _, err := newTestLoader(t, env.client, env.cache, testNow, nil).Load(ctx, "PETR4", marketdata.KindStock, date(2023, 1, 1), date(2023, 1, 31)); err != nil {
		t.Fatal(err)
	}
	force := newTestLoader(t, env.client, env.cache, testNow, func(o *Options) { o.ForceRefresh = true })
	if _, err := force.Load(ctx, "PETR4", marketdata.KindStock, date(2023, 1, 1), date(2023, 1, 31)); err != nil {
		t.Fatal(err)
	}
	if n := env.provider.RangeRequests("stock", "PETR4", "2023-01-01", "2023-01-31"); n != 2 {
		t.Errorf("RangeRequests() = %d, want 2", n)
	}
}

func TestLoad_ReturnsFreshCopy(t *testing.T) {
	env := newTestEnv(t, testNow)
	l := newTestLoader(t, env.client, env.cache, testNow, nil)
	ctx := context.Background()

	first, err := l.Load(ctx, "PETR4", marketdata.KindStock, date(2023, 1, 1), date(2023, 1, 31))
	if err != nil {
		t.Fatal(err)
	}
	orig := first.Records[0].Bar.Close
	first.Records[0].Bar.Close = -1

	second, err := l.Load(ctx, "PETR4", marketdata.KindStock, date(2023, 1, 1), date(2023, 1, 31))
	if err != nil {
		t.Fatal(err)
	}
	if second.Records[0].Bar.Close != orig {
		t.Errorf("Close = %v, want %v", second.Records[0].Bar.Close, orig)
	}
}

// stubFetcher returns canned series per month.
type stubFetcher struct {
	mu     sync.Mutex
	calls  int
	series map[marketdata.Month]*marketdata.Series
}

func (f *stubFetcher) FetchMonth(_ context.Context, symbol string, kind marketdata.Kind, year, month int) (*marketdata.Series, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	s, ok := f.series[marketdata.Month{Year: year, Month: time.Month(month)}]
	if !ok {
		return &marketdata.Series{Symbol: symbol, Kind: kind}, nil
	}
	return s.Clone(), nil
}

func bars(days ...time.Time) *marketdata.Series {
	s := &marketdata.Series{Symbol: "PETR4", Kind: marketdata.KindStock}
	for _, d := range days {
		s.Records = append(s.Records, marketdata.Record{Date: d, Bar: &marketdata.StockBar{Date: d, Close: 1}})
	}
	return s
}

func TestLoad_IntegrityViolations(t *testing.T) {
	jan := marketdata.Month{Year: 2023, Month: 1}

	tests := []struct {
		name   string
		series *marketdata.Series
	}{
		{"record outside month", bars(date(2023, 1, 2), date(2023, 2, 1))},
		{"duplicate date", bars(date(2023, 1, 2), date(2023, 1, 2))},
		{"out of order", bars(date(2023, 1, 3), date(2023, 1, 2))},
		{"missing bar", &marketdata.Series{Symbol: "PETR4", Kind: marketdata.KindStock, Records: []marketdata.Record{{Date: date(2023, 1, 2)}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, testNow)
			f := &stubFetcher{series: map[marketdata.Month]*marketdata.Series{jan: tt.series}}
			l := newTestLoader(t, f, env.cache, testNow, nil)

			_, err := l.Load(context.Background(), "PETR4", marketdata.KindStock, date(2023, 1, 1), date(2023, 1, 31))
			var integrityErr *DataIntegrityError
			if !errors.As(err, &integrityErr) {
				t.Fatalf("Load() error = %v, want *DataIntegrityError", err)
			}
			if integrityErr.Month != jan {
				t.Errorf("DataIntegrityError.Month = %v, want %v", integrityErr.Month, jan)
			}
		})
	}
}

// writeFailingCache serves fetched data but reports every write as failed.
type writeFailingCache struct{}

func (writeFailingCache) GetOrFetch(ctx context.Context, key cache.Key, _ bool, fetch cache.FetchFunc) (*marketdata.Series, error) {
	s, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	return s, &cache.CacheWriteError{Key: key, Err: errors.New("no space left on device")}
}

func (c writeFailingCache) Refresh(ctx context.Context, key cache.Key, cur bool, fetch cache.FetchFunc) (*marketdata.Series, error) {
	return c.GetOrFetch(ctx, key, cur, fetch)
}

func TestLoad_CacheWriteErrorIsNonFatal(t *testing.T) {
	f := &stubFetcher{series: map[marketdata.Month]*marketdata.Series{
		{Year: 2023, Month: 1}: bars(date(2023, 1, 30), date(2023, 1, 31)),
		{Year: 2023, Month: 2}: bars(date(2023, 2, 1), date(2023, 2, 2)),
	}}
	l := newTestLoader(t, f, writeFailingCache{}, testNow, nil)

	got, err := l.Load(context.Background(), "PETR4", marketdata.KindStock, date(2023, 1, 31), date(2023, 2, 1))
	var writeErr *cache.CacheWriteError
	if !errors.As(err, &writeErr) {
		t.Fatalf("Load() error = %v, want *cache.CacheWriteError", err)
	}
	if got == nil || got.Len() != 2 {
		t.Fatalf("Load() series = %v, want 2 records despite write failure", got)
	}
}

func TestLoad_ContextCancelled(t *testing.T) {
	env := newTestEnv(t, testNow)
	env.provider.SetDelay(time.Second)
	l := newTestLoader(t, env.client, env.cache, testNow, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := l.Load(ctx, "PETR4", marketdata.KindStock, date(2023, 1, 1), date(2023, 3, 31))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Load() error = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > 900*time.Millisecond {
		t.Error("Load() did not stop on cancellation")
	}
}
