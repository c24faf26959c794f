package cache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Sternrassler/opstrat-data/pkg/marketdata"
	"github.com/google/renameio/v2"
	"github.com/parquet-go/parquet-go"
	"github.com/rs/zerolog"
)

// Parquet key-value metadata written with every file.
const (
	metaKey       = "opstrat.key"
	metaFetchedAt = "opstrat.fetched_at"
	metaComplete  = "opstrat.complete"
	metaSchema    = "opstrat.schema"

	schemaVersion = "1"
)

// ErrCorruptEntry is returned when a cache file exists but cannot be read
// back as the requested entry. The file is left in place for inspection.
var ErrCorruptEntry = errors.New("corrupt cache entry")

// stockRow is the on-disk row of a stock bar. Dates are Unix seconds.
type stockRow struct {
	Date   int64   `parquet:"date"`
	Open   float64 `parquet:"open"`
	High   float64 `parquet:"high"`
	Low    float64 `parquet:"low"`
	Close  float64 `parquet:"close"`
	Volume int64   `parquet:"volume"`
}

// optionRow is the on-disk row of one option quote.
type optionRow struct {
	Date   int64   `parquet:"date"`
	Symbol string  `parquet:"symbol,dict"`
	Spot   string  `parquet:"spot,dict"`
	Type   string  `parquet:"type,dict"`
	Strike float64 `parquet:"strike"`
	Expiry int64   `parquet:"expiry"`
	Open   float64 `parquet:"open"`
	High   float64 `parquet:"high"`
	Low    float64 `parquet:"low"`
	Close  float64 `parquet:"close"`
	Volume int64   `parquet:"volume"`
	Delta  float64 `parquet:"delta"`
	Gamma  float64 `parquet:"gamma"`
	Theta  float64 `parquet:"theta"`
	Vega   float64 `parquet:"vega"`
	IV     float64 `parquet:"iv"`
}

// DiskStore is the durable tier: one Parquet file per key under a root
// directory. Writes go to a temporary file that is renamed into place, so a
// reader sees either the previous file or the complete new one.
type DiskStore struct {
	root   string
	logger zerolog.Logger

	// encode writes an entry. Tests replace it to simulate crashes.
	encode func(w io.Writer, e *Entry) error
}

// NewDiskStore creates the root directory if needed.
func NewDiskStore(root string, logger zerolog.Logger) (*DiskStore, error) {
	if root == "" {
		return nil, fmt.Errorf("cache dir is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &DiskStore{root: root, logger: logger, encode: encodeParquet}, nil
}

// Root returns the cache root directory.
func (d *DiskStore) Root() string { return d.root }

func (d *DiskStore) path(key Key) string {
	return filepath.Join(d.root, filepath.FromSlash(key.Path()))
}

// Load reads the entry for key. It returns ErrCacheMiss when no file exists
// and an error wrapping ErrCorruptEntry when the file is unreadable or
// belongs to another key or schema.
func (d *DiskStore) Load(key Key) (*Entry, error) {
	p := d.path(key)
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", p, err)
	}

	entry, err := decodeParquet(f, info.Size(), key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptEntry, p, err)
	}
	return entry, nil
}

// Store writes the entry atomically and returns the number of bytes written.
func (d *DiskStore) Store(e *Entry) (int64, error) {
	p := d.path(e.Key)
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create %s: %w", dir, err)
	}

	pf, err := renameio.NewPendingFile(p, renameio.WithTempDir(dir), renameio.WithPermissions(0o644))
	if err != nil {
		return 0, fmt.Errorf("create temp file for %s: %w", p, err)
	}
	defer pf.Cleanup()

	cw := &countingWriter{w: pf}
	if err := d.encode(cw, e); err != nil {
		return 0, fmt.Errorf("encode %s: %w", p, err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return 0, fmt.Errorf("replace %s: %w", p, err)
	}

	d.logger.Debug().
		Str("path", p).
		Int64("bytes", cw.n).
		Int("records", e.Series.Len()).
		Msg("Cache entry written")
	return cw.n, nil
}

// Delete removes the key's file. A missing file is not an error.
func (d *DiskStore) Delete(key Key) error {
	err := os.Remove(d.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func encodeParquet(w io.Writer, e *Entry) error {
	opts := []parquet.WriterOption{
		parquet.Compression(&parquet.Zstd),
		parquet.KeyValueMetadata(metaKey, e.Key.String()),
		parquet.KeyValueMetadata(metaFetchedAt, e.FetchedAt.UTC().Format(time.RFC3339Nano)),
		parquet.KeyValueMetadata(metaComplete, strconv.FormatBool(e.Complete)),
		parquet.KeyValueMetadata(metaSchema, schemaVersion),
	}

	switch e.Key.Kind() {
	case marketdata.KindStock:
		rows := make([]stockRow, 0, e.Series.Len())
		for _, r := range e.Series.Records {
			if r.Bar == nil {
				return fmt.Errorf("record %s has no bar", r.Date.Format(marketdata.DateLayout))
			}
			rows = append(rows, stockRow{
				Date:   r.Date.Unix(),
				Open:   r.Bar.Open,
				High:   r.Bar.High,
				Low:    r.Bar.Low,
				Close:  r.Bar.Close,
				Volume: r.Bar.Volume,
			})
		}
		return writeRows(w, rows, opts)

	case marketdata.KindOptions:
		var rows []optionRow
		for _, r := range e.Series.Records {
			for _, q := range r.Options {
				rows = append(rows, optionRow{
					Date:   r.Date.Unix(),
					Symbol: q.Symbol,
					Spot:   q.Spot,
					Type:   string(q.Type),
					Strike: q.Strike,
					Expiry: q.Expiry.Unix(),
					Open:   q.Open,
					High:   q.High,
					Low:    q.Low,
					Close:  q.Close,
					Volume: q.Volume,
					Delta:  q.Delta,
					Gamma:  q.Gamma,
					Theta:  q.Theta,
					Vega:   q.Vega,
					IV:     q.IV,
				})
			}
		}
		return writeRows(w, rows, opts)
	}
	return fmt.Errorf("unsupported kind %q", e.Key.Kind())
}

func writeRows[T any](w io.Writer, rows []T, opts []parquet.WriterOption) error {
	pw := parquet.NewGenericWriter[T](w, opts...)
	if _, err := pw.Write(rows); err != nil {
		return err
	}
	return pw.Close()
}

func decodeParquet(r io.ReaderAt, size int64, key Key) (*Entry, error) {
	pf, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, err
	}

	if v, _ := pf.Lookup(metaSchema); v != schemaVersion {
		return nil, fmt.Errorf("schema version %q, want %q", v, schemaVersion)
	}
	if v, _ := pf.Lookup(metaKey); v != key.String() {
		return nil, fmt.Errorf("file holds key %q, want %q", v, key.String())
	}
	fetchedStr, _ := pf.Lookup(metaFetchedAt)
	fetchedAt, err := time.Parse(time.RFC3339Nano, fetchedStr)
	if err != nil {
		return nil, fmt.Errorf("fetched_at: %w", err)
	}
	completeStr, _ := pf.Lookup(metaComplete)
	complete, err := strconv.ParseBool(completeStr)
	if err != nil {
		return nil, fmt.Errorf("complete: %w", err)
	}

	series := &marketdata.Series{Symbol: key.Symbol(), Kind: key.Kind()}
	switch key.Kind() {
	case marketdata.KindStock:
		rows, err := parquet.Read[stockRow](r, size)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			date := time.Unix(row.Date, 0).UTC()
			series.Records = append(series.Records, marketdata.Record{
				Date: date,
				Bar: &marketdata.StockBar{
					Date:   date,
					Open:   row.Open,
					High:   row.High,
					Low:    row.Low,
					Close:  row.Close,
					Volume: row.Volume,
				},
			})
		}

	case marketdata.KindOptions:
		rows, err := parquet.Read[optionRow](r, size)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			date := time.Unix(row.Date, 0).UTC()
			q := marketdata.OptionQuote{
				Symbol: row.Symbol,
				Spot:   row.Spot,
				Type:   marketdata.OptionType(row.Type),
				Strike: row.Strike,
				Expiry: time.Unix(row.Expiry, 0).UTC(),
				Date:   date,
				Open:   row.Open,
				High:   row.High,
				Low:    row.Low,
				Close:  row.Close,
				Volume: row.Volume,
				Delta:  row.Delta,
				Gamma:  row.Gamma,
				Theta:  row.Theta,
				Vega:   row.Vega,
				IV:     row.IV,
			}
			n := len(series.Records)
			if n > 0 && series.Records[n-1].Date.Equal(date) {
				series.Records[n-1].Options = append(series.Records[n-1].Options, q)
				continue
			}
			series.Records = append(series.Records, marketdata.Record{Date: date, Options: []marketdata.OptionQuote{q}})
		}
	}

	if err := series.Validate(); err != nil {
		return nil, err
	}
	return &Entry{Key: key, Series: series, FetchedAt: fetchedAt, Complete: complete}, nil
}
