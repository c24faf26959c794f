// Package marketdata defines the typed record schema shared by the API client,
// the cache and the loader: stock bars, option quotes, the per-day Record and
// the ordered Series of one symbol and instrument kind.
package marketdata

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind is the instrument kind of a series.
type Kind string

const (
	// KindStock is the underlying stock's daily bars.
	KindStock Kind = "stock"

	// KindOptions is the daily option chain of an underlying.
	KindOptions Kind = "options"
)

// ErrInvalidKind is returned by ParseKind for unknown kinds.
var ErrInvalidKind = errors.New("invalid instrument kind")

// ParseKind parses a kind case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindStock:
		return KindStock, nil
	case KindOptions:
		return KindOptions, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindStock || k == KindOptions
}

// OptionType is CALL or PUT.
type OptionType string

const (
	Call OptionType = "CALL"
	Put  OptionType = "PUT"
)

// StockBar is one daily bar of the underlying.
type StockBar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// OptionQuote is one option contract's end-of-day quote with greeks.
type OptionQuote struct {
	Symbol string     `json:"symbol"`
	Spot   string     `json:"spot"`
	Type   OptionType `json:"type"`
	Strike float64    `json:"strike"`
	Expiry time.Time  `json:"expiry"`
	Date   time.Time  `json:"date"`
	Open   float64    `json:"open"`
	High   float64    `json:"high"`
	Low    float64    `json:"low"`
	Close  float64    `json:"close"`
	Volume int64      `json:"volume"`
	Delta  float64    `json:"delta"`
	Gamma  float64    `json:"gamma"`
	Theta  float64    `json:"theta"`
	Vega   float64    `json:"vega"`
	IV     float64    `json:"iv"`
}

// Record is one trading day. Stock series carry Bar, options series carry the
// day's chain in Options.
type Record struct {
	Date    time.Time     `json:"date"`
	Bar     *StockBar     `json:"bar,omitempty"`
	Options []OptionQuote `json:"options,omitempty"`
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := Record{Date: r.Date}
	if r.Bar != nil {
		b := *r.Bar
		out.Bar = &b
	}
	if r.Options != nil {
		out.Options = make([]OptionQuote, len(r.Options))
		copy(out.Options, r.Options)
	}
	return out
}

// Series is the ordered sequence of daily records for one symbol and kind.
// Records are strictly increasing by date.
type Series struct {
	Symbol  string   `json:"symbol"`
	Kind    Kind     `json:"kind"`
	Records []Record `json:"records"`
}

// Len returns the number of records.
func (s *Series) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Records)
}

// Empty reports whether the series has no records.
func (s *Series) Empty() bool {
	return s.Len() == 0
}

// First returns the date of the first record, zero when empty.
func (s *Series) First() time.Time {
	if s.Empty() {
		return time.Time{}
	}
	return s.Records[0].Date
}

// Last returns the date of the last record, zero when empty.
func (s *Series) Last() time.Time {
	if s.Empty() {
		return time.Time{}
	}
	return s.Records[len(s.Records)-1].Date
}

// Clone returns a deep copy. Callers may mutate the copy freely.
func (s *Series) Clone() *Series {
	if s == nil {
		return nil
	}
	out := &Series{Symbol: s.Symbol, Kind: s.Kind}
	if s.Records != nil {
		out.Records = make([]Record, len(s.Records))
		for i, r := range s.Records {
			out.Records[i] = r.Clone()
		}
	}
	return out
}

// Slice returns a deep copy restricted to records dated within [start, end].
func (s *Series) Slice(start, end time.Time) *Series {
	start, end = DateOf(start), DateOf(end)
	out := &Series{Symbol: s.Symbol, Kind: s.Kind, Records: []Record{}}
	for _, r := range s.Records {
		if r.Date.Before(start) || r.Date.After(end) {
			continue
		}
		out.Records = append(out.Records, r.Clone())
	}
	return out
}

// Validate checks that records are strictly increasing by date and carry the
// payload matching the series kind.
func (s *Series) Validate() error {
	for i, r := range s.Records {
		switch s.Kind {
		case KindStock:
			if r.Bar == nil {
				return fmt.Errorf("record %d (%s): stock record without bar", i, r.Date.Format(DateLayout))
			}
		case KindOptions:
			if len(r.Options) == 0 {
				return fmt.Errorf("record %d (%s): options record without quotes", i, r.Date.Format(DateLayout))
			}
		}
		if i > 0 && !r.Date.After(s.Records[i-1].Date) {
			return fmt.Errorf("record %d: date %s not after %s", i,
				r.Date.Format(DateLayout), s.Records[i-1].Date.Format(DateLayout))
		}
	}
	return nil
}

// DateOf truncates t to its calendar date at midnight UTC.
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate accepts YYYY-MM-DD, "YYYY-MM-DD HH:MM:SS" and RFC 3339 and
// returns the calendar date at midnight UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{DateLayout, "2006-01-02 15:04:05", time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return DateOf(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse date %q: unsupported format", s)
}
