package cache

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"unicode"

	"github.com/Sternrassler/opstrat-data/pkg/marketdata"
)

// keyVersion prefixes every encoded key. Bump it when the encoding or the
// stored schema changes so old entries are never misread.
const keyVersion = "v1"

// maxSymbolLen bounds the encoded symbol so paths stay short.
const maxSymbolLen = 64

// ErrInvalidKey is returned by NewKey for arguments that cannot form a key.
var ErrInvalidKey = errors.New("invalid cache key")

// Key identifies one month window of one symbol and instrument kind.
// The zero value is not a valid key; use NewKey.
type Key struct {
	symbol string
	kind   marketdata.Kind
	month  marketdata.Month
}

// NewKey validates and normalizes the key parts. The symbol is trimmed and
// upper-cased, so "petr4" and " PETR4" name the same entry.
func NewKey(symbol string, kind marketdata.Kind, year, month int) (Key, error) {
	m, err := marketdata.NewMonth(year, month)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return KeyFor(symbol, kind, m)
}

// KeyFor is NewKey for an already validated month.
func KeyFor(symbol string, kind marketdata.Kind, m marketdata.Month) (Key, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	switch {
	case sym == "":
		return Key{}, fmt.Errorf("%w: empty symbol", ErrInvalidKey)
	case sym == "." || sym == "..":
		return Key{}, fmt.Errorf("%w: symbol %q", ErrInvalidKey, symbol)
	case len(sym) > maxSymbolLen:
		return Key{}, fmt.Errorf("%w: symbol longer than %d bytes", ErrInvalidKey, maxSymbolLen)
	case strings.IndexFunc(sym, unicode.IsControl) >= 0:
		return Key{}, fmt.Errorf("%w: symbol contains control characters", ErrInvalidKey)
	}
	if !kind.Valid() {
		return Key{}, fmt.Errorf("%w: %v %q", ErrInvalidKey, marketdata.ErrInvalidKind, kind)
	}
	if m.Month < 1 || m.Month > 12 || m.Year < 1 || m.Year > 9999 {
		return Key{}, fmt.Errorf("%w: month %s", ErrInvalidKey, m)
	}
	return Key{symbol: sym, kind: kind, month: m}, nil
}

// Symbol returns the normalized symbol.
func (k Key) Symbol() string { return k.symbol }

// Kind returns the instrument kind.
func (k Key) Kind() marketdata.Kind { return k.kind }

// Month returns the month window.
func (k Key) Month() marketdata.Month { return k.month }

// String encodes the key with length prefixes, so no two distinct keys share
// an encoding whatever characters the symbol contains.
// Format: v1:<len>:<SYMBOL>:<len>:<kind>:<YYYY>-<MM>
//
// Example:
//
//	v1:5:PETR4:7:options:2023-01
func (k Key) String() string {
	return fmt.Sprintf("%s:%d:%s:%d:%s:%s",
		keyVersion, len(k.symbol), k.symbol, len(k.kind), k.kind, k.month)
}

// Path returns the key's slash-separated location relative to the cache
// root: <kind>/<escaped symbol>/<YYYY-MM>.parquet. Escaping keeps distinct
// symbols in distinct files.
func (k Key) Path() string {
	return path.Join(string(k.kind), url.PathEscape(k.symbol), k.month.String()+".parquet")
}
