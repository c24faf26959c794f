package cache

import (
	"time"

	"github.com/Sternrassler/opstrat-data/pkg/marketdata"
)

// Entry is a cached month window.
type Entry struct {
	Key Key

	// Series holds the month's records. Entries own their series; callers
	// receive deep copies.
	Series *marketdata.Series

	// FetchedAt is when the data was fetched from the provider.
	FetchedAt time.Time

	// Complete is true for a closed month fetched at least the settle delay
	// after the month ended. Only complete entries are served from disk.
	Complete bool
}

// IsComplete reports whether data for m fetched at fetchedAt can be
// considered final.
func IsComplete(m marketdata.Month, isCurrentMonth bool, fetchedAt time.Time, settleDelay time.Duration) bool {
	if isCurrentMonth {
		return false
	}
	return !fetchedAt.Before(m.End().Add(settleDelay))
}

// Age returns how long ago the entry was fetched.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.FetchedAt)
}

// clone returns a deep copy of the entry.
func (e *Entry) clone() *Entry {
	out := *e
	out.Series = e.Series.Clone()
	return &out
}
