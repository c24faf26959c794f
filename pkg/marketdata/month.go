package marketdata

import (
	"fmt"
	"time"
)

// DateLayout is the calendar date format used on the wire and in logs.
const DateLayout = "2006-01-02"

// Month is a calendar month window, the unit of fetch and cache.
type Month struct {
	Year  int
	Month time.Month
}

// MonthOf returns the calendar month containing t (in t's location).
func MonthOf(t time.Time) Month {
	return Month{Year: t.Year(), Month: t.Month()}
}

// NewMonth validates year and month and returns the window.
func NewMonth(year, month int) (Month, error) {
	if month < 1 || month > 12 {
		return Month{}, fmt.Errorf("month out of range: %d", month)
	}
	if year < 1 || year > 9999 {
		return Month{}, fmt.Errorf("year out of range: %d", year)
	}
	return Month{Year: year, Month: time.Month(month)}, nil
}

// ParseMonth parses "YYYY-MM".
func ParseMonth(s string) (Month, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Month{}, fmt.Errorf("parse month %q: %w", s, err)
	}
	return MonthOf(t), nil
}

// First returns the first day of the month at midnight UTC.
func (m Month) First() time.Time {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC)
}

// Last returns the last day of the month at midnight UTC.
func (m Month) Last() time.Time {
	return m.First().AddDate(0, 1, -1)
}

// End returns the instant the month ends (first instant of the next month, UTC).
func (m Month) End() time.Time {
	return m.First().AddDate(0, 1, 0)
}

// Next returns the following month.
func (m Month) Next() Month {
	return MonthOf(m.First().AddDate(0, 1, 0))
}

// Before reports whether m is strictly before o.
func (m Month) Before(o Month) bool {
	if m.Year != o.Year {
		return m.Year < o.Year
	}
	return m.Month < o.Month
}

// Contains reports whether the calendar date of d falls inside the month.
func (m Month) Contains(d time.Time) bool {
	return d.Year() == m.Year && d.Month() == m.Month
}

// BusinessDays counts Monday-Friday dates in the month. Exchange holidays
// are not known here.
func (m Month) BusinessDays() int {
	n := 0
	for d := m.First(); m.Contains(d); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			n++
		}
	}
	return n
}

// String renders the month as YYYY-MM.
func (m Month) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month))
}

// MonthsBetween returns the ordered calendar months touched by [start, end],
// partial months at both ends included. It returns nil when end is before start.
func MonthsBetween(start, end time.Time) []Month {
	first, last := MonthOf(start), MonthOf(end)
	if last.Before(first) {
		return nil
	}
	var out []Month
	for m := first; !last.Before(m); m = m.Next() {
		out = append(out, m)
	}
	return out
}
