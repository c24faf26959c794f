package loader

import (
	"errors"
	"fmt"

	"github.com/Sternrassler/opstrat-data/pkg/marketdata"
)

// ErrInvalidRange is returned for a load request that cannot be served.
var ErrInvalidRange = errors.New("invalid load range")

// MonthError wraps the failure of one month with the load's context.
type MonthError struct {
	Symbol string
	Kind   marketdata.Kind
	Month  marketdata.Month
	Err    error
}

func (e *MonthError) Error() string {
	return fmt.Sprintf("load %s %s %s: %v", e.Kind, e.Symbol, e.Month, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *MonthError) Unwrap() error { return e.Err }

// DataIntegrityError reports records that violate the series ordering or
// fall outside their month window. It is never repaired.
type DataIntegrityError struct {
	Symbol string
	Kind   marketdata.Kind
	Month  marketdata.Month
	Reason string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity %s %s %s: %s", e.Kind, e.Symbol, e.Month, e.Reason)
}

// EmptyMonthError reports a closed month with business days but no records.
// It is only returned in strict mode.
type EmptyMonthError struct {
	Symbol       string
	Kind         marketdata.Kind
	Month        marketdata.Month
	BusinessDays int
}

func (e *EmptyMonthError) Error() string {
	return fmt.Sprintf("empty month %s %s %s (%d business days)", e.Kind, e.Symbol, e.Month, e.BusinessDays)
}
