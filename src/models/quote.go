package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is a market data snapshot for one instrument.
type Quote struct {
	Symbol          string
	MarketType      MarketType
	CurrentPrice    decimal.Decimal
	PreviousClose   decimal.Decimal
	DayChange       decimal.Decimal
	DailyReturnRate decimal.Decimal
	Volume          int64
	Currency        string
	AsOf            time.Time
}

// Stale reports whether the quote looks like a closed-market echo of the
// previous session: no price movement and no traded volume. Such quotes
// trigger a bounded backward search for the last genuine session.
func (q Quote) Stale() bool {
	return q.CurrentPrice.Equal(q.PreviousClose) && q.DayChange.IsZero() && q.Volume == 0
}

// RateResult is an FX rate with provenance. Degraded marks a value that did
// not come from the upstream source (e.g. the configured fallback constant)
// so callers can surface it instead of treating it as a market rate.
type RateResult struct {
	Currency string
	Rate     decimal.Decimal
	Date     time.Time
	Degraded bool
}
