package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PortfolioRow is the per-symbol roll-up of all positions a user holds in
// that instrument across brokers, valued at the live (or last genuine) quote.
// Recomputed on demand, never persisted.
type PortfolioRow struct {
	Symbol     string
	MarketType MarketType
	Currency   string

	BrokerCount        int
	TotalQuantity      int64
	TotalInvestment    decimal.Decimal
	OverallAverageCost decimal.Decimal
	RealizedGain       decimal.Decimal
	RealizedGainHome   decimal.Decimal

	CurrentPrice   decimal.Decimal
	DayChange      decimal.Decimal
	DayGain        decimal.Decimal
	MarketValue    decimal.Decimal
	UnrealizedGain decimal.Decimal
	// UnrealizedGainPercent is zero when TotalInvestment is zero.
	UnrealizedGainPercent decimal.Decimal

	// Degraded marks a row without a genuine-session quote: either the quote
	// fetch failed (row valued from cost basis, day figures zero) or the
	// market was closed and no recent real session could be located (row
	// valued at the raw stale quote).
	Degraded  bool
	QuoteAsOf time.Time
}

// PortfolioView is the point-in-time valuation of everything a user holds.
// Domestic and overseas rows are summed in their native currencies; overseas
// totals are converted to home currency at the current rate for the grand
// totals. Realized figures always come from per-transaction snapshots.
type PortfolioView struct {
	UserID   int64
	Domestic []PortfolioRow
	Overseas []PortfolioRow

	// ExchangeRates holds the current instrument->home rate used for the
	// overseas conversion, keyed by currency code.
	ExchangeRates map[string]RateResult

	TotalValueHome          decimal.Decimal
	TotalDayGainHome        decimal.Decimal
	TotalUnrealizedGainHome decimal.Decimal
	TotalRealizedGainHome   decimal.Decimal

	UpdatedAt time.Time
}

// PortfolioOverview is the headline statistics block for a user.
type PortfolioOverview struct {
	TotalStocks           int64
	TotalBrokers          int64
	TotalPositions        int64
	TotalInvestmentHome   decimal.Decimal
	TotalRealizedGainHome decimal.Decimal
}
