package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is one immutable row of the append-only trade log. It is the
// sole source of truth: positions are derivable by replaying a key's log in
// commit order. SELL rows additionally carry the average cost snapshot taken
// before the position was mutated, for audit and historical reporting.
type Transaction struct {
	ID         int64
	OrderID    string
	UserID     int64
	Broker     string
	Symbol     string
	MarketType MarketType
	Currency   string
	Side       Side
	Quantity   int64
	Price      decimal.Decimal
	Commission decimal.Decimal
	Tax        decimal.Decimal

	// FxRate is the instrument->home rate snapshot at execution time,
	// 1.0 for home-currency instruments. FxSource says where it came from.
	FxRate   decimal.Decimal
	FxSource FxSource

	// SELL only; nil on BUY rows.
	AvgCostAtTransaction   *decimal.Decimal
	RealizedProfitPerShare *decimal.Decimal
	TotalRealizedProfit    *decimal.Decimal

	TransactionDate time.Time
	Notes           string
	CreatedAt       time.Time
}

// RealizedProfitHome converts the row's realized profit to home currency
// using its own stored snapshot rate, never a current rate.
func (t Transaction) RealizedProfitHome() decimal.Decimal {
	if t.TotalRealizedProfit == nil {
		return decimal.Zero
	}
	return t.TotalRealizedProfit.Mul(t.FxRate)
}
