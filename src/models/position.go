package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the current aggregate holding for one user/symbol/broker
// triple, maintained by the ledger engine. Quantity never goes negative;
// AverageCost changes only on BUY. A position is closed (Active=false, cost
// fields zeroed, realized figures retained) when quantity returns to zero and
// reopened by a later BUY; rows are never deleted.
type Position struct {
	ID         int64
	UserID     int64
	Symbol     string
	Broker     string
	MarketType MarketType
	Currency   string

	Quantity    int64
	AverageCost decimal.Decimal
	TotalCost   decimal.Decimal

	RealizedGain     decimal.Decimal
	RealizedGainHome decimal.Decimal

	FirstPurchaseDate   time.Time
	LastTransactionDate time.Time
	Active              bool

	// Version backs the optimistic concurrency check on updates.
	Version int64
}

// NewPosition returns an empty, inactive position for the given key.
func NewPosition(userID int64, symbol, broker string, marketType MarketType, currency string) Position {
	return Position{
		UserID:           userID,
		Symbol:           symbol,
		Broker:           broker,
		MarketType:       marketType,
		Currency:         currency,
		AverageCost:      decimal.Zero,
		TotalCost:        decimal.Zero,
		RealizedGain:     decimal.Zero,
		RealizedGainHome: decimal.Zero,
	}
}
