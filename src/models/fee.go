package models

import "github.com/shopspring/decimal"

// FeeSchedule is one broker's commission/tax configuration for a
// (market type, side) pair. MinFee/MaxFee clamp the computed commission
// when present.
type FeeSchedule struct {
	Broker     string
	MarketType MarketType
	Side       Side
	Rate       decimal.Decimal
	TaxRate    decimal.Decimal
	MinFee     *decimal.Decimal
	MaxFee     *decimal.Decimal
}

// Fees is the commission and transaction tax charged on one order, in the
// instrument currency.
type Fees struct {
	Commission decimal.Decimal
	Tax        decimal.Decimal
}

func (f Fees) Total() decimal.Decimal {
	return f.Commission.Add(f.Tax)
}
