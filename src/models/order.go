package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Order is a buy/sell instruction as accepted by the ledger engine.
// Commission, Tax and FxRate are optional: when nil the engine computes them
// from the broker fee schedule and the FX service respectively.
type Order struct {
	UserID     int64
	Symbol     string
	Broker     string
	MarketType MarketType
	Currency   string
	Side       Side
	Quantity   int64
	Price      decimal.Decimal

	Commission *decimal.Decimal
	Tax        *decimal.Decimal
	FxRate     *decimal.Decimal

	// OrderID, when supplied by the caller, makes retries idempotent: a
	// second apply with the same id returns the stored transaction.
	OrderID string

	TransactionDate time.Time
	Notes           string
}

func (o Order) Validate() error {
	if o.UserID <= 0 {
		return fmt.Errorf("%w: user id must be positive", ErrValidation)
	}
	if o.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrValidation)
	}
	if o.Broker == "" {
		return fmt.Errorf("%w: broker is required", ErrValidation)
	}
	if !o.MarketType.Valid() {
		return fmt.Errorf("%w: invalid market type %q", ErrValidation, string(o.MarketType))
	}
	if o.Currency == "" {
		return fmt.Errorf("%w: currency is required", ErrValidation)
	}
	if !o.Side.Valid() {
		return fmt.Errorf("%w: invalid side %q", ErrValidation, string(o.Side))
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %d", ErrValidation, o.Quantity)
	}
	if !o.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive, got %s", ErrValidation, o.Price)
	}
	if o.Commission != nil && o.Commission.IsNegative() {
		return fmt.Errorf("%w: commission cannot be negative", ErrValidation)
	}
	if o.Tax != nil && o.Tax.IsNegative() {
		return fmt.Errorf("%w: tax cannot be negative", ErrValidation)
	}
	if o.FxRate != nil && !o.FxRate.IsPositive() {
		return fmt.Errorf("%w: fx rate must be positive", ErrValidation)
	}
	if o.TransactionDate.IsZero() {
		return fmt.Errorf("%w: transaction date is required", ErrValidation)
	}
	return nil
}

// GrossAmount is quantity x price in the instrument currency.
func (o Order) GrossAmount() decimal.Decimal {
	return o.Price.Mul(decimal.NewFromInt(o.Quantity))
}
