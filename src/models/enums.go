package models

import (
	"fmt"
	"strings"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", fmt.Errorf("%w: invalid side %q", ErrValidation, s)
}

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// MarketType distinguishes home-market instruments from overseas ones.
// Domestic instruments always trade in the home currency.
type MarketType string

const (
	MarketDomestic MarketType = "DOMESTIC"
	MarketOverseas MarketType = "OVERSEAS"
)

func ParseMarketType(s string) (MarketType, error) {
	switch MarketType(strings.ToUpper(strings.TrimSpace(s))) {
	case MarketDomestic:
		return MarketDomestic, nil
	case MarketOverseas:
		return MarketOverseas, nil
	}
	return "", fmt.Errorf("%w: invalid market type %q", ErrValidation, s)
}

func (m MarketType) Valid() bool {
	return m == MarketDomestic || m == MarketOverseas
}

// FxSource records where a transaction's FX snapshot came from. "fallback"
// marks the configured last-resort constant so degraded snapshots are never
// indistinguishable from real ones.
type FxSource string

const (
	FxSourceDomestic FxSource = "domestic"
	FxSourceMarket   FxSource = "market"
	FxSourceManual   FxSource = "manual"
	FxSourceFallback FxSource = "fallback"
)
