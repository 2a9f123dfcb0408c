package services

import (
	"context"
	"time"

	"github.com/username/stockfolio/src/models"
)

// QuoteService fetches market data snapshots for instruments.
type QuoteService interface {
	// GetQuote returns the latest snapshot for a symbol.
	GetQuote(ctx context.Context, symbol string, marketType models.MarketType) (models.Quote, error)
	// GetHistoricalQuote returns the session snapshot for a specific date.
	// It fails when the market had no session on that date.
	GetHistoricalQuote(ctx context.Context, symbol string, marketType models.MarketType, date time.Time) (models.Quote, error)
}

// FXService resolves instrument->home currency exchange rates.
type FXService interface {
	// GetRate returns the current rate for a currency, resolving back to the
	// most recent published business day when today has no table yet.
	GetRate(ctx context.Context, currency string) (models.RateResult, error)
	// GetHistoricalRate returns the rate published on or just before date.
	GetHistoricalRate(ctx context.Context, currency string, date time.Time) (models.RateResult, error)
}
