// Package portfolio assembles point-in-time valuations of a user's holdings
// from persisted positions and live quote/FX collaborators.
package portfolio

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/stockfolio/src/models"
	"github.com/username/stockfolio/src/services"
	"github.com/username/stockfolio/src/utils"
	"golang.org/x/time/rate"
)

// quoteBackscanDays bounds the search for the last genuine trading session
// when the live quote is a closed-market echo.
const quoteBackscanDays = 10

// PositionSource is what the aggregator needs from the persistence layer.
type PositionSource interface {
	ActivePositionsByUser(ctx context.Context, userID int64) ([]models.Position, error)
	PositionsByUser(ctx context.Context, userID int64) ([]models.Position, error)
}

// Aggregator builds portfolio views. Quote fetches fan out concurrently with
// bounded parallelism and a shared rate limiter; one symbol's failure
// degrades only its own row.
type Aggregator struct {
	positions    PositionSource
	quotes       services.QuoteService
	fx           services.FXService
	homeCurrency string

	maxConcurrency int
	limiter        *rate.Limiter
	quoteTimeout   time.Duration
	log            *slog.Logger
}

func NewAggregator(positions PositionSource, quotes services.QuoteService, fx services.FXService,
	homeCurrency string, maxConcurrency int, ratePerSec float64, quoteTimeout time.Duration, log *slog.Logger) *Aggregator {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Aggregator{
		positions:      positions,
		quotes:         quotes,
		fx:             fx,
		homeCurrency:   homeCurrency,
		maxConcurrency: maxConcurrency,
		limiter:        rate.NewLimiter(rate.Limit(ratePerSec), maxConcurrency),
		quoteTimeout:   quoteTimeout,
		log:            log,
	}
}

// BuildView values everything the user currently holds. Domestic and
// overseas rows keep their native currencies; grand totals convert overseas
// figures at the current FX rate. Realized totals come from the stored
// per-transaction snapshots and cover closed positions too.
func (a *Aggregator) BuildView(ctx context.Context, userID int64) (*models.PortfolioView, error) {
	active, err := a.positions.ActivePositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	all, err := a.positions.PositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	rows := rollUp(active)
	a.valueRows(ctx, rows)

	view := &models.PortfolioView{
		UserID:        userID,
		ExchangeRates: map[string]models.RateResult{},
		UpdatedAt:     time.Now(),
	}
	for i := range rows {
		if rows[i].MarketType == models.MarketDomestic {
			view.Domestic = append(view.Domestic, rows[i])
		} else {
			view.Overseas = append(view.Overseas, rows[i])
		}
	}

	a.resolveCurrentRates(ctx, view)
	a.sumTotals(view, all)
	return view, nil
}

// Overview returns the headline counters and totals for a user.
func (a *Aggregator) Overview(ctx context.Context, userID int64) (*models.PortfolioOverview, error) {
	active, err := a.positions.ActivePositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	all, err := a.positions.PositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	ov := &models.PortfolioOverview{
		TotalInvestmentHome:   decimal.Zero,
		TotalRealizedGainHome: decimal.Zero,
	}
	symbols := map[string]struct{}{}
	brokers := map[string]struct{}{}
	for _, p := range active {
		symbols[p.Symbol] = struct{}{}
		brokers[p.Broker] = struct{}{}
		ov.TotalPositions++

		investment := p.TotalCost
		if p.MarketType == models.MarketOverseas {
			res := a.currentRate(ctx, p.Currency)
			investment = investment.Mul(res.Rate)
		}
		ov.TotalInvestmentHome = ov.TotalInvestmentHome.Add(investment)
	}
	for _, p := range all {
		ov.TotalRealizedGainHome = ov.TotalRealizedGainHome.Add(p.RealizedGainHome)
	}
	ov.TotalStocks = int64(len(symbols))
	ov.TotalBrokers = int64(len(brokers))
	return ov, nil
}

// rollUp groups active positions by symbol and market type, re-deriving the
// cross-broker average cost as total investment over total quantity.
func rollUp(positions []models.Position) []models.PortfolioRow {
	type key struct {
		symbol     string
		marketType models.MarketType
	}
	grouped := map[key]*models.PortfolioRow{}
	brokers := map[key]map[string]struct{}{}
	var order []key

	for _, p := range positions {
		k := key{p.Symbol, p.MarketType}
		row, ok := grouped[k]
		if !ok {
			row = &models.PortfolioRow{
				Symbol:           p.Symbol,
				MarketType:       p.MarketType,
				Currency:         p.Currency,
				TotalInvestment:  decimal.Zero,
				RealizedGain:     decimal.Zero,
				RealizedGainHome: decimal.Zero,
			}
			grouped[k] = row
			brokers[k] = map[string]struct{}{}
			order = append(order, k)
		}
		brokers[k][p.Broker] = struct{}{}
		row.TotalQuantity += p.Quantity
		row.TotalInvestment = row.TotalInvestment.Add(p.TotalCost)
		row.RealizedGain = row.RealizedGain.Add(p.RealizedGain)
		row.RealizedGainHome = row.RealizedGainHome.Add(p.RealizedGainHome)
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].symbol != order[j].symbol {
			return order[i].symbol < order[j].symbol
		}
		return order[i].marketType < order[j].marketType
	})

	rows := make([]models.PortfolioRow, 0, len(order))
	for _, k := range order {
		row := grouped[k]
		row.BrokerCount = len(brokers[k])
		if row.TotalQuantity > 0 {
			row.OverallAverageCost = row.TotalInvestment.Div(decimal.NewFromInt(row.TotalQuantity))
		}
		rows = append(rows, *row)
	}
	return rows
}

// valueRows fetches one quote per row concurrently and fills in the market
// valuation fields. Failures never cross rows.
func (a *Aggregator) valueRows(ctx context.Context, rows []models.PortfolioRow) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, a.maxConcurrency)

	for i := range rows {
		wg.Add(1)
		go func(row *models.PortfolioRow) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := a.limiter.Wait(ctx); err != nil {
				a.degradeRow(row, err)
				return
			}

			quoteCtx, cancel := context.WithTimeout(ctx, a.quoteTimeout)
			defer cancel()

			quote, degraded, err := a.resolveQuote(quoteCtx, row.Symbol, row.MarketType)
			if err != nil {
				a.degradeRow(row, err)
				return
			}
			a.applyQuote(row, quote, degraded)
		}(&rows[i])
	}
	wg.Wait()
}

// resolveQuote fetches the live quote and, when it is a closed-market echo,
// walks back through recent weekdays for the last session with real trading.
// Exhausting the window returns the raw quote marked degraded.
func (a *Aggregator) resolveQuote(ctx context.Context, symbol string, marketType models.MarketType) (models.Quote, bool, error) {
	quote, err := a.quotes.GetQuote(ctx, symbol, marketType)
	if err != nil {
		return models.Quote{}, false, err
	}
	if !quote.Stale() {
		return quote, false, nil
	}

	day := quote.AsOf
	if day.IsZero() {
		day = time.Now()
	}
	for i := 0; i < quoteBackscanDays; i++ {
		day = day.AddDate(0, 0, -1)
		if utils.IsWeekend(day) {
			continue
		}
		past, err := a.quotes.GetHistoricalQuote(ctx, symbol, marketType, day)
		if err != nil {
			continue
		}
		if past.Volume > 0 && !past.DayChange.IsZero() {
			return past, false, nil
		}
	}

	a.log.Warn("No genuine session found in backscan window, using stale quote",
		"symbol", symbol, "marketType", string(marketType), "windowDays", quoteBackscanDays)
	return quote, true, nil
}

func (a *Aggregator) applyQuote(row *models.PortfolioRow, quote models.Quote, degraded bool) {
	qty := decimal.NewFromInt(row.TotalQuantity)
	row.CurrentPrice = quote.CurrentPrice
	row.DayChange = quote.DayChange
	row.DayGain = quote.DayChange.Mul(qty)
	row.MarketValue = quote.CurrentPrice.Mul(qty)
	row.UnrealizedGain = row.MarketValue.Sub(row.TotalInvestment)
	if row.TotalInvestment.IsPositive() {
		row.UnrealizedGainPercent = row.UnrealizedGain.Div(row.TotalInvestment).Mul(decimal.NewFromInt(100))
	}
	row.Degraded = degraded
	row.QuoteAsOf = quote.AsOf
}

// degradeRow values the row at its cost basis with zero day figures.
func (a *Aggregator) degradeRow(row *models.PortfolioRow, err error) {
	a.log.Warn("Quote unavailable, degrading row to cost basis",
		"symbol", row.Symbol, "marketType", string(row.MarketType), "error", err)
	row.CurrentPrice = row.OverallAverageCost
	row.DayChange = decimal.Zero
	row.DayGain = decimal.Zero
	row.MarketValue = row.TotalInvestment
	row.UnrealizedGain = decimal.Zero
	row.UnrealizedGainPercent = decimal.Zero
	row.Degraded = true
}

// resolveCurrentRates fills the view's rate table with one current FX rate
// per overseas currency. Rows whose currency only resolved to a degraded unit
// rate are themselves marked degraded: their contribution to the home totals
// is unconverted.
func (a *Aggregator) resolveCurrentRates(ctx context.Context, view *models.PortfolioView) {
	for i := range view.Overseas {
		currency := view.Overseas[i].Currency
		res, ok := view.ExchangeRates[currency]
		if !ok {
			res = a.currentRate(ctx, currency)
			view.ExchangeRates[currency] = res
		}
		if res.Degraded {
			view.Overseas[i].Degraded = true
		}
	}
}

// currentRate never fails: an unreachable FX source yields a degraded unit
// rate so overseas figures stay visible in their native scale.
func (a *Aggregator) currentRate(ctx context.Context, currency string) models.RateResult {
	if currency == a.homeCurrency {
		return models.RateResult{Currency: currency, Rate: decimal.NewFromInt(1), Date: time.Now()}
	}
	res, err := a.fx.GetRate(ctx, currency)
	if err != nil {
		a.log.Warn("Current FX rate unavailable, marking degraded", "currency", currency, "error", err)
		return models.RateResult{Currency: currency, Rate: decimal.NewFromInt(1), Date: time.Now(), Degraded: true}
	}
	return res
}

// sumTotals computes the grand totals: domestic figures plus overseas figures
// converted at the current rate. Realized totals fold every position row the
// user ever had, using the home-currency amounts accumulated from each
// transaction's own FX snapshot.
func (a *Aggregator) sumTotals(view *models.PortfolioView, allPositions []models.Position) {
	total := decimal.Zero
	dayGain := decimal.Zero
	unrealized := decimal.Zero

	for _, row := range view.Domestic {
		total = total.Add(row.MarketValue)
		dayGain = dayGain.Add(row.DayGain)
		unrealized = unrealized.Add(row.UnrealizedGain)
	}
	for _, row := range view.Overseas {
		fxRate := decimal.NewFromInt(1)
		if res, ok := view.ExchangeRates[row.Currency]; ok {
			fxRate = res.Rate
		}
		total = total.Add(row.MarketValue.Mul(fxRate))
		dayGain = dayGain.Add(row.DayGain.Mul(fxRate))
		unrealized = unrealized.Add(row.UnrealizedGain.Mul(fxRate))
	}

	realized := decimal.Zero
	for _, p := range allPositions {
		realized = realized.Add(p.RealizedGainHome)
	}

	view.TotalValueHome = total
	view.TotalDayGainHome = dayGain
	view.TotalUnrealizedGainHome = unrealized
	view.TotalRealizedGainHome = realized
}
