package handlers

import (
	"net/http"
	"time"

	"github.com/username/stockfolio/src/models"
	"github.com/username/stockfolio/src/portfolio"
	"github.com/username/stockfolio/src/utils"
)

type PortfolioHandler struct {
	aggregator *portfolio.Aggregator
}

func NewPortfolioHandler(aggregator *portfolio.Aggregator) *PortfolioHandler {
	return &PortfolioHandler{
		aggregator: aggregator,
	}
}

type portfolioRowResponse struct {
	Symbol                string  `json:"symbol"`
	MarketType            string  `json:"market_type"`
	Currency              string  `json:"currency"`
	BrokerCount           int     `json:"broker_count"`
	TotalQuantity         int64   `json:"total_quantity"`
	TotalInvestment       float64 `json:"total_investment"`
	OverallAverageCost    float64 `json:"overall_average_cost"`
	RealizedGain          float64 `json:"realized_gain"`
	RealizedGainHome      float64 `json:"realized_gain_home"`
	CurrentPrice          float64 `json:"current_price"`
	DayChange             float64 `json:"day_change"`
	DayGain               float64 `json:"day_gain"`
	MarketValue           float64 `json:"market_value"`
	UnrealizedGain        float64 `json:"unrealized_gain"`
	UnrealizedGainPercent float64 `json:"unrealized_gain_percent"`
	Degraded              bool    `json:"degraded"`
	QuoteAsOf             string  `json:"quote_as_of,omitempty"`
}

type exchangeRateResponse struct {
	Rate     float64 `json:"rate"`
	Date     string  `json:"date"`
	Degraded bool    `json:"degraded"`
}

type portfolioViewResponse struct {
	Domestic []portfolioRowResponse          `json:"domestic"`
	Overseas []portfolioRowResponse          `json:"overseas"`
	Rates    map[string]exchangeRateResponse `json:"exchange_rates"`

	TotalValueHome          float64 `json:"total_value_home"`
	TotalDayGainHome        float64 `json:"total_day_gain_home"`
	TotalUnrealizedGainHome float64 `json:"total_unrealized_gain_home"`
	TotalRealizedGainHome   float64 `json:"total_realized_gain_home"`
	UpdatedAt               string  `json:"updated_at"`
}

func toRowResponse(row models.PortfolioRow) portfolioRowResponse {
	resp := portfolioRowResponse{
		Symbol:                row.Symbol,
		MarketType:            string(row.MarketType),
		Currency:              row.Currency,
		BrokerCount:           row.BrokerCount,
		TotalQuantity:         row.TotalQuantity,
		TotalInvestment:       row.TotalInvestment.InexactFloat64(),
		OverallAverageCost:    row.OverallAverageCost.InexactFloat64(),
		RealizedGain:          row.RealizedGain.InexactFloat64(),
		RealizedGainHome:      row.RealizedGainHome.InexactFloat64(),
		CurrentPrice:          row.CurrentPrice.InexactFloat64(),
		DayChange:             row.DayChange.InexactFloat64(),
		DayGain:               row.DayGain.InexactFloat64(),
		MarketValue:           row.MarketValue.InexactFloat64(),
		UnrealizedGain:        row.UnrealizedGain.InexactFloat64(),
		UnrealizedGainPercent: row.UnrealizedGainPercent.InexactFloat64(),
		Degraded:              row.Degraded,
	}
	if !row.QuoteAsOf.IsZero() {
		resp.QuoteAsOf = row.QuoteAsOf.Format(time.RFC3339)
	}
	return resp
}

// HandleGetPortfolio returns the live valuation of everything the user holds.
func (h *PortfolioHandler) HandleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required or user ID not found in context", http.StatusUnauthorized)
		return
	}

	view, err := h.aggregator.BuildView(r.Context(), userID)
	if err != nil {
		respondError(w, err, "HandleGetPortfolio: building view")
		return
	}

	resp := portfolioViewResponse{
		Domestic:                []portfolioRowResponse{},
		Overseas:                []portfolioRowResponse{},
		Rates:                   map[string]exchangeRateResponse{},
		TotalValueHome:          view.TotalValueHome.InexactFloat64(),
		TotalDayGainHome:        view.TotalDayGainHome.InexactFloat64(),
		TotalUnrealizedGainHome: view.TotalUnrealizedGainHome.InexactFloat64(),
		TotalRealizedGainHome:   view.TotalRealizedGainHome.InexactFloat64(),
		UpdatedAt:               view.UpdatedAt.Format(time.RFC3339),
	}
	for _, row := range view.Domestic {
		resp.Domestic = append(resp.Domestic, toRowResponse(row))
	}
	for _, row := range view.Overseas {
		resp.Overseas = append(resp.Overseas, toRowResponse(row))
	}
	for currency, rate := range view.ExchangeRates {
		resp.Rates[currency] = exchangeRateResponse{
			Rate:     rate.Rate.InexactFloat64(),
			Date:     utils.FormatDate(rate.Date),
			Degraded: rate.Degraded,
		}
	}

	utils.WriteJSON(w, resp, http.StatusOK)
}

type overviewResponse struct {
	TotalStocks           int64   `json:"total_stocks"`
	TotalBrokers          int64   `json:"total_brokers"`
	TotalPositions        int64   `json:"total_positions"`
	TotalInvestmentHome   float64 `json:"total_investment_home"`
	TotalRealizedGainHome float64 `json:"total_realized_gain_home"`
}

// HandleGetOverview returns the headline counters for the dashboard.
func (h *PortfolioHandler) HandleGetOverview(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required or user ID not found in context", http.StatusUnauthorized)
		return
	}

	overview, err := h.aggregator.Overview(r.Context(), userID)
	if err != nil {
		respondError(w, err, "HandleGetOverview: building overview")
		return
	}

	utils.WriteJSON(w, overviewResponse{
		TotalStocks:           overview.TotalStocks,
		TotalBrokers:          overview.TotalBrokers,
		TotalPositions:        overview.TotalPositions,
		TotalInvestmentHome:   overview.TotalInvestmentHome.InexactFloat64(),
		TotalRealizedGainHome: overview.TotalRealizedGainHome.InexactFloat64(),
	}, http.StatusOK)
}
