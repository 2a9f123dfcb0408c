package handlers

import (
	"fmt"
	"net/http"

	"github.com/username/stockfolio/src/models"
	"github.com/username/stockfolio/src/reports"
	"github.com/username/stockfolio/src/utils"
)

type ReportHandler struct {
	reporter *reports.Reporter
}

func NewReportHandler(reporter *reports.Reporter) *ReportHandler {
	return &ReportHandler{
		reporter: reporter,
	}
}

type reportRowResponse struct {
	TransactionID          int64   `json:"transaction_id"`
	Symbol                 string  `json:"symbol"`
	Broker                 string  `json:"broker"`
	MarketType             string  `json:"market_type"`
	Currency               string  `json:"currency"`
	Quantity               int64   `json:"quantity"`
	Price                  float64 `json:"price"`
	AvgCostAtTransaction   float64 `json:"avg_cost_at_transaction"`
	RealizedProfitPerShare float64 `json:"realized_profit_per_share"`
	RealizedProfit         float64 `json:"realized_profit"`
	RealizedProfitHome     float64 `json:"realized_profit_home"`
	RealizedProfitPercent  float64 `json:"realized_profit_percent"`
	FxRate                 float64 `json:"fx_rate"`
	FxSource               string  `json:"fx_source"`
	TransactionDate        string  `json:"transaction_date"`
}

type reportResponse struct {
	Rows                    []reportRowResponse `json:"rows"`
	TotalRealizedProfitHome float64             `json:"total_realized_profit_home"`
	SaleCount               int                 `json:"sale_count"`
	Symbols                 []string            `json:"symbols"`
	Brokers                 []string            `json:"brokers"`
}

// HandleGetRealizedProfits returns the filtered realized profit history.
// Supported query parameters: market_type, broker, symbol, from, to.
func (h *ReportHandler) HandleGetRealizedProfits(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required or user ID not found in context", http.StatusUnauthorized)
		return
	}

	filter, err := parseReportFilter(r)
	if err != nil {
		respondError(w, err, "HandleGetRealizedProfits: invalid filter")
		return
	}

	report, err := h.reporter.RealizedProfits(r.Context(), userID, filter)
	if err != nil {
		respondError(w, err, "HandleGetRealizedProfits: building report")
		return
	}

	resp := reportResponse{
		Rows:                    []reportRowResponse{},
		TotalRealizedProfitHome: report.TotalRealizedProfitHome.InexactFloat64(),
		SaleCount:               report.SaleCount,
		Symbols:                 report.Symbols,
		Brokers:                 report.Brokers,
	}
	if resp.Symbols == nil {
		resp.Symbols = []string{}
	}
	if resp.Brokers == nil {
		resp.Brokers = []string{}
	}
	for _, row := range report.Rows {
		resp.Rows = append(resp.Rows, reportRowResponse{
			TransactionID:          row.TransactionID,
			Symbol:                 row.Symbol,
			Broker:                 row.Broker,
			MarketType:             string(row.MarketType),
			Currency:               row.Currency,
			Quantity:               row.Quantity,
			Price:                  row.Price.InexactFloat64(),
			AvgCostAtTransaction:   row.AvgCostAtTransaction.InexactFloat64(),
			RealizedProfitPerShare: row.RealizedProfitPerShare.InexactFloat64(),
			RealizedProfit:         row.RealizedProfit.InexactFloat64(),
			RealizedProfitHome:     row.RealizedProfitHome.InexactFloat64(),
			RealizedProfitPercent:  row.RealizedProfitPercent.InexactFloat64(),
			FxRate:                 row.FxRate.InexactFloat64(),
			FxSource:               string(row.FxSource),
			TransactionDate:        utils.FormatDate(row.TransactionDate),
		})
	}

	utils.WriteJSON(w, resp, http.StatusOK)
}

func parseReportFilter(r *http.Request) (reports.Filter, error) {
	var filter reports.Filter
	query := r.URL.Query()

	if mt := query.Get("market_type"); mt != "" {
		parsed, err := models.ParseMarketType(mt)
		if err != nil {
			return reports.Filter{}, err
		}
		filter.MarketType = parsed
	}
	filter.Broker = query.Get("broker")
	filter.Symbol = query.Get("symbol")

	if from := query.Get("from"); from != "" {
		parsed, err := utils.ParseDate(from)
		if err != nil {
			return reports.Filter{}, fmt.Errorf("%w: %v", models.ErrValidation, err)
		}
		filter.From = parsed
	}
	if to := query.Get("to"); to != "" {
		parsed, err := utils.ParseDate(to)
		if err != nil {
			return reports.Filter{}, fmt.Errorf("%w: %v", models.ErrValidation, err)
		}
		filter.To = parsed
	}
	return filter, nil
}
