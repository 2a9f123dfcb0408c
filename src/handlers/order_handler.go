package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/username/stockfolio/src/ledger"
	"github.com/username/stockfolio/src/logger"
	"github.com/username/stockfolio/src/models"
	"github.com/username/stockfolio/src/utils"
)

type OrderHandler struct {
	engine *ledger.Engine
	repo   *ledger.Repository
}

func NewOrderHandler(engine *ledger.Engine, repo *ledger.Repository) *OrderHandler {
	return &OrderHandler{
		engine: engine,
		repo:   repo,
	}
}

type createOrderRequest struct {
	Symbol          string   `json:"symbol"`
	Broker          string   `json:"broker"`
	MarketType      string   `json:"market_type"`
	Currency        string   `json:"currency"`
	Side            string   `json:"side"`
	Quantity        int64    `json:"quantity"`
	Price           float64  `json:"price"`
	Commission      *float64 `json:"commission,omitempty"`
	Tax             *float64 `json:"tax,omitempty"`
	FxRate          *float64 `json:"fx_rate,omitempty"`
	OrderID         string   `json:"order_id,omitempty"`
	TransactionDate string   `json:"transaction_date"`
	Notes           string   `json:"notes,omitempty"`
}

type transactionResponse struct {
	ID                     int64    `json:"id"`
	OrderID                string   `json:"order_id"`
	Symbol                 string   `json:"symbol"`
	Broker                 string   `json:"broker"`
	MarketType             string   `json:"market_type"`
	Currency               string   `json:"currency"`
	Side                   string   `json:"side"`
	Quantity               int64    `json:"quantity"`
	Price                  float64  `json:"price"`
	Commission             float64  `json:"commission"`
	Tax                    float64  `json:"tax"`
	FxRate                 float64  `json:"fx_rate"`
	FxSource               string   `json:"fx_source"`
	AvgCostAtTransaction   *float64 `json:"avg_cost_at_transaction,omitempty"`
	RealizedProfitPerShare *float64 `json:"realized_profit_per_share,omitempty"`
	TotalRealizedProfit    *float64 `json:"total_realized_profit,omitempty"`
	TransactionDate        string   `json:"transaction_date"`
	Notes                  string   `json:"notes,omitempty"`
}

func toTransactionResponse(t models.Transaction) transactionResponse {
	return transactionResponse{
		ID:                     t.ID,
		OrderID:                t.OrderID,
		Symbol:                 t.Symbol,
		Broker:                 t.Broker,
		MarketType:             string(t.MarketType),
		Currency:               t.Currency,
		Side:                   string(t.Side),
		Quantity:               t.Quantity,
		Price:                  t.Price.InexactFloat64(),
		Commission:             t.Commission.InexactFloat64(),
		Tax:                    t.Tax.InexactFloat64(),
		FxRate:                 t.FxRate.InexactFloat64(),
		FxSource:               string(t.FxSource),
		AvgCostAtTransaction:   decimalPtrToFloat(t.AvgCostAtTransaction),
		RealizedProfitPerShare: decimalPtrToFloat(t.RealizedProfitPerShare),
		TotalRealizedProfit:    decimalPtrToFloat(t.TotalRealizedProfit),
		TransactionDate:        utils.FormatDate(t.TransactionDate),
		Notes:                  t.Notes,
	}
}

func decimalPtrToFloat(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	f := d.InexactFloat64()
	return &f
}

func floatPtrToDecimal(f *float64) *decimal.Decimal {
	if f == nil {
		return nil
	}
	d := decimal.NewFromFloat(*f)
	return &d
}

// HandleCreateOrder applies one buy/sell order for the authenticated user.
func (h *OrderHandler) HandleCreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required or user ID not found in context", http.StatusUnauthorized)
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.SendJSONError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	order, err := buildOrder(userID, req)
	if err != nil {
		respondError(w, err, "HandleCreateOrder: invalid order")
		return
	}

	tx, err := h.engine.ApplyTransaction(r.Context(), order)
	if err != nil {
		respondError(w, err, "HandleCreateOrder: applying order")
		return
	}

	logger.L.Info("Order accepted", "userID", userID, "orderID", tx.OrderID, "symbol", tx.Symbol)
	utils.WriteJSON(w, toTransactionResponse(*tx), http.StatusCreated)
}

func buildOrder(userID int64, req createOrderRequest) (models.Order, error) {
	side, err := models.ParseSide(req.Side)
	if err != nil {
		return models.Order{}, err
	}
	marketType, err := models.ParseMarketType(req.MarketType)
	if err != nil {
		return models.Order{}, err
	}
	txDate, err := utils.ParseDate(req.TransactionDate)
	if err != nil {
		return models.Order{}, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}

	return models.Order{
		UserID:          userID,
		Symbol:          req.Symbol,
		Broker:          req.Broker,
		MarketType:      marketType,
		Currency:        req.Currency,
		Side:            side,
		Quantity:        req.Quantity,
		Price:           decimal.NewFromFloat(req.Price),
		Commission:      floatPtrToDecimal(req.Commission),
		Tax:             floatPtrToDecimal(req.Tax),
		FxRate:          floatPtrToDecimal(req.FxRate),
		OrderID:         req.OrderID,
		TransactionDate: txDate,
		Notes:           req.Notes,
	}, nil
}

// HandleListTransactions returns the user's transaction log, newest first.
// An optional limit query parameter caps the row count.
func (h *OrderHandler) HandleListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required or user ID not found in context", http.StatusUnauthorized)
		return
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 0 {
			utils.SendJSONError(w, fmt.Sprintf("invalid limit %q", limitStr), http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	txs, err := h.repo.ListTransactions(r.Context(), userID, limit)
	if err != nil {
		respondError(w, err, "HandleListTransactions: listing transactions")
		return
	}

	response := make([]transactionResponse, 0, len(txs))
	for _, t := range txs {
		response = append(response, toTransactionResponse(t))
	}
	utils.WriteJSON(w, response, http.StatusOK)
}
