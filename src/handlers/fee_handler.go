package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/username/stockfolio/src/fees"
	"github.com/username/stockfolio/src/logger"
	"github.com/username/stockfolio/src/models"
	"github.com/username/stockfolio/src/utils"
)

type FeeHandler struct {
	calculator *fees.Calculator
	schedules  *fees.ScheduleRepository
}

func NewFeeHandler(calculator *fees.Calculator, schedules *fees.ScheduleRepository) *FeeHandler {
	return &FeeHandler{
		calculator: calculator,
		schedules:  schedules,
	}
}

type feePreviewResponse struct {
	Broker     string  `json:"broker"`
	MarketType string  `json:"market_type"`
	Side       string  `json:"side"`
	Amount     float64 `json:"amount"`
	Commission float64 `json:"commission"`
	Tax        float64 `json:"tax"`
	Total      float64 `json:"total"`
}

// HandleGetFeePreview computes the commission and tax a hypothetical order
// would incur. Query parameters: broker, market_type, side, amount.
func (h *FeeHandler) HandleGetFeePreview(w http.ResponseWriter, r *http.Request) {
	if _, ok := GetUserIDFromContext(r.Context()); !ok {
		utils.SendJSONError(w, "authentication required or user ID not found in context", http.StatusUnauthorized)
		return
	}

	query := r.URL.Query()
	broker := query.Get("broker")
	if broker == "" {
		utils.SendJSONError(w, "broker query parameter is required", http.StatusBadRequest)
		return
	}
	marketType, err := models.ParseMarketType(query.Get("market_type"))
	if err != nil {
		respondError(w, err, "HandleGetFeePreview: invalid market type")
		return
	}
	side, err := models.ParseSide(query.Get("side"))
	if err != nil {
		respondError(w, err, "HandleGetFeePreview: invalid side")
		return
	}
	amount, err := strconv.ParseFloat(query.Get("amount"), 64)
	if err != nil || amount <= 0 {
		utils.SendJSONError(w, fmt.Sprintf("invalid amount %q", query.Get("amount")), http.StatusBadRequest)
		return
	}

	computed, err := h.calculator.Calculate(r.Context(), broker, marketType, side, decimal.NewFromFloat(amount))
	if err != nil {
		respondError(w, err, "HandleGetFeePreview: calculating fees")
		return
	}

	utils.WriteJSON(w, feePreviewResponse{
		Broker:     broker,
		MarketType: string(marketType),
		Side:       string(side),
		Amount:     amount,
		Commission: computed.Commission.InexactFloat64(),
		Tax:        computed.Tax.InexactFloat64(),
		Total:      computed.Total().InexactFloat64(),
	}, http.StatusOK)
}

type upsertScheduleRequest struct {
	Broker     string   `json:"broker"`
	MarketType string   `json:"market_type"`
	Side       string   `json:"side"`
	Rate       float64  `json:"rate"`
	TaxRate    float64  `json:"tax_rate"`
	MinFee     *float64 `json:"min_fee,omitempty"`
	MaxFee     *float64 `json:"max_fee,omitempty"`
}

// HandleUpsertSchedule creates or replaces one broker fee schedule.
func (h *FeeHandler) HandleUpsertSchedule(w http.ResponseWriter, r *http.Request) {
	if _, ok := GetUserIDFromContext(r.Context()); !ok {
		utils.SendJSONError(w, "authentication required or user ID not found in context", http.StatusUnauthorized)
		return
	}

	var req upsertScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.SendJSONError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if req.Broker == "" {
		utils.SendJSONError(w, "broker is required", http.StatusBadRequest)
		return
	}
	marketType, err := models.ParseMarketType(req.MarketType)
	if err != nil {
		respondError(w, err, "HandleUpsertSchedule: invalid market type")
		return
	}
	side, err := models.ParseSide(req.Side)
	if err != nil {
		respondError(w, err, "HandleUpsertSchedule: invalid side")
		return
	}
	if req.Rate < 0 || req.TaxRate < 0 {
		utils.SendJSONError(w, "rates cannot be negative", http.StatusBadRequest)
		return
	}

	schedule := models.FeeSchedule{
		Broker:     req.Broker,
		MarketType: marketType,
		Side:       side,
		Rate:       decimal.NewFromFloat(req.Rate),
		TaxRate:    decimal.NewFromFloat(req.TaxRate),
		MinFee:     floatPtrToDecimal(req.MinFee),
		MaxFee:     floatPtrToDecimal(req.MaxFee),
	}
	if err := h.schedules.Upsert(r.Context(), schedule); err != nil {
		respondError(w, err, "HandleUpsertSchedule: saving schedule")
		return
	}

	logger.L.Info("Broker fee schedule saved",
		"broker", req.Broker, "marketType", string(marketType), "side", string(side))
	utils.WriteJSON(w, map[string]string{"status": "saved"}, http.StatusOK)
}
