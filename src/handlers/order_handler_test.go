package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/stockfolio/src/database"
	"github.com/username/stockfolio/src/fees"
	"github.com/username/stockfolio/src/ledger"
	"github.com/username/stockfolio/src/logger"
	"github.com/username/stockfolio/src/models"
	_ "modernc.org/sqlite"
)

func TestMain(m *testing.M) {
	logger.L = slog.New(slog.NewTextHandler(io.Discard, nil))
	m.Run()
}

type stubRates struct{}

func (stubRates) GetHistoricalRate(ctx context.Context, currency string, date time.Time) (models.RateResult, error) {
	return models.RateResult{Currency: currency, Rate: decimal.NewFromInt(1350), Date: date}, nil
}

func newTestOrderHandler(t *testing.T) (*OrderHandler, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, database.EnsureSchema(db))
	t.Cleanup(func() { db.Close() })

	repo := ledger.NewRepository(db)
	calc := fees.NewCalculator(fees.NewScheduleRepository(db), logger.L)
	engine := ledger.NewEngine(repo, calc, stubRates{}, "KRW", decimal.NewFromInt(1400), logger.L)
	return NewOrderHandler(engine, repo), db
}

func authedRequest(method, target, body string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	ctx := context.WithValue(req.Context(), userIDContextKey, int64(1))
	return req.WithContext(ctx)
}

func TestHandleCreateOrder_Success(t *testing.T) {
	handler, _ := newTestOrderHandler(t)

	body := `{"symbol":"005930","broker":"kiwoom","market_type":"DOMESTIC","currency":"KRW",
		"side":"BUY","quantity":10,"price":70000,"transaction_date":"2025-03-14"}`
	rec := httptest.NewRecorder()
	handler.HandleCreateOrder(rec, authedRequest(http.MethodPost, "/api/orders", body))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "005930", resp["symbol"])
	assert.Equal(t, "BUY", resp["side"])
	assert.NotEmpty(t, resp["order_id"])
	assert.Equal(t, float64(1), resp["fx_rate"])
}

func TestHandleCreateOrder_ValidationError(t *testing.T) {
	handler, _ := newTestOrderHandler(t)

	body := `{"symbol":"005930","broker":"kiwoom","market_type":"DOMESTIC","currency":"KRW",
		"side":"BUY","quantity":0,"price":70000,"transaction_date":"2025-03-14"}`
	rec := httptest.NewRecorder()
	handler.HandleCreateOrder(rec, authedRequest(http.MethodPost, "/api/orders", body))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCreateOrder_InsufficientPositionMapsToConflict(t *testing.T) {
	handler, _ := newTestOrderHandler(t)

	body := `{"symbol":"005930","broker":"kiwoom","market_type":"DOMESTIC","currency":"KRW",
		"side":"SELL","quantity":10,"price":70000,"transaction_date":"2025-03-14"}`
	rec := httptest.NewRecorder()
	handler.HandleCreateOrder(rec, authedRequest(http.MethodPost, "/api/orders", body))

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleCreateOrder_MissingAuth(t *testing.T) {
	handler, _ := newTestOrderHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	handler.HandleCreateOrder(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleListTransactions(t *testing.T) {
	handler, _ := newTestOrderHandler(t)

	for _, date := range []string{"2025-03-14", "2025-03-15"} {
		body := fmt.Sprintf(`{"symbol":"005930","broker":"kiwoom","market_type":"DOMESTIC",
			"currency":"KRW","side":"BUY","quantity":10,"price":70000,"transaction_date":"%s"}`, date)
		rec := httptest.NewRecorder()
		handler.HandleCreateOrder(rec, authedRequest(http.MethodPost, "/api/orders", body))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := httptest.NewRecorder()
	handler.HandleListTransactions(rec, authedRequest(http.MethodGet, "/api/transactions?limit=1", ""))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "2025-03-15", resp[0]["transaction_date"])
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{models.ErrValidation, http.StatusBadRequest},
		{models.ErrInsufficientPosition, http.StatusConflict},
		{models.ErrConcurrencyConflict, http.StatusServiceUnavailable},
		{models.ErrUpstreamUnavailable, http.StatusBadGateway},
		{models.ErrPersistence, http.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", models.ErrValidation), http.StatusBadRequest},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, statusForError(tt.err), tt.err.Error())
	}
}
