package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/stockfolio/src/models"
)

func newQuoteTestServer(t *testing.T, tokenHits *int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/oauth2/tokenP":
			if tokenHits != nil {
				*tokenHits++
			}
			fmt.Fprint(w, `{"access_token":"test-token","expires_in":86400}`)
		case "/uapi/domestic-stock/v1/quotations/inquire-price":
			assert.Equal(t, "Bearer test-token", r.Header.Get("authorization"))
			assert.Equal(t, "FHKST01010100", r.Header.Get("tr_id"))
			fmt.Fprint(w, `{"rt_cd":"0","msg1":"ok","output":{
				"stck_prpr":"71,500","stck_sdpr":"70,000","prdy_vrss":"1,500",
				"prdy_ctrt":"2.14","acml_vol":"12,345,678"}}`)
		case "/uapi/overseas-price/v1/quotations/price":
			fmt.Fprint(w, `{"rt_cd":"0","msg1":"ok","output":{
				"last":"172.5","base":"170.0","diff":"2.5","rate":"1.47","tvol":"40000000"}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestQuoteService(t *testing.T, server *httptest.Server) *BrokerQuoteService {
	t.Helper()
	return NewBrokerQuoteService(server.URL, "app-key", "app-secret", "KRW",
		5*time.Second, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestGetQuote_Domestic(t *testing.T) {
	server := newQuoteTestServer(t, nil)
	service := newTestQuoteService(t, server)

	quote, err := service.GetQuote(context.Background(), "005930", models.MarketDomestic)
	require.NoError(t, err)

	assert.Equal(t, "005930", quote.Symbol)
	assert.Equal(t, "KRW", quote.Currency)
	assert.True(t, quote.CurrentPrice.Equal(decimal.RequireFromString("71500")), "got %s", quote.CurrentPrice)
	assert.True(t, quote.PreviousClose.Equal(decimal.RequireFromString("70000")))
	assert.True(t, quote.DayChange.Equal(decimal.RequireFromString("1500")))
	assert.EqualValues(t, 12345678, quote.Volume)
	assert.False(t, quote.Stale())
}

func TestGetQuote_Overseas(t *testing.T) {
	server := newQuoteTestServer(t, nil)
	service := newTestQuoteService(t, server)

	quote, err := service.GetQuote(context.Background(), "AAPL", models.MarketOverseas)
	require.NoError(t, err)

	assert.Equal(t, "USD", quote.Currency)
	assert.True(t, quote.CurrentPrice.Equal(decimal.RequireFromString("172.5")))
	assert.True(t, quote.PreviousClose.Equal(decimal.RequireFromString("170")))
	assert.EqualValues(t, 40000000, quote.Volume)
}

func TestGetQuote_TokenIsReused(t *testing.T) {
	tokenHits := 0
	server := newQuoteTestServer(t, &tokenHits)
	service := newTestQuoteService(t, server)
	ctx := context.Background()

	_, err := service.GetQuote(ctx, "005930", models.MarketDomestic)
	require.NoError(t, err)
	_, err = service.GetQuote(ctx, "000660", models.MarketDomestic)
	require.NoError(t, err)

	assert.Equal(t, 1, tokenHits, "token must be fetched once and reused until expiry")
}

func TestGetQuote_CachesResult(t *testing.T) {
	server := newQuoteTestServer(t, nil)
	service := newTestQuoteService(t, server)
	ctx := context.Background()

	first, err := service.GetQuote(ctx, "005930", models.MarketDomestic)
	require.NoError(t, err)
	server.Close()

	second, err := service.GetQuote(ctx, "005930", models.MarketDomestic)
	require.NoError(t, err, "cached quote must not need the upstream")
	assert.True(t, first.CurrentPrice.Equal(second.CurrentPrice))
}

func TestGetQuote_UpstreamRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/oauth2/tokenP" {
			fmt.Fprint(w, `{"access_token":"test-token","expires_in":86400}`)
			return
		}
		fmt.Fprint(w, `{"rt_cd":"1","msg1":"no such symbol","output":{}}`)
	}))
	t.Cleanup(server.Close)
	service := newTestQuoteService(t, server)

	_, err := service.GetQuote(context.Background(), "NOPE", models.MarketDomestic)
	assert.ErrorIs(t, err, models.ErrUpstreamUnavailable)
}
