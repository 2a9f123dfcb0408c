package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"github.com/username/stockfolio/src/models"
	"github.com/username/stockfolio/src/utils"
)

// tokenExpiryMargin refreshes the access token slightly before the broker
// says it expires, so an in-flight request never carries a dead token.
const tokenExpiryMargin = 5 * time.Minute

// BrokerQuoteService talks to a broker market data API that authenticates
// with an app key/secret pair exchanged for a bearer token. Domestic and
// overseas instruments use different endpoints and response shapes.
type BrokerQuoteService struct {
	baseURL      string
	appKey       string
	appSecret    string
	homeCurrency string
	client       *http.Client
	cache        *cache.Cache
	log          *slog.Logger

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewBrokerQuoteService(baseURL, appKey, appSecret, homeCurrency string, timeout, cacheTTL time.Duration, log *slog.Logger) *BrokerQuoteService {
	return &BrokerQuoteService{
		baseURL:      baseURL,
		appKey:       appKey,
		appSecret:    appSecret,
		homeCurrency: homeCurrency,
		client:       &http.Client{Timeout: timeout},
		cache:        cache.New(cacheTTL, 2*cacheTTL),
		log:          log,
	}
}

func (s *BrokerQuoteService) GetQuote(ctx context.Context, symbol string, marketType models.MarketType) (models.Quote, error) {
	cacheKey := "quote:" + string(marketType) + ":" + symbol
	if cached, found := s.cache.Get(cacheKey); found {
		return cached.(models.Quote), nil
	}

	var quote models.Quote
	var err error
	if marketType == models.MarketDomestic {
		quote, err = s.fetchDomesticQuote(ctx, symbol)
	} else {
		quote, err = s.fetchOverseasQuote(ctx, symbol)
	}
	if err != nil {
		return models.Quote{}, err
	}

	s.cache.Set(cacheKey, quote, cache.DefaultExpiration)
	return quote, nil
}

// GetHistoricalQuote returns the session snapshot for one calendar date from
// the daily candle endpoint. Dates without a session yield an error.
func (s *BrokerQuoteService) GetHistoricalQuote(ctx context.Context, symbol string, marketType models.MarketType, date time.Time) (models.Quote, error) {
	cacheKey := "hquote:" + string(marketType) + ":" + symbol + ":" + utils.FormatDate(date)
	if cached, found := s.cache.Get(cacheKey); found {
		return cached.(models.Quote), nil
	}

	var quote models.Quote
	var err error
	if marketType == models.MarketDomestic {
		quote, err = s.fetchDomesticDaily(ctx, symbol, date)
	} else {
		quote, err = s.fetchOverseasDaily(ctx, symbol, date)
	}
	if err != nil {
		return models.Quote{}, err
	}

	s.cache.Set(cacheKey, quote, cache.DefaultExpiration)
	return quote, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (s *BrokerQuoteService) token(ctx context.Context) (string, error) {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()

	if s.accessToken != "" && time.Now().Add(tokenExpiryMargin).Before(s.tokenExpiry) {
		return s.accessToken, nil
	}

	payload, err := json.Marshal(map[string]string{
		"grant_type": "client_credentials",
		"appkey":     s.appKey,
		"appsecret":  s.appSecret,
	})
	if err != nil {
		return "", fmt.Errorf("%w: building token request: %v", models.ErrUpstreamUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/oauth2/tokenP", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: building token request: %v", models.ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token request failed: %v", models.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: token endpoint returned status %d: %s",
			models.ErrUpstreamUnavailable, resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("%w: decoding token response: %v", models.ErrUpstreamUnavailable, err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("%w: token endpoint returned empty token", models.ErrUpstreamUnavailable)
	}

	s.accessToken = tr.AccessToken
	s.tokenExpiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	s.log.Info("Refreshed quote API access token", "expiresIn", tr.ExpiresIn)
	return s.accessToken, nil
}

func (s *BrokerQuoteService) apiGet(ctx context.Context, path, trID string, params url.Values, out interface{}) error {
	token, err := s.token(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%w: building quote request: %v", models.ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("authorization", "Bearer "+token)
	req.Header.Set("appkey", s.appKey)
	req.Header.Set("appsecret", s.appSecret)
	req.Header.Set("tr_id", trID)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: quote request failed: %v", models.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: quote endpoint %s returned status %d: %s",
			models.ErrUpstreamUnavailable, path, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding quote response: %v", models.ErrUpstreamUnavailable, err)
	}
	return nil
}

type domesticQuoteResponse struct {
	RtCd   string `json:"rt_cd"`
	Msg    string `json:"msg1"`
	Output struct {
		CurrentPrice  string `json:"stck_prpr"`
		PreviousClose string `json:"stck_sdpr"`
		DayChange     string `json:"prdy_vrss"`
		DayChangeRate string `json:"prdy_ctrt"`
		Volume        string `json:"acml_vol"`
	} `json:"output"`
}

func (s *BrokerQuoteService) fetchDomesticQuote(ctx context.Context, symbol string) (models.Quote, error) {
	params := url.Values{}
	params.Set("FID_COND_MRKT_DIV_CODE", "J")
	params.Set("FID_INPUT_ISCD", symbol)

	var dr domesticQuoteResponse
	if err := s.apiGet(ctx, "/uapi/domestic-stock/v1/quotations/inquire-price", "FHKST01010100", params, &dr); err != nil {
		return models.Quote{}, err
	}
	if dr.RtCd != "0" {
		return models.Quote{}, fmt.Errorf("%w: quote source rejected %s: %s",
			models.ErrUpstreamUnavailable, symbol, dr.Msg)
	}

	return buildQuote(symbol, models.MarketDomestic, s.homeCurrency, time.Now(),
		dr.Output.CurrentPrice, dr.Output.PreviousClose, dr.Output.DayChange,
		dr.Output.DayChangeRate, dr.Output.Volume)
}

type overseasQuoteResponse struct {
	RtCd   string `json:"rt_cd"`
	Msg    string `json:"msg1"`
	Output struct {
		Last          string `json:"last"`
		PreviousClose string `json:"base"`
		Diff          string `json:"diff"`
		Rate          string `json:"rate"`
		Volume        string `json:"tvol"`
	} `json:"output"`
}

// overseasExchangeCodes is tried in order when locating an overseas listing.
var overseasExchangeCodes = []string{"NAS", "NYS", "AMS"}

func (s *BrokerQuoteService) fetchOverseasQuote(ctx context.Context, symbol string) (models.Quote, error) {
	var lastErr error
	for _, excd := range overseasExchangeCodes {
		params := url.Values{}
		params.Set("AUTH", "")
		params.Set("EXCD", excd)
		params.Set("SYMB", symbol)

		var or overseasQuoteResponse
		if err := s.apiGet(ctx, "/uapi/overseas-price/v1/quotations/price", "HHDFS00000300", params, &or); err != nil {
			lastErr = err
			continue
		}
		if or.RtCd != "0" || or.Output.Last == "" {
			lastErr = fmt.Errorf("%w: quote source rejected %s on %s: %s",
				models.ErrUpstreamUnavailable, symbol, excd, or.Msg)
			continue
		}
		return buildQuote(symbol, models.MarketOverseas, "USD", time.Now(),
			or.Output.Last, or.Output.PreviousClose, or.Output.Diff,
			or.Output.Rate, or.Output.Volume)
	}
	return models.Quote{}, lastErr
}

type domesticDailyResponse struct {
	RtCd   string `json:"rt_cd"`
	Msg    string `json:"msg1"`
	Output []struct {
		Date          string `json:"stck_bsop_date"`
		ClosePrice    string `json:"stck_clpr"`
		DayChange     string `json:"prdy_vrss"`
		DayChangeRate string `json:"prdy_ctrt"`
		Volume        string `json:"acml_vol"`
	} `json:"output"`
}

func (s *BrokerQuoteService) fetchDomesticDaily(ctx context.Context, symbol string, date time.Time) (models.Quote, error) {
	params := url.Values{}
	params.Set("FID_COND_MRKT_DIV_CODE", "J")
	params.Set("FID_INPUT_ISCD", symbol)
	params.Set("FID_PERIOD_DIV_CODE", "D")
	params.Set("FID_ORG_ADJ_PRC", "0")

	var dr domesticDailyResponse
	if err := s.apiGet(ctx, "/uapi/domestic-stock/v1/quotations/inquire-daily-price", "FHKST01010400", params, &dr); err != nil {
		return models.Quote{}, err
	}
	if dr.RtCd != "0" {
		return models.Quote{}, fmt.Errorf("%w: daily quote source rejected %s: %s",
			models.ErrUpstreamUnavailable, symbol, dr.Msg)
	}

	want := date.Format("20060102")
	for _, day := range dr.Output {
		if day.Date != want {
			continue
		}
		closePrice, err := parsePrice(day.ClosePrice)
		if err != nil {
			return models.Quote{}, err
		}
		change, err := parsePrice(day.DayChange)
		if err != nil {
			return models.Quote{}, err
		}
		return buildQuote(symbol, models.MarketDomestic, s.homeCurrency, date,
			day.ClosePrice, closePrice.Sub(change).String(), day.DayChange,
			day.DayChangeRate, day.Volume)
	}
	return models.Quote{}, fmt.Errorf("%w: no session for %s on %s",
		models.ErrUpstreamUnavailable, symbol, utils.FormatDate(date))
}

type overseasDailyResponse struct {
	RtCd    string `json:"rt_cd"`
	Msg     string `json:"msg1"`
	Output2 []struct {
		Date       string `json:"xymd"`
		ClosePrice string `json:"clos"`
		Diff       string `json:"diff"`
		Rate       string `json:"rate"`
		Volume     string `json:"tvol"`
	} `json:"output2"`
}

func (s *BrokerQuoteService) fetchOverseasDaily(ctx context.Context, symbol string, date time.Time) (models.Quote, error) {
	var lastErr error
	for _, excd := range overseasExchangeCodes {
		params := url.Values{}
		params.Set("AUTH", "")
		params.Set("EXCD", excd)
		params.Set("SYMB", symbol)
		params.Set("GUBN", "0")
		params.Set("BYMD", date.Format("20060102"))
		params.Set("MODP", "0")

		var or overseasDailyResponse
		if err := s.apiGet(ctx, "/uapi/overseas-price/v1/quotations/dailyprice", "HHDFS76240000", params, &or); err != nil {
			lastErr = err
			continue
		}
		if or.RtCd != "0" || len(or.Output2) == 0 {
			lastErr = fmt.Errorf("%w: no daily data for %s on %s: %s",
				models.ErrUpstreamUnavailable, symbol, excd, or.Msg)
			continue
		}

		want := date.Format("20060102")
		for _, day := range or.Output2 {
			if day.Date != want {
				continue
			}
			closePrice, err := parsePrice(day.ClosePrice)
			if err != nil {
				return models.Quote{}, err
			}
			change, err := parsePrice(day.Diff)
			if err != nil {
				return models.Quote{}, err
			}
			return buildQuote(symbol, models.MarketOverseas, "USD", date,
				day.ClosePrice, closePrice.Sub(change).String(), day.Diff,
				day.Rate, day.Volume)
		}
		lastErr = fmt.Errorf("%w: no session for %s on %s",
			models.ErrUpstreamUnavailable, symbol, utils.FormatDate(date))
	}
	return models.Quote{}, lastErr
}

func buildQuote(symbol string, marketType models.MarketType, currency string, asOf time.Time,
	current, prevClose, change, changeRate, volume string) (models.Quote, error) {
	q := models.Quote{
		Symbol:     symbol,
		MarketType: marketType,
		Currency:   currency,
		AsOf:       asOf,
	}
	var err error
	if q.CurrentPrice, err = parsePrice(current); err != nil {
		return models.Quote{}, err
	}
	if q.PreviousClose, err = parsePrice(prevClose); err != nil {
		return models.Quote{}, err
	}
	if q.DayChange, err = parsePrice(change); err != nil {
		return models.Quote{}, err
	}
	if q.DailyReturnRate, err = parsePrice(changeRate); err != nil {
		return models.Quote{}, err
	}
	if volume != "" {
		if q.Volume, err = strconv.ParseInt(strings.ReplaceAll(volume, ",", ""), 10, 64); err != nil {
			return models.Quote{}, fmt.Errorf("%w: unparseable volume %q for %s: %v",
				models.ErrUpstreamUnavailable, volume, symbol, err)
		}
	}
	return q, nil
}

func parsePrice(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", ""))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: unparseable price %q: %v", models.ErrUpstreamUnavailable, s, err)
	}
	return d, nil
}
