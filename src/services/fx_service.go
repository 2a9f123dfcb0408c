package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"github.com/username/stockfolio/src/models"
	"github.com/username/stockfolio/src/utils"
)

// maxFxLookbackDays bounds the backward walk when a date has no published
// rate table (weekends, holidays, today before publication).
const maxFxLookbackDays = 7

// eximRate is one row of the daily exchange rate table. CurUnit is a currency
// code, sometimes with a unit suffix like "JPY(100)". DealBasR uses thousands
// separators.
type eximRate struct {
	Result   int    `json:"result"`
	CurUnit  string `json:"cur_unit"`
	DealBasR string `json:"deal_bas_r"`
}

// ExchangeRateService resolves rates from a daily published table, one HTTP
// call per date, cached per (currency, date).
type ExchangeRateService struct {
	baseURL string
	apiKey  string
	client  *http.Client
	cache   *cache.Cache
	log     *slog.Logger
}

func NewExchangeRateService(baseURL, apiKey string, cacheTTL time.Duration, log *slog.Logger) *ExchangeRateService {
	return &ExchangeRateService{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
		cache:   cache.New(cacheTTL, 2*cacheTTL),
		log:     log,
	}
}

func (s *ExchangeRateService) GetRate(ctx context.Context, currency string) (models.RateResult, error) {
	return s.GetHistoricalRate(ctx, currency, time.Now())
}

// GetHistoricalRate returns the rate published on date, or on the closest
// prior business day within the lookback window.
func (s *ExchangeRateService) GetHistoricalRate(ctx context.Context, currency string, date time.Time) (models.RateResult, error) {
	currency = strings.ToUpper(currency)
	day := date
	for i := 0; i <= maxFxLookbackDays; i++ {
		if !utils.IsWeekend(day) {
			rate, err := s.rateForDate(ctx, currency, day)
			if err == nil {
				return models.RateResult{Currency: currency, Rate: rate, Date: day}, nil
			}
			if !errors.Is(err, errNoTable) {
				return models.RateResult{}, err
			}
		}
		day = day.AddDate(0, 0, -1)
	}
	return models.RateResult{}, fmt.Errorf("%w: no %s rate published within %d days of %s",
		models.ErrUpstreamUnavailable, currency, maxFxLookbackDays, utils.FormatDate(date))
}

var errNoTable = errors.New("no rate table for date")

func (s *ExchangeRateService) rateForDate(ctx context.Context, currency string, date time.Time) (decimal.Decimal, error) {
	cacheKey := "fx:" + currency + ":" + utils.FormatDate(date)
	if cached, found := s.cache.Get(cacheKey); found {
		return cached.(decimal.Decimal), nil
	}

	table, err := s.fetchTable(ctx, date)
	if err != nil {
		return decimal.Zero, err
	}
	if len(table) == 0 {
		return decimal.Zero, fmt.Errorf("%w: %s", errNoTable, utils.FormatDate(date))
	}

	for _, row := range table {
		code, unit := parseCurUnit(row.CurUnit)
		if code != currency {
			continue
		}
		raw := strings.ReplaceAll(row.DealBasR, ",", "")
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: unparseable rate %q for %s: %v",
				models.ErrUpstreamUnavailable, row.DealBasR, currency, err)
		}
		if unit > 1 {
			rate = rate.Div(decimal.NewFromInt(unit))
		}
		s.cache.Set(cacheKey, rate, cache.DefaultExpiration)
		return rate, nil
	}
	return decimal.Zero, fmt.Errorf("%w: currency %s not in rate table for %s",
		models.ErrUpstreamUnavailable, currency, utils.FormatDate(date))
}

func (s *ExchangeRateService) fetchTable(ctx context.Context, date time.Time) ([]eximRate, error) {
	params := url.Values{}
	params.Set("authkey", s.apiKey)
	params.Set("searchdate", date.Format("20060102"))
	params.Set("data", "AP01")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building FX request: %v", models.ErrUpstreamUnavailable, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: FX request failed: %v", models.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: FX source returned status %d: %s",
			models.ErrUpstreamUnavailable, resp.StatusCode, string(body))
	}

	var table []eximRate
	if err := json.NewDecoder(resp.Body).Decode(&table); err != nil {
		return nil, fmt.Errorf("%w: decoding FX response: %v", models.ErrUpstreamUnavailable, err)
	}
	return table, nil
}

// parseCurUnit splits "JPY(100)" into ("JPY", 100); plain codes get unit 1.
func parseCurUnit(curUnit string) (string, int64) {
	open := strings.Index(curUnit, "(")
	if open < 0 {
		return curUnit, 1
	}
	code := curUnit[:open]
	end := strings.Index(curUnit, ")")
	if end <= open+1 {
		return code, 1
	}
	var unit int64
	if _, err := fmt.Sscanf(curUnit[open+1:end], "%d", &unit); err != nil || unit <= 0 {
		return code, 1
	}
	return code, unit
}
