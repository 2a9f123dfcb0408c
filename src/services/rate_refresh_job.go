package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// CurrencySource lists the foreign currencies currently held somewhere, so
// the refresh job only warms rates anyone will actually ask for.
type CurrencySource interface {
	DistinctOverseasCurrencies(ctx context.Context) ([]string, error)
}

// RateRefreshJob warms the FX cache on a schedule so portfolio valuations
// rarely pay the upstream latency. Failures are logged and retried on the
// next tick; the job never blocks request handling.
type RateRefreshJob struct {
	fx         FXService
	currencies CurrencySource
	log        *slog.Logger
	cron       *cron.Cron
}

func NewRateRefreshJob(fx FXService, currencies CurrencySource, log *slog.Logger) *RateRefreshJob {
	return &RateRefreshJob{
		fx:         fx,
		currencies: currencies,
		log:        log,
		cron:       cron.New(),
	}
}

// Start warms the cache once immediately, then hourly.
func (j *RateRefreshJob) Start() error {
	if _, err := j.cron.AddFunc("@hourly", j.refresh); err != nil {
		return err
	}
	go j.refresh()
	j.cron.Start()
	j.log.Info("FX rate refresh job started", "schedule", "@hourly")
	return nil
}

func (j *RateRefreshJob) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.log.Info("FX rate refresh job stopped")
}

func (j *RateRefreshJob) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	currencies, err := j.currencies.DistinctOverseasCurrencies(ctx)
	if err != nil {
		j.log.Error("Could not list currencies for FX refresh", "error", err)
		return
	}
	for _, currency := range currencies {
		res, err := j.fx.GetRate(ctx, currency)
		if err != nil {
			j.log.Warn("FX refresh failed for currency", "currency", currency, "error", err)
			continue
		}
		j.log.Debug("FX rate refreshed", "currency", currency, "rate", res.Rate, "date", res.Date.Format("2006-01-02"))
	}
}
