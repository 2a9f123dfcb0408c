// Package fees computes broker commission and transaction tax for an order.
// The calculation is deterministic given the schedule table, so ledger
// outcomes stay independently testable.
package fees

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/username/stockfolio/src/models"
)

// Defaults applied when a broker has no configured schedule: 0.015%
// commission on either side; 0.23% transaction tax on domestic sells.
var (
	defaultCommissionRate      = decimal.RequireFromString("0.00015")
	defaultDomesticSellTaxRate = decimal.RequireFromString("0.0023")
)

// ScheduleSource is the lookup contract the calculator depends on.
type ScheduleSource interface {
	Get(ctx context.Context, broker string, marketType models.MarketType, side models.Side) (*models.FeeSchedule, error)
}

type Calculator struct {
	schedules ScheduleSource
	log       *slog.Logger
}

func NewCalculator(schedules ScheduleSource, log *slog.Logger) *Calculator {
	return &Calculator{schedules: schedules, log: log}
}

// Calculate returns the commission and tax for a gross trade amount.
// Tax applies only to SELL orders; the schedule's min/max clamp applies to
// the commission only. Amounts are quantized to 2 decimal places.
func (c *Calculator) Calculate(ctx context.Context, broker string, marketType models.MarketType, side models.Side, grossAmount decimal.Decimal) (models.Fees, error) {
	schedule, err := c.schedules.Get(ctx, broker, marketType, side)
	if err != nil {
		return models.Fees{}, err
	}

	commissionRate := defaultCommissionRate
	taxRate := decimal.Zero
	if side == models.SideSell && marketType == models.MarketDomestic {
		taxRate = defaultDomesticSellTaxRate
	}

	var minFee, maxFee *decimal.Decimal
	if schedule != nil {
		commissionRate = schedule.Rate
		if side == models.SideSell {
			taxRate = schedule.TaxRate
		}
		minFee = schedule.MinFee
		maxFee = schedule.MaxFee
	} else {
		c.log.Debug("No fee schedule configured, using defaults",
			"broker", broker, "marketType", string(marketType), "side", string(side))
	}

	commission := grossAmount.Mul(commissionRate)
	if minFee != nil && commission.LessThan(*minFee) {
		commission = *minFee
	}
	if maxFee != nil && commission.GreaterThan(*maxFee) {
		commission = *maxFee
	}

	tax := decimal.Zero
	if side == models.SideSell {
		tax = grossAmount.Mul(taxRate)
	}

	return models.Fees{
		Commission: commission.Round(2),
		Tax:        tax.Round(2),
	}, nil
}
