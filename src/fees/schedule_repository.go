package fees

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/username/stockfolio/src/models"
)

// ScheduleRepository reads broker fee schedules from the broker_fees table.
type ScheduleRepository struct {
	db *sql.DB
}

func NewScheduleRepository(db *sql.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

// Get returns the active schedule for (broker, marketType, side), or
// (nil, nil) when no schedule is configured.
func (r *ScheduleRepository) Get(ctx context.Context, broker string, marketType models.MarketType, side models.Side) (*models.FeeSchedule, error) {
	query := `SELECT broker, market_type, side, fee_rate, tax_rate, min_fee, max_fee
		FROM broker_fees
		WHERE broker = ? AND market_type = ? AND side = ? AND active = TRUE`

	row := r.db.QueryRowContext(ctx, query, broker, string(marketType), string(side))

	var s models.FeeSchedule
	var mt, sd, feeRate, taxRate string
	var minFee, maxFee sql.NullString
	err := row.Scan(&s.Broker, &mt, &sd, &feeRate, &taxRate, &minFee, &maxFee)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: querying broker fees: %v", models.ErrFeeSchedule, err)
	}

	s.MarketType = models.MarketType(mt)
	s.Side = models.Side(sd)
	if s.Rate, err = decimal.NewFromString(feeRate); err != nil {
		return nil, fmt.Errorf("%w: invalid fee_rate %q for broker %s: %v", models.ErrFeeSchedule, feeRate, broker, err)
	}
	if s.TaxRate, err = decimal.NewFromString(taxRate); err != nil {
		return nil, fmt.Errorf("%w: invalid tax_rate %q for broker %s: %v", models.ErrFeeSchedule, taxRate, broker, err)
	}
	if minFee.Valid {
		d, err := decimal.NewFromString(minFee.String)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid min_fee %q for broker %s: %v", models.ErrFeeSchedule, minFee.String, broker, err)
		}
		s.MinFee = &d
	}
	if maxFee.Valid {
		d, err := decimal.NewFromString(maxFee.String)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid max_fee %q for broker %s: %v", models.ErrFeeSchedule, maxFee.String, broker, err)
		}
		s.MaxFee = &d
	}

	return &s, nil
}

// Upsert inserts or replaces a broker fee schedule row.
func (r *ScheduleRepository) Upsert(ctx context.Context, s models.FeeSchedule) error {
	var minFee, maxFee interface{}
	if s.MinFee != nil {
		minFee = s.MinFee.String()
	}
	if s.MaxFee != nil {
		maxFee = s.MaxFee.String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO broker_fees (broker, market_type, side, fee_rate, tax_rate, min_fee, max_fee, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, TRUE)
		ON CONFLICT(broker, market_type, side) DO UPDATE SET
			fee_rate = excluded.fee_rate,
			tax_rate = excluded.tax_rate,
			min_fee = excluded.min_fee,
			max_fee = excluded.max_fee,
			active = TRUE`,
		s.Broker, string(s.MarketType), string(s.Side), s.Rate.String(), s.TaxRate.String(), minFee, maxFee)
	if err != nil {
		return fmt.Errorf("%w: upserting broker fees: %v", models.ErrFeeSchedule, err)
	}
	return nil
}
