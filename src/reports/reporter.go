// Package reports reconstructs realized profit history from the transaction
// log. Reports are derived on demand; nothing here is stored separately.
package reports

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/stockfolio/src/models"
)

// Filter narrows a realized profit report. All fields are optional and
// combine with AND. Zero time values mean an open-ended range.
type Filter struct {
	MarketType models.MarketType
	Broker     string
	Symbol     string
	From       time.Time
	To         time.Time
}

func (f Filter) Validate() error {
	if f.MarketType != "" && !f.MarketType.Valid() {
		return fmt.Errorf("%w: invalid market type %q", models.ErrValidation, string(f.MarketType))
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.From.After(f.To) {
		return fmt.Errorf("%w: from date %s is after to date %s",
			models.ErrValidation, f.From.Format("2006-01-02"), f.To.Format("2006-01-02"))
	}
	return nil
}

// Row is one realized sale. Home-currency profit uses the transaction's own
// FX snapshot, never a current rate.
type Row struct {
	TransactionID          int64
	Symbol                 string
	Broker                 string
	MarketType             models.MarketType
	Currency               string
	Quantity               int64
	Price                  decimal.Decimal
	AvgCostAtTransaction   decimal.Decimal
	RealizedProfitPerShare decimal.Decimal
	RealizedProfit         decimal.Decimal
	RealizedProfitHome     decimal.Decimal
	RealizedProfitPercent  decimal.Decimal
	FxRate                 decimal.Decimal
	FxSource               models.FxSource
	TransactionDate        time.Time
}

// Report is the filtered sale history plus totals and the distinct-value
// indexes that drive filter pickers.
type Report struct {
	Rows []Row

	TotalRealizedProfitHome decimal.Decimal
	SaleCount               int

	// Symbols and Brokers list every value with at least one realized sale
	// for the user, ignoring the active filter.
	Symbols []string
	Brokers []string
}

// Reporter reads SELL rows straight from the transaction log.
type Reporter struct {
	db  *sql.DB
	log *slog.Logger
}

func NewReporter(db *sql.DB, log *slog.Logger) *Reporter {
	return &Reporter{db: db, log: log}
}

// RealizedProfits builds the report for one user under the given filter.
func (r *Reporter) RealizedProfits(ctx context.Context, userID int64, filter Filter) (*Report, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	query := `SELECT id, symbol, broker, market_type, currency, quantity, price,
			avg_cost_at_transaction, realized_profit_per_share, total_realized_profit,
			fx_rate, fx_source, transaction_date
		FROM transactions
		WHERE user_id = ? AND side = ? AND total_realized_profit IS NOT NULL`
	args := []interface{}{userID, string(models.SideSell)}

	if filter.MarketType != "" {
		query += " AND market_type = ?"
		args = append(args, string(filter.MarketType))
	}
	if filter.Broker != "" {
		query += " AND broker = ?"
		args = append(args, filter.Broker)
	}
	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if !filter.From.IsZero() {
		query += " AND transaction_date >= ?"
		args = append(args, filter.From)
	}
	if !filter.To.IsZero() {
		query += " AND transaction_date <= ?"
		args = append(args, filter.To)
	}
	query += " ORDER BY transaction_date DESC, id DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: querying realized sales: %v", models.ErrPersistence, err)
	}
	defer rows.Close()

	report := &Report{TotalRealizedProfitHome: decimal.Zero}
	for rows.Next() {
		row, err := scanReportRow(rows)
		if err != nil {
			return nil, err
		}
		report.Rows = append(report.Rows, row)
		report.TotalRealizedProfitHome = report.TotalRealizedProfitHome.Add(row.RealizedProfitHome)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating realized sales: %v", models.ErrPersistence, err)
	}
	report.SaleCount = len(report.Rows)

	if report.Symbols, err = r.distinctValues(ctx, userID, "symbol"); err != nil {
		return nil, err
	}
	if report.Brokers, err = r.distinctValues(ctx, userID, "broker"); err != nil {
		return nil, err
	}
	return report, nil
}

func scanReportRow(rows *sql.Rows) (Row, error) {
	var row Row
	var mt, price, avgCost, perShare, total, fxRate, fxSource string

	err := rows.Scan(&row.TransactionID, &row.Symbol, &row.Broker, &mt, &row.Currency,
		&row.Quantity, &price, &avgCost, &perShare, &total, &fxRate, &fxSource,
		&row.TransactionDate)
	if err != nil {
		return Row{}, fmt.Errorf("%w: scanning realized sale row: %v", models.ErrPersistence, err)
	}

	row.MarketType = models.MarketType(mt)
	row.FxSource = models.FxSource(fxSource)
	if row.Price, err = decimal.NewFromString(price); err != nil {
		return Row{}, fmt.Errorf("%w: invalid price %q: %v", models.ErrPersistence, price, err)
	}
	if row.AvgCostAtTransaction, err = decimal.NewFromString(avgCost); err != nil {
		return Row{}, fmt.Errorf("%w: invalid avg cost %q: %v", models.ErrPersistence, avgCost, err)
	}
	if row.RealizedProfitPerShare, err = decimal.NewFromString(perShare); err != nil {
		return Row{}, fmt.Errorf("%w: invalid per-share profit %q: %v", models.ErrPersistence, perShare, err)
	}
	if row.RealizedProfit, err = decimal.NewFromString(total); err != nil {
		return Row{}, fmt.Errorf("%w: invalid total profit %q: %v", models.ErrPersistence, total, err)
	}
	if row.FxRate, err = decimal.NewFromString(fxRate); err != nil {
		return Row{}, fmt.Errorf("%w: invalid fx rate %q: %v", models.ErrPersistence, fxRate, err)
	}

	row.RealizedProfitHome = row.RealizedProfit.Mul(row.FxRate)
	if row.AvgCostAtTransaction.IsPositive() {
		row.RealizedProfitPercent = row.RealizedProfitPerShare.
			Div(row.AvgCostAtTransaction).
			Mul(decimal.NewFromInt(100))
	}
	return row, nil
}

// distinctValues lists the column values having at least one realized sale,
// unaffected by the report's filter.
func (r *Reporter) distinctValues(ctx context.Context, userID int64, column string) ([]string, error) {
	// column is one of two compile-time constants, never user input.
	query := fmt.Sprintf(`SELECT DISTINCT %s FROM transactions
		WHERE user_id = ? AND side = ? AND total_realized_profit IS NOT NULL
		ORDER BY %s ASC`, column, column)

	rows, err := r.db.QueryContext(ctx, query, userID, string(models.SideSell))
	if err != nil {
		return nil, fmt.Errorf("%w: listing distinct %ss: %v", models.ErrPersistence, column, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("%w: scanning %s row: %v", models.ErrPersistence, column, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating %s rows: %v", models.ErrPersistence, column, err)
	}
	return out, nil
}
