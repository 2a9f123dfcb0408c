package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/stockfolio/src/models"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so repository methods can run
// inside or outside an explicit transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Repository persists positions and the append-only transaction log.
// Decimal amounts are stored as TEXT to avoid float drift in sqlite.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) DB() *sql.DB {
	return r.db
}

const positionColumns = `id, user_id, symbol, broker, market_type, currency,
	quantity, average_cost, total_cost, realized_gain, realized_gain_home,
	first_purchase_date, last_transaction_date, active, version`

// GetPosition returns the position row for (userID, symbol, broker), or
// (nil, nil) when the user never traded that key.
func (r *Repository) GetPosition(ctx context.Context, q dbtx, userID int64, symbol, broker string) (*models.Position, error) {
	query := `SELECT ` + positionColumns + `
		FROM positions WHERE user_id = ? AND symbol = ? AND broker = ?`
	row := q.QueryRowContext(ctx, query, userID, symbol, broker)
	pos, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDriverErr(err, fmt.Sprintf("fetching position %s/%s", symbol, broker))
	}
	return pos, nil
}

// InsertPosition creates a new position row at version 0 and fills in its id.
func (r *Repository) InsertPosition(ctx context.Context, q dbtx, p *models.Position) error {
	res, err := q.ExecContext(ctx, `
		INSERT INTO positions (user_id, symbol, broker, market_type, currency,
			quantity, average_cost, total_cost, realized_gain, realized_gain_home,
			first_purchase_date, last_transaction_date, active, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		p.UserID, p.Symbol, p.Broker, string(p.MarketType), p.Currency,
		p.Quantity, p.AverageCost.String(), p.TotalCost.String(),
		p.RealizedGain.String(), p.RealizedGainHome.String(),
		nullableTime(p.FirstPurchaseDate), nullableTime(p.LastTransactionDate), p.Active)
	if err != nil {
		if isUniqueViolation(err) {
			// Two first-ever orders raced to create this key; the retry
			// re-reads and finds the winner's row.
			return fmt.Errorf("%w: position %s/%s created concurrently: %v",
				errVersionConflict, p.Symbol, p.Broker, err)
		}
		return wrapDriverErr(err, fmt.Sprintf("inserting position %s/%s", p.Symbol, p.Broker))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("%w: reading position id: %v", models.ErrPersistence, err)
	}
	p.ID = id
	p.Version = 0
	return nil
}

// UpdatePositionVersioned writes the position back guarded by its version.
// It reports false, without error, when another writer got there first.
func (r *Repository) UpdatePositionVersioned(ctx context.Context, q dbtx, p *models.Position) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE positions SET
			quantity = ?, average_cost = ?, total_cost = ?,
			realized_gain = ?, realized_gain_home = ?,
			first_purchase_date = ?, last_transaction_date = ?,
			active = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		p.Quantity, p.AverageCost.String(), p.TotalCost.String(),
		p.RealizedGain.String(), p.RealizedGainHome.String(),
		nullableTime(p.FirstPurchaseDate), nullableTime(p.LastTransactionDate),
		p.Active, p.ID, p.Version)
	if err != nil {
		return false, wrapDriverErr(err, fmt.Sprintf("updating position %d", p.ID))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: reading rows affected: %v", models.ErrPersistence, err)
	}
	if affected == 0 {
		return false, nil
	}
	p.Version++
	return true, nil
}

// AppendTransaction writes one immutable log row and fills in its id.
func (r *Repository) AppendTransaction(ctx context.Context, q dbtx, t *models.Transaction) error {
	res, err := q.ExecContext(ctx, `
		INSERT INTO transactions (order_id, user_id, broker, symbol, market_type,
			currency, side, quantity, price, commission, tax, fx_rate, fx_source,
			avg_cost_at_transaction, realized_profit_per_share, total_realized_profit,
			transaction_date, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.OrderID, t.UserID, t.Broker, t.Symbol, string(t.MarketType),
		t.Currency, string(t.Side), t.Quantity, t.Price.String(),
		t.Commission.String(), t.Tax.String(), t.FxRate.String(), string(t.FxSource),
		nullableDecimal(t.AvgCostAtTransaction), nullableDecimal(t.RealizedProfitPerShare),
		nullableDecimal(t.TotalRealizedProfit), t.TransactionDate, nullableString(t.Notes))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: order %s already recorded: %v", errDuplicateOrder, t.OrderID, err)
		}
		return wrapDriverErr(err, fmt.Sprintf("appending transaction for order %s", t.OrderID))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("%w: reading transaction id: %v", models.ErrPersistence, err)
	}
	t.ID = id
	return nil
}

const transactionColumns = `id, order_id, user_id, broker, symbol, market_type,
	currency, side, quantity, price, commission, tax, fx_rate, fx_source,
	avg_cost_at_transaction, realized_profit_per_share, total_realized_profit,
	transaction_date, notes, created_at`

// TransactionByOrderID returns the stored row for an order id, or (nil, nil)
// when the order was never applied. Scoped by user so one user's retry can
// never surface another user's row.
func (r *Repository) TransactionByOrderID(ctx context.Context, userID int64, orderID string) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions WHERE user_id = ? AND order_id = ?`
	row := r.db.QueryRowContext(ctx, query, userID, orderID)
	t, err := scanTransactionRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fetching transaction for order %s: %v", models.ErrPersistence, orderID, err)
	}
	return t, nil
}

// TransactionsByKey returns the full log for one position key in commit
// order, the order replay must consume it in.
func (r *Repository) TransactionsByKey(ctx context.Context, userID int64, symbol, broker string) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE user_id = ? AND symbol = ? AND broker = ?
		ORDER BY id ASC`
	rows, err := r.db.QueryContext(ctx, query, userID, symbol, broker)
	if err != nil {
		return nil, fmt.Errorf("%w: listing transactions for %s/%s: %v", models.ErrPersistence, symbol, broker, err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// ListTransactions returns a user's most recent log rows, newest first.
// A non-positive limit means no limit.
func (r *Repository) ListTransactions(ctx context.Context, userID int64, limit int) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions WHERE user_id = ?
		ORDER BY transaction_date DESC, id DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: listing transactions for user %d: %v", models.ErrPersistence, userID, err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// errDuplicateOrder is internal to the engine's idempotency handling; callers
// of ApplyTransaction never see it.
var errDuplicateOrder = fmt.Errorf("duplicate order id")

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isBusy reports sqlite write contention. The driver surfaces it as an error
// string, not a typed error, so the codes are matched by name.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "SQLITE_LOCKED")
}

// wrapDriverErr classifies a failed statement. Write contention becomes a
// version conflict so the engine's retry loop absorbs it; everything else is
// a fatal persistence failure.
func wrapDriverErr(err error, action string) error {
	if isBusy(err) {
		return fmt.Errorf("%w: %s: %v", errVersionConflict, action, err)
	}
	return fmt.Errorf("%w: %s: %v", models.ErrPersistence, action, err)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*models.Position, error) {
	var p models.Position
	var mt string
	var avgCost, totalCost, realized, realizedHome string
	var firstPurchase, lastTx sql.NullTime

	err := row.Scan(&p.ID, &p.UserID, &p.Symbol, &p.Broker, &mt, &p.Currency,
		&p.Quantity, &avgCost, &totalCost, &realized, &realizedHome,
		&firstPurchase, &lastTx, &p.Active, &p.Version)
	if err != nil {
		return nil, err
	}

	p.MarketType = models.MarketType(mt)
	if p.AverageCost, err = decimal.NewFromString(avgCost); err != nil {
		return nil, fmt.Errorf("invalid average_cost %q: %v", avgCost, err)
	}
	if p.TotalCost, err = decimal.NewFromString(totalCost); err != nil {
		return nil, fmt.Errorf("invalid total_cost %q: %v", totalCost, err)
	}
	if p.RealizedGain, err = decimal.NewFromString(realized); err != nil {
		return nil, fmt.Errorf("invalid realized_gain %q: %v", realized, err)
	}
	if p.RealizedGainHome, err = decimal.NewFromString(realizedHome); err != nil {
		return nil, fmt.Errorf("invalid realized_gain_home %q: %v", realizedHome, err)
	}
	if firstPurchase.Valid {
		p.FirstPurchaseDate = firstPurchase.Time
	}
	if lastTx.Valid {
		p.LastTransactionDate = lastTx.Time
	}
	return &p, nil
}

func scanTransactionRow(row rowScanner) (*models.Transaction, error) {
	var t models.Transaction
	var mt, side, price, commission, tax, fxRate, fxSource string
	var avgCost, profitPerShare, totalProfit, notes sql.NullString

	err := row.Scan(&t.ID, &t.OrderID, &t.UserID, &t.Broker, &t.Symbol, &mt,
		&t.Currency, &side, &t.Quantity, &price, &commission, &tax, &fxRate, &fxSource,
		&avgCost, &profitPerShare, &totalProfit, &t.TransactionDate, &notes, &t.CreatedAt)
	if err != nil {
		return nil, err
	}

	t.MarketType = models.MarketType(mt)
	t.Side = models.Side(side)
	t.FxSource = models.FxSource(fxSource)
	if t.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("invalid price %q: %v", price, err)
	}
	if t.Commission, err = decimal.NewFromString(commission); err != nil {
		return nil, fmt.Errorf("invalid commission %q: %v", commission, err)
	}
	if t.Tax, err = decimal.NewFromString(tax); err != nil {
		return nil, fmt.Errorf("invalid tax %q: %v", tax, err)
	}
	if t.FxRate, err = decimal.NewFromString(fxRate); err != nil {
		return nil, fmt.Errorf("invalid fx_rate %q: %v", fxRate, err)
	}
	if t.AvgCostAtTransaction, err = parseNullDecimal(avgCost); err != nil {
		return nil, err
	}
	if t.RealizedProfitPerShare, err = parseNullDecimal(profitPerShare); err != nil {
		return nil, err
	}
	if t.TotalRealizedProfit, err = parseNullDecimal(totalProfit); err != nil {
		return nil, err
	}
	if notes.Valid {
		t.Notes = notes.String
	}
	return &t, nil
}

func collectTransactions(rows *sql.Rows) ([]models.Transaction, error) {
	var out []models.Transaction
	for rows.Next() {
		t, err := scanTransactionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning transaction row: %v", models.ErrPersistence, err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating transaction rows: %v", models.ErrPersistence, err)
	}
	return out, nil
}

func parseNullDecimal(v sql.NullString) (*decimal.Decimal, error) {
	if !v.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, fmt.Errorf("invalid decimal %q: %v", v.String, err)
	}
	return &d, nil
}

func nullableDecimal(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
