// Package ledger applies buy/sell orders to weighted-average-cost positions
// and records every applied order in an append-only transaction log.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/username/stockfolio/src/fees"
	"github.com/username/stockfolio/src/models"
)

const (
	maxApplyAttempts = 3
	retryBaseDelay   = 25 * time.Millisecond
)

// RateSource supplies the historical FX snapshot recorded on overseas
// transactions.
type RateSource interface {
	GetHistoricalRate(ctx context.Context, currency string, date time.Time) (models.RateResult, error)
}

// Engine is the single writer path for positions. Each order is validated,
// priced (fees and FX), then applied to its position and appended to the log
// in one database transaction.
type Engine struct {
	repo         *Repository
	fees         *fees.Calculator
	rates        RateSource
	homeCurrency string
	fallbackRate decimal.Decimal
	log          *slog.Logger
}

func NewEngine(repo *Repository, calc *fees.Calculator, rates RateSource, homeCurrency string, fallbackRate decimal.Decimal, log *slog.Logger) *Engine {
	return &Engine{
		repo:         repo,
		fees:         calc,
		rates:        rates,
		homeCurrency: homeCurrency,
		fallbackRate: fallbackRate,
		log:          log,
	}
}

// ApplyTransaction validates and applies one order, returning the recorded
// transaction. Supplying an OrderID makes the call idempotent: replays return
// the originally stored row without touching the position again. Concurrent
// writers to the same position are retried a bounded number of times before
// giving up with ErrConcurrencyConflict; the position is never left
// half-applied.
func (e *Engine) ApplyTransaction(ctx context.Context, order models.Order) (*models.Transaction, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}

	if order.OrderID != "" {
		existing, err := e.repo.TransactionByOrderID(ctx, order.UserID, order.OrderID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			e.log.Info("Order already applied, returning stored transaction",
				"orderID", order.OrderID, "userID", order.UserID)
			return existing, nil
		}
	} else {
		order.OrderID = uuid.NewString()
	}

	commission, tax, err := e.resolveFees(ctx, order)
	if err != nil {
		return nil, err
	}
	fxRate, fxSource := e.resolveFxRate(ctx, order)

	var tx *models.Transaction
	for attempt := 1; attempt <= maxApplyAttempts; attempt++ {
		tx, err = e.applyOnce(ctx, order, commission, tax, fxRate, fxSource)
		if err == nil {
			return tx, nil
		}
		if errors.Is(err, errDuplicateOrder) {
			// Lost an idempotency race; the stored row is the result.
			return e.repo.TransactionByOrderID(ctx, order.UserID, order.OrderID)
		}
		if !errors.Is(err, errVersionConflict) {
			return nil, err
		}
		if attempt < maxApplyAttempts {
			delay := retryBaseDelay*time.Duration(attempt) + time.Duration(rand.Int63n(int64(retryBaseDelay)))
			e.log.Warn("Write contention on position, retrying",
				"orderID", order.OrderID, "symbol", order.Symbol, "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("%w: position %s/%s contended after %d attempts",
		models.ErrConcurrencyConflict, order.Symbol, order.Broker, maxApplyAttempts)
}

// errVersionConflict marks any transient write contention the apply loop
// should retry: an optimistic-version miss, a lost position-create race, or
// SQLITE_BUSY from a concurrent writer.
var errVersionConflict = errors.New("position write conflict")

func (e *Engine) applyOnce(ctx context.Context, order models.Order, commission, tax, fxRate decimal.Decimal, fxSource models.FxSource) (*models.Transaction, error) {
	sqlTx, err := e.repo.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapDriverErr(err, "beginning transaction")
	}
	defer sqlTx.Rollback()

	pos, err := e.repo.GetPosition(ctx, sqlTx, order.UserID, order.Symbol, order.Broker)
	if err != nil {
		return nil, err
	}
	isNew := pos == nil
	if isNew {
		p := models.NewPosition(order.UserID, order.Symbol, order.Broker, order.MarketType, order.Currency)
		pos = &p
	}

	record := &models.Transaction{
		OrderID:         order.OrderID,
		UserID:          order.UserID,
		Broker:          order.Broker,
		Symbol:          order.Symbol,
		MarketType:      order.MarketType,
		Currency:        order.Currency,
		Side:            order.Side,
		Quantity:        order.Quantity,
		Price:           order.Price,
		Commission:      commission,
		Tax:             tax,
		FxRate:          fxRate,
		FxSource:        fxSource,
		TransactionDate: order.TransactionDate,
	}
	record.Notes = order.Notes

	switch order.Side {
	case models.SideBuy:
		applyBuy(pos, order, commission, tax)
	case models.SideSell:
		if err := applySell(pos, order, commission, tax, fxRate, record); err != nil {
			return nil, err
		}
	}
	pos.LastTransactionDate = order.TransactionDate

	if isNew {
		if err := e.repo.InsertPosition(ctx, sqlTx, pos); err != nil {
			return nil, err
		}
	} else {
		ok, err := e.repo.UpdatePositionVersioned(ctx, sqlTx, pos)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errVersionConflict
		}
	}

	if err := e.repo.AppendTransaction(ctx, sqlTx, record); err != nil {
		return nil, err
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, wrapDriverErr(err, "committing transaction")
	}

	e.log.Info("Order applied",
		"orderID", record.OrderID, "userID", record.UserID, "symbol", record.Symbol,
		"side", string(record.Side), "quantity", record.Quantity,
		"fxSource", string(record.FxSource))
	return record, nil
}

// applyBuy folds a purchase into the position. Fees are capitalized into the
// cost basis, so the new average cost is total cost over total quantity.
func applyBuy(pos *models.Position, order models.Order, commission, tax decimal.Decimal) {
	feeTotal := commission.Add(tax)
	if !pos.Active || pos.Quantity == 0 {
		pos.Quantity = order.Quantity
		pos.TotalCost = order.GrossAmount().Add(feeTotal)
		pos.AverageCost = pos.TotalCost.Div(decimal.NewFromInt(order.Quantity))
		pos.Active = true
		pos.FirstPurchaseDate = order.TransactionDate
		return
	}
	pos.Quantity += order.Quantity
	pos.TotalCost = pos.TotalCost.Add(order.GrossAmount()).Add(feeTotal)
	pos.AverageCost = pos.TotalCost.Div(decimal.NewFromInt(pos.Quantity))
}

// applySell realizes profit against the average cost snapshot taken before
// the mutation. Fees reduce the proceeds, not the cost basis; the average
// cost never changes on a sell. Closing the position zeroes its cost fields
// but keeps the realized figures.
func applySell(pos *models.Position, order models.Order, commission, tax, fxRate decimal.Decimal, record *models.Transaction) error {
	if order.Quantity > pos.Quantity {
		return fmt.Errorf("%w: sell %d exceeds held %d of %s at %s",
			models.ErrInsufficientPosition, order.Quantity, pos.Quantity, order.Symbol, order.Broker)
	}

	qty := decimal.NewFromInt(order.Quantity)
	avgSnapshot := pos.AverageCost
	proceedsPerShare := order.Price.Sub(commission.Add(tax).Div(qty))
	profitPerShare := proceedsPerShare.Sub(avgSnapshot)
	totalProfit := profitPerShare.Mul(qty)

	record.AvgCostAtTransaction = &avgSnapshot
	record.RealizedProfitPerShare = &profitPerShare
	record.TotalRealizedProfit = &totalProfit

	pos.RealizedGain = pos.RealizedGain.Add(totalProfit)
	pos.RealizedGainHome = pos.RealizedGainHome.Add(totalProfit.Mul(fxRate))
	pos.TotalCost = pos.TotalCost.Sub(avgSnapshot.Mul(qty))
	pos.Quantity -= order.Quantity

	if pos.Quantity == 0 {
		pos.Active = false
		pos.AverageCost = decimal.Zero
		pos.TotalCost = decimal.Zero
	}
	return nil
}

func (e *Engine) resolveFees(ctx context.Context, order models.Order) (commission, tax decimal.Decimal, err error) {
	if order.Commission != nil && order.Tax != nil {
		return *order.Commission, *order.Tax, nil
	}
	computed, err := e.fees.Calculate(ctx, order.Broker, order.MarketType, order.Side, order.GrossAmount())
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	commission = computed.Commission
	tax = computed.Tax
	if order.Commission != nil {
		commission = *order.Commission
	}
	if order.Tax != nil {
		tax = *order.Tax
	}
	return commission, tax, nil
}

// resolveFxRate picks the FX snapshot for the transaction row. Domestic
// instruments are pinned to 1. A caller-supplied rate wins over the market
// source. An unreachable FX source degrades to the configured fallback rate
// with a visible marker instead of failing the order.
func (e *Engine) resolveFxRate(ctx context.Context, order models.Order) (decimal.Decimal, models.FxSource) {
	if order.MarketType == models.MarketDomestic || order.Currency == e.homeCurrency {
		return decimal.NewFromInt(1), models.FxSourceDomestic
	}
	if order.FxRate != nil {
		return *order.FxRate, models.FxSourceManual
	}
	res, err := e.rates.GetHistoricalRate(ctx, order.Currency, order.TransactionDate)
	if err != nil {
		e.log.Warn("FX rate unavailable, using fallback rate",
			"currency", order.Currency, "date", order.TransactionDate.Format("2006-01-02"),
			"fallbackRate", e.fallbackRate, "error", err)
		return e.fallbackRate, models.FxSourceFallback
	}
	if res.Degraded {
		return res.Rate, models.FxSourceFallback
	}
	return res.Rate, models.FxSourceMarket
}

// Replay folds a key's transaction log, in order, into the position it
// implies. It exists for audit: the folded result must match the stored row.
func Replay(userID int64, symbol, broker string, marketType models.MarketType, currency string, txs []models.Transaction) (models.Position, error) {
	pos := models.NewPosition(userID, symbol, broker, marketType, currency)
	for _, t := range txs {
		order := models.Order{
			UserID:          t.UserID,
			Symbol:          t.Symbol,
			Broker:          t.Broker,
			MarketType:      t.MarketType,
			Currency:        t.Currency,
			Side:            t.Side,
			Quantity:        t.Quantity,
			Price:           t.Price,
			TransactionDate: t.TransactionDate,
		}
		switch t.Side {
		case models.SideBuy:
			applyBuy(&pos, order, t.Commission, t.Tax)
		case models.SideSell:
			discard := models.Transaction{}
			if err := applySell(&pos, order, t.Commission, t.Tax, t.FxRate, &discard); err != nil {
				return pos, err
			}
		default:
			return pos, fmt.Errorf("%w: unknown side %q in log row %d", models.ErrValidation, string(t.Side), t.ID)
		}
		pos.LastTransactionDate = t.TransactionDate
	}
	return pos, nil
}
