package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/stockfolio/src/database"
	"github.com/username/stockfolio/src/fees"
	"github.com/username/stockfolio/src/models"
	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// One connection keeps every query on the same in-memory database.
	db.SetMaxOpenConns(1)
	require.NoError(t, database.EnsureSchema(db))
	t.Cleanup(func() { db.Close() })
	return db
}

// newFileDB opens a file-backed database with the production connection
// options, so concurrent writers go through real lock contention.
func newFileDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := sql.Open("sqlite", database.DSN(path))
	require.NoError(t, err)
	require.NoError(t, database.EnsureSchema(db))
	t.Cleanup(func() { db.Close() })
	return db
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixedRates struct {
	rate decimal.Decimal
}

func (f fixedRates) GetHistoricalRate(ctx context.Context, currency string, date time.Time) (models.RateResult, error) {
	return models.RateResult{Currency: currency, Rate: f.rate, Date: date}, nil
}

type failingRates struct{}

func (failingRates) GetHistoricalRate(ctx context.Context, currency string, date time.Time) (models.RateResult, error) {
	return models.RateResult{}, fmt.Errorf("%w: fx source down", models.ErrUpstreamUnavailable)
}

func newTestEngine(t *testing.T, db *sql.DB, rates RateSource) (*Engine, *Repository) {
	t.Helper()
	repo := NewRepository(db)
	calc := fees.NewCalculator(fees.NewScheduleRepository(db), discardLogger())
	engine := NewEngine(repo, calc, rates, "KRW", decimal.NewFromInt(1400), discardLogger())
	return engine, repo
}

func decEqual(t *testing.T, expected string, actual decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, actual.Equal(decimal.RequireFromString(expected)),
		"expected %s, got %s %v", expected, actual, msgAndArgs)
}

func ptr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func overseasOrder(side models.Side, qty int64, price, commission string) models.Order {
	return models.Order{
		UserID:          1,
		Symbol:          "AAPL",
		Broker:          "kiwoom",
		MarketType:      models.MarketOverseas,
		Currency:        "USD",
		Side:            side,
		Quantity:        qty,
		Price:           decimal.RequireFromString(price),
		Commission:      ptr(commission),
		Tax:             ptr("0"),
		TransactionDate: time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
	}
}

func TestApplyTransaction_BuyOpensPosition(t *testing.T) {
	db := newTestDB(t)
	engine, repo := newTestEngine(t, db, fixedRates{decimal.NewFromInt(1350)})
	ctx := context.Background()

	tx, err := engine.ApplyTransaction(ctx, overseasOrder(models.SideBuy, 10, "100", "1"))
	require.NoError(t, err)
	assert.NotEmpty(t, tx.OrderID)
	assert.Nil(t, tx.TotalRealizedProfit)

	pos, err := repo.GetPosition(ctx, db, 1, "AAPL", "kiwoom")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.EqualValues(t, 10, pos.Quantity)
	decEqual(t, "100.1", pos.AverageCost)
	decEqual(t, "1001", pos.TotalCost)
	assert.True(t, pos.Active)
	assert.False(t, pos.FirstPurchaseDate.IsZero())
}

func TestApplyTransaction_BuyBlendsAverageCost(t *testing.T) {
	db := newTestDB(t)
	engine, repo := newTestEngine(t, db, fixedRates{decimal.NewFromInt(1350)})
	ctx := context.Background()

	_, err := engine.ApplyTransaction(ctx, overseasOrder(models.SideBuy, 10, "100", "1"))
	require.NoError(t, err)
	_, err = engine.ApplyTransaction(ctx, overseasOrder(models.SideBuy, 10, "120", "1"))
	require.NoError(t, err)

	pos, err := repo.GetPosition(ctx, db, 1, "AAPL", "kiwoom")
	require.NoError(t, err)
	assert.EqualValues(t, 20, pos.Quantity)
	decEqual(t, "2202", pos.TotalCost)
	decEqual(t, "110.1", pos.AverageCost)
}

func TestApplyTransaction_SellRealizesProfit(t *testing.T) {
	db := newTestDB(t)
	engine, repo := newTestEngine(t, db, fixedRates{decimal.NewFromInt(1350)})
	ctx := context.Background()

	_, err := engine.ApplyTransaction(ctx, overseasOrder(models.SideBuy, 10, "100", "1"))
	require.NoError(t, err)
	_, err = engine.ApplyTransaction(ctx, overseasOrder(models.SideBuy, 10, "120", "1"))
	require.NoError(t, err)

	tx, err := engine.ApplyTransaction(ctx, overseasOrder(models.SideSell, 5, "130", "0.5"))
	require.NoError(t, err)

	require.NotNil(t, tx.AvgCostAtTransaction)
	require.NotNil(t, tx.RealizedProfitPerShare)
	require.NotNil(t, tx.TotalRealizedProfit)
	decEqual(t, "110.1", *tx.AvgCostAtTransaction)
	decEqual(t, "19.8", *tx.RealizedProfitPerShare)
	decEqual(t, "99", *tx.TotalRealizedProfit)

	pos, err := repo.GetPosition(ctx, db, 1, "AAPL", "kiwoom")
	require.NoError(t, err)
	assert.EqualValues(t, 15, pos.Quantity)
	decEqual(t, "1651.5", pos.TotalCost)
	decEqual(t, "110.1", pos.AverageCost, "average cost never changes on a sell")
	decEqual(t, "99", pos.RealizedGain)
	decEqual(t, "133650", pos.RealizedGainHome, "home gain uses the snapshot rate")
}

func TestApplyTransaction_FullSellClosesPosition(t *testing.T) {
	db := newTestDB(t)
	engine, repo := newTestEngine(t, db, fixedRates{decimal.NewFromInt(1350)})
	ctx := context.Background()

	_, err := engine.ApplyTransaction(ctx, overseasOrder(models.SideBuy, 10, "100", "1"))
	require.NoError(t, err)
	_, err = engine.ApplyTransaction(ctx, overseasOrder(models.SideBuy, 10, "120", "1"))
	require.NoError(t, err)
	_, err = engine.ApplyTransaction(ctx, overseasOrder(models.SideSell, 5, "130", "0.5"))
	require.NoError(t, err)
	_, err = engine.ApplyTransaction(ctx, overseasOrder(models.SideSell, 15, "130", "0"))
	require.NoError(t, err)

	pos, err := repo.GetPosition(ctx, db, 1, "AAPL", "kiwoom")
	require.NoError(t, err)
	assert.EqualValues(t, 0, pos.Quantity)
	assert.False(t, pos.Active)
	assert.True(t, pos.AverageCost.IsZero())
	assert.True(t, pos.TotalCost.IsZero())
	// 99 + (130 - 110.1) * 15 = 99 + 298.5
	decEqual(t, "397.5", pos.RealizedGain, "realized gain survives the close")
}

func TestApplyTransaction_BuyReopensClosedPosition(t *testing.T) {
	db := newTestDB(t)
	engine, repo := newTestEngine(t, db, fixedRates{decimal.NewFromInt(1350)})
	ctx := context.Background()

	_, err := engine.ApplyTransaction(ctx, overseasOrder(models.SideBuy, 10, "100", "0"))
	require.NoError(t, err)
	_, err = engine.ApplyTransaction(ctx, overseasOrder(models.SideSell, 10, "120", "0"))
	require.NoError(t, err)

	_, err = engine.ApplyTransaction(ctx, overseasOrder(models.SideBuy, 5, "200", "0"))
	require.NoError(t, err)

	pos, err := repo.GetPosition(ctx, db, 1, "AAPL", "kiwoom")
	require.NoError(t, err)
	assert.True(t, pos.Active)
	assert.EqualValues(t, 5, pos.Quantity)
	decEqual(t, "200", pos.AverageCost, "a reopened position starts a fresh cost basis")
	decEqual(t, "200", pos.RealizedGain, "prior realized gain is retained")
}

func TestApplyTransaction_InsufficientPosition(t *testing.T) {
	db := newTestDB(t)
	engine, repo := newTestEngine(t, db, fixedRates{decimal.NewFromInt(1350)})
	ctx := context.Background()

	_, err := engine.ApplyTransaction(ctx, overseasOrder(models.SideBuy, 10, "100", "1"))
	require.NoError(t, err)

	_, err = engine.ApplyTransaction(ctx, overseasOrder(models.SideSell, 20, "130", "0"))
	assert.ErrorIs(t, err, models.ErrInsufficientPosition)

	pos, err := repo.GetPosition(ctx, db, 1, "AAPL", "kiwoom")
	require.NoError(t, err)
	assert.EqualValues(t, 10, pos.Quantity, "position must be unchanged after a rejected sell")
	decEqual(t, "100.1", pos.AverageCost)
	assert.True(t, pos.RealizedGain.IsZero())
}

func TestApplyTransaction_SellWithNoPosition(t *testing.T) {
	db := newTestDB(t)
	engine, _ := newTestEngine(t, db, fixedRates{decimal.NewFromInt(1350)})

	_, err := engine.ApplyTransaction(context.Background(), overseasOrder(models.SideSell, 1, "100", "0"))
	assert.ErrorIs(t, err, models.ErrInsufficientPosition)
}

func TestApplyTransaction_Idempotency(t *testing.T) {
	db := newTestDB(t)
	engine, repo := newTestEngine(t, db, fixedRates{decimal.NewFromInt(1350)})
	ctx := context.Background()

	order := overseasOrder(models.SideBuy, 10, "100", "1")
	order.OrderID = "client-retry-1"

	first, err := engine.ApplyTransaction(ctx, order)
	require.NoError(t, err)
	second, err := engine.ApplyTransaction(ctx, order)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	pos, err := repo.GetPosition(ctx, db, 1, "AAPL", "kiwoom")
	require.NoError(t, err)
	assert.EqualValues(t, 10, pos.Quantity, "a replayed order must not apply twice")
}

func TestApplyTransaction_ConcurrentFirstBuys(t *testing.T) {
	db := newFileDB(t)
	engine, repo := newTestEngine(t, db, fixedRates{decimal.NewFromInt(1350)})
	ctx := context.Background()

	const writers = 8
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.ApplyTransaction(ctx, overseasOrder(models.SideBuy, 10, "100", "0"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err, "concurrent writers must serialize, not fail")
	}

	pos, err := repo.GetPosition(ctx, db, 1, "AAPL", "kiwoom")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.EqualValues(t, writers*10, pos.Quantity, "every buy must land exactly once")
	decEqual(t, "100", pos.AverageCost)

	log, err := repo.TransactionsByKey(ctx, 1, "AAPL", "kiwoom")
	require.NoError(t, err)
	assert.Len(t, log, writers)
}

func TestApplyTransaction_ConcurrentBuysAndSells(t *testing.T) {
	db := newFileDB(t)
	engine, repo := newTestEngine(t, db, fixedRates{decimal.NewFromInt(1350)})
	ctx := context.Background()

	_, err := engine.ApplyTransaction(ctx, overseasOrder(models.SideBuy, 100, "100", "0"))
	require.NoError(t, err)

	const writers = 6
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		side := models.SideBuy
		if i%2 == 0 {
			side = models.SideSell
		}
		wg.Add(1)
		go func(side models.Side) {
			defer wg.Done()
			_, err := engine.ApplyTransaction(ctx, overseasOrder(side, 5, "100", "0"))
			errs <- err
		}(side)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	pos, err := repo.GetPosition(ctx, db, 1, "AAPL", "kiwoom")
	require.NoError(t, err)
	assert.EqualValues(t, 100, pos.Quantity, "3 buys and 3 sells of 5 must net to zero")

	log, err := repo.TransactionsByKey(ctx, 1, "AAPL", "kiwoom")
	require.NoError(t, err)
	replayed, err := Replay(1, "AAPL", "kiwoom", models.MarketOverseas, "USD", log)
	require.NoError(t, err)
	assert.Equal(t, pos.Quantity, replayed.Quantity)
	assert.True(t, pos.TotalCost.Equal(replayed.TotalCost))
}

func TestInsertPosition_CreateRaceIsRetryable(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	winner := models.NewPosition(1, "AAPL", "kiwoom", models.MarketOverseas, "USD")
	require.NoError(t, repo.InsertPosition(ctx, db, &winner))

	loser := models.NewPosition(1, "AAPL", "kiwoom", models.MarketOverseas, "USD")
	err := repo.InsertPosition(ctx, db, &loser)
	assert.ErrorIs(t, err, errVersionConflict, "losing the create race must retry, not fail")
	assert.NotErrorIs(t, err, models.ErrPersistence)
}

func TestWrapDriverErr_ClassifiesContention(t *testing.T) {
	busy := fmt.Errorf("database is locked (5) (SQLITE_BUSY)")
	assert.ErrorIs(t, wrapDriverErr(busy, "updating position 1"), errVersionConflict)

	corrupt := fmt.Errorf("database disk image is malformed (11)")
	assert.ErrorIs(t, wrapDriverErr(corrupt, "updating position 1"), models.ErrPersistence)
}

func TestApplyTransaction_ValidationRejectsBeforeStateChange(t *testing.T) {
	db := newTestDB(t)
	engine, repo := newTestEngine(t, db, fixedRates{decimal.NewFromInt(1350)})
	ctx := context.Background()

	order := overseasOrder(models.SideBuy, 0, "100", "1")
	_, err := engine.ApplyTransaction(ctx, order)
	assert.ErrorIs(t, err, models.ErrValidation)

	pos, err := repo.GetPosition(ctx, db, 1, "AAPL", "kiwoom")
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestApplyTransaction_DomesticPinsFxRate(t *testing.T) {
	db := newTestDB(t)
	engine, repo := newTestEngine(t, db, failingRates{})
	ctx := context.Background()

	order := models.Order{
		UserID:          1,
		Symbol:          "005930",
		Broker:          "kiwoom",
		MarketType:      models.MarketDomestic,
		Currency:        "KRW",
		Side:            models.SideBuy,
		Quantity:        10,
		Price:           decimal.NewFromInt(70000),
		TransactionDate: time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
	}
	tx, err := engine.ApplyTransaction(ctx, order)
	require.NoError(t, err)

	decEqual(t, "1", tx.FxRate)
	assert.Equal(t, models.FxSourceDomestic, tx.FxSource)

	// Default fee schedule: 0.015% commission, no tax on BUY.
	decEqual(t, "105", tx.Commission)
	assert.True(t, tx.Tax.IsZero())

	pos, err := repo.GetPosition(ctx, db, 1, "005930", "kiwoom")
	require.NoError(t, err)
	decEqual(t, "70010.5", pos.AverageCost)
}

func TestApplyTransaction_DomesticSellTaxAndHomeGain(t *testing.T) {
	db := newTestDB(t)
	engine, repo := newTestEngine(t, db, failingRates{})
	ctx := context.Background()

	buy := models.Order{
		UserID:          1,
		Symbol:          "005930",
		Broker:          "kiwoom",
		MarketType:      models.MarketDomestic,
		Currency:        "KRW",
		Side:            models.SideBuy,
		Quantity:        10,
		Price:           decimal.NewFromInt(70000),
		Commission:      ptr("0"),
		Tax:             ptr("0"),
		TransactionDate: time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
	}
	_, err := engine.ApplyTransaction(ctx, buy)
	require.NoError(t, err)

	sell := buy
	sell.Side = models.SideSell
	sell.Price = decimal.NewFromInt(80000)
	sell.Commission = nil
	sell.Tax = nil
	tx, err := engine.ApplyTransaction(ctx, sell)
	require.NoError(t, err)

	// 800000 gross: commission 120, tax 1840.
	decEqual(t, "120", tx.Commission)
	decEqual(t, "1840", tx.Tax)

	pos, err := repo.GetPosition(ctx, db, 1, "005930", "kiwoom")
	require.NoError(t, err)
	assert.True(t, pos.RealizedGain.Equal(pos.RealizedGainHome),
		"home gain equals instrument gain for domestic positions")
}

func TestApplyTransaction_FxFallbackOnUpstreamFailure(t *testing.T) {
	db := newTestDB(t)
	engine, _ := newTestEngine(t, db, failingRates{})

	tx, err := engine.ApplyTransaction(context.Background(), overseasOrder(models.SideBuy, 10, "100", "1"))
	require.NoError(t, err)

	decEqual(t, "1400", tx.FxRate)
	assert.Equal(t, models.FxSourceFallback, tx.FxSource)
}

func TestApplyTransaction_ManualFxRateWins(t *testing.T) {
	db := newTestDB(t)
	engine, _ := newTestEngine(t, db, fixedRates{decimal.NewFromInt(1350)})

	order := overseasOrder(models.SideBuy, 10, "100", "1")
	order.FxRate = ptr("1300")
	tx, err := engine.ApplyTransaction(context.Background(), order)
	require.NoError(t, err)

	decEqual(t, "1300", tx.FxRate)
	assert.Equal(t, models.FxSourceManual, tx.FxSource)
}

func TestReplay_ReproducesStoredPosition(t *testing.T) {
	db := newTestDB(t)
	engine, repo := newTestEngine(t, db, fixedRates{decimal.NewFromInt(1350)})
	ctx := context.Background()

	orders := []models.Order{
		overseasOrder(models.SideBuy, 10, "100", "1"),
		overseasOrder(models.SideBuy, 10, "120", "1"),
		overseasOrder(models.SideSell, 5, "130", "0.5"),
		overseasOrder(models.SideSell, 15, "130", "0"),
		overseasOrder(models.SideBuy, 3, "150", "0.3"),
	}
	for _, order := range orders {
		_, err := engine.ApplyTransaction(ctx, order)
		require.NoError(t, err)
	}

	stored, err := repo.GetPosition(ctx, db, 1, "AAPL", "kiwoom")
	require.NoError(t, err)

	log, err := repo.TransactionsByKey(ctx, 1, "AAPL", "kiwoom")
	require.NoError(t, err)
	require.Len(t, log, len(orders))

	replayed, err := Replay(1, "AAPL", "kiwoom", models.MarketOverseas, "USD", log)
	require.NoError(t, err)

	assert.Equal(t, stored.Quantity, replayed.Quantity)
	assert.True(t, stored.AverageCost.Equal(replayed.AverageCost),
		"stored %s vs replayed %s", stored.AverageCost, replayed.AverageCost)
	assert.True(t, stored.TotalCost.Equal(replayed.TotalCost))
	assert.True(t, stored.RealizedGain.Equal(replayed.RealizedGain))
	assert.True(t, stored.RealizedGainHome.Equal(replayed.RealizedGainHome))
	assert.Equal(t, stored.Active, replayed.Active)
}

func TestUpdatePositionVersioned_Conflict(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	pos := models.NewPosition(1, "AAPL", "kiwoom", models.MarketOverseas, "USD")
	pos.Quantity = 10
	pos.Active = true
	require.NoError(t, repo.InsertPosition(ctx, db, &pos))

	stale := pos
	pos.Quantity = 20
	ok, err := repo.UpdatePositionVersioned(ctx, db, &pos)
	require.NoError(t, err)
	assert.True(t, ok)

	stale.Quantity = 30
	ok, err = repo.UpdatePositionVersioned(ctx, db, &stale)
	require.NoError(t, err)
	assert.False(t, ok, "stale version must not win")
}

func TestListTransactions_NewestFirstAndLimited(t *testing.T) {
	db := newTestDB(t)
	engine, repo := newTestEngine(t, db, fixedRates{decimal.NewFromInt(1350)})
	ctx := context.Background()

	for i, price := range []string{"100", "110", "120"} {
		order := overseasOrder(models.SideBuy, 1, price, "0")
		order.TransactionDate = time.Date(2025, 3, 10+i, 0, 0, 0, 0, time.UTC)
		_, err := engine.ApplyTransaction(ctx, order)
		require.NoError(t, err)
	}

	txs, err := repo.ListTransactions(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	decEqual(t, "120", txs[0].Price)
	decEqual(t, "110", txs[1].Price)
}
