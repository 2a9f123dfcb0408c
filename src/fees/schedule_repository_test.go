package fees

import (
	"context"
	"database/sql"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/stockfolio/src/database"
	"github.com/username/stockfolio/src/models"
	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, database.EnsureSchema(db))
	t.Cleanup(func() { db.Close() })
	return db
}

func TestScheduleRepository_GetMissing(t *testing.T) {
	repo := NewScheduleRepository(newTestDB(t))

	schedule, err := repo.Get(context.Background(), "nobody", models.MarketDomestic, models.SideBuy)
	require.NoError(t, err)
	assert.Nil(t, schedule)
}

func TestScheduleRepository_UpsertAndGet(t *testing.T) {
	repo := NewScheduleRepository(newTestDB(t))
	ctx := context.Background()

	minFee := decimal.NewFromInt(100)
	original := models.FeeSchedule{
		Broker:     "kiwoom",
		MarketType: models.MarketDomestic,
		Side:       models.SideSell,
		Rate:       decimal.RequireFromString("0.00015"),
		TaxRate:    decimal.RequireFromString("0.0023"),
		MinFee:     &minFee,
	}
	require.NoError(t, repo.Upsert(ctx, original))

	got, err := repo.Get(ctx, "kiwoom", models.MarketDomestic, models.SideSell)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Rate.Equal(original.Rate))
	assert.True(t, got.TaxRate.Equal(original.TaxRate))
	require.NotNil(t, got.MinFee)
	assert.True(t, got.MinFee.Equal(minFee))
	assert.Nil(t, got.MaxFee)
}

func TestScheduleRepository_UpsertReplaces(t *testing.T) {
	repo := NewScheduleRepository(newTestDB(t))
	ctx := context.Background()

	schedule := models.FeeSchedule{
		Broker:     "kiwoom",
		MarketType: models.MarketDomestic,
		Side:       models.SideSell,
		Rate:       decimal.RequireFromString("0.00015"),
		TaxRate:    decimal.RequireFromString("0.0023"),
	}
	require.NoError(t, repo.Upsert(ctx, schedule))

	schedule.Rate = decimal.RequireFromString("0.0002")
	require.NoError(t, repo.Upsert(ctx, schedule))

	got, err := repo.Get(ctx, "kiwoom", models.MarketDomestic, models.SideSell)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Rate.Equal(decimal.RequireFromString("0.0002")),
		"second upsert replaces the first, got %s", got.Rate)
}

func TestScheduleRepository_KeyedBySide(t *testing.T) {
	repo := NewScheduleRepository(newTestDB(t))
	ctx := context.Background()

	sell := models.FeeSchedule{
		Broker:     "kiwoom",
		MarketType: models.MarketDomestic,
		Side:       models.SideSell,
		Rate:       decimal.RequireFromString("0.0002"),
		TaxRate:    decimal.RequireFromString("0.0023"),
	}
	require.NoError(t, repo.Upsert(ctx, sell))

	got, err := repo.Get(ctx, "kiwoom", models.MarketDomestic, models.SideBuy)
	require.NoError(t, err)
	assert.Nil(t, got, "BUY schedule is separate from SELL")
}
