package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos-lending/internal/model"
)

func newTestMarket(id string) *model.Market {
	return &model.Market{
		ID:                id,
		ProtocolID:        "0xprotocol",
		Kind:              model.MarketKindCToken,
		Name:              "Compound USD Coin",
		Symbol:            "cUSDC",
		InputTokenID:      "0xusdc",
		Decimals:          6,
		OutputTokenSupply: decimal.Zero,
		TotalAssets:       decimal.Zero,
		InputTokenBalance: decimal.Zero,
		TotalValueLocked:  decimal.Zero,
		MaximumLTV:        decimal.Zero,
	}
}

// TestMarketRepository_CreateIfAbsent 测试比较并创建
func TestMarketRepository_CreateIfAbsent(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMarketRepository(db)
	ctx := context.Background()

	created, err := repo.CreateIfAbsent(ctx, newTestMarket("0xm1"))
	require.NoError(t, err)
	assert.True(t, created)

	second := newTestMarket("0xm1")
	second.Symbol = "OTHER"
	created, err = repo.CreateIfAbsent(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)

	stored, err := repo.GetByID(ctx, "0xm1")
	require.NoError(t, err)
	assert.Equal(t, "cUSDC", stored.Symbol)
	assert.Equal(t, int32(6), stored.Meta().Decimals)
}

// TestMarketRepository_Balance 测试余额原子累加与部分更新
func TestMarketRepository_Balance(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMarketRepository(db)
	ctx := context.Background()

	_, err := repo.CreateIfAbsent(ctx, newTestMarket("0xm1"))
	require.NoError(t, err)

	require.NoError(t, repo.AddBalance(ctx, "0xm1", decimal.NewFromInt(1_000_000)))
	require.NoError(t, repo.AddBalance(ctx, "0xm1", decimal.NewFromInt(-250_000)))

	require.NoError(t, repo.UpdateFields(ctx, "0xm1", map[string]interface{}{
		"can_borrow_from": true,
	}))

	stored, err := repo.GetByID(ctx, "0xm1")
	require.NoError(t, err)
	assert.True(t, stored.InputTokenBalance.Equal(decimal.NewFromInt(750_000)), stored.InputTokenBalance.String())
	assert.True(t, stored.CanBorrowFrom)
	assert.Equal(t, "cUSDC", stored.Symbol)

	t.Run("missing market", func(t *testing.T) {
		assert.ErrorIs(t, repo.AddBalance(ctx, "0xnone", decimal.NewFromInt(1)), ErrMarketNotFound)
		assert.ErrorIs(t, repo.UpdateFields(ctx, "0xnone", map[string]interface{}{"is_listed": true}), ErrMarketNotFound)
		_, err := repo.GetByID(ctx, "0xnone")
		assert.ErrorIs(t, err, ErrMarketNotFound)
	})
}

// TestMarketRepository_SumTotalValueLocked 测试 TVL 汇总
func TestMarketRepository_SumTotalValueLocked(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMarketRepository(db)
	ctx := context.Background()

	sum, err := repo.SumTotalValueLocked(ctx, "0xprotocol")
	require.NoError(t, err)
	assert.True(t, sum.IsZero())

	for _, id := range []string{"0xm1", "0xm2"} {
		_, err := repo.CreateIfAbsent(ctx, newTestMarket(id))
		require.NoError(t, err)
	}
	require.NoError(t, repo.UpdateFields(ctx, "0xm1", map[string]interface{}{"total_value_locked_usd": decimal.RequireFromString("1.5")}))
	require.NoError(t, repo.UpdateFields(ctx, "0xm2", map[string]interface{}{"total_value_locked_usd": decimal.RequireFromString("2.25")}))

	sum, err = repo.SumTotalValueLocked(ctx, "0xprotocol")
	require.NoError(t, err)
	assert.True(t, sum.Equal(decimal.RequireFromString("3.75")), sum.String())

	ids, err := repo.ListIDs(ctx, "0xprotocol")
	require.NoError(t, err)
	assert.Equal(t, []string{"0xm1", "0xm2"}, ids)
}

// TestMarketRepository_GetByID_Postgres 测试 PostgreSQL 查询
func TestMarketRepository_GetByID_Postgres(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewMarketRepository(db)

	mock.ExpectQuery(`SELECT \* FROM "lending_markets" WHERE id = \$1 ORDER BY "lending_markets"\."id" LIMIT \$2`).
		WithArgs("0xm1", 1).
		WillReturnError(gorm.ErrRecordNotFound)

	market, err := repo.GetByID(context.Background(), "0xm1")

	assert.Nil(t, market)
	assert.ErrorIs(t, err, ErrMarketNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestMarketRepository_AddBalance_Postgres 余额以 SQL 表达式累加
func TestMarketRepository_AddBalance_Postgres(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewMarketRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "lending_markets" SET "input_token_balance"=input_token_balance \+ \$1,"updated_at"=\$2 WHERE id = \$3`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.AddBalance(context.Background(), "0xm1", decimal.NewFromInt(-5))

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
