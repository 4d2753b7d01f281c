package repository

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos-lending/internal/model"
)

// TestProtocolRepository 测试协议 TVL 增量与预言机设置
func TestProtocolRepository(t *testing.T) {
	db := setupTestDB(t)
	repo := NewProtocolRepository(db)
	ctx := context.Background()

	newProtocol := func() *model.Protocol {
		return &model.Protocol{ID: "0xprotocol", Name: "Compound", Network: "mainnet", TotalValueLocked: decimal.Zero}
	}

	created, err := repo.CreateIfAbsent(ctx, newProtocol())
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.CreateIfAbsent(ctx, newProtocol())
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, repo.AddTVL(ctx, "0xprotocol", decimal.RequireFromString("10.5")))
	require.NoError(t, repo.AddTVL(ctx, "0xprotocol", decimal.RequireFromString("-0.25")))
	require.NoError(t, repo.SetPriceOracle(ctx, "0xprotocol", "0xoracle"))

	stored, err := repo.GetByID(ctx, "0xprotocol")
	require.NoError(t, err)
	assert.True(t, stored.TotalValueLocked.Equal(decimal.RequireFromString("10.25")), stored.TotalValueLocked.String())
	assert.Equal(t, "0xoracle", stored.PriceOracle)

	assert.ErrorIs(t, repo.AddTVL(ctx, "0xnone", decimal.NewFromInt(1)), ErrProtocolNotFound)
	_, err = repo.GetByID(ctx, "0xnone")
	assert.ErrorIs(t, err, ErrProtocolNotFound)
}
