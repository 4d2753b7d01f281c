package service

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos-lending/internal/model"
	"github.com/eidos-exchange/eidos-lending/internal/repository"
)

// TestReconciliation_Drift 测试漂移检测
func TestReconciliation_Drift(t *testing.T) {
	db := setupTestDB(t)
	marketRepo := repository.NewMarketRepository(db)
	protocolRepo := repository.NewProtocolRepository(db)
	ctx := context.Background()

	_, err := protocolRepo.CreateIfAbsent(ctx, &model.Protocol{
		ID:               comptroller,
		Name:             "Compound",
		Network:          "mainnet",
		TotalValueLocked: decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	_, err = marketRepo.CreateIfAbsent(ctx, &model.Market{
		ID:               cUSDC,
		ProtocolID:       comptroller,
		Kind:             model.MarketKindCToken,
		InputTokenID:     usdc,
		Decimals:         6,
		TotalValueLocked: decimal.NewFromInt(8),
	})
	require.NoError(t, err)

	svc := NewReconciliationService(marketRepo, protocolRepo, comptroller, decimal.NewFromInt(1))
	report, err := svc.Check(ctx)
	require.NoError(t, err)
	assert.True(t, report.Drift.Equal(decimal.NewFromInt(2)))
	assert.True(t, report.MarketsTVL.Equal(decimal.NewFromInt(8)))
	assert.Equal(t, 1, report.Markets)

	t.Run("missing protocol", func(t *testing.T) {
		svc := NewReconciliationService(marketRepo, protocolRepo, cETH, decimal.Zero)
		_, err := svc.Check(ctx)
		assert.ErrorIs(t, err, repository.ErrProtocolNotFound)
	})
}
