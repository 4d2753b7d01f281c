package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos-lending/internal/model"
)

// TestSnapshotRepository_Increment 测试快照懒创建与递增
func TestSnapshotRepository_Increment(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSnapshotRepository(db)
	ctx := context.Background()

	ts := int64(1_700_000_000)
	incs := []model.TransactionType{
		model.TransactionTypeDeposit,
		model.TransactionTypeDeposit,
		model.TransactionTypeBorrow,
	}
	for i, tt := range incs {
		err := repo.Increment(ctx, &SnapshotIncrement{
			ProtocolID:  "0xprotocol",
			Period:      model.SnapshotPeriodDaily,
			Type:        tt,
			BlockNumber: int64(100 + i),
			Timestamp:   ts + int64(i),
		})
		require.NoError(t, err)
	}

	id := model.SnapshotID(model.SnapshotPeriodDaily, model.SnapshotPeriodDaily.BucketID(ts))
	snap, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.DepositCount)
	assert.Equal(t, int64(1), snap.BorrowCount)
	assert.Equal(t, int64(0), snap.WithdrawCount)
	assert.Equal(t, int64(3), snap.TransactionCount)
	assert.Equal(t, int64(102), snap.BlockNumber)

	t.Run("hourly bucket is independent", func(t *testing.T) {
		_, err := repo.GetByID(ctx, model.SnapshotID(model.SnapshotPeriodHourly, model.SnapshotPeriodHourly.BucketID(ts)))
		assert.ErrorIs(t, err, ErrSnapshotNotFound)
	})

	t.Run("unknown counter", func(t *testing.T) {
		err := repo.Increment(ctx, &SnapshotIncrement{Period: model.SnapshotPeriodDaily, Type: "MINT"})
		assert.ErrorIs(t, err, ErrUnknownCounter)
	})
}

// TestProcessedEventRepository 测试管理类事件幂等记录
func TestProcessedEventRepository(t *testing.T) {
	db := setupTestDB(t)
	repo := NewProcessedEventRepository(db)
	ctx := context.Background()

	event := func() *model.ProcessedEvent {
		return &model.ProcessedEvent{
			ID:              "0xhash-1",
			EventType:       model.EventTypeMarketListed,
			ContractAddress: "0xcomptroller",
			BlockNumber:     10,
			EventData:       `{"market":"0xm1"}`,
		}
	}

	first, err := repo.MarkProcessed(ctx, event())
	require.NoError(t, err)
	assert.True(t, first)

	again, err := repo.MarkProcessed(ctx, event())
	require.NoError(t, err)
	assert.False(t, again)

	ok, err := repo.Exists(ctx, "0xhash-1")
	require.NoError(t, err)
	assert.True(t, ok)
}
