package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eidos-exchange/eidos-lending/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrUnknownCounter   = errors.New("unknown snapshot counter")
)

// SnapshotIncrement 一次快照计数递增
type SnapshotIncrement struct {
	ProtocolID  string
	Period      model.SnapshotPeriod
	Type        model.TransactionType
	BlockNumber int64
	Timestamp   int64
}

// SnapshotRepository 使用量快照仓储接口
type SnapshotRepository interface {
	// Increment 懒创建桶并递增对应计数，计数只增不减
	Increment(ctx context.Context, inc *SnapshotIncrement) error
	GetByID(ctx context.Context, id string) (*model.UsageSnapshot, error)
}

// snapshotRepository 使用量快照仓储实现
type snapshotRepository struct {
	*Repository
}

// NewSnapshotRepository 创建使用量快照仓储
func NewSnapshotRepository(db *gorm.DB) SnapshotRepository {
	return &snapshotRepository{
		Repository: NewRepository(db),
	}
}

func (r *snapshotRepository) Increment(ctx context.Context, inc *SnapshotIncrement) error {
	column := model.CounterColumn(inc.Type)
	if column == "" {
		return fmt.Errorf("%w: %s", ErrUnknownCounter, inc.Type)
	}

	now := time.Now().UnixMilli()
	bucket := inc.Period.BucketID(inc.Timestamp)
	snapshot := &model.UsageSnapshot{
		ID:               model.SnapshotID(inc.Period, bucket),
		ProtocolID:       inc.ProtocolID,
		Period:           inc.Period,
		BucketID:         bucket,
		TransactionCount: 1,
		BlockNumber:      inc.BlockNumber,
		Timestamp:        inc.Timestamp,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	switch inc.Type {
	case model.TransactionTypeDeposit:
		snapshot.DepositCount = 1
	case model.TransactionTypeWithdraw:
		snapshot.WithdrawCount = 1
	case model.TransactionTypeBorrow:
		snapshot.BorrowCount = 1
	case model.TransactionTypeRepay:
		snapshot.RepayCount = 1
	case model.TransactionTypeLiquidation:
		snapshot.LiquidationCount = 1
	}

	table := model.UsageSnapshot{}.TableName()
	return r.DB(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			column:              gorm.Expr(fmt.Sprintf("%s.%s + 1", table, column)),
			"transaction_count": gorm.Expr(fmt.Sprintf("%s.transaction_count + 1", table)),
			"block_number":      inc.BlockNumber,
			"timestamp":         inc.Timestamp,
			"updated_at":        now,
		}),
	}).Create(snapshot).Error
}

func (r *snapshotRepository) GetByID(ctx context.Context, id string) (*model.UsageSnapshot, error) {
	var snapshot model.UsageSnapshot
	err := r.DB(ctx).Where("id = ?", id).First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}
