package repository

import (
	"context"
	"errors"
	"time"

	"github.com/eidos-exchange/eidos-lending/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
)

// TransactionRepository 借贷流水仓储接口 (只追加)
type TransactionRepository interface {
	// Create 插入流水，ID 已存在时不做任何修改并返回 false
	Create(ctx context.Context, tx *model.Transaction) (bool, error)
	Exists(ctx context.Context, id string) (bool, error)
	GetByID(ctx context.Context, id string) (*model.Transaction, error)
	ListByMarket(ctx context.Context, marketID string, limit int) ([]*model.Transaction, error)
}

// transactionRepository 借贷流水仓储实现
type transactionRepository struct {
	*Repository
}

// NewTransactionRepository 创建借贷流水仓储
func NewTransactionRepository(db *gorm.DB) TransactionRepository {
	return &transactionRepository{
		Repository: NewRepository(db),
	}
}

func (r *transactionRepository) Create(ctx context.Context, tx *model.Transaction) (bool, error) {
	if tx.CreatedAt == 0 {
		tx.CreatedAt = time.Now().UnixMilli()
	}
	result := r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(tx)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *transactionRepository) Exists(ctx context.Context, id string) (bool, error) {
	var count int64
	err := r.DB(ctx).Model(&model.Transaction{}).Where("id = ?", id).Count(&count).Error
	return count > 0, err
}

func (r *transactionRepository) GetByID(ctx context.Context, id string) (*model.Transaction, error) {
	var tx model.Transaction
	err := r.DB(ctx).Where("id = ?", id).First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *transactionRepository) ListByMarket(ctx context.Context, marketID string, limit int) ([]*model.Transaction, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var txs []*model.Transaction
	err := r.DB(ctx).
		Where("market_id = ?", marketID).
		Order("block_number ASC, log_index ASC").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}
