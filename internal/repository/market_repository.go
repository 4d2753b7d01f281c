package repository

import (
	"context"
	"errors"
	"time"

	"github.com/eidos-exchange/eidos-lending/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrMarketNotFound = errors.New("market not found")
)

// MarketRepository 市场仓储接口
type MarketRepository interface {
	GetByID(ctx context.Context, id string) (*model.Market, error)
	// CreateIfAbsent 比较并创建，已存在时返回 false 且不修改已有行
	CreateIfAbsent(ctx context.Context, market *model.Market) (bool, error)
	// AddBalance 原子累加余额 (行锁持有至事务结束)
	AddBalance(ctx context.Context, id string, delta decimal.Decimal) error
	// UpdateFields 部分更新，未出现的字段保持不变
	UpdateFields(ctx context.Context, id string, fields map[string]interface{}) error
	SumTotalValueLocked(ctx context.Context, protocolID string) (decimal.Decimal, error)
	ListIDs(ctx context.Context, protocolID string) ([]string, error)
}

// marketRepository 市场仓储实现
type marketRepository struct {
	*Repository
}

// NewMarketRepository 创建市场仓储
func NewMarketRepository(db *gorm.DB) MarketRepository {
	return &marketRepository{
		Repository: NewRepository(db),
	}
}

func (r *marketRepository) GetByID(ctx context.Context, id string) (*model.Market, error) {
	var market model.Market
	err := r.DB(ctx).Where("id = ?", id).First(&market).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMarketNotFound
	}
	if err != nil {
		return nil, err
	}
	return &market, nil
}

func (r *marketRepository) CreateIfAbsent(ctx context.Context, market *model.Market) (bool, error) {
	now := time.Now().UnixMilli()
	market.CreatedAt = now
	market.UpdatedAt = now

	result := r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(market)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *marketRepository) AddBalance(ctx context.Context, id string, delta decimal.Decimal) error {
	result := r.DB(ctx).Model(&model.Market{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"input_token_balance": gorm.Expr("input_token_balance + ?", delta),
			"updated_at":          time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrMarketNotFound
	}
	return nil
}

func (r *marketRepository) UpdateFields(ctx context.Context, id string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	updates := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		updates[k] = v
	}
	updates["updated_at"] = time.Now().UnixMilli()

	result := r.DB(ctx).Model(&model.Market{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrMarketNotFound
	}
	return nil
}

func (r *marketRepository) SumTotalValueLocked(ctx context.Context, protocolID string) (decimal.Decimal, error) {
	var sum decimal.NullDecimal
	err := r.DB(ctx).Model(&model.Market{}).
		Select("SUM(total_value_locked_usd)").
		Where("protocol_id = ?", protocolID).
		Row().Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return sum.Decimal, nil
}

func (r *marketRepository) ListIDs(ctx context.Context, protocolID string) ([]string, error) {
	var ids []string
	err := r.DB(ctx).Model(&model.Market{}).
		Where("protocol_id = ?", protocolID).
		Order("id ASC").
		Pluck("id", &ids).Error
	return ids, err
}
