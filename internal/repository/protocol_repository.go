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
	ErrProtocolNotFound = errors.New("protocol not found")
)

// ProtocolRepository 协议仓储接口
type ProtocolRepository interface {
	GetByID(ctx context.Context, id string) (*model.Protocol, error)
	CreateIfAbsent(ctx context.Context, protocol *model.Protocol) (bool, error)
	// AddTVL 按单笔流水的 USD 增量调整，从不重新汇总
	AddTVL(ctx context.Context, id string, delta decimal.Decimal) error
	SetPriceOracle(ctx context.Context, id string, oracle string) error
}

// protocolRepository 协议仓储实现
type protocolRepository struct {
	*Repository
}

// NewProtocolRepository 创建协议仓储
func NewProtocolRepository(db *gorm.DB) ProtocolRepository {
	return &protocolRepository{
		Repository: NewRepository(db),
	}
}

func (r *protocolRepository) GetByID(ctx context.Context, id string) (*model.Protocol, error) {
	var protocol model.Protocol
	err := r.DB(ctx).Where("id = ?", id).First(&protocol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProtocolNotFound
	}
	if err != nil {
		return nil, err
	}
	return &protocol, nil
}

func (r *protocolRepository) CreateIfAbsent(ctx context.Context, protocol *model.Protocol) (bool, error) {
	now := time.Now().UnixMilli()
	protocol.CreatedAt = now
	protocol.UpdatedAt = now

	result := r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(protocol)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *protocolRepository) AddTVL(ctx context.Context, id string, delta decimal.Decimal) error {
	return r.update(ctx, id, map[string]interface{}{
		"total_value_locked_usd": gorm.Expr("total_value_locked_usd + ?", delta),
	})
}

func (r *protocolRepository) SetPriceOracle(ctx context.Context, id string, oracle string) error {
	return r.update(ctx, id, map[string]interface{}{
		"price_oracle": oracle,
	})
}

func (r *protocolRepository) update(ctx context.Context, id string, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now().UnixMilli()
	result := r.DB(ctx).Model(&model.Protocol{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrProtocolNotFound
	}
	return nil
}
