package repository

import (
	"context"
	"time"

	"github.com/eidos-exchange/eidos-lending/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProcessedEventRepository 管理类事件处理记录仓储
type ProcessedEventRepository interface {
	// MarkProcessed 首次写入返回 true，重放返回 false
	MarkProcessed(ctx context.Context, event *model.ProcessedEvent) (bool, error)
	Exists(ctx context.Context, id string) (bool, error)
}

type processedEventRepository struct {
	*Repository
}

// NewProcessedEventRepository 创建事件处理记录仓储
func NewProcessedEventRepository(db *gorm.DB) ProcessedEventRepository {
	return &processedEventRepository{
		Repository: NewRepository(db),
	}
}

func (r *processedEventRepository) MarkProcessed(ctx context.Context, event *model.ProcessedEvent) (bool, error) {
	event.CreatedAt = time.Now().UnixMilli()
	result := r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *processedEventRepository) Exists(ctx context.Context, id string) (bool, error) {
	var count int64
	err := r.DB(ctx).Model(&model.ProcessedEvent{}).Where("id = ?", id).Count(&count).Error
	return count > 0, err
}
