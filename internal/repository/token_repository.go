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
	ErrTokenNotFound = errors.New("token not found")
)

// TokenRepository 代币仓储接口
type TokenRepository interface {
	GetByID(ctx context.Context, id string) (*model.Token, error)
	CreateIfAbsent(ctx context.Context, token *model.Token) (bool, error)
}

type tokenRepository struct {
	*Repository
}

// NewTokenRepository 创建代币仓储
func NewTokenRepository(db *gorm.DB) TokenRepository {
	return &tokenRepository{
		Repository: NewRepository(db),
	}
}

func (r *tokenRepository) GetByID(ctx context.Context, id string) (*model.Token, error) {
	var token model.Token
	err := r.DB(ctx).Where("id = ?", id).First(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (r *tokenRepository) CreateIfAbsent(ctx context.Context, token *model.Token) (bool, error) {
	token.CreatedAt = time.Now().UnixMilli()
	result := r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(token)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
