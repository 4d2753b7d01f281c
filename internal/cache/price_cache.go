package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-lending/internal/model"
)

// Redis 缓存键格式
const (
	KeyPrice = "eidos:lending:price:%s:%d" // token:block
)

// DefaultPriceTTL 历史价格不变，TTL 仅用于回收空间
const DefaultPriceTTL = 7 * 24 * time.Hour

// PriceCache 跨实例共享的历史价格缓存
type PriceCache interface {
	Get(ctx context.Context, token string, block int64) (*model.PriceQuote, error)
	Set(ctx context.Context, token string, block int64, quote *model.PriceQuote) error
}

// RedisPriceCache Redis 价格缓存实现
type RedisPriceCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisPriceCache 创建 Redis 价格缓存
func NewRedisPriceCache(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RedisPriceCache {
	if ttl <= 0 {
		ttl = DefaultPriceTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPriceCache{
		client: client,
		ttl:    ttl,
		logger: logger.Named("price_cache"),
	}
}

func priceKey(token string, block int64) string {
	return fmt.Sprintf(KeyPrice, strings.ToLower(token), block)
}

// Get 获取缓存价格，未命中返回 nil, nil
func (c *RedisPriceCache) Get(ctx context.Context, token string, block int64) (*model.PriceQuote, error) {
	data, err := c.client.Get(ctx, priceKey(token, block)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var quote model.PriceQuote
	if err := json.Unmarshal(data, &quote); err != nil {
		c.logger.Warn("drop undecodable price entry",
			zap.String("token", token),
			zap.Int64("block", block),
			zap.Error(err))
		return nil, nil
	}
	return &quote, nil
}

// Set 写入价格
func (c *RedisPriceCache) Set(ctx context.Context, token string, block int64, quote *model.PriceQuote) error {
	data, err := json.Marshal(quote)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, priceKey(token, block), data, c.ttl).Err()
}
