package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-lending/internal/cache"
	"github.com/eidos-exchange/eidos-lending/internal/metrics"
	"github.com/eidos-exchange/eidos-lending/internal/model"
	"github.com/eidos-exchange/eidos-lending/internal/oracle"
	"github.com/eidos-exchange/eidos-lending/pkg/logger"
)

// PriceResolverConfig 价格解析配置
type PriceResolverConfig struct {
	// TokenRemap 包装/合成代币 -> 参考代币
	TokenRemap map[string]string
	Timeout    time.Duration
	CacheSize  int
}

// PriceResolver 按 (代币, 区块) 解析 USD 单价。
// 同一键总是返回同一结果；失败不缓存。
type PriceResolver struct {
	oracle  oracle.Client
	shared  cache.PriceCache // 可为 nil
	local   *lru.ARCCache
	remap   map[string]string
	timeout time.Duration
}

// NewPriceResolver 创建价格解析器
func NewPriceResolver(client oracle.Client, shared cache.PriceCache, cfg *PriceResolverConfig) (*PriceResolver, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10000
	}
	local, err := lru.NewARC(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create price cache: %w", err)
	}
	remap := make(map[string]string, len(cfg.TokenRemap))
	for k, v := range cfg.TokenRemap {
		remap[strings.ToLower(k)] = strings.ToLower(v)
	}
	return &PriceResolver{
		oracle:  client,
		shared:  shared,
		local:   local,
		remap:   remap,
		timeout: cfg.Timeout,
	}, nil
}

// ReferenceToken 定价使用的参考代币
func (r *PriceResolver) ReferenceToken(token string) string {
	token = strings.ToLower(token)
	if ref, ok := r.remap[token]; ok {
		return ref
	}
	return token
}

// Resolve 获取 token 在 block 处的价格，无价格返回 ErrNoPriceFound
func (r *PriceResolver) Resolve(ctx context.Context, token string, block int64) (*model.PriceQuote, error) {
	if token == "" || block <= 0 {
		return nil, fmt.Errorf("%w: token %q block %d", ErrNoPriceFound, token, block)
	}
	ref := r.ReferenceToken(token)
	key := fmt.Sprintf("%s:%d", ref, block)

	if v, ok := r.local.Get(key); ok {
		metrics.RecordPriceLookup("memory")
		q := *v.(*model.PriceQuote)
		return &q, nil
	}

	if r.shared != nil {
		q, err := r.shared.Get(ctx, ref, block)
		if err != nil {
			logger.Warn("shared price cache unavailable",
				zap.String("token", ref),
				zap.Int64("block", block),
				zap.Error(err))
		} else if q != nil && q.Price.IsPositive() {
			metrics.RecordPriceLookup("redis")
			r.local.Add(key, q)
			out := *q
			return &out, nil
		}
	}

	quoteCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	q, err := r.oracle.Quote(quoteCtx, ref, block)
	if err != nil {
		metrics.RecordPriceLookup("miss")
		return nil, fmt.Errorf("%w: %s at %d: %v", ErrNoPriceFound, ref, block, err)
	}
	if q == nil || !q.Price.IsPositive() {
		metrics.RecordPriceLookup("miss")
		return nil, fmt.Errorf("%w: %s at %d: non-positive price", ErrNoPriceFound, ref, block)
	}

	if q.Fallback {
		// 优先来源恢复后同一 (token, block) 可能得到不同价格
		metrics.RecordPriceLookup("fallback")
		logger.WithContext(ctx).Warn("price from fallback source, not cached",
			zap.String("token", ref),
			zap.Int64("block", block),
			zap.String("source", q.Source))
		out := *q
		return &out, nil
	}

	metrics.RecordPriceLookup("oracle")
	r.local.Add(key, q)
	if r.shared != nil {
		if err := r.shared.Set(ctx, ref, block, q); err != nil {
			logger.Warn("failed to store price in shared cache",
				zap.String("token", ref),
				zap.Int64("block", block),
				zap.Error(err))
		}
	}
	out := *q
	return &out, nil
}
