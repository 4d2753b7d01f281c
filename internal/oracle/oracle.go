// Package oracle 提供按历史区块查询代币 USD 价格的来源
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/eidos-exchange/eidos-lending/internal/contract"
	"github.com/eidos-exchange/eidos-lending/internal/model"
)

var (
	ErrNoQuote = errors.New("no price quote")
	// ErrQuoteUnavailable 来源读取失败，重试可能得到报价
	ErrQuoteUnavailable = fmt.Errorf("%w: source unavailable", ErrNoQuote)
)

// Client 价格来源，同一 (token, block) 必须返回同一价格
type Client interface {
	Quote(ctx context.Context, token string, block int64) (*model.PriceQuote, error)
}

// StaticOracle 配置的固定价格 (稳定币等)
type StaticOracle struct {
	prices map[string]decimal.Decimal
}

// NewStaticOracle 从 token -> 价格字符串创建
func NewStaticOracle(prices map[string]string) (*StaticOracle, error) {
	parsed := make(map[string]decimal.Decimal, len(prices))
	for token, p := range prices {
		d, err := decimal.NewFromString(p)
		if err != nil {
			return nil, fmt.Errorf("invalid static price for %s: %w", token, err)
		}
		if !d.IsPositive() {
			return nil, fmt.Errorf("static price for %s must be positive", token)
		}
		parsed[strings.ToLower(token)] = d
	}
	return &StaticOracle{prices: parsed}, nil
}

// Quote 查询价格
func (o *StaticOracle) Quote(ctx context.Context, token string, block int64) (*model.PriceQuote, error) {
	p, ok := o.prices[strings.ToLower(token)]
	if !ok {
		return nil, ErrNoQuote
	}
	return &model.PriceQuote{Price: p, Source: "static"}, nil
}

// FeedReader 读取喂价合约
type FeedReader interface {
	BigInt(ctx context.Context, address, method string, block int64) (*big.Int, error)
	Decimals(ctx context.Context, address string, block int64) (int32, error)
}

// FeedOracle Chainlink 风格喂价合约，在事件区块读取 latestAnswer
type FeedOracle struct {
	reader FeedReader
	feeds  map[string]string

	// 喂价精度不随区块变化
	decimalsMu sync.RWMutex
	decimals   map[string]int32
}

// NewFeedOracle 创建喂价预言机，feeds 为 token -> feed 地址
func NewFeedOracle(reader FeedReader, feeds map[string]string) *FeedOracle {
	normalized := make(map[string]string, len(feeds))
	for token, feed := range feeds {
		normalized[strings.ToLower(token)] = strings.ToLower(feed)
	}
	return &FeedOracle{
		reader:   reader,
		feeds:    normalized,
		decimals: make(map[string]int32),
	}
}

// Quote 查询价格
func (o *FeedOracle) Quote(ctx context.Context, token string, block int64) (*model.PriceQuote, error) {
	feed, ok := o.feeds[strings.ToLower(token)]
	if !ok {
		return nil, ErrNoQuote
	}

	answer, err := o.reader.BigInt(ctx, feed, contract.MethodLatestAnswer, block)
	if err != nil {
		return nil, fmt.Errorf("%w: feed %s: %v", ErrQuoteUnavailable, feed, err)
	}
	if answer.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive answer from feed %s", ErrNoQuote, feed)
	}

	decimals, err := o.feedDecimals(ctx, feed, block)
	if err != nil {
		return nil, fmt.Errorf("%w: feed %s decimals: %v", ErrQuoteUnavailable, feed, err)
	}

	return &model.PriceQuote{
		Price:        decimal.NewFromBigInt(answer, 0),
		BaseDecimals: decimals,
		Source:       "feed",
	}, nil
}

func (o *FeedOracle) feedDecimals(ctx context.Context, feed string, block int64) (int32, error) {
	o.decimalsMu.RLock()
	d, ok := o.decimals[feed]
	o.decimalsMu.RUnlock()
	if ok {
		return d, nil
	}

	d, err := o.reader.Decimals(ctx, feed, block)
	if err != nil {
		return 0, err
	}

	o.decimalsMu.Lock()
	o.decimals[feed] = d
	o.decimalsMu.Unlock()
	return d, nil
}

// TieredOracle 按顺序尝试多个来源，第一个成功者胜出。
// 前序来源读取失败后由后序来源给出的报价标记为 Fallback。
type TieredOracle struct {
	tiers []Client
}

// NewTieredOracle 创建组合预言机
func NewTieredOracle(tiers ...Client) *TieredOracle {
	return &TieredOracle{tiers: tiers}
}

// Quote 查询价格
func (o *TieredOracle) Quote(ctx context.Context, token string, block int64) (*model.PriceQuote, error) {
	var lastErr error = ErrNoQuote
	degraded := false
	for _, tier := range o.tiers {
		q, err := tier.Quote(ctx, token, block)
		if err == nil {
			if degraded {
				out := *q
				out.Fallback = true
				return &out, nil
			}
			return q, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoQuote, ctx.Err())
		}
		// 只有"该来源没有此代币"是确定的未命中
		if errors.Is(err, ErrQuoteUnavailable) || !errors.Is(err, ErrNoQuote) {
			degraded = true
		}
		lastErr = err
	}
	if !errors.Is(lastErr, ErrNoQuote) {
		lastErr = fmt.Errorf("%w: %v", ErrNoQuote, lastErr)
	}
	return nil, lastErr
}
