package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/gammazero/workerpool"
	lru "github.com/hashicorp/golang-lru"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/eidos-exchange/eidos-lending/internal/contract"
	"github.com/eidos-exchange/eidos-lending/internal/metrics"
	"github.com/eidos-exchange/eidos-lending/internal/model"
	"github.com/eidos-exchange/eidos-lending/internal/repository"
	"github.com/eidos-exchange/eidos-lending/pkg/logger"
)

// ContractReader 合约只读调用，读取失败返回 contract.ErrContractReadReverted
type ContractReader interface {
	String(ctx context.Context, address, method string, block int64) (string, error)
	Decimals(ctx context.Context, address string, block int64) (int32, error)
	BigInt(ctx context.Context, address, method string, block int64) (*big.Int, error)
	Address(ctx context.Context, address, method string, block int64) (string, error)
}

// MarketDefaults 市场静态配置，出现的字段优先于链上读取
type MarketDefaults struct {
	Address    string
	Kind       model.MarketKind
	Underlying string
	Decimals   int32
	Name       string
	Symbol     string
}

// MarketRegistryConfig 市场注册表配置
type MarketRegistryConfig struct {
	ProtocolID       string
	Markets          []MarketDefaults
	EnforceAllowList bool
	DefaultDecimals  int32
	CacheSize        int
	WarmupWorkers    int
}

// MarketRegistry 懒创建并缓存市场元数据。
// 同一市场的并发首次访问只会发起一次链上读取，创建为比较并创建，落败方读取胜出方的记录。
type MarketRegistry struct {
	marketRepo repository.MarketRepository
	tokenRepo  repository.TokenRepository
	reader     ContractReader
	cfg        *MarketRegistryConfig
	defaults   map[string]*MarketDefaults

	cache *lru.ARCCache
	group singleflight.Group
}

// NewMarketRegistry 创建市场注册表
func NewMarketRegistry(
	marketRepo repository.MarketRepository,
	tokenRepo repository.TokenRepository,
	reader ContractReader,
	cfg *MarketRegistryConfig,
) (*MarketRegistry, error) {
	if cfg.DefaultDecimals == 0 {
		cfg.DefaultDecimals = 18
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.WarmupWorkers <= 0 {
		cfg.WarmupWorkers = 4
	}

	cache, err := lru.NewARC(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create market cache: %w", err)
	}

	defaults := make(map[string]*MarketDefaults, len(cfg.Markets))
	for i := range cfg.Markets {
		m := &cfg.Markets[i]
		m.Address = strings.ToLower(m.Address)
		m.Underlying = strings.ToLower(m.Underlying)
		if m.Kind == "" {
			m.Kind = model.MarketKindCToken
		}
		defaults[m.Address] = m
	}

	return &MarketRegistry{
		marketRepo: marketRepo,
		tokenRepo:  tokenRepo,
		reader:     reader,
		cfg:        cfg,
		defaults:   defaults,
		cache:      cache,
	}, nil
}

// Allowed 是否允许该市场
func (r *MarketRegistry) Allowed(marketID string) bool {
	if !r.cfg.EnforceAllowList {
		return true
	}
	_, ok := r.defaults[strings.ToLower(marketID)]
	return ok
}

// GetOrCreate 获取市场元数据，首次出现时按 block 处的链上状态创建。
// 合约读取失败不会返回错误，而是回退默认值并标记为 provisional。
// 返回值只读。
func (r *MarketRegistry) GetOrCreate(ctx context.Context, marketID string, block int64) (*model.MarketMeta, error) {
	id := strings.ToLower(marketID)
	if v, ok := r.cache.Get(id); ok {
		return v.(*model.MarketMeta), nil
	}
	if !r.Allowed(id) {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotAllowed, id)
	}

	v, err, _ := r.group.Do(id, func() (interface{}, error) {
		market, err := r.marketRepo.GetByID(ctx, id)
		if err == nil {
			return market.Meta(), nil
		}
		if !errors.Is(err, repository.ErrMarketNotFound) {
			return nil, err
		}
		return r.create(ctx, id, block)
	})
	if err != nil {
		return nil, err
	}

	meta := v.(*model.MarketMeta)
	r.cache.Add(id, meta)
	return meta, nil
}

func (r *MarketRegistry) create(ctx context.Context, id string, block int64) (*model.MarketMeta, error) {
	market := r.load(ctx, id, block)

	token := r.loadToken(ctx, market.InputTokenID, market.Decimals, block)
	if _, err := r.tokenRepo.CreateIfAbsent(ctx, token); err != nil {
		return nil, fmt.Errorf("create token %s: %w", token.ID, err)
	}

	created, err := r.marketRepo.CreateIfAbsent(ctx, market)
	if err != nil {
		return nil, fmt.Errorf("create market %s: %w", id, err)
	}
	if !created {
		stored, err := r.marketRepo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return stored.Meta(), nil
	}

	metrics.RecordMarketCreated(market.Provisional)
	log := logger.WithContext(ctx)
	if market.Provisional {
		log.Warn("market created with provisional metadata",
			zap.String("market", id),
			zap.String("input_token", market.InputTokenID),
			zap.Int64("block", block))
	} else {
		log.Info("market created",
			zap.String("market", id),
			zap.String("symbol", market.Symbol),
			zap.String("input_token", market.InputTokenID),
			zap.Int32("decimals", market.Decimals))
	}
	return market.Meta(), nil
}

// load 读取市场静态元数据，任一读取失败即标记 provisional
func (r *MarketRegistry) load(ctx context.Context, id string, block int64) *model.Market {
	def := r.defaults[id]
	if def == nil {
		def = &MarketDefaults{Address: id, Kind: model.MarketKindCToken}
	}

	provisional := false
	readString := func(configured, method string) string {
		if configured != "" {
			return configured
		}
		v, err := r.reader.String(ctx, id, method, block)
		if err != nil {
			provisional = true
			return ""
		}
		return v
	}

	market := &model.Market{
		ID:                 id,
		ProtocolID:         r.cfg.ProtocolID,
		Kind:               def.Kind,
		Name:               readString(def.Name, contract.MethodName),
		Symbol:             readString(def.Symbol, contract.MethodSymbol),
		MaximumLTV:         decimal.Zero,
		CreatedBlockNumber: block,
	}

	underlying := def.Underlying
	if underlying == "" {
		method := contract.MethodUnderlying
		if def.Kind == model.MarketKindVault {
			method = contract.MethodAsset
		}
		v, err := r.reader.Address(ctx, id, method, block)
		if err != nil {
			// 无底层资产时以市场自身计价
			provisional = true
			v = id
		}
		underlying = v
	}
	market.InputTokenID = underlying

	market.Decimals = def.Decimals
	if market.Decimals == 0 {
		market.Decimals = r.tokenDecimals(ctx, underlying, block, &provisional)
	}

	market.OutputTokenSupply = r.readAmount(ctx, id, contract.MethodTotalSupply, block, &provisional)
	if def.Kind == model.MarketKindVault {
		market.TotalAssets = r.readAmount(ctx, id, contract.MethodTotalAssets, block, &provisional)
	}

	market.Provisional = provisional
	return market
}

// tokenDecimals 优先使用已登记代币的精度
func (r *MarketRegistry) tokenDecimals(ctx context.Context, tokenID string, block int64, provisional *bool) int32 {
	if token, err := r.tokenRepo.GetByID(ctx, tokenID); err == nil {
		return token.Decimals
	}
	d, err := r.reader.Decimals(ctx, tokenID, block)
	if err != nil {
		*provisional = true
		return r.cfg.DefaultDecimals
	}
	return d
}

func (r *MarketRegistry) readAmount(ctx context.Context, id, method string, block int64, provisional *bool) decimal.Decimal {
	v, err := r.reader.BigInt(ctx, id, method, block)
	if err != nil {
		*provisional = true
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, 0)
}

func (r *MarketRegistry) loadToken(ctx context.Context, tokenID string, decimals int32, block int64) *model.Token {
	token := &model.Token{ID: tokenID, Decimals: decimals}
	if name, err := r.reader.String(ctx, tokenID, contract.MethodName, block); err == nil {
		token.Name = name
	} else {
		token.Provisional = true
	}
	if symbol, err := r.reader.String(ctx, tokenID, contract.MethodSymbol, block); err == nil {
		token.Symbol = symbol
	} else {
		token.Provisional = true
	}
	return token
}

// ConvertShares 金库份额按 block 处的 totalAssets/totalSupply 换算为资产数量 (向下取整)
func (r *MarketRegistry) ConvertShares(ctx context.Context, marketID string, shares decimal.Decimal, block int64) (decimal.Decimal, error) {
	totalAssets, err := r.reader.BigInt(ctx, marketID, contract.MethodTotalAssets, block)
	if err != nil {
		return decimal.Zero, err
	}
	totalSupply, err := r.reader.BigInt(ctx, marketID, contract.MethodTotalSupply, block)
	if err != nil {
		return decimal.Zero, err
	}
	if totalSupply.Sign() == 0 {
		return shares, nil
	}
	assets := new(big.Int).Mul(shares.BigInt(), totalAssets)
	assets.Quo(assets, totalSupply)
	return decimal.NewFromBigInt(assets, 0), nil
}

// Warmup 在 block 处预加载所有已配置市场。
// block 未知 (<= 0) 时跳过，市场在首次出现的事件区块创建。
func (r *MarketRegistry) Warmup(ctx context.Context, block int64) error {
	if len(r.cfg.Markets) == 0 {
		return nil
	}
	if block <= 0 {
		logger.Info("market warmup skipped without start block", zap.Int("markets", len(r.cfg.Markets)))
		return nil
	}

	wp := workerpool.New(r.cfg.WarmupWorkers)
	var (
		mu   sync.Mutex
		errs []error
	)
	for _, m := range r.cfg.Markets {
		address := m.Address
		wp.Submit(func() {
			if _, err := r.GetOrCreate(ctx, address, block); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", address, err))
				mu.Unlock()
			}
		})
	}
	wp.StopWait()

	if len(errs) > 0 {
		logger.Warn("market warmup incomplete",
			zap.Int("configured", len(r.cfg.Markets)),
			zap.Int("failed", len(errs)))
		return errors.Join(errs...)
	}
	logger.Info("market warmup completed", zap.Int("markets", len(r.cfg.Markets)))
	return nil
}
