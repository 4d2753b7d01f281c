package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/eidos-exchange/eidos-lending/internal/model"
	"github.com/eidos-exchange/eidos-lending/internal/repository"
)

// AggregateInput 一笔流水对应的聚合输入
type AggregateInput struct {
	Transaction *model.Transaction
	Market      *model.MarketMeta
	// Price 为 nil 时跳过 TVL 更新
	Price *model.PriceQuote
	// CollateralMarket 清算时被扣押的抵押市场，可为 nil
	CollateralMarket *model.MarketMeta
}

// AggregateResult 聚合更新结果
type AggregateResult struct {
	NewBalance decimal.Decimal
	PrevTVL    decimal.Decimal
	NewTVL     decimal.Decimal
	TVLDelta   decimal.Decimal
	TVLUpdated bool
}

// AggregateUpdater 按固定顺序更新市场余额、市场 TVL、协议 TVL 和使用量快照。
// 必须在持有流水写入的同一数据库事务中调用 (ctx 携带事务)。
type AggregateUpdater struct {
	marketRepo   repository.MarketRepository
	protocolRepo repository.ProtocolRepository
	snapshotRepo repository.SnapshotRepository

	protocol *model.Protocol
	usdScale int32
}

// NewAggregateUpdater 创建聚合更新器，protocol 用于首次写入时懒创建协议
func NewAggregateUpdater(
	marketRepo repository.MarketRepository,
	protocolRepo repository.ProtocolRepository,
	snapshotRepo repository.SnapshotRepository,
	protocol *model.Protocol,
	usdScale int32,
) *AggregateUpdater {
	if usdScale <= 0 {
		usdScale = 18
	}
	return &AggregateUpdater{
		marketRepo:   marketRepo,
		protocolRepo: protocolRepo,
		snapshotRepo: snapshotRepo,
		protocol:     protocol,
		usdScale:     usdScale,
	}
}

// Apply 应用一笔流水
func (u *AggregateUpdater) Apply(ctx context.Context, in *AggregateInput) (*AggregateResult, error) {
	tx := in.Transaction
	delta := tx.RawAmount
	if !tx.Type.IsInflow() {
		delta = delta.Neg()
	}

	// 1. 余额
	if err := u.marketRepo.AddBalance(ctx, in.Market.ID, delta); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}
	market, err := u.marketRepo.GetByID(ctx, in.Market.ID)
	if err != nil {
		return nil, fmt.Errorf("reload market: %w", err)
	}
	result := &AggregateResult{
		NewBalance: market.InputTokenBalance,
		PrevTVL:    market.TotalValueLocked,
		NewTVL:     market.TotalValueLocked,
	}

	fields := make(map[string]interface{})
	if tx.Type == model.TransactionTypeBorrow && !market.CanBorrowFrom {
		fields["can_borrow_from"] = true
	}

	// 2. 市场 TVL，按本区块价格对全部余额重新估值
	if in.Price != nil {
		result.NewTVL = in.Price.ValueOf(market.InputTokenBalance, in.Market.Decimals, u.usdScale)
		result.TVLDelta = result.NewTVL.Sub(result.PrevTVL)
		result.TVLUpdated = true
		fields["total_value_locked_usd"] = result.NewTVL
		fields["input_token_price_usd"] = in.Price.UnitPrice().Round(u.usdScale)
	}
	if len(fields) > 0 {
		if err := u.marketRepo.UpdateFields(ctx, in.Market.ID, fields); err != nil {
			return nil, fmt.Errorf("update market: %w", err)
		}
	}

	// 3. 协议 TVL，增量与市场 TVL 变化一致
	if result.TVLUpdated && !result.TVLDelta.IsZero() {
		if err := u.addProtocolTVL(ctx, result.TVLDelta); err != nil {
			return nil, fmt.Errorf("update protocol tvl: %w", err)
		}
	}

	// 4. 使用量快照
	for _, period := range model.SnapshotPeriods {
		err := u.snapshotRepo.Increment(ctx, &repository.SnapshotIncrement{
			ProtocolID:  u.protocol.ID,
			Period:      period,
			Type:        tx.Type,
			BlockNumber: tx.BlockNumber,
			Timestamp:   tx.Timestamp,
		})
		if err != nil {
			return nil, fmt.Errorf("increment %s snapshot: %w", period, err)
		}
	}

	if tx.Type == model.TransactionTypeLiquidation && in.CollateralMarket != nil {
		err := u.marketRepo.UpdateFields(ctx, in.CollateralMarket.ID, map[string]interface{}{
			"can_use_as_collateral": true,
		})
		if err != nil {
			return nil, fmt.Errorf("flag collateral market: %w", err)
		}
	}

	return result, nil
}

func (u *AggregateUpdater) addProtocolTVL(ctx context.Context, delta decimal.Decimal) error {
	err := u.protocolRepo.AddTVL(ctx, u.protocol.ID, delta)
	if !errors.Is(err, repository.ErrProtocolNotFound) {
		return err
	}
	if err := u.EnsureProtocol(ctx); err != nil {
		return err
	}
	return u.protocolRepo.AddTVL(ctx, u.protocol.ID, delta)
}

// EnsureProtocol 懒创建协议记录
func (u *AggregateUpdater) EnsureProtocol(ctx context.Context) error {
	p := *u.protocol
	p.TotalValueLocked = decimal.Zero
	_, err := u.protocolRepo.CreateIfAbsent(ctx, &p)
	return err
}
