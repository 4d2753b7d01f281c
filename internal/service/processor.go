// ========================================
// EventProcessor 事件处理说明
// ========================================
//
// ## 处理阶段
// Received → Normalized → MarketResolved → PriceResolved → Recorded → AggregatesApplied → Done
//
// ## 失败策略
// - ErrMalformedEvent: 记录并跳过，不写流水
// - ErrAlreadyProcessed: 空操作
// - MissingContextError: 写流水，跳过全部聚合更新
// - ErrMarketNotAllowed: 写流水 (ABORTED)，跳过全部聚合更新
// - ErrNoPriceFound: 写流水，更新余额和快照，跳过 TVL
// - 数据库错误: 事务整体回滚，返回错误由上游重投
//
// ## 事务
// - 每个事件一个数据库事务，流水先写，主键冲突即视为重放并回滚
// - 同一市场的事件由 keyedMutex 串行，不同市场可并行
//
// ## 消息输出 (Kafka Producer)
// - Topic: lending-transactions
// - 触发条件: 流水提交后回调 onRecorded
// ========================================

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-lending/internal/metrics"
	"github.com/eidos-exchange/eidos-lending/internal/model"
	"github.com/eidos-exchange/eidos-lending/internal/repository"
	"github.com/eidos-exchange/eidos-lending/pkg/logger"
)

// Stage 事件处理阶段
type Stage string

const (
	StageReceived          Stage = "received"
	StageNormalized        Stage = "normalized"
	StageMarketResolved    Stage = "market_resolved"
	StagePriceResolved     Stage = "price_resolved"
	StageRecorded          Stage = "recorded"
	StageAggregatesApplied Stage = "aggregates_applied"
	StageDone              Stage = "done"
)

// Outcome 事件处理结果
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeNoPrice    Outcome = "no_price"
	OutcomeLedgerOnly Outcome = "ledger_only"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeMalformed  Outcome = "malformed"
	OutcomeFailed     Outcome = "failed"
)

// MarketResolver 市场解析
type MarketResolver interface {
	GetOrCreate(ctx context.Context, marketID string, block int64) (*model.MarketMeta, error)
	ConvertShares(ctx context.Context, marketID string, shares decimal.Decimal, block int64) (decimal.Decimal, error)
}

// PriceSource 价格解析
type PriceSource interface {
	Resolve(ctx context.Context, token string, block int64) (*model.PriceQuote, error)
}

// ProcessResult 单事件处理结果
type ProcessResult struct {
	EventID     string
	EventType   model.EventType
	Stage       Stage // 最后到达的阶段
	Outcome     Outcome
	Transaction *model.Transaction // 资金类事件写入的流水
	Aggregate   *AggregateResult
}

// EventProcessorConfig 事件处理配置
type EventProcessorConfig struct {
	ProtocolID   string
	TxMaxRetries int
	USDScale     int32
}

// EventProcessor 事件处理器
type EventProcessor struct {
	normalizer *EventNormalizer
	markets    MarketResolver
	prices     PriceSource
	aggregator *AggregateUpdater

	txManager    repository.TxManager
	txRepo       repository.TransactionRepository
	eventRepo    repository.ProcessedEventRepository
	marketRepo   repository.MarketRepository
	protocolRepo repository.ProtocolRepository

	cfg   *EventProcessorConfig
	locks *keyedMutex

	onRecorded func(ctx context.Context, tx *model.Transaction) error
}

// NewEventProcessor 创建事件处理器
func NewEventProcessor(
	normalizer *EventNormalizer,
	markets MarketResolver,
	prices PriceSource,
	aggregator *AggregateUpdater,
	txManager repository.TxManager,
	txRepo repository.TransactionRepository,
	eventRepo repository.ProcessedEventRepository,
	marketRepo repository.MarketRepository,
	protocolRepo repository.ProtocolRepository,
	cfg *EventProcessorConfig,
) *EventProcessor {
	if cfg.TxMaxRetries <= 0 {
		cfg.TxMaxRetries = 3
	}
	if cfg.USDScale <= 0 {
		cfg.USDScale = 18
	}
	cfg.ProtocolID = strings.ToLower(cfg.ProtocolID)
	return &EventProcessor{
		normalizer:   normalizer,
		markets:      markets,
		prices:       prices,
		aggregator:   aggregator,
		txManager:    txManager,
		txRepo:       txRepo,
		eventRepo:    eventRepo,
		marketRepo:   marketRepo,
		protocolRepo: protocolRepo,
		cfg:          cfg,
		locks:        newKeyedMutex(),
	}
}

// SetOnRecorded 设置流水提交后的回调
func (p *EventProcessor) SetOnRecorded(fn func(ctx context.Context, tx *model.Transaction) error) {
	p.onRecorded = fn
}

// Process 处理单个事件。只有基础设施错误会返回 error，此时事件未产生任何影响，可安全重投。
func (p *EventProcessor) Process(ctx context.Context, raw *model.RawEvent) (*ProcessResult, error) {
	start := time.Now()
	result := &ProcessResult{Stage: StageReceived}
	if raw != nil {
		result.EventType = raw.EventType
		ctx = logger.NewContext(ctx,
			zap.String("event_type", string(raw.EventType)),
			zap.String("tx_hash", raw.Transaction.Hash),
			zap.Int64("log_index", raw.Transaction.LogIndex),
			zap.Int64("block", raw.Block.Number))
	}

	err := p.process(ctx, raw, result)
	if err != nil {
		result.Outcome = OutcomeFailed
	}
	metrics.RecordEvent(string(result.EventType), string(result.Outcome), time.Since(start).Seconds())
	return result, err
}

func (p *EventProcessor) process(ctx context.Context, raw *model.RawEvent, result *ProcessResult) error {
	log := logger.WithContext(ctx)

	ne, err := p.normalizer.Normalize(ctx, raw)
	var ctxErr *MissingContextError
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyProcessed):
		log.Debug("skip duplicate event")
		result.Outcome = OutcomeDuplicate
		result.Stage = StageDone
		return nil
	case errors.Is(err, ErrMalformedEvent):
		log.Error("skip malformed event", zap.Error(err))
		result.Outcome = OutcomeMalformed
		result.Stage = StageDone
		return nil
	case errors.As(err, &ctxErr):
		log.Warn("event lacks transaction context, recording ledger entry only", zap.String("field", ctxErr.Field))
	default:
		return err
	}
	result.EventID = ne.ID
	result.Stage = StageNormalized

	if ne.Record == nil {
		return p.processAdmin(ctx, ne, result)
	}
	return p.processTransaction(ctx, ne, ctxErr != nil, result)
}

func (p *EventProcessor) processTransaction(ctx context.Context, ne *NormalizedEvent, missingContext bool, result *ProcessResult) error {
	log := logger.WithContext(ctx)
	record := ne.Record
	block := record.BlockNumber

	lockKeys := []string{record.MarketID}
	if record.SeizedMarketID != "" {
		lockKeys = append(lockKeys, record.SeizedMarketID)
	}
	unlock := p.locks.Lock(lockKeys...)
	defer unlock()

	var (
		market     *model.MarketMeta
		collateral *model.MarketMeta
		price      *model.PriceQuote
	)

	switch {
	case missingContext:
		record.AggregateStatus = model.AggregateStatusMissingContext
		metrics.RecordAggregateAbort("missing_context")
	default:
		m, err := p.markets.GetOrCreate(ctx, record.MarketID, block)
		if err != nil {
			if !errors.Is(err, ErrMarketNotAllowed) {
				return fmt.Errorf("resolve market %s: %w", record.MarketID, err)
			}
			log.Warn("market unresolved, aggregates skipped",
				zap.String("market", record.MarketID),
				zap.Error(errors.Join(ErrAggregateUpdateAborted, err)))
			record.AggregateStatus = model.AggregateStatusAborted
			metrics.RecordAggregateAbort("market_unresolved")
			break
		}
		market = m
		record.AssetID = market.InputTokenID
		result.Stage = StageMarketResolved

		if err := p.resolveSharesAmount(ctx, ne, market); err != nil {
			return err
		}

		if record.SeizedMarketID != "" {
			c, err := p.markets.GetOrCreate(ctx, record.SeizedMarketID, block)
			if err != nil && !errors.Is(err, ErrMarketNotAllowed) {
				return fmt.Errorf("resolve collateral market %s: %w", record.SeizedMarketID, err)
			}
			collateral = c
		}

		q, err := p.prices.Resolve(ctx, market.InputTokenID, block)
		if err != nil {
			log.Warn("no price for asset, tvl not updated",
				zap.String("asset", market.InputTokenID),
				zap.Error(err))
			record.AggregateStatus = model.AggregateStatusNoPrice
		} else {
			price = q
			record.AggregateStatus = model.AggregateStatusApplied
			record.AmountUSD = decimal.NewNullDecimal(price.ValueOf(record.RawAmount, market.Decimals, p.cfg.USDScale))
		}
		result.Stage = StagePriceResolved
	}

	var aggregate *AggregateResult
	err := p.txManager.TransactionWithRetry(ctx, p.cfg.TxMaxRetries, func(txCtx context.Context) error {
		aggregate = nil
		created, err := p.txRepo.Create(txCtx, record)
		if err != nil {
			return fmt.Errorf("record transaction: %w", err)
		}
		if !created {
			return ErrAlreadyProcessed
		}
		if market == nil {
			return nil
		}
		aggregate, err = p.aggregator.Apply(txCtx, &AggregateInput{
			Transaction:      record,
			Market:           market,
			Price:            price,
			CollateralMarket: collateral,
		})
		return err
	})
	if errors.Is(err, ErrAlreadyProcessed) {
		log.Debug("skip duplicate event", zap.String("transaction", record.ID))
		result.Outcome = OutcomeDuplicate
		result.Stage = StageDone
		return nil
	}
	if err != nil {
		return err
	}

	result.Transaction = record
	result.Aggregate = aggregate
	result.Stage = StageRecorded
	if aggregate != nil {
		result.Stage = StageAggregatesApplied
	}
	metrics.RecordLedgerEntry(string(record.Type), string(record.AggregateStatus))

	switch record.AggregateStatus {
	case model.AggregateStatusApplied:
		result.Outcome = OutcomeApplied
	case model.AggregateStatusNoPrice:
		result.Outcome = OutcomeNoPrice
	default:
		result.Outcome = OutcomeLedgerOnly
	}

	if p.onRecorded != nil {
		if err := p.onRecorded(ctx, record); err != nil {
			log.Error("post-commit callback failed", zap.String("transaction", record.ID), zap.Error(err))
		}
	}

	result.Stage = StageDone
	log.Debug("event processed",
		zap.String("transaction", record.ID),
		zap.String("market", record.MarketID),
		zap.String("outcome", string(result.Outcome)))
	return nil
}

// resolveSharesAmount 金库事件只有份额时换算为资产数量，读取失败按 1:1
func (p *EventProcessor) resolveSharesAmount(ctx context.Context, ne *NormalizedEvent, market *model.MarketMeta) error {
	var shares decimal.Decimal
	switch e := ne.Event.(type) {
	case model.DepositEvent:
		if !e.SharesOnly {
			return nil
		}
		shares = e.MintShares
	case model.WithdrawEvent:
		if !e.SharesOnly {
			return nil
		}
		shares = e.RedeemShares
	default:
		return nil
	}

	ne.Record.RawAmount = shares
	if market.Kind != model.MarketKindVault {
		return nil
	}
	assets, err := p.markets.ConvertShares(ctx, market.ID, shares, ne.Record.BlockNumber)
	if err != nil {
		logger.WithContext(ctx).Warn("share conversion failed, using share amount",
			zap.String("market", market.ID),
			zap.Error(err))
		return nil
	}
	ne.Record.RawAmount = assets
	return nil
}

// processAdmin 管理类事件通过事件日志保证幂等
func (p *EventProcessor) processAdmin(ctx context.Context, ne *NormalizedEvent, result *ProcessResult) error {
	log := logger.WithContext(ctx)
	raw := ne.Raw

	var market *model.MarketMeta
	if ne.MarketID != "" {
		unlock := p.locks.Lock(ne.MarketID)
		defer unlock()

		m, err := p.markets.GetOrCreate(ctx, ne.MarketID, raw.Block.Number)
		switch {
		case err == nil:
			market = m
			result.Stage = StageMarketResolved
		case errors.Is(err, ErrMarketNotAllowed):
			log.Warn("admin event for unresolved market", zap.String("market", ne.MarketID), zap.Error(err))
		default:
			return fmt.Errorf("resolve market %s: %w", ne.MarketID, err)
		}
	}

	data, err := json.Marshal(raw.Parameters)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	journal := &model.ProcessedEvent{
		ID:              ne.ID,
		EventType:       raw.EventType,
		ContractAddress: strings.ToLower(raw.ContractAddress),
		BlockNumber:     raw.Block.Number,
		EventData:       string(data),
	}

	err = p.txManager.TransactionWithRetry(ctx, p.cfg.TxMaxRetries, func(txCtx context.Context) error {
		created, err := p.eventRepo.MarkProcessed(txCtx, journal)
		if err != nil {
			return fmt.Errorf("mark processed: %w", err)
		}
		if !created {
			return ErrAlreadyProcessed
		}
		return p.applyAdmin(txCtx, ne.Event, market)
	})
	if errors.Is(err, ErrAlreadyProcessed) {
		log.Debug("skip duplicate event", zap.String("event_id", ne.ID))
		result.Outcome = OutcomeDuplicate
		result.Stage = StageDone
		return nil
	}
	if err != nil {
		return err
	}

	result.Outcome = OutcomeApplied
	if market == nil && ne.MarketID != "" {
		result.Outcome = OutcomeLedgerOnly
	}
	result.Stage = StageDone
	log.Info("admin event applied", zap.String("event_id", ne.ID))
	return nil
}

func (p *EventProcessor) applyAdmin(ctx context.Context, event model.Event, market *model.MarketMeta) error {
	switch e := event.(type) {
	case model.MarketListedEvent:
		if market == nil {
			return nil
		}
		return p.marketRepo.UpdateFields(ctx, market.ID, map[string]interface{}{"is_listed": true})
	case model.CollateralFactorChangedEvent:
		if market == nil {
			return nil
		}
		// mantissa 为 1e18 精度，存储为百分比
		ltv := e.NewMantissa.Shift(-16).Round(8)
		return p.marketRepo.UpdateFields(ctx, market.ID, map[string]interface{}{"maximum_ltv": ltv})
	case model.PriceOracleChangedEvent:
		if err := p.aggregator.EnsureProtocol(ctx); err != nil {
			return err
		}
		return p.protocolRepo.SetPriceOracle(ctx, p.cfg.ProtocolID, e.NewOracle)
	default:
		return fmt.Errorf("unexpected admin event %s", event.Type())
	}
}

// EnsureProtocol 启动时创建协议记录
func (p *EventProcessor) EnsureProtocol(ctx context.Context) error {
	return p.aggregator.EnsureProtocol(ctx)
}
