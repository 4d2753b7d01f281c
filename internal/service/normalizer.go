package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/eidos-exchange/eidos-lending/internal/model"
	"github.com/eidos-exchange/eidos-lending/internal/repository"
)

// MarketIdentification 从事件中确定市场地址的方式
type MarketIdentification string

const (
	IdentifyByEmitter MarketIdentification = "emitter" // 事件发出合约
	IdentifyByTxTo    MarketIdentification = "tx_to"   // 交易 to 地址
	IdentifyByTxFrom  MarketIdentification = "tx_from" // 交易 from 地址
)

// DefaultMarketIdentification 默认策略: Mint/Repay/Liquidate 用 to，Redeem/Borrow 用 from
// TODO: Redeem/Borrow 由用户 EOA 发起时 tx_from 并不是市场地址，确认后统一改为 emitter
var DefaultMarketIdentification = map[model.EventType]MarketIdentification{
	model.EventTypeDeposit:     IdentifyByTxTo,
	model.EventTypeWithdraw:    IdentifyByTxFrom,
	model.EventTypeBorrow:      IdentifyByTxFrom,
	model.EventTypeRepay:       IdentifyByTxTo,
	model.EventTypeLiquidation: IdentifyByTxTo,
}

// NormalizedEvent 规范化后的事件
type NormalizedEvent struct {
	ID       string
	Raw      *model.RawEvent
	Event    model.Event
	MarketID string
	// Record 资金类事件的流水，AssetID/AmountUSD/AggregateStatus 由后续阶段填充
	Record *model.Transaction
}

// EventNormalizerConfig 规范化配置
type EventNormalizerConfig struct {
	ProtocolID           string
	MarketIdentification map[model.EventType]MarketIdentification
}

// EventNormalizer 将原始事件映射为规范流水，与定价和聚合无关
type EventNormalizer struct {
	txRepo     repository.TransactionRepository
	eventRepo  repository.ProcessedEventRepository
	protocolID string
	strategy   map[model.EventType]MarketIdentification
}

// NewEventNormalizer 创建规范化器
func NewEventNormalizer(
	txRepo repository.TransactionRepository,
	eventRepo repository.ProcessedEventRepository,
	cfg *EventNormalizerConfig,
) *EventNormalizer {
	strategy := make(map[model.EventType]MarketIdentification, len(DefaultMarketIdentification))
	for t, s := range DefaultMarketIdentification {
		strategy[t] = s
	}
	for t, s := range cfg.MarketIdentification {
		strategy[t] = s
	}
	return &EventNormalizer{
		txRepo:     txRepo,
		eventRepo:  eventRepo,
		protocolID: strings.ToLower(cfg.ProtocolID),
		strategy:   strategy,
	}
}

// ParseMarketIdentification 解析配置中的策略
func ParseMarketIdentification(raw map[string]string) (map[model.EventType]MarketIdentification, error) {
	out := make(map[model.EventType]MarketIdentification, len(raw))
	for k, v := range raw {
		t := model.EventType(k)
		if !t.IsTransaction() {
			return nil, fmt.Errorf("market identification for unsupported event type %q", k)
		}
		s := MarketIdentification(strings.ToLower(v))
		switch s {
		case IdentifyByEmitter, IdentifyByTxTo, IdentifyByTxFrom:
			out[t] = s
		default:
			return nil, fmt.Errorf("unknown market identification %q for %s", v, k)
		}
	}
	return out, nil
}

// Normalize 校验并规范化事件。
// 重放返回 ErrAlreadyProcessed；结构错误返回 ErrMalformedEvent；
// 缺少对手方地址时同时返回可入账的事件和 *MissingContextError。
func (n *EventNormalizer) Normalize(ctx context.Context, raw *model.RawEvent) (*NormalizedEvent, error) {
	if err := validateEnvelope(raw); err != nil {
		return nil, err
	}

	event, err := decode(raw)
	if err != nil {
		return nil, err
	}

	ne := &NormalizedEvent{
		ID:    raw.EventID(),
		Raw:   raw,
		Event: event,
	}

	if !raw.EventType.IsTransaction() {
		exists, err := n.eventRepo.Exists(ctx, ne.ID)
		if err != nil {
			return nil, fmt.Errorf("check processed event: %w", err)
		}
		if exists {
			return nil, ErrAlreadyProcessed
		}
		ne.MarketID = adminMarket(event)
		return ne, nil
	}

	exists, err := n.txRepo.Exists(ctx, ne.ID)
	if err != nil {
		return nil, fmt.Errorf("check transaction: %w", err)
	}
	if exists {
		return nil, ErrAlreadyProcessed
	}

	marketID, ctxErr := n.identifyMarket(raw)
	ne.MarketID = marketID
	ne.Record = n.record(ne, event)
	if ctxErr != nil {
		return ne, ctxErr
	}
	return ne, nil
}

// identifyMarket 按策略确定市场，缺失时回退为发出合约并返回 MissingContextError
func (n *EventNormalizer) identifyMarket(raw *model.RawEvent) (string, error) {
	emitter := strings.ToLower(raw.ContractAddress)
	switch n.strategy[raw.EventType] {
	case IdentifyByTxTo:
		if raw.Transaction.To == nil || !common.IsHexAddress(*raw.Transaction.To) {
			return emitter, &MissingContextError{EventType: raw.EventType, Field: "transaction.to"}
		}
		return strings.ToLower(*raw.Transaction.To), nil
	case IdentifyByTxFrom:
		if !common.IsHexAddress(raw.Transaction.From) {
			return emitter, &MissingContextError{EventType: raw.EventType, Field: "transaction.from"}
		}
		return strings.ToLower(raw.Transaction.From), nil
	default:
		return emitter, nil
	}
}

func (n *EventNormalizer) record(ne *NormalizedEvent, event model.Event) *model.Transaction {
	raw := ne.Raw
	tx := &model.Transaction{
		ID:          ne.ID,
		ProtocolID:  n.protocolID,
		MarketID:    ne.MarketID,
		TxHash:      strings.ToLower(raw.Transaction.Hash),
		LogIndex:    raw.Transaction.LogIndex,
		BlockNumber: raw.Block.Number,
		Timestamp:   raw.Block.Timestamp,
	}

	switch e := event.(type) {
	case model.DepositEvent:
		tx.Type = model.TransactionTypeDeposit
		tx.FromAddress, tx.ToAddress = e.Minter, ne.MarketID
		tx.RawAmount = e.MintAmount
	case model.WithdrawEvent:
		tx.Type = model.TransactionTypeWithdraw
		tx.FromAddress, tx.ToAddress = ne.MarketID, e.Redeemer
		tx.RawAmount = e.RedeemAmount
	case model.BorrowEvent:
		tx.Type = model.TransactionTypeBorrow
		tx.FromAddress, tx.ToAddress = ne.MarketID, e.Borrower
		tx.RawAmount = e.BorrowAmount
	case model.RepayEvent:
		tx.Type = model.TransactionTypeRepay
		tx.FromAddress, tx.ToAddress = e.Payer, ne.MarketID
		tx.RawAmount = e.RepayAmount
	case model.LiquidationEvent:
		tx.Type = model.TransactionTypeLiquidation
		tx.FromAddress, tx.ToAddress = e.Liquidator, ne.MarketID
		tx.RawAmount = e.RepayAmount
		tx.SeizedMarketID = e.CollateralMarket
		tx.SeizeAmount = decimal.NewNullDecimal(e.SeizeAmount)
	}
	return tx
}

func adminMarket(event model.Event) string {
	switch e := event.(type) {
	case model.MarketListedEvent:
		return e.Market
	case model.CollateralFactorChangedEvent:
		return e.Market
	default:
		return ""
	}
}

func validateEnvelope(raw *model.RawEvent) error {
	if raw == nil {
		return malformed("nil event")
	}
	if !common.IsHexAddress(raw.ContractAddress) {
		return malformed("invalid contract address %q", raw.ContractAddress)
	}
	hash := raw.Transaction.Hash
	if len(hash) != 66 || !strings.HasPrefix(hash, "0x") {
		return malformed("invalid transaction hash %q", hash)
	}
	if raw.Transaction.LogIndex < 0 {
		return malformed("negative log index %d", raw.Transaction.LogIndex)
	}
	if raw.Block.Number <= 0 || raw.Block.Timestamp <= 0 {
		return malformed("invalid block context %d/%d", raw.Block.Number, raw.Block.Timestamp)
	}
	return nil
}

// decode 按事件类型解析参数，封闭集合上的穷举匹配
func decode(raw *model.RawEvent) (model.Event, error) {
	p := params(raw.Parameters)

	switch raw.EventType {
	case model.EventTypeDeposit:
		e := model.DepositEvent{Minter: p.address("minter")}
		e.MintAmount, e.MintShares, e.SharesOnly = p.amountOrShares("mintAmount", "mintTokens")
		return e, p.err
	case model.EventTypeWithdraw:
		e := model.WithdrawEvent{Redeemer: p.address("redeemer")}
		e.RedeemAmount, e.RedeemShares, e.SharesOnly = p.amountOrShares("redeemAmount", "redeemTokens")
		return e, p.err
	case model.EventTypeBorrow:
		e := model.BorrowEvent{
			Borrower:     p.address("borrower"),
			BorrowAmount: p.amount("borrowAmount"),
		}
		return e, p.err
	case model.EventTypeRepay:
		e := model.RepayEvent{
			Payer:       p.address("payer"),
			Borrower:    p.optionalAddress("borrower"),
			RepayAmount: p.amount("repayAmount"),
		}
		return e, p.err
	case model.EventTypeLiquidation:
		e := model.LiquidationEvent{
			Liquidator:       p.address("liquidator"),
			Borrower:         p.optionalAddress("borrower"),
			RepayAmount:      p.amount("repayAmount"),
			CollateralMarket: p.address("cTokenCollateral"),
			SeizeAmount:      p.amount("seizeTokens"),
		}
		return e, p.err
	case model.EventTypeMarketListed:
		return model.MarketListedEvent{Market: p.address("cToken")}, p.err
	case model.EventTypePriceOracleChanged:
		e := model.PriceOracleChangedEvent{
			OldOracle: p.optionalAddress("oldPriceOracle"),
			NewOracle: p.address("newPriceOracle"),
		}
		return e, p.err
	case model.EventTypeCollateralFactorChanged:
		e := model.CollateralFactorChangedEvent{
			Market:      p.address("cToken"),
			OldMantissa: p.optionalAmount("oldCollateralFactorMantissa"),
			NewMantissa: p.amount("newCollateralFactorMantissa"),
		}
		return e, p.err
	default:
		return nil, malformed("unknown event type %q", raw.EventType)
	}
}

// paramReader 记录第一个解析错误
type paramReader struct {
	values map[string]string
	err    error
}

func params(values map[string]string) *paramReader {
	return &paramReader{values: values}
}

func (p *paramReader) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}

func (p *paramReader) address(name string) string {
	v, ok := p.values[name]
	if !ok {
		p.fail(malformed("missing parameter %s", name))
		return ""
	}
	if !common.IsHexAddress(v) {
		p.fail(malformed("parameter %s is not an address: %q", name, v))
		return ""
	}
	return strings.ToLower(v)
}

func (p *paramReader) optionalAddress(name string) string {
	if _, ok := p.values[name]; !ok {
		return ""
	}
	return p.address(name)
}

func (p *paramReader) amount(name string) decimal.Decimal {
	v, ok := p.values[name]
	if !ok {
		p.fail(malformed("missing parameter %s", name))
		return decimal.Zero
	}
	d, err := parseAmount(v)
	if err != nil {
		p.fail(malformed("parameter %s: %v", name, err))
		return decimal.Zero
	}
	return d
}

func (p *paramReader) optionalAmount(name string) decimal.Decimal {
	if _, ok := p.values[name]; !ok {
		return decimal.Zero
	}
	return p.amount(name)
}

// amountOrShares 资产数量优先，仅有份额时标记 sharesOnly
func (p *paramReader) amountOrShares(amountName, sharesName string) (decimal.Decimal, decimal.Decimal, bool) {
	_, hasAmount := p.values[amountName]
	_, hasShares := p.values[sharesName]
	switch {
	case hasAmount:
		return p.amount(amountName), p.optionalAmount(sharesName), false
	case hasShares:
		return decimal.Zero, p.amount(sharesName), true
	default:
		p.fail(malformed("missing parameter %s", amountName))
		return decimal.Zero, decimal.Zero, false
	}
}

var errNotUnsignedInteger = errors.New("not an unsigned integer")

// parseAmount 链上 uint256 十进制字符串
func parseAmount(v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() || !d.Equal(d.Truncate(0)) {
		return decimal.Zero, errNotUnsignedInteger
	}
	return d, nil
}
