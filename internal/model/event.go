package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// EventType 原始事件类型
type EventType string

const (
	EventTypeDeposit                 EventType = "Deposit"
	EventTypeWithdraw                EventType = "Withdraw"
	EventTypeBorrow                  EventType = "Borrow"
	EventTypeRepay                   EventType = "Repay"
	EventTypeLiquidation             EventType = "Liquidation"
	EventTypeMarketListed            EventType = "MarketListed"
	EventTypePriceOracleChanged      EventType = "PriceOracleChanged"
	EventTypeCollateralFactorChanged EventType = "CollateralFactorChanged"
)

// IsTransaction 是否为资金类事件 (写入流水)
func (t EventType) IsTransaction() bool {
	switch t {
	case EventTypeDeposit, EventTypeWithdraw, EventTypeBorrow, EventTypeRepay, EventTypeLiquidation:
		return true
	default:
		return false
	}
}

// ErrMissingLogIndex 事件缺少日志序号
var ErrMissingLogIndex = errors.New("transaction.index is required")

// TxContext 交易上下文，LogIndex 为事件在交易内的日志序号
type TxContext struct {
	Hash     string  `json:"hash"`
	LogIndex int64   `json:"index"`
	From     string  `json:"from"`
	To       *string `json:"to,omitempty"` // 合约创建交易为空
}

// UnmarshalJSON 日志序号必填，缺失时返回 ErrMissingLogIndex
func (t *TxContext) UnmarshalJSON(data []byte) error {
	type plain TxContext
	aux := struct {
		*plain
		LogIndex *int64 `json:"index"`
	}{plain: (*plain)(t)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.LogIndex == nil {
		return ErrMissingLogIndex
	}
	t.LogIndex = *aux.LogIndex
	return nil
}

// BlockContext 区块上下文
type BlockContext struct {
	Number    int64 `json:"number"`
	Timestamp int64 `json:"timestamp"` // 秒
}

// RawEvent 上游解码后的链上事件 (从 Kafka 消费)
type RawEvent struct {
	EventType       EventType         `json:"event_type"`
	ContractAddress string            `json:"contract_address"`
	Parameters      map[string]string `json:"parameters"`
	Transaction     TxContext         `json:"transaction"`
	Block           BlockContext      `json:"block"`
}

// EventID 事件唯一标识 txHash-logIndex
func (e *RawEvent) EventID() string {
	return TransactionID(e.Transaction.Hash, e.Transaction.LogIndex)
}

// TransactionID 由交易哈希和日志序号派生确定性 ID
func TransactionID(txHash string, logIndex int64) string {
	return fmt.Sprintf("%s-%d", strings.ToLower(txHash), logIndex)
}

// Event 已解码事件，封闭集合
type Event interface {
	Type() EventType
	sealed()
}

// DepositEvent Mint
type DepositEvent struct {
	Minter     string
	MintAmount decimal.Decimal
	// MintShares 仅有份额时由金库按 totalAssets/totalSupply 换算资产数量
	MintShares decimal.Decimal
	SharesOnly bool
}

// WithdrawEvent Redeem
type WithdrawEvent struct {
	Redeemer     string
	RedeemAmount decimal.Decimal
	RedeemShares decimal.Decimal
	SharesOnly   bool
}

// BorrowEvent Borrow
type BorrowEvent struct {
	Borrower     string
	BorrowAmount decimal.Decimal
}

// RepayEvent RepayBorrow
type RepayEvent struct {
	Payer       string
	Borrower    string
	RepayAmount decimal.Decimal
}

// LiquidationEvent LiquidateBorrow
type LiquidationEvent struct {
	Liquidator       string
	Borrower         string
	RepayAmount      decimal.Decimal
	CollateralMarket string
	SeizeAmount      decimal.Decimal
}

// MarketListedEvent MarketListed
type MarketListedEvent struct {
	Market string
}

// PriceOracleChangedEvent NewPriceOracle
type PriceOracleChangedEvent struct {
	OldOracle string
	NewOracle string
}

// CollateralFactorChangedEvent NewCollateralFactor
type CollateralFactorChangedEvent struct {
	Market      string
	OldMantissa decimal.Decimal
	NewMantissa decimal.Decimal
}

func (DepositEvent) Type() EventType                 { return EventTypeDeposit }
func (WithdrawEvent) Type() EventType                { return EventTypeWithdraw }
func (BorrowEvent) Type() EventType                  { return EventTypeBorrow }
func (RepayEvent) Type() EventType                   { return EventTypeRepay }
func (LiquidationEvent) Type() EventType             { return EventTypeLiquidation }
func (MarketListedEvent) Type() EventType            { return EventTypeMarketListed }
func (PriceOracleChangedEvent) Type() EventType      { return EventTypePriceOracleChanged }
func (CollateralFactorChangedEvent) Type() EventType { return EventTypeCollateralFactorChanged }

func (DepositEvent) sealed()                 {}
func (WithdrawEvent) sealed()                {}
func (BorrowEvent) sealed()                  {}
func (RepayEvent) sealed()                   {}
func (LiquidationEvent) sealed()             {}
func (MarketListedEvent) sealed()            {}
func (PriceOracleChangedEvent) sealed()      {}
func (CollateralFactorChangedEvent) sealed() {}
