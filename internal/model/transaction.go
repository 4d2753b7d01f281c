package model

import "github.com/shopspring/decimal"

// TransactionType 流水类型
type TransactionType string

const (
	TransactionTypeDeposit     TransactionType = "DEPOSIT"
	TransactionTypeWithdraw    TransactionType = "WITHDRAW"
	TransactionTypeBorrow      TransactionType = "BORROW"
	TransactionTypeRepay       TransactionType = "REPAY"
	TransactionTypeLiquidation TransactionType = "LIQUIDATION"
)

// TransactionTypeOf 事件类型 -> 流水类型
func TransactionTypeOf(t EventType) (TransactionType, bool) {
	switch t {
	case EventTypeDeposit:
		return TransactionTypeDeposit, true
	case EventTypeWithdraw:
		return TransactionTypeWithdraw, true
	case EventTypeBorrow:
		return TransactionTypeBorrow, true
	case EventTypeRepay:
		return TransactionTypeRepay, true
	case EventTypeLiquidation:
		return TransactionTypeLiquidation, true
	default:
		return "", false
	}
}

// IsInflow 资金流入市场 (余额增加)
func (t TransactionType) IsInflow() bool {
	switch t {
	case TransactionTypeDeposit, TransactionTypeRepay, TransactionTypeLiquidation:
		return true
	default:
		return false
	}
}

// AggregateStatus 聚合更新结果
type AggregateStatus string

const (
	AggregateStatusApplied        AggregateStatus = "APPLIED"
	AggregateStatusNoPrice        AggregateStatus = "NO_PRICE"        // 余额与快照已更新，TVL 未更新
	AggregateStatusMissingContext AggregateStatus = "MISSING_CONTEXT" // 仅流水
	AggregateStatusAborted        AggregateStatus = "ABORTED"         // 市场解析失败，仅流水
)

// Transaction 借贷流水，创建后不可变
type Transaction struct {
	ID              string              `gorm:"column:id;type:varchar(80);primaryKey" json:"id"`
	Type            TransactionType     `gorm:"column:type;type:varchar(20);index;not null" json:"type"`
	ProtocolID      string              `gorm:"column:protocol_id;type:varchar(42);not null" json:"protocol_id"`
	MarketID        string              `gorm:"column:market_id;type:varchar(42);index;not null" json:"market_id"`
	FromAddress     string              `gorm:"column:from_address;type:varchar(42);not null" json:"from_address"`
	ToAddress       string              `gorm:"column:to_address;type:varchar(42);not null" json:"to_address"`
	AssetID         string              `gorm:"column:asset_id;type:varchar(42);not null" json:"asset_id"`
	RawAmount       decimal.Decimal     `gorm:"column:raw_amount;type:numeric(78,0);not null" json:"raw_amount"`
	AmountUSD       decimal.NullDecimal `gorm:"column:amount_usd;type:numeric(60,18)" json:"amount_usd"`
	SeizedMarketID  string              `gorm:"column:seized_market_id;type:varchar(42)" json:"seized_market_id,omitempty"`
	SeizeAmount     decimal.NullDecimal `gorm:"column:seize_amount;type:numeric(78,0)" json:"seize_amount,omitempty"`
	TxHash          string              `gorm:"column:tx_hash;type:varchar(66);index;not null" json:"tx_hash"`
	LogIndex        int64               `gorm:"column:log_index;type:bigint;not null" json:"log_index"`
	BlockNumber     int64               `gorm:"column:block_number;type:bigint;index;not null" json:"block_number"`
	Timestamp       int64               `gorm:"column:timestamp;type:bigint;not null" json:"timestamp"`
	AggregateStatus AggregateStatus     `gorm:"column:aggregate_status;type:varchar(20);not null" json:"aggregate_status"`
	CreatedAt       int64               `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (Transaction) TableName() string {
	return "lending_transactions"
}
