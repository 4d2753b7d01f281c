package model

import "github.com/shopspring/decimal"

// MarketKind 市场类型
type MarketKind string

const (
	MarketKindCToken MarketKind = "ctoken" // Compound 风格借贷市场
	MarketKindVault  MarketKind = "vault"  // ERC4626 风格收益金库
)

// Market 借贷市场/金库
type Market struct {
	ID                 string              `gorm:"column:id;type:varchar(42);primaryKey" json:"id"`
	ProtocolID         string              `gorm:"column:protocol_id;type:varchar(42);index;not null" json:"protocol_id"`
	Kind               MarketKind          `gorm:"column:kind;type:varchar(16);not null" json:"kind"`
	Name               string              `gorm:"column:name;type:varchar(128);not null" json:"name"`
	Symbol             string              `gorm:"column:symbol;type:varchar(32);not null" json:"symbol"`
	InputTokenID       string              `gorm:"column:input_token_id;type:varchar(42);not null" json:"input_token_id"`
	Decimals           int32               `gorm:"column:decimals;type:int;not null" json:"decimals"`
	OutputTokenSupply  decimal.Decimal     `gorm:"column:output_token_supply;type:numeric(78,0);not null" json:"output_token_supply"`
	TotalAssets        decimal.Decimal     `gorm:"column:total_assets;type:numeric(78,0);not null" json:"total_assets"`
	InputTokenBalance  decimal.Decimal     `gorm:"column:input_token_balance;type:numeric(78,0);not null" json:"input_token_balance"`
	TotalValueLocked   decimal.Decimal     `gorm:"column:total_value_locked_usd;type:numeric(60,18);not null" json:"total_value_locked_usd"`
	InputTokenPriceUSD decimal.NullDecimal `gorm:"column:input_token_price_usd;type:numeric(60,18)" json:"input_token_price_usd"`
	CanBorrowFrom      bool                `gorm:"column:can_borrow_from;not null" json:"can_borrow_from"`
	CanUseAsCollateral bool                `gorm:"column:can_use_as_collateral;not null" json:"can_use_as_collateral"`
	IsListed           bool                `gorm:"column:is_listed;not null" json:"is_listed"`
	MaximumLTV         decimal.Decimal     `gorm:"column:maximum_ltv;type:numeric(20,8);not null" json:"maximum_ltv"`
	Provisional        bool                `gorm:"column:provisional;index;not null" json:"provisional"`
	CreatedBlockNumber int64               `gorm:"column:created_block_number;type:bigint;not null" json:"created_block_number"`
	CreatedAt          int64               `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt          int64               `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Market) TableName() string {
	return "lending_markets"
}

// Meta 静态元数据视图
func (m *Market) Meta() *MarketMeta {
	return &MarketMeta{
		ID:           m.ID,
		Kind:         m.Kind,
		Name:         m.Name,
		Symbol:       m.Symbol,
		InputTokenID: m.InputTokenID,
		Decimals:     m.Decimals,
		Provisional:  m.Provisional,
	}
}

// MarketMeta 市场静态元数据 (可缓存，创建后不变)
type MarketMeta struct {
	ID           string
	Kind         MarketKind
	Name         string
	Symbol       string
	InputTokenID string
	Decimals     int32
	Provisional  bool
}
