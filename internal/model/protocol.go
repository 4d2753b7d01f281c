package model

import "github.com/shopspring/decimal"

// Protocol 协议 (每个部署一个)
type Protocol struct {
	ID               string          `gorm:"column:id;type:varchar(42);primaryKey" json:"id"`
	Name             string          `gorm:"column:name;type:varchar(64);not null" json:"name"`
	Network          string          `gorm:"column:network;type:varchar(32);not null" json:"network"`
	TotalValueLocked decimal.Decimal `gorm:"column:total_value_locked_usd;type:numeric(60,18);not null" json:"total_value_locked_usd"`
	PriceOracle      string          `gorm:"column:price_oracle;type:varchar(42);not null" json:"price_oracle"`
	CreatedAt        int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt        int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Protocol) TableName() string {
	return "lending_protocols"
}
