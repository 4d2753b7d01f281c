package model

import "github.com/shopspring/decimal"

// PriceQuote 某区块的代币单价，实际 USD 单价 = Price / 10^BaseDecimals
type PriceQuote struct {
	Price        decimal.Decimal `json:"price"`
	BaseDecimals int32           `json:"base_decimals"`
	Source       string          `json:"source,omitempty"`
	// Fallback 优先来源失败后的替代报价，不写入缓存
	Fallback bool `json:"-"`
}

// UnitPrice USD 单价
func (q *PriceQuote) UnitPrice() decimal.Decimal {
	return q.Price.Shift(-q.BaseDecimals)
}

// ValueOf 原始数量按代币精度移位后乘以单价，保留 scale 位小数
func (q *PriceQuote) ValueOf(raw decimal.Decimal, tokenDecimals, scale int32) decimal.Decimal {
	return raw.Shift(-tokenDecimals).Mul(q.UnitPrice()).Round(scale)
}
