package model

// Token 底层资产代币
type Token struct {
	ID          string `gorm:"column:id;type:varchar(42);primaryKey" json:"id"`
	Name        string `gorm:"column:name;type:varchar(128);not null" json:"name"`
	Symbol      string `gorm:"column:symbol;type:varchar(32);not null" json:"symbol"`
	Decimals    int32  `gorm:"column:decimals;type:int;not null" json:"decimals"`
	Provisional bool   `gorm:"column:provisional;not null" json:"provisional"`
	CreatedAt   int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (Token) TableName() string {
	return "lending_tokens"
}
