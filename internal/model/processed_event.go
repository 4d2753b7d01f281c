package model

// ProcessedEvent 管理类事件处理记录，用于幂等
type ProcessedEvent struct {
	ID              string    `gorm:"column:id;type:varchar(80);primaryKey" json:"id"`
	EventType       EventType `gorm:"column:event_type;type:varchar(50);index;not null" json:"event_type"`
	ContractAddress string    `gorm:"column:contract_address;type:varchar(42);not null" json:"contract_address"`
	BlockNumber     int64     `gorm:"column:block_number;type:bigint;index;not null" json:"block_number"`
	EventData       string    `gorm:"column:event_data;type:text;not null" json:"event_data"` // JSON
	CreatedAt       int64     `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (ProcessedEvent) TableName() string {
	return "lending_processed_events"
}
