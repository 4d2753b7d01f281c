package model

import "fmt"

// SnapshotPeriod 快照周期
type SnapshotPeriod string

const (
	SnapshotPeriodDaily  SnapshotPeriod = "daily"
	SnapshotPeriodHourly SnapshotPeriod = "hourly"
)

// SnapshotPeriods 每个事件需要更新的周期
var SnapshotPeriods = []SnapshotPeriod{SnapshotPeriodDaily, SnapshotPeriodHourly}

// Seconds 周期长度
func (p SnapshotPeriod) Seconds() int64 {
	if p == SnapshotPeriodHourly {
		return 3600
	}
	return 86400
}

// BucketID floor(timestamp / period)
func (p SnapshotPeriod) BucketID(timestamp int64) int64 {
	bucket := timestamp / p.Seconds()
	if timestamp < 0 && timestamp%p.Seconds() != 0 {
		bucket--
	}
	return bucket
}

// SnapshotID 快照主键
func SnapshotID(period SnapshotPeriod, bucketID int64) string {
	return fmt.Sprintf("%s-%d", period, bucketID)
}

// UsageSnapshot 使用量快照，计数只增不减
type UsageSnapshot struct {
	ID               string         `gorm:"column:id;type:varchar(40);primaryKey" json:"id"`
	ProtocolID       string         `gorm:"column:protocol_id;type:varchar(42);not null" json:"protocol_id"`
	Period           SnapshotPeriod `gorm:"column:period;type:varchar(10);not null" json:"period"`
	BucketID         int64          `gorm:"column:bucket_id;type:bigint;index;not null" json:"bucket_id"`
	DepositCount     int64          `gorm:"column:deposit_count;type:bigint;not null" json:"deposit_count"`
	WithdrawCount    int64          `gorm:"column:withdraw_count;type:bigint;not null" json:"withdraw_count"`
	BorrowCount      int64          `gorm:"column:borrow_count;type:bigint;not null" json:"borrow_count"`
	RepayCount       int64          `gorm:"column:repay_count;type:bigint;not null" json:"repay_count"`
	LiquidationCount int64          `gorm:"column:liquidation_count;type:bigint;not null" json:"liquidation_count"`
	TransactionCount int64          `gorm:"column:transaction_count;type:bigint;not null" json:"transaction_count"`
	BlockNumber      int64          `gorm:"column:block_number;type:bigint;not null" json:"block_number"`
	Timestamp        int64          `gorm:"column:timestamp;type:bigint;not null" json:"timestamp"`
	CreatedAt        int64          `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt        int64          `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (UsageSnapshot) TableName() string {
	return "lending_usage_snapshots"
}

// CounterColumn 流水类型对应的计数列
func CounterColumn(t TransactionType) string {
	switch t {
	case TransactionTypeDeposit:
		return "deposit_count"
	case TransactionTypeWithdraw:
		return "withdraw_count"
	case TransactionTypeBorrow:
		return "borrow_count"
	case TransactionTypeRepay:
		return "repay_count"
	case TransactionTypeLiquidation:
		return "liquidation_count"
	default:
		return ""
	}
}
