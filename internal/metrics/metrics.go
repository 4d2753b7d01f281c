// Package metrics 提供 eidos-lending 服务的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "eidos_lending"

// 事件处理指标
var (
	// EventsTotal 事件处理总数
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "事件处理总数",
		},
		[]string{"event_type", "outcome"}, // outcome: applied, no_price, ledger_only, duplicate, malformed, failed
	)

	// EventDuration 单事件处理耗时
	EventDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_duration_seconds",
			Help:      "单事件处理耗时(秒)",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"event_type"},
	)

	// LedgerEntriesTotal 流水写入总数
	LedgerEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_entries_total",
			Help:      "借贷流水写入总数",
		},
		[]string{"type", "aggregate_status"},
	)

	// AggregateAbortsTotal 聚合更新中止次数
	AggregateAbortsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregate_aborts_total",
			Help:      "聚合更新中止次数",
		},
		[]string{"reason"}, // missing_context, market_unresolved
	)
)

// 依赖调用指标
var (
	// ContractReadsTotal 合约读取次数
	ContractReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contract_reads_total",
			Help:      "合约只读调用次数",
		},
		[]string{"method", "result"}, // result: ok, reverted, empty, undecodable
	)

	// PriceLookupsTotal 价格查询次数
	PriceLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_lookups_total",
			Help:      "价格查询次数",
		},
		[]string{"source"}, // memory, redis, oracle, fallback, miss
	)

	// MarketsCreatedTotal 市场创建数量
	MarketsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "markets_created_total",
			Help:      "懒创建的市场数量",
		},
		[]string{"provisional"},
	)
)

// 对账指标
var (
	// TVLDriftGauge 协议 TVL 与市场 TVL 之和的差值
	TVLDriftGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tvl_drift_usd",
			Help:      "协议 TVL 与各市场 TVL 之和的差值(USD)",
		},
	)

	// ProtocolTVLGauge 协议 TVL
	ProtocolTVLGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "protocol_tvl_usd",
			Help:      "协议锁仓总价值(USD)",
		},
	)

	// KafkaMessagesTotal Kafka 消息数
	KafkaMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_total",
			Help:      "Kafka 消息数",
		},
		[]string{"topic", "direction"}, // direction: consumed, produced
	)
)

// RecordEvent 记录事件处理结果
func RecordEvent(eventType, outcome string, durationSeconds float64) {
	EventsTotal.WithLabelValues(eventType, outcome).Inc()
	EventDuration.WithLabelValues(eventType).Observe(durationSeconds)
}

// RecordLedgerEntry 记录流水写入
func RecordLedgerEntry(txType, aggregateStatus string) {
	LedgerEntriesTotal.WithLabelValues(txType, aggregateStatus).Inc()
}

// RecordAggregateAbort 记录聚合中止
func RecordAggregateAbort(reason string) {
	AggregateAbortsTotal.WithLabelValues(reason).Inc()
}

// RecordContractRead 记录合约读取
func RecordContractRead(method, result string) {
	ContractReadsTotal.WithLabelValues(method, result).Inc()
}

// RecordPriceLookup 记录价格查询来源
func RecordPriceLookup(source string) {
	PriceLookupsTotal.WithLabelValues(source).Inc()
}

// RecordMarketCreated 记录市场创建
func RecordMarketCreated(provisional bool) {
	label := "false"
	if provisional {
		label = "true"
	}
	MarketsCreatedTotal.WithLabelValues(label).Inc()
}

// UpdateTVL 更新 TVL 与漂移
func UpdateTVL(protocolTVL, drift float64) {
	ProtocolTVLGauge.Set(protocolTVL)
	TVLDriftGauge.Set(drift)
}

// RecordKafkaMessage 记录 Kafka 消息
func RecordKafkaMessage(topic string, produced bool) {
	direction := "consumed"
	if produced {
		direction = "produced"
	}
	KafkaMessagesTotal.WithLabelValues(topic, direction).Inc()
}
