// Package kafka 提供 Kafka 消费者和生产者功能
//
// ========================================
// Kafka 消息流对接说明
// ========================================
//
// ## 消费者 (Consumer)
//
// Topic: lending-raw-events
//   - 生产者: 上游链上事件解码服务
//   - 消息内容: model.RawEvent (JSON)
//   - Partition Key: 市场地址，同一市场的事件在同一分区内按 (区块, 日志序号) 有序
//   - 处理逻辑: 逐条交给 EventProcessor，处理完成后才提交 offset
//
// ## 生产者 (Producer)
//
// Topic: lending-transactions
//   - 消息内容: model.Transaction (JSON)
//   - Partition Key: market_id
//   - 触发条件: 流水提交后
//
// ========================================
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-lending/internal/metrics"
	"github.com/eidos-exchange/eidos-lending/internal/model"
	"github.com/eidos-exchange/eidos-lending/internal/service"
)

const (
	// TopicRawEvents 原始事件 Topic
	TopicRawEvents = "lending-raw-events"
	// TopicTransactions 借贷流水 Topic
	TopicTransactions = "lending-transactions"
)

// EventProcessor 事件处理
type EventProcessor interface {
	Process(ctx context.Context, raw *model.RawEvent) (*service.ProcessResult, error)
}

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Brokers  []string
	GroupID  string
	ClientID string
	Topic    string
	// MaxRetry 基础设施错误的重试次数，耗尽后结束本轮会话等待重投
	MaxRetry  int
	Processor EventProcessor
	Logger    *zap.Logger
}

// Consumer 原始事件消费者
type Consumer struct {
	client    sarama.ConsumerGroup
	processor EventProcessor
	topic     string
	groupID   string
	maxRetry  int
	logger    *zap.Logger

	processedCount atomic.Int64
	malformedCount atomic.Int64
	errorCount     atomic.Int64

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewConsumer 创建消费者
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	// 流水需要完整历史
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Offsets.AutoCommit.Enable = true
	config.Consumer.Offsets.AutoCommit.Interval = time.Second

	client, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, err
	}
	return newConsumer(client, cfg), nil
}

func newConsumer(client sarama.ConsumerGroup, cfg *ConsumerConfig) *Consumer {
	topic := cfg.Topic
	if topic == "" {
		topic = TopicRawEvents
	}
	maxRetry := cfg.MaxRetry
	if maxRetry <= 0 {
		maxRetry = 3
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		client:    client,
		processor: cfg.Processor,
		topic:     topic,
		groupID:   cfg.GroupID,
		maxRetry:  maxRetry,
		logger:    log.Named("consumer"),
	}
}

// Start 启动消费者
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("consumer already running")
	}
	c.running = true
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}

			if err := c.client.Consume(ctx, []string{c.topic}, c); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("kafka consume error", zap.Error(err))
				time.Sleep(time.Second)
			}
		}
	}()

	c.logger.Info("kafka consumer started",
		zap.String("topic", c.topic),
		zap.String("group_id", c.groupID))
	return nil
}

// Stop 停止消费者
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	close(c.stopCh)
	c.running = false
	return c.client.Close()
}

// Setup 实现 sarama.ConsumerGroupHandler
func (c *Consumer) Setup(session sarama.ConsumerGroupSession) error {
	c.logger.Info("consumer session started",
		zap.String("member_id", session.MemberID()),
		zap.Int32("generation_id", session.GenerationID()))
	return nil
}

// Cleanup 实现 sarama.ConsumerGroupHandler
func (c *Consumer) Cleanup(session sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim 实现 sarama.ConsumerGroupHandler。
// 单分区内严格按序处理；重试耗尽时返回错误且不提交 offset，会话重建后从该消息重新消费。
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := c.handleMessage(session.Context(), msg); err != nil {
				c.errorCount.Add(1)
				c.logger.Error("event processing failed after retries",
					zap.String("topic", msg.Topic),
					zap.Int32("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Int("retries", c.maxRetry),
					zap.Error(err))
				return err
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	metrics.RecordKafkaMessage(msg.Topic, false)

	var raw model.RawEvent
	if err := json.Unmarshal(msg.Value, &raw); err != nil {
		c.malformedCount.Add(1)
		c.logger.Error("skip undecodable event",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), uint64(c.maxRetry-1)),
		ctx,
	)
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		result, err := c.processor.Process(ctx, &raw)
		if err != nil {
			if attempt < c.maxRetry {
				c.logger.Warn("event processing failed, retrying",
					zap.Int64("offset", msg.Offset),
					zap.Int("attempt", attempt),
					zap.Error(err))
			}
			return fmt.Errorf("process event %s: %w", raw.EventID(), err)
		}
		c.processedCount.Add(1)
		if result.Outcome == service.OutcomeMalformed {
			c.malformedCount.Add(1)
		}
		return nil
	}, policy)
}

// Stats 统计信息
func (c *Consumer) Stats() map[string]int64 {
	return map[string]int64{
		"processed_count": c.processedCount.Load(),
		"malformed_count": c.malformedCount.Load(),
		"error_count":     c.errorCount.Load(),
	}
}
