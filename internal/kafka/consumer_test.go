package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos-lending/internal/model"
	"github.com/eidos-exchange/eidos-lending/internal/service"
)

// mockProcessor 模拟事件处理器，前 failCount 次返回错误
type mockProcessor struct {
	mu        sync.Mutex
	failCount int
	calls     int
	events    []*model.RawEvent
}

func (p *mockProcessor) Process(ctx context.Context, raw *model.RawEvent) (*service.ProcessResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failCount {
		return nil, errors.New("database unavailable")
	}
	p.events = append(p.events, raw)
	return &service.ProcessResult{EventID: raw.EventID(), Outcome: service.OutcomeApplied}, nil
}

// mockConsumerGroupSession 模拟消费者组会话
type mockConsumerGroupSession struct {
	ctx           context.Context
	markedOffsets []int64
	mu            sync.Mutex
}

func newMockSession() *mockConsumerGroupSession {
	return &mockConsumerGroupSession{ctx: context.Background()}
}

func (s *mockConsumerGroupSession) Claims() map[string][]int32 {
	return map[string][]int32{TopicRawEvents: {0}}
}
func (s *mockConsumerGroupSession) MemberID() string    { return "test-member-1" }
func (s *mockConsumerGroupSession) GenerationID() int32 { return 1 }
func (s *mockConsumerGroupSession) MarkOffset(topic string, partition int32, offset int64, metadata string) {
}
func (s *mockConsumerGroupSession) Commit() {}
func (s *mockConsumerGroupSession) ResetOffset(topic string, partition int32, offset int64, metadata string) {
}
func (s *mockConsumerGroupSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markedOffsets = append(s.markedOffsets, msg.Offset)
}
func (s *mockConsumerGroupSession) Context() context.Context { return s.ctx }

func (s *mockConsumerGroupSession) marked() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.markedOffsets...)
}

// mockConsumerGroupClaim 模拟消费者组声明
type mockConsumerGroupClaim struct {
	msgChan chan *sarama.ConsumerMessage
}

func newMockClaim() *mockConsumerGroupClaim {
	return &mockConsumerGroupClaim{msgChan: make(chan *sarama.ConsumerMessage, 100)}
}

func (c *mockConsumerGroupClaim) Topic() string                            { return TopicRawEvents }
func (c *mockConsumerGroupClaim) Partition() int32                         { return 0 }
func (c *mockConsumerGroupClaim) InitialOffset() int64                     { return 0 }
func (c *mockConsumerGroupClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *mockConsumerGroupClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgChan }

func eventMessage(t *testing.T, offset int64, logIndex int64) *sarama.ConsumerMessage {
	to := "0x39aa39c021dfbae8fac545936693ac917d5e7563"
	raw := model.RawEvent{
		EventType:       model.EventTypeBorrow,
		ContractAddress: to,
		Parameters:      map[string]string{"borrower": "0x1111111111111111111111111111111111111111", "borrowAmount": "10"},
		Transaction: model.TxContext{
			Hash:     "0x0000000000000000000000000000000000000000000000000000000000000064",
			LogIndex: logIndex,
			From:     "0x1111111111111111111111111111111111111111",
			To:       &to,
		},
		Block: model.BlockContext{Number: 100, Timestamp: 1_700_000_000},
	}
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Topic: TopicRawEvents, Key: []byte(to), Value: data, Offset: offset}
}

// TestConsumer_ConsumeClaimInOrder 按序处理并提交
func TestConsumer_ConsumeClaimInOrder(t *testing.T) {
	processor := &mockProcessor{}
	consumer := newConsumer(nil, &ConsumerConfig{Processor: processor})

	claim := newMockClaim()
	claim.msgChan <- eventMessage(t, 1, 3)
	claim.msgChan <- eventMessage(t, 2, 5)
	close(claim.msgChan)

	session := newMockSession()
	require.NoError(t, consumer.ConsumeClaim(session, claim))

	assert.Equal(t, []int64{1, 2}, session.marked())
	require.Len(t, processor.events, 2)
	assert.Equal(t, int64(3), processor.events[0].Transaction.LogIndex)
	assert.Equal(t, int64(5), processor.events[1].Transaction.LogIndex)
	assert.Equal(t, int64(2), consumer.Stats()["processed_count"])
}

// TestConsumer_UndecodableSkipped 无法解码的消息跳过并提交
func TestConsumer_UndecodableSkipped(t *testing.T) {
	processor := &mockProcessor{}
	consumer := newConsumer(nil, &ConsumerConfig{Processor: processor})

	claim := newMockClaim()
	claim.msgChan <- &sarama.ConsumerMessage{Topic: TopicRawEvents, Value: []byte("{not json"), Offset: 7}
	claim.msgChan <- eventMessage(t, 8, 0)
	close(claim.msgChan)

	session := newMockSession()
	require.NoError(t, consumer.ConsumeClaim(session, claim))

	assert.Equal(t, []int64{7, 8}, session.marked())
	assert.Len(t, processor.events, 1)
	assert.Equal(t, int64(1), consumer.Stats()["malformed_count"])
}

// TestConsumer_MissingLogIndexSkipped 缺少日志序号的事件按格式错误跳过
func TestConsumer_MissingLogIndexSkipped(t *testing.T) {
	processor := &mockProcessor{}
	consumer := newConsumer(nil, &ConsumerConfig{Processor: processor})

	value := []byte(`{"event_type":"Borrow","contract_address":"0x39aa39c021dfbae8fac545936693ac917d5e7563",` +
		`"parameters":{"borrower":"0x1111111111111111111111111111111111111111","borrowAmount":"10"},` +
		`"transaction":{"hash":"0x0000000000000000000000000000000000000000000000000000000000000064","from":"0x1111111111111111111111111111111111111111"},` +
		`"block":{"number":100,"timestamp":1700000000}}`)

	claim := newMockClaim()
	claim.msgChan <- &sarama.ConsumerMessage{Topic: TopicRawEvents, Value: value, Offset: 4}
	close(claim.msgChan)

	session := newMockSession()
	require.NoError(t, consumer.ConsumeClaim(session, claim))

	assert.Equal(t, []int64{4}, session.marked())
	assert.Empty(t, processor.events)
	assert.Equal(t, int64(1), consumer.Stats()["malformed_count"])
}

// TestConsumer_RetryThenSucceed 基础设施错误重试
func TestConsumer_RetryThenSucceed(t *testing.T) {
	processor := &mockProcessor{failCount: 1}
	consumer := newConsumer(nil, &ConsumerConfig{Processor: processor, MaxRetry: 3})

	claim := newMockClaim()
	claim.msgChan <- eventMessage(t, 1, 0)
	close(claim.msgChan)

	session := newMockSession()
	require.NoError(t, consumer.ConsumeClaim(session, claim))
	assert.Equal(t, []int64{1}, session.marked())
	assert.Equal(t, 2, processor.calls)
}

// TestConsumer_RetriesExhausted 重试耗尽时不提交 offset
func TestConsumer_RetriesExhausted(t *testing.T) {
	processor := &mockProcessor{failCount: 10}
	consumer := newConsumer(nil, &ConsumerConfig{Processor: processor, MaxRetry: 2})

	claim := newMockClaim()
	claim.msgChan <- eventMessage(t, 1, 0)
	claim.msgChan <- eventMessage(t, 2, 1)
	close(claim.msgChan)

	session := newMockSession()
	err := consumer.ConsumeClaim(session, claim)
	require.Error(t, err)
	assert.Empty(t, session.marked())
	assert.Equal(t, 2, processor.calls)
	assert.Equal(t, int64(1), consumer.Stats()["error_count"])
}

// TestConsumerDefaults 默认配置
func TestConsumerDefaults(t *testing.T) {
	consumer := newConsumer(nil, &ConsumerConfig{})
	assert.Equal(t, TopicRawEvents, consumer.topic)
	assert.Equal(t, 3, consumer.maxRetry)
	require.NoError(t, consumer.Stop())
}
