package service

import (
	"errors"
	"fmt"

	"github.com/eidos-exchange/eidos-lending/internal/model"
)

var (
	// ErrAlreadyProcessed 重放的事件，不是错误，处理为空操作
	ErrAlreadyProcessed = errors.New("event already processed")
	// ErrMalformedEvent 结构无法解析，整条事件跳过
	ErrMalformedEvent = errors.New("malformed event")
	// ErrNoPriceFound 该区块无可用价格
	ErrNoPriceFound = errors.New("no price found")
	// ErrAggregateUpdateAborted 市场解析失败，仅保留流水
	ErrAggregateUpdateAborted = errors.New("aggregate update aborted")
	// ErrMarketNotAllowed 市场不在白名单
	ErrMarketNotAllowed = errors.New("market not in allow-list")
)

// MissingContextError 交易上下文缺少所需的对手方地址
type MissingContextError struct {
	EventType model.EventType
	Field     string
}

func (e *MissingContextError) Error() string {
	return fmt.Sprintf("missing context for %s: %s", e.EventType, e.Field)
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedEvent, fmt.Sprintf(format, args...))
}
