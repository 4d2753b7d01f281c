package service

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/eidos-exchange/eidos-lending/internal/contract"
	"github.com/eidos-exchange/eidos-lending/internal/model"
)

const (
	comptroller = "0x3d9819210a31b4961b30ef54be2aed79b9c9cd3b"
	cUSDC       = "0x39aa39c021dfbae8fac545936693ac917d5e7563"
	cETH        = "0x4ddc2d193948926d02f9b1fe9e1daa0718270ed5"
	yvUSDC      = "0x5f18c75abdae578b483e5f43f12a39cf75b973a9"
	usdc        = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	weth        = "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"
	alice       = "0x1111111111111111111111111111111111111111"
	bob         = "0x2222222222222222222222222222222222222222"
	baseTime    = int64(1_700_000_000)
)

var testDBCounter int64

// setupTestDB 每个测试使用独立的内存 SQLite
func setupTestDB(t *testing.T) *gorm.DB {
	counter := atomic.AddInt64(&testDBCounter, 1)
	dsn := fmt.Sprintf("file:lendingsvc%d?mode=memory&cache=shared", counter)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&model.Transaction{},
		&model.Market{},
		&model.Protocol{},
		&model.UsageSnapshot{},
		&model.Token{},
		&model.ProcessedEvent{},
	)
	require.NoError(t, err)
	return db
}

func txHash(n int64) string {
	return fmt.Sprintf("0x%064x", n)
}

// rawEvent 以 market 作为发出合约和交易 to 地址
func rawEvent(eventType model.EventType, market string, block, logIndex int64, params map[string]string) *model.RawEvent {
	to := market
	return &model.RawEvent{
		EventType:       eventType,
		ContractAddress: market,
		Parameters:      params,
		Transaction: model.TxContext{
			Hash:     txHash(block),
			LogIndex: logIndex,
			From:     alice,
			To:       &to,
		},
		Block: model.BlockContext{
			Number:    block,
			Timestamp: baseTime + block*12,
		},
	}
}

// fakeReader 按 address.method 返回预设值，未设置的读取视为 revert
type fakeReader struct {
	mu       sync.Mutex
	strings  map[string]string
	addrs    map[string]string
	decimals map[string]int32
	ints     map[string]*big.Int
	calls    int
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		strings:  make(map[string]string),
		addrs:    make(map[string]string),
		decimals: make(map[string]int32),
		ints:     make(map[string]*big.Int),
	}
}

func readKey(address, method string) string {
	return strings.ToLower(address) + "." + method
}

func (f *fakeReader) setInt(address, method string, v int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ints[readKey(address, method)] = big.NewInt(v)
}

func (f *fakeReader) unset(address, method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ints, readKey(address, method))
}

func (f *fakeReader) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeReader) String(ctx context.Context, address, method string, block int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if v, ok := f.strings[readKey(address, method)]; ok {
		return v, nil
	}
	return "", contract.ErrContractReadReverted
}

func (f *fakeReader) Decimals(ctx context.Context, address string, block int64) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if v, ok := f.decimals[strings.ToLower(address)]; ok {
		return v, nil
	}
	return 0, contract.ErrContractReadReverted
}

func (f *fakeReader) BigInt(ctx context.Context, address, method string, block int64) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if v, ok := f.ints[readKey(address, method)]; ok {
		return new(big.Int).Set(v), nil
	}
	return nil, contract.ErrContractReadReverted
}

func (f *fakeReader) Address(ctx context.Context, address, method string, block int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if v, ok := f.addrs[readKey(address, method)]; ok {
		return v, nil
	}
	return "", contract.ErrContractReadReverted
}
