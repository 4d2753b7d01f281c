package contract

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCaller answers view calls from a table keyed by address and method.
type fakeCaller struct {
	abi     abi.ABI
	outputs map[string][]interface{}
	raw     map[string][]byte
	errs    map[string]error
	delay   time.Duration
	blocks  []*big.Int
}

func newFakeCaller(t *testing.T) *fakeCaller {
	parsed, err := abi.JSON(strings.NewReader(LendingABI))
	require.NoError(t, err)
	return &fakeCaller{
		abi:     parsed,
		outputs: map[string][]interface{}{},
		raw:     map[string][]byte{},
		errs:    map[string]error{},
	}
}

func key(address, method string) string {
	return strings.ToLower(address) + "." + method
}

func (f *fakeCaller) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func (f *fakeCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.blocks = append(f.blocks, blockNumber)
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	m, err := f.abi.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	k := key(msg.To.Hex(), m.Name)
	if err, ok := f.errs[k]; ok {
		return nil, err
	}
	if raw, ok := f.raw[k]; ok {
		return raw, nil
	}
	values, ok := f.outputs[k]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return m.Outputs.Pack(values...)
}

const testMarket = "0x39aa39c021dfbae8fac545936693ac917d5e7563"

// TestReader_Read tests raw reads and revert classification.
func TestReader_Read(t *testing.T) {
	caller := newFakeCaller(t)
	caller.outputs[key(testMarket, MethodDecimals)] = []interface{}{uint8(8)}
	caller.raw[key(testMarket, MethodSymbol)] = []byte{}
	caller.raw[key(testMarket, MethodName)] = []byte{0x01, 0x02}

	reader, err := NewReader(caller, time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("ok", func(t *testing.T) {
		res, err := reader.Read(ctx, testMarket, MethodDecimals, 100)
		require.NoError(t, err)
		assert.False(t, res.Reverted)
		assert.Equal(t, uint8(8), res.Values[0])
		assert.Equal(t, big.NewInt(100), caller.blocks[len(caller.blocks)-1])
	})

	t.Run("missing method on contract", func(t *testing.T) {
		res, err := reader.Read(ctx, testMarket, MethodUnderlying, 100)
		require.NoError(t, err)
		assert.True(t, res.Reverted)
	})

	t.Run("empty output", func(t *testing.T) {
		res, err := reader.Read(ctx, testMarket, MethodSymbol, 100)
		require.NoError(t, err)
		assert.True(t, res.Reverted)
	})

	t.Run("undecodable output", func(t *testing.T) {
		res, err := reader.Read(ctx, testMarket, MethodName, 100)
		require.NoError(t, err)
		assert.True(t, res.Reverted)
	})

	t.Run("unknown method", func(t *testing.T) {
		_, err := reader.Read(ctx, testMarket, "balanceOf", 100)
		assert.ErrorIs(t, err, ErrUnknownMethod)
	})

	t.Run("latest block", func(t *testing.T) {
		_, err := reader.Read(ctx, testMarket, MethodDecimals, 0)
		require.NoError(t, err)
		assert.Nil(t, caller.blocks[len(caller.blocks)-1])
	})
}

// TestReader_Timeout tests that a slow node is reported as reverted.
func TestReader_Timeout(t *testing.T) {
	caller := newFakeCaller(t)
	caller.outputs[key(testMarket, MethodDecimals)] = []interface{}{uint8(8)}
	caller.delay = time.Second

	reader, err := NewReader(caller, 10*time.Millisecond)
	require.NoError(t, err)

	_, err = reader.Decimals(context.Background(), testMarket, 1)
	assert.ErrorIs(t, err, ErrContractReadReverted)
}

// TestReader_TypedHelpers tests the typed accessors.
func TestReader_TypedHelpers(t *testing.T) {
	underlying := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")

	caller := newFakeCaller(t)
	caller.outputs[key(testMarket, MethodName)] = []interface{}{"Compound USD Coin"}
	caller.outputs[key(testMarket, MethodSymbol)] = []interface{}{"cUSDC"}
	caller.outputs[key(testMarket, MethodDecimals)] = []interface{}{uint8(8)}
	caller.outputs[key(testMarket, MethodTotalSupply)] = []interface{}{big.NewInt(5_000_000)}
	caller.outputs[key(testMarket, MethodUnderlying)] = []interface{}{underlying}
	caller.outputs[key(testMarket, MethodLatestAnswer)] = []interface{}{big.NewInt(-1)}

	reader, err := NewReader(caller, time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	name, err := reader.String(ctx, testMarket, MethodName, 1)
	require.NoError(t, err)
	assert.Equal(t, "Compound USD Coin", name)

	symbol, err := reader.String(ctx, testMarket, MethodSymbol, 1)
	require.NoError(t, err)
	assert.Equal(t, "cUSDC", symbol)

	decimals, err := reader.Decimals(ctx, testMarket, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(8), decimals)

	supply, err := reader.BigInt(ctx, testMarket, MethodTotalSupply, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), supply.Int64())

	answer, err := reader.BigInt(ctx, testMarket, MethodLatestAnswer, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), answer.Int64())

	addr, err := reader.Address(ctx, testMarket, MethodUnderlying, 1)
	require.NoError(t, err)
	assert.Equal(t, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", addr)

	_, err = reader.Address(ctx, testMarket, MethodAsset, 1)
	assert.ErrorIs(t, err, ErrContractReadReverted)

	t.Run("type mismatch", func(t *testing.T) {
		_, err := reader.String(ctx, testMarket, MethodDecimals, 1)
		assert.ErrorIs(t, err, ErrContractReadReverted)
	})
}
