package contract

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-lending/internal/metrics"
	"github.com/eidos-exchange/eidos-lending/pkg/logger"
)

// Contract read errors
var (
	ErrContractReadReverted = errors.New("contract read reverted")
	ErrUnknownMethod        = errors.New("unknown contract method")
)

// ReadResult is the outcome of a single view call. Reverted covers reverts, RPC failures,
// timeouts, empty return data and undecodable output alike.
type ReadResult struct {
	Values   []interface{}
	Reverted bool
}

// Reader performs view calls at a historical block through a bind.ContractCaller.
type Reader struct {
	abi     abi.ABI
	caller  bind.ContractCaller
	timeout time.Duration
}

// NewReader creates a contract reader. timeout bounds every individual call.
func NewReader(caller bind.ContractCaller, timeout time.Duration) (*Reader, error) {
	parsed, err := abi.JSON(strings.NewReader(LendingABI))
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Reader{abi: parsed, caller: caller, timeout: timeout}, nil
}

// Read calls method on address at block. The returned error is reserved for programming
// errors (unknown method, bad arguments); on-chain failures are reported via Reverted.
func (r *Reader) Read(ctx context.Context, address string, method string, block int64, args ...interface{}) (*ReadResult, error) {
	m, ok := r.abi.Methods[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	data, err := r.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	to := common.HexToAddress(address)
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	output, err := r.caller.CallContract(callCtx, ethereum.CallMsg{To: &to, Data: data}, blockNumber(block))
	if err != nil {
		metrics.RecordContractRead(method, "reverted")
		logger.Debug("contract read failed",
			zap.String("address", address),
			zap.String("method", method),
			zap.Int64("block", block),
			zap.Error(err))
		return &ReadResult{Reverted: true}, nil
	}
	if len(output) == 0 {
		metrics.RecordContractRead(method, "empty")
		return &ReadResult{Reverted: true}, nil
	}

	values, err := m.Outputs.Unpack(output)
	if err != nil || len(values) == 0 {
		metrics.RecordContractRead(method, "undecodable")
		return &ReadResult{Reverted: true}, nil
	}

	metrics.RecordContractRead(method, "ok")
	return &ReadResult{Values: values}, nil
}

func blockNumber(block int64) *big.Int {
	if block <= 0 {
		return nil
	}
	return big.NewInt(block)
}

func (r *Reader) first(ctx context.Context, address, method string, block int64) (interface{}, error) {
	res, err := r.Read(ctx, address, method, block)
	if err != nil {
		return nil, err
	}
	if res.Reverted {
		return nil, fmt.Errorf("%w: %s.%s", ErrContractReadReverted, address, method)
	}
	return res.Values[0], nil
}

// String reads a string-returning view (name, symbol).
func (r *Reader) String(ctx context.Context, address, method string, block int64) (string, error) {
	v, err := r.first(ctx, address, method, block)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s returned %T", ErrContractReadReverted, method, v)
	}
	return s, nil
}

// Decimals reads decimals().
func (r *Reader) Decimals(ctx context.Context, address string, block int64) (int32, error) {
	v, err := r.first(ctx, address, MethodDecimals, block)
	if err != nil {
		return 0, err
	}
	d, ok := v.(uint8)
	if !ok {
		return 0, fmt.Errorf("%w: decimals returned %T", ErrContractReadReverted, v)
	}
	return int32(d), nil
}

// BigInt reads a uint256/int256-returning view (totalSupply, totalAssets, latestAnswer).
func (r *Reader) BigInt(ctx context.Context, address, method string, block int64) (*big.Int, error) {
	v, err := r.first(ctx, address, method, block)
	if err != nil {
		return nil, err
	}
	n, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: %s returned %T", ErrContractReadReverted, method, v)
	}
	return n, nil
}

// Address reads an address-returning view (underlying, asset). Lowercase hex.
func (r *Reader) Address(ctx context.Context, address, method string, block int64) (string, error) {
	v, err := r.first(ctx, address, method, block)
	if err != nil {
		return "", err
	}
	a, ok := v.(common.Address)
	if !ok {
		return "", fmt.Errorf("%w: %s returned %T", ErrContractReadReverted, method, v)
	}
	return strings.ToLower(a.Hex()), nil
}
