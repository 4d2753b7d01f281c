package blockchain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRPC 模拟 RPC 端点
type fakeRPC struct {
	chainID   int64
	callErr   error
	callCount int
	output    []byte
	closed    bool
}

func (f *fakeRPC) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(f.chainID), nil
}

func (f *fakeRPC) BlockNumber(ctx context.Context) (uint64, error) {
	f.callCount++
	if f.callErr != nil {
		return 0, f.callErr
	}
	return 100, nil
}

func (f *fakeRPC) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.callCount++
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.output, nil
}

func (f *fakeRPC) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func (f *fakeRPC) Close() { f.closed = true }

func fakeDialer(endpoints map[string]*fakeRPC) dialFunc {
	return func(ctx context.Context, url string) (rpcClient, error) {
		ep, ok := endpoints[url]
		if !ok {
			return nil, errors.New("dial failed")
		}
		return ep, nil
	}
}

// revertError 模拟节点返回的 revert 错误
type revertError struct{}

func (revertError) Error() string          { return "execution reverted" }
func (revertError) ErrorCode() int         { return 3 }
func (revertError) ErrorData() interface{} { return "0x" }

// TestNewClient 测试客户端创建
func TestNewClient(t *testing.T) {
	t.Run("requires url", func(t *testing.T) {
		_, err := newClient(&ClientConfig{}, fakeDialer(nil))
		assert.Error(t, err)
	})

	t.Run("skips unreachable endpoint", func(t *testing.T) {
		good := &fakeRPC{chainID: 1}
		c, err := newClient(&ClientConfig{
			ChainID: 1,
			RPCURLs: []string{"http://down", "http://up"},
		}, fakeDialer(map[string]*fakeRPC{"http://up": good}))
		require.NoError(t, err)
		assert.Len(t, c.GetHealthyEndpoints(), 1)
		assert.Equal(t, int64(1), c.ChainID())
	})

	t.Run("rejects wrong chain", func(t *testing.T) {
		_, err := newClient(&ClientConfig{
			ChainID: 1,
			RPCURLs: []string{"http://other"},
		}, fakeDialer(map[string]*fakeRPC{"http://other": {chainID: 5}}))
		assert.ErrorIs(t, err, ErrNoHealthyRPC)
	})
}

// TestClient_Failover 测试端点故障切换
func TestClient_Failover(t *testing.T) {
	bad := &fakeRPC{chainID: 1, callErr: errors.New("connection reset")}
	good := &fakeRPC{chainID: 1}
	c, err := newClient(&ClientConfig{
		ChainID:       1,
		RPCURLs:       []string{"http://a", "http://b"},
		MaxRetries:    3,
		RetryInterval: time.Millisecond,
	}, fakeDialer(map[string]*fakeRPC{"http://a": bad, "http://b": good}))
	require.NoError(t, err)

	n, err := c.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), n)
	assert.Equal(t, 1, bad.callCount)
	assert.True(t, bad.closed)
	assert.NoError(t, c.HealthCheck(context.Background()))
}

// TestClient_RevertNotRetried 合约 revert 不重试
func TestClient_RevertNotRetried(t *testing.T) {
	ep := &fakeRPC{chainID: 1, callErr: revertError{}}
	c, err := newClient(&ClientConfig{
		ChainID:       1,
		RPCURLs:       []string{"http://a"},
		MaxRetries:    3,
		RetryInterval: time.Millisecond,
	}, fakeDialer(map[string]*fakeRPC{"http://a": ep}))
	require.NoError(t, err)

	_, err = c.CallContract(context.Background(), ethereum.CallMsg{}, big.NewInt(1))
	assert.ErrorIs(t, err, ErrExecutionReverted)
	assert.Equal(t, 1, ep.callCount)
}

// TestClient_ContextCanceled 取消后停止重试
func TestClient_ContextCanceled(t *testing.T) {
	ep := &fakeRPC{chainID: 1, callErr: errors.New("timeout")}
	c, err := newClient(&ClientConfig{
		ChainID:       1,
		RPCURLs:       []string{"http://a"},
		MaxRetries:    5,
		RetryInterval: time.Hour,
	}, fakeDialer(map[string]*fakeRPC{"http://a": ep}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = c.BlockNumber(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
