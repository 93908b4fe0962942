package connection

import (
	"context"
	"errors"
	"math/big"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/smartdevs17/lending-indexer/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testContract = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type nodeError struct{}

func (nodeError) Error() string  { return "execution reverted" }
func (nodeError) ErrorCode() int { return 3 }

type fakeBackend struct {
	mu         sync.Mutex
	head       uint64
	logs       []types.Log
	queries    []ethereum.FilterQuery
	filterErrs []error
	callOutput []byte
	lastCall   ethereum.CallMsg
	push       chan types.Log
	subErr     chan error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{push: make(chan types.Log, 16), subErr: make(chan error, 1)}
}

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if len(f.filterErrs) > 0 {
		err := f.filterErrs[0]
		f.filterErrs = f.filterErrs[1:]
		return nil, err
	}
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= q.FromBlock.Uint64() && l.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeBackend) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return event.NewSubscription(func(quit <-chan struct{}) error {
		for {
			select {
			case l := <-f.push:
				select {
				case ch <- l:
				case <-quit:
					return nil
				}
			case err := <-f.subErr:
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

func (f *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCall = call
	return f.callOutput, nil
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeBackend) setHead(h uint64) {
	f.mu.Lock()
	f.head = h
	f.mu.Unlock()
}

func (f *fakeBackend) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

type fakeProvider struct {
	backend     *fakeBackend
	mu          sync.Mutex
	invalidated int
}

func (p *fakeProvider) Backend(context.Context) (EthBackend, error) { return p.backend, nil }

func (p *fakeProvider) Invalidate() {
	p.mu.Lock()
	p.invalidated++
	p.mu.Unlock()
}

func testChainConfig() *config.ChainConfig {
	return &config.ChainConfig{
		RequestTimeout: time.Second,
		RetryAttempts:  3,
		RetryDelay:     time.Millisecond,
	}
}

func logAt(block uint64, index uint) types.Log {
	return types.Log{Address: testContract, BlockNumber: block, Index: index}
}

func TestGetLogsRetriesTransientFailures(t *testing.T) {
	backend := newFakeBackend()
	backend.logs = []types.Log{logAt(5, 0), logAt(12, 1)}
	backend.filterErrs = []error{errors.New("connection reset")}
	provider := &fakeProvider{backend: backend}

	topic := common.HexToHash("0x01")
	client := NewChainClient(provider, testChainConfig(), WithTopics([]common.Hash{topic}))

	logs, err := client.GetLogs(context.Background(), testContract, 1, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, uint64(5), logs[0].BlockNumber)

	assert.Equal(t, 2, backend.queryCount())
	assert.Equal(t, 1, provider.invalidated)

	q := backend.queries[1]
	assert.Equal(t, []common.Address{testContract}, q.Addresses)
	assert.Equal(t, [][]common.Hash{{topic}}, q.Topics)
	assert.Equal(t, int64(1), q.FromBlock.Int64())
	assert.Equal(t, int64(10), q.ToBlock.Int64())
}

func TestNodeErrorsKeepBackend(t *testing.T) {
	backend := newFakeBackend()
	backend.filterErrs = []error{nodeError{}, nodeError{}, nodeError{}}
	provider := &fakeProvider{backend: backend}

	client := NewChainClient(provider, testChainConfig())
	_, err := client.GetLogs(context.Background(), testContract, 1, 2)
	require.Error(t, err)
	assert.Equal(t, 3, backend.queryCount())
	assert.Zero(t, provider.invalidated)
}

func TestReadContract(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(`[{"type":"function","name":"getValue","stateMutability":"view",
		"inputs":[{"name":"id","type":"uint256"}],
		"outputs":[{"name":"","type":"uint256"},{"name":"","type":"string"}]}]`))
	require.NoError(t, err)

	backend := newFakeBackend()
	backend.callOutput, err = parsed.Methods["getValue"].Outputs.Pack(big.NewInt(42), "hello")
	require.NoError(t, err)

	client := NewChainClient(&fakeProvider{backend: backend}, testChainConfig())
	values, err := client.ReadContract(context.Background(), testContract, &parsed, "getValue", big.NewInt(7))
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.Equal(t, "42", values[0].(*big.Int).String())
	assert.Equal(t, "hello", values[1])

	assert.Equal(t, testContract, *backend.lastCall.To)
	assert.Equal(t, parsed.Methods["getValue"].ID, backend.lastCall.Data[:4])
}

type batchCollector struct {
	mu      sync.Mutex
	batches []LogBatch
	errs    []error
}

func (c *batchCollector) onLogs(b LogBatch) {
	c.mu.Lock()
	c.batches = append(c.batches, b)
	c.mu.Unlock()
}

func (c *batchCollector) onError(err error) {
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
}

func (c *batchCollector) snapshot() []LogBatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]LogBatch(nil), c.batches...)
}

func TestPollWatchRespectsConfirmationsAndWindows(t *testing.T) {
	backend := newFakeBackend()
	backend.head = 110
	backend.logs = []types.Log{logAt(100, 0), logAt(104, 2), logAt(108, 0)}

	client := NewChainClient(&fakeProvider{backend: backend}, testChainConfig(),
		WithLiveMode(config.LiveModePoll, 10*time.Millisecond, 4, 2))

	collector := &batchCollector{}
	sub, err := client.WatchLogs(context.Background(), testContract, 100, collector.onLogs, collector.onError)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	// Head 110 with 2 confirmations: windows 100-103, 104-107, 108-108.
	require.Eventually(t, func() bool { return len(collector.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	batches := collector.snapshot()
	assert.Equal(t, uint64(103), batches[0].CompleteThrough)
	assert.Len(t, batches[0].Logs, 1)
	assert.Equal(t, uint64(107), batches[1].CompleteThrough)
	assert.Equal(t, uint64(108), batches[2].CompleteThrough)
	assert.Equal(t, uint64(108), batches[2].Logs[0].BlockNumber)

	backend.setHead(112)
	require.Eventually(t, func() bool { return len(collector.snapshot()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(110), collector.snapshot()[3].CompleteThrough)
}

func TestUnsubscribeStopsPolling(t *testing.T) {
	backend := newFakeBackend()
	backend.head = 10

	client := NewChainClient(&fakeProvider{backend: backend}, testChainConfig(),
		WithLiveMode(config.LiveModePoll, 5*time.Millisecond, 100, 0))

	collector := &batchCollector{}
	sub, err := client.WatchLogs(context.Background(), testContract, 1, collector.onLogs, collector.onError)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(collector.snapshot()) >= 1 }, time.Second, time.Millisecond)

	sub.Unsubscribe()
	sub.Unsubscribe()

	count := backend.queryCount()
	backend.setHead(50)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, count, backend.queryCount())
}

func TestSubscribeWatchGapFillsThenRelays(t *testing.T) {
	backend := newFakeBackend()
	backend.head = 20
	backend.logs = []types.Log{logAt(15, 0), logAt(19, 1)}

	client := NewChainClient(&fakeProvider{backend: backend}, testChainConfig(),
		WithLiveMode(config.LiveModeSubscribe, 0, 0, 0))

	collector := &batchCollector{}
	sub, err := client.WatchLogs(context.Background(), testContract, 16, collector.onLogs, collector.onError)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool { return len(collector.snapshot()) == 1 }, time.Second, time.Millisecond)
	gap := collector.snapshot()[0]
	assert.Equal(t, uint64(20), gap.CompleteThrough)
	require.Len(t, gap.Logs, 1)
	assert.Equal(t, uint64(19), gap.Logs[0].BlockNumber)

	backend.push <- logAt(21, 0)
	require.Eventually(t, func() bool { return len(collector.snapshot()) == 2 }, time.Second, time.Millisecond)
	pushed := collector.snapshot()[1]
	assert.Zero(t, pushed.CompleteThrough)
	assert.Equal(t, uint64(21), pushed.Logs[0].BlockNumber)

	backend.subErr <- errors.New("websocket closed")
	require.Eventually(t, func() bool {
		collector.mu.Lock()
		defer collector.mu.Unlock()
		return len(collector.errs) == 1
	}, time.Second, time.Millisecond)
}

func TestSubscribeWatchHoldsLogsUntilConfirmed(t *testing.T) {
	backend := newFakeBackend()
	backend.head = 20
	backend.logs = []types.Log{logAt(14, 0), logAt(19, 1)}

	client := NewChainClient(&fakeProvider{backend: backend}, testChainConfig(),
		WithLiveMode(config.LiveModeSubscribe, 5*time.Millisecond, 0, 5))

	collector := &batchCollector{}
	sub, err := client.WatchLogs(context.Background(), testContract, 10, collector.onLogs, collector.onError)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	// Head 20 with 5 confirmations: only blocks up to 15 are released.
	require.Eventually(t, func() bool { return len(collector.snapshot()) == 1 }, time.Second, time.Millisecond)
	gap := collector.snapshot()[0]
	assert.Equal(t, uint64(15), gap.CompleteThrough)
	require.Len(t, gap.Logs, 1)
	assert.Equal(t, uint64(14), gap.Logs[0].BlockNumber)

	reorged := logAt(21, 2)
	reorged.Removed = true
	backend.push <- logAt(21, 2)
	backend.push <- reorged
	backend.push <- logAt(22, 3)

	time.Sleep(30 * time.Millisecond)
	assert.Len(t, collector.snapshot(), 1)

	backend.setHead(27)
	require.Eventually(t, func() bool { return len(collector.snapshot()) == 2 }, time.Second, time.Millisecond)
	confirmed := collector.snapshot()[1]
	assert.Equal(t, uint64(22), confirmed.CompleteThrough)
	require.Len(t, confirmed.Logs, 2)
	assert.Equal(t, uint64(19), confirmed.Logs[0].BlockNumber)
	assert.Equal(t, uint64(22), confirmed.Logs[1].BlockNumber)
	for _, l := range confirmed.Logs {
		assert.False(t, l.Removed)
	}
}

type ethService struct {
	chainID uint64
}

func (s *ethService) ChainId() *hexutil.Big {
	return (*hexutil.Big)(new(big.Int).SetUint64(s.chainID))
}

func (s *ethService) BlockNumber() hexutil.Uint64 {
	return 123
}

func startNode(t *testing.T, chainID uint64) string {
	t.Helper()
	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("eth", &ethService{chainID: chainID}))
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		srv.Stop()
	})
	return ts.URL
}

func deadURL() string {
	ts := httptest.NewServer(nil)
	url := ts.URL
	ts.Close()
	return url
}

func TestConnectionManagerFailsOverToBackup(t *testing.T) {
	backup := startNode(t, 31)

	cm := NewConnectionManager(&config.ChainConfig{
		NodeURL:        deadURL(),
		BackupNodes:    []string{backup},
		ChainID:        31,
		RequestTimeout: 2 * time.Second,
		RetryAttempts:  1,
	}, nil)
	defer cm.Close()

	ctx := context.Background()
	_, err := cm.Backend(ctx)
	require.NoError(t, err)
	assert.True(t, cm.IsConnected())
	assert.Equal(t, backup, cm.Stats().CurrentURL)

	require.NoError(t, cm.HealthCheckWithContext(ctx))
	stats := cm.Stats()
	assert.Equal(t, uint64(31), stats.ChainID)
	assert.Equal(t, uint64(123), stats.LatestBlock)

	cm.Invalidate()
	assert.False(t, cm.IsConnected())
	_, err = cm.Backend(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cm.Stats().Reconnects)
}

func TestConnectionManagerRejectsWrongChain(t *testing.T) {
	node := startNode(t, 30)

	cm := NewConnectionManager(&config.ChainConfig{
		NodeURL:        node,
		ChainID:        31,
		RequestTimeout: time.Second,
		RetryAttempts:  1,
	}, nil)

	_, err := cm.Backend(context.Background())
	require.Error(t, err)
	assert.False(t, cm.IsConnected())
}

func TestGetAllURLsRotatesFromLastGoodNode(t *testing.T) {
	cm := NewConnectionManager(&config.ChainConfig{
		NodeURL:     "a",
		BackupNodes: []string{"b", "c"},
	}, nil)

	assert.Equal(t, []string{"a", "b", "c"}, cm.getAllURLs())
	cm.currentIndex = cm.indexOf("c")
	assert.Equal(t, []string{"c", "a", "b"}, cm.getAllURLs())
}
