package snapshot

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/smartdevs17/lending-indexer/internal/config"
	"github.com/smartdevs17/lending-indexer/internal/metrics"
	"github.com/smartdevs17/lending-indexer/internal/storage"
	"github.com/smartdevs17/lending-indexer/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	usdc     = common.HexToAddress("0x00000000000000000000000000000000000000C3")
	weth     = common.HexToAddress("0x00000000000000000000000000000000000000D4")
	provider = "0x00000000000000000000000000000000000000E5"
	t0       = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
)

func pow10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}

func units(v, decimals int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), pow10(decimals))
}

func sampleMarkets() []MarketData {
	return []MarketData{
		{
			Asset:         usdc,
			Symbol:        "USDC",
			Decimals:      6,
			SupplyRate:    new(big.Int).Div(pow10(18), big.NewInt(20)), // 0.05
			BorrowRate:    new(big.Int).Div(pow10(18), big.NewInt(10)), // 0.1
			TotalSupplied: units(1000, 6),
			TotalBorrowed: units(500, 6),
			PriceUsd:      pow10(18),
		},
		{
			Asset:         weth,
			Symbol:        "WETH",
			Decimals:      18,
			SupplyRate:    new(big.Int),
			BorrowRate:    new(big.Int),
			TotalSupplied: new(big.Int),
			TotalBorrowed: new(big.Int),
			PriceUsd:      units(3000, 18),
		},
	}
}

type fakeReader struct {
	mu      sync.Mutex
	markets []MarketData
	err     error
	calls   int32
	block   chan struct{}
}

func (f *fakeReader) ReadMarketData(ctx context.Context) ([]MarketData, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markets, f.err
}

type fakeTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()               { f.stopped.Store(true) }

func TestUtilization(t *testing.T) {
	assert.Equal(t, "0", Utilization(decimal.Zero, decimal.NewFromInt(5)).String())
	assert.Equal(t, "0.5", Utilization(decimal.NewFromInt(1000), decimal.NewFromInt(500)).String())
}

func TestTakeSnapshotConvertsUnits(t *testing.T) {
	store := storage.NewMemoryStorage()
	reg := prometheus.NewRegistry()
	mm := metrics.NewManagerWithRegistry(reg)
	job := NewJob(&config.SnapshotConfig{Enabled: true, PriceDecimals: 18},
		&fakeReader{markets: sampleMarkets()}, store, mm,
		WithClock(func() time.Time { return t0 }))

	require.NoError(t, job.TakeSnapshot(context.Background()))

	rows, err := store.GetLatestSnapshots(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byAsset := map[string]int{}
	for i, r := range rows {
		byAsset[r.Asset] = i
	}
	u := rows[byAsset[utils.AddressKey(usdc)]]
	assert.Equal(t, "USDC", u.Symbol)
	assert.Equal(t, "1000", u.TotalSupplied.String())
	assert.Equal(t, "500", u.TotalBorrowed.String())
	assert.Equal(t, "0.5", u.Utilization.String())
	assert.Equal(t, "0.05", u.SupplyRate.String())
	assert.Equal(t, "0.1", u.BorrowRate.String())
	assert.Equal(t, "1", u.PriceUSD.String())
	assert.Equal(t, t0, u.SnapshotAt)

	w := rows[byAsset[utils.AddressKey(weth)]]
	assert.Equal(t, "0", w.Utilization.String())
	assert.Equal(t, "3000", w.PriceUSD.String())

	// one batch, one timestamp
	assert.Equal(t, u.BatchID, w.BatchID)
	assert.NotEmpty(t, u.BatchID)
	assert.Equal(t, u.SnapshotAt, w.SnapshotAt)

	assert.Equal(t, float64(2), testutil.ToFloat64(mm.GetPrometheusMetrics().MarketsSnapshotted))
}

func TestTakeSnapshotReadFailure(t *testing.T) {
	store := storage.NewMemoryStorage()
	job := NewJob(&config.SnapshotConfig{Enabled: true},
		&fakeReader{err: errors.New("call reverted")}, store, nil)

	err := job.TakeSnapshot(context.Background())
	require.Error(t, err)
	assert.True(t, utils.IsErrorCode(err, utils.ErrCodeBlockchain))

	stats, err := store.GetStorageStats()
	require.NoError(t, err)
	assert.Zero(t, stats.TotalSnapshots)
}

func TestOverlappingSnapshotIsSkipped(t *testing.T) {
	reader := &fakeReader{markets: sampleMarkets(), block: make(chan struct{})}
	job := NewJob(&config.SnapshotConfig{Enabled: true}, reader, storage.NewMemoryStorage(), nil)

	errs := make(chan error, 1)
	go func() { errs <- job.TakeSnapshot(context.Background()) }()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&reader.calls) == 1 }, time.Second, time.Millisecond)

	assert.ErrorIs(t, job.TakeSnapshot(context.Background()), ErrSnapshotInProgress)

	close(reader.block)
	require.NoError(t, <-errs)
}

func TestStartSchedulesAndStopHaltsWrites(t *testing.T) {
	store := storage.NewMemoryStorage()
	reader := &fakeReader{markets: sampleMarkets()}
	ticker := &fakeTicker{ch: make(chan time.Time)}
	var interval time.Duration

	clock := t0
	var clockMu sync.Mutex
	job := NewJob(&config.SnapshotConfig{Enabled: true}, reader, store, nil,
		WithTicker(func(d time.Duration) Ticker {
			interval = d
			return ticker
		}),
		WithClock(func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			clock = clock.Add(time.Minute)
			return clock
		}))

	require.NoError(t, job.Start(context.Background()))
	assert.Equal(t, defaultInterval, interval)

	snapshots := func() int64 {
		stats, err := store.GetStorageStats()
		require.NoError(t, err)
		return stats.TotalSnapshots
	}

	// immediate run
	require.Eventually(t, func() bool { return snapshots() == 2 }, time.Second, time.Millisecond)

	ticker.ch <- t0
	require.Eventually(t, func() bool { return snapshots() == 4 }, time.Second, time.Millisecond)

	require.NoError(t, job.Stop())
	require.NoError(t, job.Stop())
	assert.True(t, ticker.stopped.Load())

	select {
	case ticker.ch <- t0:
		t.Fatal("tick delivered after Stop")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, int64(4), snapshots())
	assert.Equal(t, int32(2), atomic.LoadInt32(&reader.calls))

	history, err := store.GetSnapshotsInRange(context.Background(), utils.AddressKey(usdc), t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestFailingTickKeepsSchedule(t *testing.T) {
	store := storage.NewMemoryStorage()
	reader := &fakeReader{err: errors.New("node down")}
	ticker := &fakeTicker{ch: make(chan time.Time)}
	job := NewJob(&config.SnapshotConfig{Enabled: true, Interval: time.Second}, reader, store, nil,
		WithTicker(func(time.Duration) Ticker { return ticker }))

	require.NoError(t, job.Start(context.Background()))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&reader.calls) == 1 }, time.Second, time.Millisecond)

	reader.mu.Lock()
	reader.err = nil
	reader.markets = sampleMarkets()
	reader.mu.Unlock()

	ticker.ch <- t0
	require.Eventually(t, func() bool {
		stats, err := store.GetStorageStats()
		require.NoError(t, err)
		return stats.TotalSnapshots == 2
	}, time.Second, time.Millisecond)
	require.NoError(t, job.Stop())
}

func TestStartDisabled(t *testing.T) {
	reader := &fakeReader{}
	job := NewJob(&config.SnapshotConfig{Enabled: false}, reader, storage.NewMemoryStorage(), nil)
	require.NoError(t, job.Start(context.Background()))
	require.NoError(t, job.Stop())
	assert.Zero(t, atomic.LoadInt32(&reader.calls))

	noReader := NewJob(&config.SnapshotConfig{Enabled: true}, nil, storage.NewMemoryStorage(), nil)
	require.NoError(t, noReader.Start(context.Background()))
	err := noReader.TakeSnapshot(context.Background())
	assert.True(t, utils.IsErrorCode(err, utils.ErrCodeConfiguration))
}

// packingReader answers ReadContract by ABI-encoding markets and decoding
// them again, as a node round trip would.
type packingReader struct {
	markets []MarketData
	address common.Address
}

func (p *packingReader) ReadContract(_ context.Context, contract common.Address, contractABI *abi.ABI,
	method string, args ...interface{}) ([]interface{}, error) {
	p.address = contract
	data, err := contractABI.Methods[method].Outputs.Pack(p.markets)
	if err != nil {
		return nil, err
	}
	return contractABI.Unpack(method, data)
}

func TestProviderReaderDecodesTupleArray(t *testing.T) {
	pr := &packingReader{markets: sampleMarkets()}
	reader, err := NewProviderReader(pr, provider)
	require.NoError(t, err)

	markets, err := reader.ReadMarketData(context.Background())
	require.NoError(t, err)
	require.Len(t, markets, 2)
	assert.Equal(t, common.HexToAddress(provider), pr.address)
	assert.Equal(t, usdc, markets[0].Asset)
	assert.Equal(t, "USDC", markets[0].Symbol)
	assert.Equal(t, uint8(6), markets[0].Decimals)
	assert.Equal(t, units(1000, 6).String(), markets[0].TotalSupplied.String())
	assert.Equal(t, units(3000, 18).String(), markets[1].PriceUsd.String())
}

func TestNewProviderReaderRejectsBadAddress(t *testing.T) {
	_, err := NewProviderReader(&packingReader{}, "provider")
	require.Error(t, err)
	assert.True(t, utils.IsErrorCode(err, utils.ErrCodeConfiguration))
}
