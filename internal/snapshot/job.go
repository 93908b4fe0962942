// File: internal/snapshot/job.go
package snapshot

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/lending-indexer/internal/config"
	"github.com/smartdevs17/lending-indexer/internal/metrics"
	"github.com/smartdevs17/lending-indexer/internal/models"
	"github.com/smartdevs17/lending-indexer/internal/storage"
	"github.com/smartdevs17/lending-indexer/pkg/utils"
)

const (
	rateDecimals         = 18
	defaultInterval      = 60 * time.Second
	defaultPriceDecimals = 18
)

// ErrSnapshotInProgress is returned when a snapshot is requested while
// another one is still running.
var ErrSnapshotInProgress = errors.New("snapshot: already in progress")

// Ticker delivers scheduling ticks
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.Ticker.C }

// Option configures a Job
type Option func(*Job)

// WithTicker replaces the ticker factory used by Start
func WithTicker(newTicker func(time.Duration) Ticker) Option {
	return func(j *Job) { j.newTicker = newTicker }
}

// WithClock replaces the clock used to stamp snapshots
func WithClock(now func() time.Time) Option {
	return func(j *Job) { j.now = now }
}

// Job periodically records the state of every market
type Job struct {
	config         *config.SnapshotConfig
	reader         MarketDataReader
	storage        storage.Storage
	metricsManager *metrics.Manager
	logger         *logrus.Entry

	newTicker func(time.Duration) Ticker
	now       func() time.Time

	// inFlight guards against overlapping snapshots
	inFlight sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewJob creates a snapshot job. reader may be nil when no data provider
// is configured, in which case Start leaves the job disabled.
func NewJob(cfg *config.SnapshotConfig, reader MarketDataReader, store storage.Storage, metricsManager *metrics.Manager, opts ...Option) *Job {
	j := &Job{
		config:         cfg,
		reader:         reader,
		storage:        store,
		metricsManager: metricsManager,
		logger:         utils.ComponentLogger("snapshot"),
		newTicker: func(d time.Duration) Ticker {
			return timeTicker{time.NewTicker(d)}
		},
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start takes one snapshot right away and then one per interval
func (j *Job) Start(ctx context.Context) error {
	if !j.config.Enabled || j.reader == nil {
		j.logger.Warn("Market snapshots disabled")
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.done != nil {
		select {
		case <-j.done:
		default:
			return utils.NewAppError(utils.ErrCodeInternal, "Snapshot job already running")
		}
	}

	interval := j.config.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	runCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})

	ticker := j.newTicker(interval)
	go j.loop(runCtx, ticker, j.done)

	j.logger.WithField("interval", interval).Info("Snapshot job started")
	return nil
}

// Stop cancels the schedule and waits for an in-flight snapshot
func (j *Job) Stop() error {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel, j.done = nil, nil
	j.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	j.logger.Info("Snapshot job stopped")
	return nil
}

func (j *Job) loop(ctx context.Context, ticker Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	j.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			j.tick(ctx)
		}
	}
}

func (j *Job) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := j.TakeSnapshot(ctx); err != nil {
		if errors.Is(err, ErrSnapshotInProgress) {
			j.logger.Debug("Previous snapshot still running, tick skipped")
			return
		}
		j.logger.WithError(err).Error("Snapshot failed")
	}
}

// TakeSnapshot reads every market once and stores the rows under one
// batch id and timestamp.
func (j *Job) TakeSnapshot(ctx context.Context) error {
	if j.reader == nil {
		return utils.NewAppError(utils.ErrCodeConfiguration, "No market data reader configured")
	}
	if !j.inFlight.TryLock() {
		return ErrSnapshotInProgress
	}
	defer j.inFlight.Unlock()

	start := time.Now()
	markets, err := j.reader.ReadMarketData(ctx)
	if err != nil {
		j.record("error", 0, start)
		return utils.WrapError(utils.ErrCodeBlockchain, "Failed to read market data", err)
	}

	snapshotAt := j.now()
	batchID := uuid.NewString()
	priceDecimals := j.config.PriceDecimals
	if priceDecimals <= 0 {
		priceDecimals = defaultPriceDecimals
	}

	rows := make([]*models.MarketSnapshot, 0, len(markets))
	for _, m := range markets {
		rows = append(rows, buildSnapshot(m, priceDecimals, batchID, snapshotAt))
	}

	if len(rows) > 0 {
		if err := j.storage.SaveMarketSnapshots(ctx, rows); err != nil {
			j.record("error", len(rows), start)
			return utils.WrapError(utils.ErrCodeDatabase, "Failed to save market snapshots", err)
		}
	}

	j.record("success", len(rows), start)
	j.logger.WithFields(logrus.Fields{
		"batch_id": batchID,
		"markets":  len(rows),
	}).Debug("Market snapshot saved")
	return nil
}

func (j *Job) record(status string, markets int, start time.Time) {
	if j.metricsManager != nil {
		j.metricsManager.GetPrometheusMetrics().RecordSnapshot(status, markets, time.Since(start))
	}
}

// buildSnapshot converts provider units to decimals
func buildSnapshot(m MarketData, priceDecimals int32, batchID string, at time.Time) *models.MarketSnapshot {
	supplied := shift(m.TotalSupplied, int32(m.Decimals))
	borrowed := shift(m.TotalBorrowed, int32(m.Decimals))

	return &models.MarketSnapshot{
		BatchID:       batchID,
		Asset:         utils.AddressKey(m.Asset),
		Symbol:        m.Symbol,
		TotalSupplied: supplied,
		TotalBorrowed: borrowed,
		SupplyRate:    shift(m.SupplyRate, rateDecimals),
		BorrowRate:    shift(m.BorrowRate, rateDecimals),
		Utilization:   Utilization(supplied, borrowed),
		PriceUSD:      shift(m.PriceUsd, priceDecimals),
		SnapshotAt:    at,
	}
}

// Utilization is borrowed/supplied, or zero for an empty market
func Utilization(supplied, borrowed decimal.Decimal) decimal.Decimal {
	if supplied.IsZero() {
		return decimal.Zero
	}
	return borrowed.Div(supplied)
}

func shift(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}
