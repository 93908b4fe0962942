// File: internal/indexer/indexer.go
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/lending-indexer/internal/config"
	"github.com/smartdevs17/lending-indexer/internal/connection"
	"github.com/smartdevs17/lending-indexer/internal/decoder"
	"github.com/smartdevs17/lending-indexer/internal/metrics"
	"github.com/smartdevs17/lending-indexer/internal/models"
	"github.com/smartdevs17/lending-indexer/internal/processor"
	"github.com/smartdevs17/lending-indexer/internal/storage"
	"github.com/smartdevs17/lending-indexer/pkg/utils"
)

const defaultBatchSize = 1000

// State is the lifecycle state of the indexer
type State int

const (
	StateStopped State = iota
	StateBackfilling
	StateLive
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateBackfilling:
		return "BACKFILLING"
	case StateLive:
		return "LIVE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// LogDecoder turns raw logs into decoded events
type LogDecoder interface {
	Decode(log types.Log) (*models.DecodedEvent, error)
}

// Stats is a point-in-time view of indexer progress
type Stats struct {
	State       string     `json:"state"`
	Checkpoint  uint64     `json:"checkpoint"`
	ChainHead   uint64     `json:"chain_head"`
	LogsApplied uint64     `json:"logs_applied"`
	LogsSkipped uint64     `json:"logs_skipped"`
	LogsFailed  uint64     `json:"logs_failed"`
	Reconnects  uint64     `json:"reconnects"`
	LastError   *string    `json:"last_error,omitempty"`
	LastErrorAt *time.Time `json:"last_error_at,omitempty"`
}

// Indexer backfills lending pool logs from the last checkpoint and then
// follows the chain live.
type Indexer struct {
	config         *config.IndexerConfig
	chainID        uint64
	contract       common.Address
	source         connection.LogSource
	decoder        LogDecoder
	processor      processor.Processor
	storage        storage.Storage
	metricsManager *metrics.Manager
	logger         *logrus.Entry

	// lifecycle serializes Start and Stop
	lifecycle sync.Mutex

	mu     sync.RWMutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	stats  Stats

	// processMu serializes backfill windows and live batches
	processMu sync.Mutex
}

// NewIndexer creates a new indexer
func NewIndexer(
	cfg *config.IndexerConfig,
	chainID uint64,
	source connection.LogSource,
	dec LogDecoder,
	proc processor.Processor,
	store storage.Storage,
	metricsManager *metrics.Manager,
) *Indexer {
	ix := &Indexer{
		config:         cfg,
		chainID:        chainID,
		source:         source,
		decoder:        dec,
		processor:      proc,
		storage:        store,
		metricsManager: metricsManager,
		logger:         utils.ComponentLogger("indexer"),
	}
	if utils.IsValidAddress(cfg.ContractAddress) {
		ix.contract = common.HexToAddress(cfg.ContractAddress)
	}
	return ix
}

// Start launches the run loop. Without a configured contract address the
// indexer stays stopped and Start returns nil.
func (ix *Indexer) Start(ctx context.Context) error {
	if ix.config.ContractAddress == "" {
		ix.logger.Warn("No contract address configured, indexer disabled")
		return nil
	}
	if !utils.IsValidAddress(ix.config.ContractAddress) {
		return utils.NewAppError(utils.ErrCodeConfiguration,
			"Invalid contract address", ix.config.ContractAddress)
	}

	ix.lifecycle.Lock()
	defer ix.lifecycle.Unlock()
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.done != nil {
		select {
		case <-ix.done:
		default:
			return utils.NewAppError(utils.ErrCodeInternal, "Indexer already running")
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	ix.cancel = cancel
	ix.done = make(chan struct{})

	ix.logger.WithFields(logrus.Fields{
		"contract":    ix.config.ContractAddress,
		"chain_id":    ix.chainID,
		"start_block": ix.config.StartBlock,
		"live_mode":   ix.config.LiveMode,
	}).Info("Starting indexer")

	go ix.run(runCtx, ix.done)
	return nil
}

// Stop cancels the run loop and waits for it to exit and for pending
// liquidation notifications to finish. Safe to call repeatedly and before
// Start.
func (ix *Indexer) Stop() error {
	ix.lifecycle.Lock()
	defer ix.lifecycle.Unlock()

	ix.mu.RLock()
	cancel, done := ix.cancel, ix.done
	ix.mu.RUnlock()

	if cancel == nil {
		return nil
	}

	ix.logger.Info("Stopping indexer")
	cancel()
	<-done
	ix.processor.Wait()

	ix.mu.Lock()
	ix.cancel, ix.done = nil, nil
	ix.mu.Unlock()
	ix.setState(StateStopped)
	ix.logger.Info("Indexer stopped")
	return nil
}

// State returns the current lifecycle state
func (ix *Indexer) State() State {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.state
}

// Stats returns a snapshot of progress counters
func (ix *Indexer) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	stats := ix.stats
	stats.State = ix.state.String()
	return stats
}

// run is the main indexing loop: catch up, go live, and on any live
// failure back off and start over from the checkpoint.
func (ix *Indexer) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer ix.setState(StateStopped)

	policy := ix.reconnectBackoff()
	for {
		ix.setState(StateBackfilling)
		next, err := ix.catchUp(ctx)
		if err == nil {
			ix.setState(StateLive)
			liveSince := time.Now()
			err = ix.watchLive(ctx, next)
			if time.Since(liveSince) > policy.MaxInterval {
				policy.Reset()
			}
		}
		if ctx.Err() != nil {
			return
		}

		ix.recordError(err)
		wait := policy.NextBackOff()
		ix.logger.WithFields(logrus.Fields{
			"retry_in": wait,
		}).WithError(err).Warn("Indexer interrupted, reconnecting")
		ix.recordReconnect()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (ix *Indexer) reconnectBackoff() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	if ix.config.ReconnectInitialDelay > 0 {
		policy.InitialInterval = ix.config.ReconnectInitialDelay
	}
	if ix.config.ReconnectMaxDelay > 0 {
		policy.MaxInterval = ix.config.ReconnectMaxDelay
	}
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

// catchUp backfills from the checkpoint to the confirmed head and returns
// the first block the live watch should cover.
func (ix *Indexer) catchUp(ctx context.Context) (uint64, error) {
	checkpoint, found, err := ix.storage.GetCheckpoint(ctx, ix.chainID)
	if err != nil {
		return 0, utils.WrapError(utils.ErrCodeDatabase, "Failed to read checkpoint", err)
	}

	from := ix.config.StartBlock
	if found && checkpoint+1 > from {
		from = checkpoint + 1
	}

	head, err := ix.source.BlockNumber(ctx)
	if err != nil {
		return 0, utils.WrapError(utils.ErrCodeBlockchain, "Failed to get chain head", err)
	}
	ix.updateHead(head)

	if head < ix.config.ConfirmationBlocks {
		return from, nil
	}
	to := head - ix.config.ConfirmationBlocks
	if from > to {
		return from, nil
	}

	ix.logger.WithFields(logrus.Fields{
		"from": from,
		"to":   to,
		"head": head,
	}).Info("Backfilling")

	if err := ix.Backfill(ctx, from, to); err != nil {
		return 0, err
	}
	return to + 1, nil
}

// Backfill applies every log of the contract in [from, to], window by
// window in ascending order. The checkpoint advances after each window.
func (ix *Indexer) Backfill(ctx context.Context, from, to uint64) error {
	if from > to {
		return nil
	}
	size := ix.config.BatchSize
	if size == 0 {
		size = defaultBatchSize
	}

	for _, w := range windows(from, to, size) {
		if err := ix.backfillWindow(ctx, w[0], w[1]); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Indexer) backfillWindow(ctx context.Context, from, to uint64) error {
	start := time.Now()

	logs, err := ix.source.GetLogs(ctx, ix.contract, from, to)
	if err != nil {
		ix.recordWindow("error", start)
		return utils.WrapError(utils.ErrCodeBlockchain,
			fmt.Sprintf("Failed to fetch logs for blocks %d-%d", from, to), err)
	}

	ix.processMu.Lock()
	defer ix.processMu.Unlock()

	for _, log := range sortLogs(logs) {
		if err := ix.applyLog(ctx, log); err != nil {
			ix.recordWindow("error", start)
			ix.logger.WithFields(logrus.Fields{
				"from":      from,
				"to":        to,
				"block":     log.BlockNumber,
				"log_index": log.Index,
				"tx_hash":   log.TxHash.Hex(),
			}).WithError(err).Error("Backfill window aborted")
			return utils.WrapError(utils.ErrCodeProcessing,
				fmt.Sprintf("Backfill window %d-%d failed at block %d log %d", from, to, log.BlockNumber, log.Index), err)
		}
	}

	if err := ix.saveCheckpoint(ctx, to); err != nil {
		ix.recordWindow("error", start)
		return err
	}

	ix.recordWindow("success", start)
	ix.logger.WithFields(logrus.Fields{
		"from": from,
		"to":   to,
		"logs": len(logs),
	}).Debug("Backfill window applied")
	return nil
}

// applyLog decodes and processes one log. Logs that are not ours are
// skipped without error.
func (ix *Indexer) applyLog(ctx context.Context, log types.Log) error {
	if log.Removed {
		ix.recordSkip("removed")
		return nil
	}
	if log.Address != ix.contract {
		ix.recordSkip("foreign_address")
		return nil
	}

	ev, err := ix.decoder.Decode(log)
	if errors.Is(err, decoder.ErrUnknownEvent) {
		ix.recordSkip("unknown_event")
		return nil
	}
	if err != nil {
		ix.recordFailure()
		return err
	}

	if err := ix.processor.Process(ctx, ev); err != nil {
		ix.recordFailure()
		return err
	}

	ix.mu.Lock()
	ix.stats.LogsApplied++
	ix.mu.Unlock()
	return nil
}

func (ix *Indexer) saveCheckpoint(ctx context.Context, block uint64) error {
	if err := ix.storage.SaveCheckpoint(ctx, ix.chainID, block); err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to save checkpoint", err)
	}

	ix.mu.Lock()
	if block > ix.stats.Checkpoint {
		ix.stats.Checkpoint = block
	}
	checkpoint, head := ix.stats.Checkpoint, ix.stats.ChainHead
	ix.mu.Unlock()

	if ix.metricsManager != nil {
		pm := ix.metricsManager.GetPrometheusMetrics()
		pm.UpdateCheckpoint(checkpoint)
		pm.UpdateChainHead(head, checkpoint)
	}
	return nil
}

func (ix *Indexer) setState(state State) {
	ix.mu.Lock()
	changed := ix.state != state
	ix.state = state
	ix.mu.Unlock()

	if !changed {
		return
	}
	ix.logger.WithField("state", state.String()).Info("Indexer state changed")
	if ix.metricsManager != nil {
		ix.metricsManager.GetPrometheusMetrics().UpdateIndexerState(int(state))
	}
}

func (ix *Indexer) updateHead(head uint64) {
	ix.mu.Lock()
	if head > ix.stats.ChainHead {
		ix.stats.ChainHead = head
	}
	head, checkpoint := ix.stats.ChainHead, ix.stats.Checkpoint
	ix.mu.Unlock()

	if ix.metricsManager != nil {
		ix.metricsManager.GetPrometheusMetrics().UpdateChainHead(head, checkpoint)
	}
}

func (ix *Indexer) recordSkip(reason string) {
	ix.mu.Lock()
	ix.stats.LogsSkipped++
	ix.mu.Unlock()
	if ix.metricsManager != nil {
		ix.metricsManager.GetPrometheusMetrics().RecordLogSkipped(reason)
	}
}

func (ix *Indexer) recordFailure() {
	ix.mu.Lock()
	ix.stats.LogsFailed++
	ix.mu.Unlock()
}

func (ix *Indexer) recordError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	now := time.Now()

	ix.mu.Lock()
	ix.stats.LastError = &msg
	ix.stats.LastErrorAt = &now
	ix.mu.Unlock()
}

func (ix *Indexer) recordReconnect() {
	ix.mu.Lock()
	ix.stats.Reconnects++
	ix.mu.Unlock()
	if ix.metricsManager != nil {
		ix.metricsManager.GetPrometheusMetrics().RecordLiveReconnect()
	}
}

func (ix *Indexer) recordWindow(status string, start time.Time) {
	if ix.metricsManager != nil {
		ix.metricsManager.GetPrometheusMetrics().RecordBackfillWindow(status, time.Since(start))
	}
}
