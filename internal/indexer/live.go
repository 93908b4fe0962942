// File: internal/indexer/live.go
package indexer

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/lending-indexer/internal/config"
	"github.com/smartdevs17/lending-indexer/internal/connection"
	"github.com/smartdevs17/lending-indexer/pkg/utils"
)

// watchLive follows the chain from fromBlock until ctx is cancelled or the
// watch fails. A returned error means the caller should reconnect.
func (ix *Indexer) watchLive(ctx context.Context, fromBlock uint64) error {
	failures := make(chan error, 1)
	var halted atomic.Bool

	// signal never blocks; the first failure wins
	signal := func(err error) {
		halted.Store(true)
		select {
		case failures <- err:
		default:
		}
	}

	onLogs := func(batch connection.LogBatch) {
		if halted.Load() {
			return
		}
		if err := ix.applyLiveBatch(ctx, batch); err != nil {
			signal(err)
		}
	}
	onError := func(err error) {
		ix.logger.WithError(err).Warn("Live watch failed")
		signal(utils.WrapError(utils.ErrCodeConnection, "Live watch failed", err))
	}

	sub, err := ix.source.WatchLogs(ctx, ix.contract, fromBlock, onLogs, onError)
	if err != nil {
		return utils.WrapError(utils.ErrCodeConnection, "Failed to start live watch", err)
	}
	defer sub.Unsubscribe()

	ix.logger.WithFields(logrus.Fields{
		"from_block": fromBlock,
		"mode":       ix.config.LiveMode,
	}).Info("Watching live logs")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-failures:
		return err
	}
}

// applyLiveBatch applies one delivery in (block, log index) order. After
// a log of block N is applied the checkpoint moves to N-1, since later logs
// of N may still arrive. CompleteThrough moves it to the end of the batch.
func (ix *Indexer) applyLiveBatch(ctx context.Context, batch connection.LogBatch) error {
	ix.processMu.Lock()
	defer ix.processMu.Unlock()

	for _, log := range sortLogs(batch.Logs) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if log.BlockNumber > 0 {
			ix.updateHead(log.BlockNumber)
		}

		if err := ix.applyLog(ctx, log); err != nil {
			fields := logrus.Fields{
				"block":     log.BlockNumber,
				"log_index": log.Index,
				"tx_hash":   log.TxHash.Hex(),
			}
			if isTransient(err) || ix.config.LiveErrorPolicy == config.LiveErrorPolicyHalt {
				ix.logger.WithFields(fields).WithError(err).Error("Live processing halted")
				return utils.WrapError(utils.ErrCodeProcessing, "Live processing halted", err)
			}
			ix.logger.WithFields(fields).WithError(err).Error("Skipping log that failed to process")
			ix.recordSkip("fault")
			continue
		}

		if log.BlockNumber > 0 {
			if err := ix.saveCheckpoint(ctx, log.BlockNumber-1); err != nil {
				return err
			}
		}
	}

	if batch.CompleteThrough > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		ix.updateHead(batch.CompleteThrough)
		if err := ix.saveCheckpoint(ctx, batch.CompleteThrough); err != nil {
			return err
		}
	}
	return nil
}

// isTransient reports whether err came from I/O rather than from the log
// itself. Transient failures are retried through reconnect instead of skipped.
func isTransient(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		utils.IsErrorCode(err, utils.ErrCodeDatabase) ||
		utils.IsErrorCode(err, utils.ErrCodeConnection)
}
