package connection

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/lending-indexer/internal/config"
	"github.com/smartdevs17/lending-indexer/pkg/utils"
)

const subscriptionBuffer = 256

type watchSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *watchSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// WatchLogs follows the contract's logs from fromBlock onwards. In poll
// mode every batch covers a closed block range; in subscribe mode logs
// are pushed by the node after a one-off gap fill.
func (c *ChainClient) WatchLogs(ctx context.Context, contract common.Address, fromBlock uint64,
	onLogs func(LogBatch), onError func(error)) (Subscription, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	sub := &watchSubscription{cancel: cancel, done: make(chan struct{})}

	switch c.liveMode {
	case config.LiveModeSubscribe:
		backend, err := c.provider.Backend(watchCtx)
		if err != nil {
			cancel()
			return nil, utils.WrapError(utils.ErrCodeConnection, "Failed to get backend for subscription", err)
		}

		logsCh := make(chan types.Log, subscriptionBuffer)
		nodeSub, err := backend.SubscribeFilterLogs(watchCtx, c.filterQuery(contract), logsCh)
		if err != nil {
			cancel()
			return nil, utils.WrapError(utils.ErrCodeBlockchain, "Failed to subscribe to logs", err)
		}

		go func() {
			defer close(sub.done)
			defer nodeSub.Unsubscribe()
			c.followSubscription(watchCtx, contract, fromBlock, logsCh, nodeSub.Err(), onLogs, onError)
		}()

	default:
		go func() {
			defer close(sub.done)
			c.pollLogs(watchCtx, contract, fromBlock, onLogs, onError)
		}()
	}

	c.logger.WithFields(logrus.Fields{
		"contract":   contract.Hex(),
		"from_block": fromBlock,
		"mode":       c.liveMode,
	}).Info("Watching contract logs")

	return sub, nil
}

// pollLogs fetches confirmed logs on every tick.
func (c *ChainClient) pollLogs(ctx context.Context, contract common.Address, next uint64,
	onLogs func(LogBatch), onError func(error)) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		next = c.pollOnce(ctx, contract, next, onLogs, onError)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollOnce delivers every confirmed window starting at next and returns
// the first block not yet delivered.
func (c *ChainClient) pollOnce(ctx context.Context, contract common.Address, next uint64,
	onLogs func(LogBatch), onError func(error)) uint64 {
	head, err := c.BlockNumber(ctx)
	if err != nil {
		if ctx.Err() == nil {
			onError(err)
		}
		return next
	}
	if head < c.confirmations {
		return next
	}
	safe := head - c.confirmations

	for next <= safe {
		if ctx.Err() != nil {
			return next
		}

		to := next + c.pollWindow - 1
		if to > safe {
			to = safe
		}

		logs, err := c.GetLogs(ctx, contract, next, to)
		if err != nil {
			if ctx.Err() == nil {
				onError(err)
			}
			return next
		}

		onLogs(LogBatch{Logs: logs, CompleteThrough: to})
		next = to + 1
	}
	return next
}

// followSubscription fills the gap between fromBlock and the head, then
// relays pushed logs. Logs already buffered are delivered together.
func (c *ChainClient) followSubscription(ctx context.Context, contract common.Address, fromBlock uint64,
	logsCh <-chan types.Log, errCh <-chan error, onLogs func(LogBatch), onError func(error)) {
	if c.confirmations > 0 {
		c.followConfirmed(ctx, contract, fromBlock, logsCh, errCh, onLogs, onError)
		return
	}

	head, err := c.BlockNumber(ctx)
	if err != nil {
		if ctx.Err() == nil {
			onError(err)
		}
		return
	}
	if fromBlock <= head {
		logs, err := c.GetLogs(ctx, contract, fromBlock, head)
		if err != nil {
			if ctx.Err() == nil {
				onError(err)
			}
			return
		}
		onLogs(LogBatch{Logs: logs, CompleteThrough: head})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errCh:
			if ok && err != nil && ctx.Err() == nil {
				onError(utils.WrapError(utils.ErrCodeConnection, "Log subscription failed", err))
			}
			return
		case first := <-logsCh:
			batch := []types.Log{first}
		drain:
			for {
				select {
				case l := <-logsCh:
					batch = append(batch, l)
				default:
					break drain
				}
			}
			onLogs(LogBatch{Logs: batch})
		}
	}
}

type logKey struct {
	tx    common.Hash
	index uint
}

// followConfirmed is followSubscription with a confirmation lag. Fetched and
// pushed logs wait in pending until they are confirmations blocks deep; a
// removed log cancels its pending twin.
func (c *ChainClient) followConfirmed(ctx context.Context, contract common.Address, fromBlock uint64,
	logsCh <-chan types.Log, errCh <-chan error, onLogs func(LogBatch), onError func(error)) {
	head, err := c.BlockNumber(ctx)
	if err != nil {
		if ctx.Err() == nil {
			onError(err)
		}
		return
	}

	pending := make(map[logKey]types.Log)
	if fromBlock <= head {
		logs, err := c.GetLogs(ctx, contract, fromBlock, head)
		if err != nil {
			if ctx.Err() == nil {
				onError(err)
			}
			return
		}
		for _, l := range logs {
			pending[logKey{l.TxHash, l.Index}] = l
		}
	}

	next := fromBlock
	release := func() bool {
		head, err := c.BlockNumber(ctx)
		if err != nil {
			if ctx.Err() == nil {
				onError(err)
			}
			return false
		}
		if head < c.confirmations || head-c.confirmations < next {
			return true
		}
		safe := head - c.confirmations

		var ready []types.Log
		for key, l := range pending {
			if l.BlockNumber <= safe {
				ready = append(ready, l)
				delete(pending, key)
			}
		}
		sort.Slice(ready, func(i, j int) bool {
			if ready[i].BlockNumber != ready[j].BlockNumber {
				return ready[i].BlockNumber < ready[j].BlockNumber
			}
			return ready[i].Index < ready[j].Index
		})
		onLogs(LogBatch{Logs: ready, CompleteThrough: safe})
		next = safe + 1
		return true
	}

	if !release() {
		return
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errCh:
			if ok && err != nil && ctx.Err() == nil {
				onError(utils.WrapError(utils.ErrCodeConnection, "Log subscription failed", err))
			}
			return
		case l := <-logsCh:
			c.stage(pending, l, next)
		drain:
			for {
				select {
				case l := <-logsCh:
					c.stage(pending, l, next)
				default:
					break drain
				}
			}
			if !release() {
				return
			}
		case <-ticker.C:
			if !release() {
				return
			}
		}
	}
}

func (c *ChainClient) stage(pending map[logKey]types.Log, l types.Log, next uint64) {
	key := logKey{l.TxHash, l.Index}
	if !l.Removed {
		pending[key] = l
		return
	}
	if _, ok := pending[key]; ok {
		delete(pending, key)
		return
	}
	if l.BlockNumber < next {
		c.logger.WithFields(logrus.Fields{
			"block_number": l.BlockNumber,
			"tx_hash":      l.TxHash.Hex(),
			"log_index":    l.Index,
		}).Warn("Reorg removed a log deeper than the confirmation lag")
	}
}
