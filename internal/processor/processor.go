// File: internal/processor/processor.go
package processor

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/lending-indexer/internal/decoder"
	"github.com/smartdevs17/lending-indexer/internal/metrics"
	"github.com/smartdevs17/lending-indexer/internal/models"
	"github.com/smartdevs17/lending-indexer/internal/notification"
	"github.com/smartdevs17/lending-indexer/internal/storage"
	"github.com/smartdevs17/lending-indexer/pkg/utils"
)

// Processing outcomes, used as the status label of processed events
const (
	StatusApplied   = "applied"
	StatusDuplicate = "duplicate"
	StatusError     = "error"
)

const notifyTimeout = 30 * time.Second

// Processor applies decoded events to storage
type Processor interface {
	Process(ctx context.Context, ev *models.DecodedEvent) error
	// Wait blocks until side effects of already processed events are done
	Wait()
}

// ProcessorStats holds processing counters
type ProcessorStats struct {
	Applied      uint64     `json:"applied"`
	Duplicates   uint64     `json:"duplicates"`
	Faults       uint64     `json:"faults"`
	Liquidations uint64     `json:"liquidations"`
	LastEventAt  *time.Time `json:"last_event_at,omitempty"`
}

// Option configures an EventProcessor
type Option func(*EventProcessor)

// WithClock overrides the time source used for record timestamps
func WithClock(now func() time.Time) Option {
	return func(ep *EventProcessor) { ep.now = now }
}

// EventProcessor turns decoded lending events into event records,
// position changes and liquidation records. Each call is atomic.
type EventProcessor struct {
	storage        storage.Storage
	notifier       notification.Notifier
	metricsManager *metrics.Manager
	logger         *logrus.Entry
	now            func() time.Time

	mu    sync.RWMutex
	stats ProcessorStats

	notifyWg sync.WaitGroup
}

// NewEventProcessor creates a new event processor. notifier and
// metricsManager may be nil.
func NewEventProcessor(store storage.Storage, notifier notification.Notifier, metricsManager *metrics.Manager, opts ...Option) *EventProcessor {
	if notifier == nil {
		notifier = notification.NopNotifier{}
	}
	ep := &EventProcessor{
		storage:        store,
		notifier:       notifier,
		metricsManager: metricsManager,
		logger:         utils.ComponentLogger("processor"),
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(ep)
	}
	return ep
}

// Process applies ev. Replaying an already processed (tx hash, log index)
// is a successful no-op.
func (ep *EventProcessor) Process(ctx context.Context, ev *models.DecodedEvent) error {
	start := time.Now()

	args, err := validateEvent(ev)
	if err != nil {
		ep.finish(ev, StatusError, start)
		return err
	}

	status, liquidation, err := ep.apply(ctx, ev, args)
	ep.finish(ev, status, start)
	if err != nil {
		return err
	}

	if liquidation != nil {
		ep.notify(liquidation)
	}
	return nil
}

// apply runs all writes of one event in a single transaction
func (ep *EventProcessor) apply(ctx context.Context, ev *models.DecodedEvent, args *eventArgs) (string, *models.LiquidationRecord, error) {
	now := ep.now()
	record, err := ep.buildRecord(ev, args, now)
	if err != nil {
		return StatusError, nil, err
	}

	status := StatusApplied
	var liquidation *models.LiquidationRecord

	err = ep.storage.RunInTx(ctx, func(tx storage.Tx) error {
		inserted, err := tx.InsertEvent(ctx, record)
		if err != nil {
			return err
		}
		if !inserted {
			status = StatusDuplicate
			return nil
		}

		delta := &models.PositionDelta{
			UserAddress: args.user,
			Asset:       args.asset,
			UpdatedAt:   now,
		}

		switch ev.EventName {
		case models.EventSupply:
			delta.SuppliedDelta = args.amount
		case models.EventWithdraw:
			delta.SuppliedDelta = new(big.Int).Neg(args.amount)
		case models.EventBorrow:
			delta.BorrowedDelta = args.amount
		case models.EventRepay:
			delta.BorrowedDelta = new(big.Int).Neg(args.amount)
		case models.EventLiquidate:
			liquidation = &models.LiquidationRecord{
				TxHash:           record.TxHash,
				LogIndex:         record.LogIndex,
				BlockNumber:      record.BlockNumber,
				Liquidator:       args.liquidator,
				UserLiquidated:   args.user,
				CollateralAsset:  args.asset,
				DebtAsset:        args.asset,
				DebtCovered:      args.amount.String(),
				CollateralSeized: args.amount.String(),
				CreatedAt:        now,
			}
			if err := tx.InsertLiquidation(ctx, liquidation); err != nil {
				return err
			}
			delta.SuppliedDelta = new(big.Int).Neg(args.amount)
		case models.EventReserveUsedAsCollateralEnabled:
			enabled := true
			delta.IsCollateral = &enabled
		case models.EventReserveUsedAsCollateralDisabled:
			disabled := false
			delta.IsCollateral = &disabled
		default:
			return nil
		}

		_, err = tx.ApplyPositionDelta(ctx, delta)
		return err
	})
	if err != nil {
		ep.logger.WithFields(logrus.Fields{
			"event":     ev.EventName,
			"tx_hash":   record.TxHash,
			"log_index": record.LogIndex,
		}).WithError(err).Error("Failed to apply event")

		var appErr *utils.AppError
		if errors.As(err, &appErr) {
			return StatusError, nil, err
		}
		return StatusError, nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to apply event", err)
	}

	if status == StatusDuplicate {
		ep.logger.WithFields(logrus.Fields{
			"tx_hash":   record.TxHash,
			"log_index": record.LogIndex,
		}).Debug("Event already processed")
		return status, nil, nil
	}
	return status, liquidation, nil
}

func (ep *EventProcessor) buildRecord(ev *models.DecodedEvent, args *eventArgs, now time.Time) (*models.EventRecord, error) {
	raw, err := decoder.EncodeArgs(ev.Args)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeValidation, "Failed to encode event args", err)
	}

	record := &models.EventRecord{
		TxHash:      ev.Log.TxHash.Hex(),
		BlockNumber: ev.Log.BlockNumber,
		LogIndex:    ev.Log.Index,
		EventName:   ev.EventName,
		RawArgs:     raw,
		CreatedAt:   now,
	}
	if args.user != "" {
		user := args.user
		record.UserAddress = &user
	}
	if args.asset != "" {
		asset := args.asset
		record.Asset = &asset
	}
	if _, ok := ev.Args["amount"]; ok {
		amount := args.amount.String()
		record.Amount = &amount
	}
	return record, nil
}

// notify hands a committed liquidation to the notifier without blocking
// the caller. Failures are logged only.
func (ep *EventProcessor) notify(record *models.LiquidationRecord) {
	ep.notifyWg.Add(1)
	go func() {
		defer ep.notifyWg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		if err := ep.notifier.NotifyLiquidation(ctx, record); err != nil {
			ep.logger.WithFields(logrus.Fields{
				"tx_hash": record.TxHash,
				"user":    record.UserLiquidated,
			}).WithError(err).Warn("Liquidation notification failed")
		}
	}()
}

// Wait blocks until every pending notification has been sent or failed
func (ep *EventProcessor) Wait() {
	ep.notifyWg.Wait()
}

// Close waits for pending notifications
func (ep *EventProcessor) Close() error {
	ep.Wait()
	return nil
}

func (ep *EventProcessor) finish(ev *models.DecodedEvent, status string, start time.Time) {
	eventName := "unknown"
	if ev != nil && ev.EventName != "" {
		eventName = ev.EventName
	}

	ep.mu.Lock()
	switch status {
	case StatusApplied:
		ep.stats.Applied++
		if eventName == models.EventLiquidate {
			ep.stats.Liquidations++
		}
		now := ep.now()
		ep.stats.LastEventAt = &now
	case StatusDuplicate:
		ep.stats.Duplicates++
	default:
		ep.stats.Faults++
	}
	ep.mu.Unlock()

	if ep.metricsManager == nil {
		return
	}
	pm := ep.metricsManager.GetPrometheusMetrics()
	pm.RecordEventProcessed(eventName, status, time.Since(start))
	if status == StatusApplied && eventName == models.EventLiquidate {
		pm.RecordLiquidation()
	}
}

// GetStats returns a copy of the processing counters
func (ep *EventProcessor) GetStats() ProcessorStats {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.stats
}

var _ Processor = (*EventProcessor)(nil)
