package storage

import (
	"context"
	"time"

	"github.com/smartdevs17/lending-indexer/internal/metrics"
	"github.com/smartdevs17/lending-indexer/internal/models"
)

// StorageWithMetrics wraps a storage implementation with metrics
type StorageWithMetrics struct {
	Storage
	metricsManager *metrics.Manager
}

// NewStorageWithMetrics creates a storage wrapper with metrics
func NewStorageWithMetrics(storage Storage, metricsManager *metrics.Manager) *StorageWithMetrics {
	return &StorageWithMetrics{
		Storage:        storage,
		metricsManager: metricsManager,
	}
}

func (s *StorageWithMetrics) record(operation, table string, start time.Time, err error) {
	if s.metricsManager == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metricsManager.GetPrometheusMetrics().RecordDatabaseOperation(operation, table, status, time.Since(start))
}

// RunInTx runs a processing transaction and records its duration
func (s *StorageWithMetrics) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	start := time.Now()
	err := s.Storage.RunInTx(ctx, fn)
	s.record("transaction", "events", start, err)
	return err
}

// SaveCheckpoint saves the checkpoint and records metrics
func (s *StorageWithMetrics) SaveCheckpoint(ctx context.Context, chainID, blockNumber uint64) error {
	start := time.Now()
	err := s.Storage.SaveCheckpoint(ctx, chainID, blockNumber)
	s.record("upsert", "indexer_checkpoints", start, err)
	return err
}

// SaveMarketSnapshots saves a snapshot batch and records metrics
func (s *StorageWithMetrics) SaveMarketSnapshots(ctx context.Context, snapshots []*models.MarketSnapshot) error {
	start := time.Now()
	err := s.Storage.SaveMarketSnapshots(ctx, snapshots)
	s.record("insert", "market_snapshots", start, err)
	return err
}
