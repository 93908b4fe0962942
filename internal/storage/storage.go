// File: internal/storage/storage.go
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/smartdevs17/lending-indexer/internal/models"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("storage: not found")

// Storage defines the persistence operations of the indexer
type Storage interface {
	// Connection management
	Connect() error
	Close() error
	Ping() error
	Migrate() error

	// RunInTx runs fn in one transaction. fn's error rolls everything back.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error

	// Checkpoint operations. Saving a lower block than the stored one is a no-op.
	GetCheckpoint(ctx context.Context, chainID uint64) (uint64, bool, error)
	SaveCheckpoint(ctx context.Context, chainID, blockNumber uint64) error

	// Snapshot operations
	SaveMarketSnapshots(ctx context.Context, snapshots []*models.MarketSnapshot) error

	// Read projections
	GetPosition(ctx context.Context, user, asset string) (*models.UserPosition, error)
	GetPositionsByUser(ctx context.Context, user string) ([]*models.UserPosition, error)
	GetEventsByUser(ctx context.Context, user string, limit, offset int) ([]*models.EventRecord, error)
	GetLatestSnapshots(ctx context.Context) ([]*models.MarketSnapshot, error)
	GetSnapshotsInRange(ctx context.Context, asset string, from, to time.Time) ([]*models.MarketSnapshot, error)
	GetLiquidationsInRange(ctx context.Context, from, to time.Time) ([]*models.LiquidationRecord, error)

	// Statistics
	GetStorageStats() (*StorageStats, error)
}

// Tx is the write surface of the event processor inside one transaction
type Tx interface {
	// InsertEvent returns false when (tx_hash, log_index) already exists.
	InsertEvent(ctx context.Context, record *models.EventRecord) (bool, error)
	InsertLiquidation(ctx context.Context, record *models.LiquidationRecord) error
	ApplyPositionDelta(ctx context.Context, delta *models.PositionDelta) (*models.UserPosition, error)
}

// StorageStats provides storage statistics
type StorageStats struct {
	TotalEvents       int64      `json:"total_events"`
	TotalPositions    int64      `json:"total_positions"`
	TotalLiquidations int64      `json:"total_liquidations"`
	TotalSnapshots    int64      `json:"total_snapshots"`
	LatestEventBlock  uint64     `json:"latest_event_block"`
	LatestSnapshotAt  *time.Time `json:"latest_snapshot_at,omitempty"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type             string        `json:"type"`
	ConnectionString string        `json:"connection_string"`
	MaxConnections   int           `json:"max_connections"`
	MaxIdleTime      time.Duration `json:"max_idle_time"`
}

const defaultEventPageSize = 50
const maxEventPageSize = 500

// NormalizePage clamps paging arguments for event queries.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultEventPageSize
	}
	if limit > maxEventPageSize {
		limit = maxEventPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
