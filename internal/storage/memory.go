// File: internal/storage/memory.go
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/lending-indexer/internal/models"
	"github.com/smartdevs17/lending-indexer/pkg/utils"
)

type eventKey struct {
	txHash   string
	logIndex uint
}

type positionKey struct {
	user  string
	asset string
}

// MemoryStorage keeps everything in process memory. Used by tests and
// by short-lived runs that do not need durability.
type MemoryStorage struct {
	mu           sync.RWMutex
	events       []*models.EventRecord
	eventIndex   map[eventKey]struct{}
	positions    map[positionKey]*models.UserPosition
	liquidations []*models.LiquidationRecord
	snapshots    []*models.MarketSnapshot
	checkpoints  map[uint64]uint64
	logger       *logrus.Entry
}

// NewMemoryStorage creates an empty in-memory store
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		eventIndex:  make(map[eventKey]struct{}),
		positions:   make(map[positionKey]*models.UserPosition),
		checkpoints: make(map[uint64]uint64),
		logger:      utils.ComponentLogger("storage.memory"),
	}
}

func (m *MemoryStorage) Connect() error { return nil }
func (m *MemoryStorage) Close() error   { return nil }
func (m *MemoryStorage) Ping() error    { return nil }
func (m *MemoryStorage) Migrate() error { return nil }

// RunInTx stages writes and applies them only when fn succeeds. The
// store stays write-locked for the duration of fn.
func (m *MemoryStorage) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{
		store:     m,
		events:    make(map[eventKey]*models.EventRecord),
		positions: make(map[positionKey]*models.UserPosition),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, record := range tx.eventOrder {
		m.events = append(m.events, record)
		m.eventIndex[eventKey{record.TxHash, record.LogIndex}] = struct{}{}
	}
	for key, position := range tx.positions {
		m.positions[key] = position
	}
	m.liquidations = append(m.liquidations, tx.liquidations...)
	return nil
}

type memoryTx struct {
	store        *MemoryStorage
	events       map[eventKey]*models.EventRecord
	eventOrder   []*models.EventRecord
	positions    map[positionKey]*models.UserPosition
	liquidations []*models.LiquidationRecord
}

func (t *memoryTx) InsertEvent(_ context.Context, record *models.EventRecord) (bool, error) {
	key := eventKey{record.TxHash, record.LogIndex}
	if _, ok := t.store.eventIndex[key]; ok {
		return false, nil
	}
	if _, ok := t.events[key]; ok {
		return false, nil
	}
	c := *record
	t.events[key] = &c
	t.eventOrder = append(t.eventOrder, &c)
	return true, nil
}

func (t *memoryTx) InsertLiquidation(_ context.Context, record *models.LiquidationRecord) error {
	c := *record
	t.liquidations = append(t.liquidations, &c)
	return nil
}

func (t *memoryTx) ApplyPositionDelta(_ context.Context, delta *models.PositionDelta) (*models.UserPosition, error) {
	key := positionKey{delta.UserAddress, delta.Asset}

	position, ok := t.positions[key]
	if !ok {
		if existing, found := t.store.positions[key]; found {
			position = existing.Clone()
		} else {
			position = models.NewUserPosition(delta.UserAddress, delta.Asset)
		}
		t.positions[key] = position
	}

	if position.Apply(delta) {
		t.store.logger.WithFields(logrus.Fields{
			"user":  delta.UserAddress,
			"asset": delta.Asset,
		}).Warn("Position balance clamped at zero")
	}
	return position.Clone(), nil
}

// GetCheckpoint returns the checkpoint for chainID and whether one exists
func (m *MemoryStorage) GetCheckpoint(_ context.Context, chainID uint64) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	block, ok := m.checkpoints[chainID]
	return block, ok, nil
}

// SaveCheckpoint stores the checkpoint; it never moves backwards
func (m *MemoryStorage) SaveCheckpoint(_ context.Context, chainID, blockNumber uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.checkpoints[chainID]; !ok || blockNumber > current {
		m.checkpoints[chainID] = blockNumber
	}
	return nil
}

// SaveMarketSnapshots appends one snapshot batch
func (m *MemoryStorage) SaveMarketSnapshots(_ context.Context, snapshots []*models.MarketSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range snapshots {
		c := *s
		m.snapshots = append(m.snapshots, &c)
	}
	return nil
}

// GetPosition returns one position or ErrNotFound
func (m *MemoryStorage) GetPosition(_ context.Context, user, asset string) (*models.UserPosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	position, ok := m.positions[positionKey{user, asset}]
	if !ok {
		return nil, ErrNotFound
	}
	return position.Clone(), nil
}

// GetPositionsByUser returns every position of a user ordered by asset
func (m *MemoryStorage) GetPositionsByUser(_ context.Context, user string) ([]*models.UserPosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var positions []*models.UserPosition
	for key, position := range m.positions {
		if key.user == user {
			positions = append(positions, position.Clone())
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Asset < positions[j].Asset })
	return positions, nil
}

// GetEventsByUser returns a user's events, newest first
func (m *MemoryStorage) GetEventsByUser(_ context.Context, user string, limit, offset int) ([]*models.EventRecord, error) {
	limit, offset = NormalizePage(limit, offset)

	m.mu.RLock()
	var matched []*models.EventRecord
	for _, e := range m.events {
		if e.UserAddress != nil && *e.UserAddress == user {
			c := *e
			matched = append(matched, &c)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].BlockNumber != matched[j].BlockNumber {
			return matched[i].BlockNumber > matched[j].BlockNumber
		}
		return matched[i].LogIndex > matched[j].LogIndex
	})

	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

// GetLatestSnapshots returns the most recent snapshot row of every asset
func (m *MemoryStorage) GetLatestSnapshots(_ context.Context) ([]*models.MarketSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	latest := make(map[string]*models.MarketSnapshot)
	for _, s := range m.snapshots {
		// later appends win ties
		if cur, ok := latest[s.Asset]; !ok || !s.SnapshotAt.Before(cur.SnapshotAt) {
			latest[s.Asset] = s
		}
	}

	result := make([]*models.MarketSnapshot, 0, len(latest))
	for _, s := range latest {
		c := *s
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Asset < result[j].Asset })
	return result, nil
}

// GetSnapshotsInRange returns an asset's snapshots in [from, to], oldest first
func (m *MemoryStorage) GetSnapshotsInRange(_ context.Context, asset string, from, to time.Time) ([]*models.MarketSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*models.MarketSnapshot
	for _, s := range m.snapshots {
		if s.Asset == asset && !s.SnapshotAt.Before(from) && !s.SnapshotAt.After(to) {
			c := *s
			result = append(result, &c)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].SnapshotAt.Before(result[j].SnapshotAt) })
	return result, nil
}

// GetLiquidationsInRange returns liquidations created in [from, to], oldest first
func (m *MemoryStorage) GetLiquidationsInRange(_ context.Context, from, to time.Time) ([]*models.LiquidationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*models.LiquidationRecord
	for _, l := range m.liquidations {
		if !l.CreatedAt.Before(from) && !l.CreatedAt.After(to) {
			c := *l
			result = append(result, &c)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// GetStorageStats returns counts of stored rows
func (m *MemoryStorage) GetStorageStats() (*StorageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &StorageStats{
		TotalEvents:       int64(len(m.events)),
		TotalPositions:    int64(len(m.positions)),
		TotalLiquidations: int64(len(m.liquidations)),
		TotalSnapshots:    int64(len(m.snapshots)),
	}
	for _, e := range m.events {
		if e.BlockNumber > stats.LatestEventBlock {
			stats.LatestEventBlock = e.BlockNumber
		}
	}
	for _, s := range m.snapshots {
		if stats.LatestSnapshotAt == nil || s.SnapshotAt.After(*stats.LatestSnapshotAt) {
			at := s.SnapshotAt
			stats.LatestSnapshotAt = &at
		}
	}
	return stats, nil
}

var _ Storage = (*MemoryStorage)(nil)
