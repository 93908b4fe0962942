package storage

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/smartdevs17/lending-indexer/internal/config"
	"github.com/smartdevs17/lending-indexer/internal/metrics"
	"github.com/smartdevs17/lending-indexer/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	userA  = "0x00000000000000000000000000000000000000a1"
	userB  = "0x00000000000000000000000000000000000000b2"
	assetX = "0x00000000000000000000000000000000000000c3"
	assetY = "0x00000000000000000000000000000000000000d4"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func testEvent(txHash string, block uint64, logIndex uint, user string) *models.EventRecord {
	return &models.EventRecord{
		TxHash:      txHash,
		BlockNumber: block,
		LogIndex:    logIndex,
		EventName:   models.EventSupply,
		UserAddress: strPtr(user),
		Asset:       strPtr(assetX),
		Amount:      strPtr("1000"),
		RawArgs:     `{"amount":"1000"}`,
		CreatedAt:   baseTime,
	}
}

// runStorageSuite exercises the behaviour every backend must share.
func runStorageSuite(t *testing.T, newStore func(t *testing.T) Storage) {
	ctx := context.Background()

	t.Run("event insert is idempotent", func(t *testing.T) {
		store := newStore(t)

		var inserted []bool
		for i := 0; i < 2; i++ {
			err := store.RunInTx(ctx, func(tx Tx) error {
				ok, err := tx.InsertEvent(ctx, testEvent("0xaa", 10, 1, userA))
				inserted = append(inserted, ok)
				return err
			})
			require.NoError(t, err)
		}
		assert.Equal(t, []bool{true, false}, inserted)

		events, err := store.GetEventsByUser(ctx, userA, 0, 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "1000", *events[0].Amount)
		assert.Equal(t, uint64(10), events[0].BlockNumber)
	})

	t.Run("failed transaction leaves no trace", func(t *testing.T) {
		store := newStore(t)
		boom := errors.New("boom")

		err := store.RunInTx(ctx, func(tx Tx) error {
			if _, err := tx.InsertEvent(ctx, testEvent("0xbb", 11, 0, userA)); err != nil {
				return err
			}
			if _, err := tx.ApplyPositionDelta(ctx, &models.PositionDelta{
				UserAddress: userA, Asset: assetX, SuppliedDelta: big.NewInt(5), UpdatedAt: baseTime,
			}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		_, err = store.GetPosition(ctx, userA, assetX)
		assert.ErrorIs(t, err, ErrNotFound)
		events, err := store.GetEventsByUser(ctx, userA, 10, 0)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("position deltas accumulate and clamp", func(t *testing.T) {
		store := newStore(t)
		apply := func(d *models.PositionDelta) *models.UserPosition {
			var got *models.UserPosition
			require.NoError(t, store.RunInTx(ctx, func(tx Tx) error {
				var err error
				got, err = tx.ApplyPositionDelta(ctx, d)
				return err
			}))
			return got
		}

		p := apply(&models.PositionDelta{UserAddress: userA, Asset: assetX,
			SuppliedDelta: big.NewInt(1000), UpdatedAt: baseTime})
		assert.Equal(t, "1000", p.SuppliedBalance.String())
		assert.True(t, p.IsCollateral)

		off := false
		p = apply(&models.PositionDelta{UserAddress: userA, Asset: assetX,
			BorrowedDelta: big.NewInt(300), IsCollateral: &off, UpdatedAt: baseTime})
		assert.Equal(t, "1000", p.SuppliedBalance.String())
		assert.Equal(t, "300", p.BorrowedBalance.String())
		assert.False(t, p.IsCollateral)

		p = apply(&models.PositionDelta{UserAddress: userA, Asset: assetX,
			BorrowedDelta: big.NewInt(-500), UpdatedAt: baseTime})
		assert.Equal(t, "0", p.BorrowedBalance.String())

		stored, err := store.GetPosition(ctx, userA, assetX)
		require.NoError(t, err)
		assert.Equal(t, "1000", stored.SuppliedBalance.String())
		assert.Equal(t, "0", stored.BorrowedBalance.String())
		assert.False(t, stored.IsCollateral)
		assert.False(t, stored.HealthFactor.Valid)

		apply(&models.PositionDelta{UserAddress: userA, Asset: assetY,
			SuppliedDelta: big.NewInt(7), UpdatedAt: baseTime})
		positions, err := store.GetPositionsByUser(ctx, userA)
		require.NoError(t, err)
		require.Len(t, positions, 2)
		assert.Equal(t, assetX, positions[0].Asset)
		assert.Equal(t, assetY, positions[1].Asset)
	})

	t.Run("checkpoint never moves backwards", func(t *testing.T) {
		store := newStore(t)

		_, ok, err := store.GetCheckpoint(ctx, 1)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, store.SaveCheckpoint(ctx, 1, 100))
		require.NoError(t, store.SaveCheckpoint(ctx, 1, 90))
		require.NoError(t, store.SaveCheckpoint(ctx, 2, 5))

		block, ok, err := store.GetCheckpoint(ctx, 1)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, uint64(100), block)

		require.NoError(t, store.SaveCheckpoint(ctx, 1, 150))
		block, _, err = store.GetCheckpoint(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, uint64(150), block)

		block, _, err = store.GetCheckpoint(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), block)
	})

	t.Run("events are paged newest first", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.RunInTx(ctx, func(tx Tx) error {
			for _, e := range []*models.EventRecord{
				testEvent("0x01", 5, 0, userA),
				testEvent("0x02", 7, 3, userA),
				testEvent("0x03", 7, 1, userA),
				testEvent("0x04", 6, 0, userB),
			} {
				if _, err := tx.InsertEvent(ctx, e); err != nil {
					return err
				}
			}
			return nil
		}))

		page, err := store.GetEventsByUser(ctx, userA, 2, 0)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "0x02", page[0].TxHash)
		assert.Equal(t, "0x03", page[1].TxHash)

		page, err = store.GetEventsByUser(ctx, userA, 2, 2)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "0x01", page[0].TxHash)
	})

	t.Run("snapshots latest and history", func(t *testing.T) {
		store := newStore(t)

		batch := func(at time.Time, rate string) []*models.MarketSnapshot {
			id := uuid.NewString()
			var out []*models.MarketSnapshot
			for _, asset := range []string{assetX, assetY} {
				out = append(out, &models.MarketSnapshot{
					BatchID:       id,
					Asset:         asset,
					Symbol:        "TKN",
					TotalSupplied: decimal.RequireFromString("1000.5"),
					TotalBorrowed: decimal.RequireFromString("250"),
					SupplyRate:    decimal.RequireFromString(rate),
					BorrowRate:    decimal.RequireFromString("0.08"),
					Utilization:   decimal.RequireFromString("0.25"),
					PriceUSD:      decimal.RequireFromString("1"),
					SnapshotAt:    at,
				})
			}
			return out
		}

		require.NoError(t, store.SaveMarketSnapshots(ctx, batch(baseTime, "0.01")))
		require.NoError(t, store.SaveMarketSnapshots(ctx, batch(baseTime.Add(time.Minute), "0.02")))
		require.NoError(t, store.SaveMarketSnapshots(ctx, batch(baseTime.Add(2*time.Minute), "0.03")))
		require.NoError(t, store.SaveMarketSnapshots(ctx, nil))

		latest, err := store.GetLatestSnapshots(ctx)
		require.NoError(t, err)
		require.Len(t, latest, 2)
		for _, s := range latest {
			assert.True(t, decimal.RequireFromString("0.03").Equal(s.SupplyRate), s.SupplyRate.String())
			assert.True(t, decimal.RequireFromString("1000.5").Equal(s.TotalSupplied))
		}

		history, err := store.GetSnapshotsInRange(ctx, assetX, baseTime, baseTime.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.True(t, history[0].SnapshotAt.Equal(baseTime))
		assert.True(t, decimal.RequireFromString("0.02").Equal(history[1].SupplyRate))
	})

	t.Run("liquidations by time range", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.RunInTx(ctx, func(tx Tx) error {
			for i, at := range []time.Time{baseTime, baseTime.Add(time.Hour), baseTime.Add(48 * time.Hour)} {
				err := tx.InsertLiquidation(ctx, &models.LiquidationRecord{
					TxHash: "0xliq", LogIndex: uint(i), BlockNumber: 20,
					Liquidator: userB, UserLiquidated: userA,
					CollateralAsset: assetX, DebtAsset: assetX,
					DebtCovered: "40", CollateralSeized: "40",
					CreatedAt: at,
				})
				if err != nil {
					return err
				}
			}
			return nil
		}))

		records, err := store.GetLiquidationsInRange(ctx, baseTime, baseTime.Add(24*time.Hour))
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, uint(0), records[0].LogIndex)
		assert.Equal(t, "40", records[1].DebtCovered)
	})

	t.Run("stats", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.RunInTx(ctx, func(tx Tx) error {
			if _, err := tx.InsertEvent(ctx, testEvent("0x10", 42, 0, userA)); err != nil {
				return err
			}
			_, err := tx.ApplyPositionDelta(ctx, &models.PositionDelta{
				UserAddress: userA, Asset: assetX, SuppliedDelta: big.NewInt(1), UpdatedAt: baseTime,
			})
			return err
		}))

		stats, err := store.GetStorageStats()
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.TotalEvents)
		assert.Equal(t, int64(1), stats.TotalPositions)
		assert.Equal(t, uint64(42), stats.LatestEventBlock)
		assert.Nil(t, stats.LatestSnapshotAt)
	})
}

func TestMemoryStorage(t *testing.T) {
	runStorageSuite(t, func(t *testing.T) Storage {
		return NewMemoryStorage()
	})
}

func newTestSQLite(t *testing.T) Storage {
	t.Helper()
	store, err := NewStorage(&config.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "indexer.db"),
	})
	require.NoError(t, err)
	require.NoError(t, store.Connect())
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate())
	return store
}

func TestSQLiteStorage(t *testing.T) {
	runStorageSuite(t, newTestSQLite)
}

func TestSQLiteMigrateIsRepeatable(t *testing.T) {
	store := newTestSQLite(t)
	require.NoError(t, store.Migrate())
	require.NoError(t, store.Ping())
}

func TestNewStorageRejectsUnknownType(t *testing.T) {
	_, err := NewStorage(&config.StorageConfig{Type: "mongo"})
	assert.Error(t, err)
}

func TestStorageWithMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	store := NewStorageWithMetrics(NewMemoryStorage(), metrics.NewManagerWithRegistry(reg))

	ctx := context.Background()
	require.NoError(t, store.SaveCheckpoint(ctx, 1, 10))
	require.NoError(t, store.RunInTx(ctx, func(tx Tx) error { return nil }))

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "lending_indexer_database_operations_total" {
			found = true
			assert.Len(t, f.GetMetric(), 2)
		}
	}
	assert.True(t, found)

	block, ok, err := store.GetCheckpoint(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(10), block)
}
