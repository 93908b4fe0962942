// File: internal/storage/sqlite.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/lending-indexer/internal/models"
	"github.com/smartdevs17/lending-indexer/pkg/utils"
	_ "modernc.org/sqlite"
)

// SQLiteStorage implements Storage interface using SQLite
type SQLiteStorage struct {
	db         *sql.DB
	config     *StorageConfig
	logger     *logrus.Entry
	migrations []*Migration
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(config *StorageConfig) *SQLiteStorage {
	return &SQLiteStorage{
		config:     config,
		logger:     utils.ComponentLogger("storage.sqlite"),
		migrations: GetSQLiteMigrations(),
	}
}

// sqliteDSN appends the pragmas every pooled connection needs. Write
// transactions take the lock up front so read-modify-write upserts
// cannot interleave.
func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
}

// Connect establishes database connection
func (s *SQLiteStorage) Connect() error {
	dir := filepath.Dir(s.config.ConnectionString)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return utils.WrapError(utils.ErrCodeDatabase, "Failed to create database directory", err)
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(s.config.ConnectionString))
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to open SQLite database", err)
	}

	db.SetMaxOpenConns(s.config.MaxConnections)
	db.SetMaxIdleConns(s.config.MaxConnections / 2)
	db.SetConnMaxIdleTime(s.config.MaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to ping SQLite database", err)
	}

	s.db = db
	s.logger.WithField("path", s.config.ConnectionString).Info("SQLite database connected")
	return nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		s.logger.Info("SQLite database connection closed")
		return err
	}
	return nil
}

// Ping checks database connectivity
func (s *SQLiteStorage) Ping() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	return s.db.Ping()
}

// Migrate runs database migrations
func (s *SQLiteStorage) Migrate() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}

	for _, migration := range s.migrations {
		s.logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Debug("Applying migration")

		if _, err := s.db.Exec(migration.SQL); err != nil {
			return utils.WrapError(utils.ErrCodeDatabase,
				fmt.Sprintf("Migration %s failed", migration.Version), err)
		}
	}

	s.logger.WithField("migrations", len(s.migrations)).Info("Database migrations completed")
	return nil
}

// RunInTx runs fn inside one SQLite transaction
func (s *SQLiteStorage) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{tx: tx, logger: s.logger}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to commit transaction", err)
	}
	return nil
}

// sqliteTx implements Tx on an open SQLite transaction
type sqliteTx struct {
	tx     *sql.Tx
	logger *logrus.Entry
}

func (t *sqliteTx) InsertEvent(ctx context.Context, record *models.EventRecord) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tx_hash, log_index) DO NOTHING
	`, record.TxHash, int64(record.BlockNumber), int64(record.LogIndex), record.EventName,
		record.UserAddress, record.Asset, record.Amount, record.RawArgs, record.CreatedAt.UTC())
	if err != nil {
		return false, utils.WrapError(utils.ErrCodeDatabase, "Failed to insert event", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, utils.WrapError(utils.ErrCodeDatabase, "Failed to read insert result", err)
	}
	return affected == 1, nil
}

func (t *sqliteTx) InsertLiquidation(ctx context.Context, record *models.LiquidationRecord) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO liquidations (`+liquidationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, record.TxHash, int64(record.LogIndex), int64(record.BlockNumber), record.Liquidator,
		record.UserLiquidated, record.CollateralAsset, record.DebtAsset, record.DebtCovered,
		record.CollateralSeized, record.CreatedAt.UTC())
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to insert liquidation", err)
	}
	return nil
}

// ApplyPositionDelta reads, adjusts and writes the position. The
// transaction holds the database write lock for the whole sequence.
func (t *sqliteTx) ApplyPositionDelta(ctx context.Context, delta *models.PositionDelta) (*models.UserPosition, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+positionColumns+` FROM positions WHERE user_address = ? AND asset = ?
	`, delta.UserAddress, delta.Asset)

	position, err := scanPosition(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		position = models.NewUserPosition(delta.UserAddress, delta.Asset)
	case err != nil:
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to read position", err)
	}

	if position.Apply(delta) {
		t.logger.WithFields(logrus.Fields{
			"user":  delta.UserAddress,
			"asset": delta.Asset,
		}).Warn("Position balance clamped at zero")
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_address, asset) DO UPDATE SET
			supplied_balance = excluded.supplied_balance,
			borrowed_balance = excluded.borrowed_balance,
			is_collateral = excluded.is_collateral,
			updated_at = excluded.updated_at
	`, position.UserAddress, position.Asset, bigString(position.SuppliedBalance),
		bigString(position.BorrowedBalance), position.IsCollateral, position.HealthFactor,
		position.UpdatedAt.UTC())
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to upsert position", err)
	}
	return position, nil
}

// GetCheckpoint returns the checkpoint for chainID and whether one exists
func (s *SQLiteStorage) GetCheckpoint(ctx context.Context, chainID uint64) (uint64, bool, error) {
	var block int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_processed_block FROM indexer_checkpoints WHERE chain_id = ?`, int64(chainID)).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, utils.WrapError(utils.ErrCodeDatabase, "Failed to read checkpoint", err)
	}
	return uint64(block), true, nil
}

// SaveCheckpoint stores the checkpoint; it never moves backwards
func (s *SQLiteStorage) SaveCheckpoint(ctx context.Context, chainID, blockNumber uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO indexer_checkpoints (chain_id, last_processed_block, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(chain_id) DO UPDATE SET
			last_processed_block = MAX(last_processed_block, excluded.last_processed_block),
			updated_at = excluded.updated_at
	`, int64(chainID), int64(blockNumber), time.Now().UTC())
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to save checkpoint", err)
	}
	return nil
}

// SaveMarketSnapshots saves one snapshot batch in a transaction
func (s *SQLiteStorage) SaveMarketSnapshots(ctx context.Context, snapshots []*models.MarketSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO market_snapshots (`+snapshotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to prepare statement", err)
	}
	defer stmt.Close()

	for _, snapshot := range snapshots {
		_, err = stmt.ExecContext(ctx,
			snapshot.BatchID, snapshot.Asset, snapshot.Symbol, snapshot.TotalSupplied,
			snapshot.TotalBorrowed, snapshot.SupplyRate, snapshot.BorrowRate, snapshot.Utilization,
			snapshot.PriceUSD, snapshot.SnapshotAt.UTC())
		if err != nil {
			return utils.WrapError(utils.ErrCodeDatabase, "Failed to save snapshot in batch", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to commit transaction", err)
	}
	return nil
}

// GetPosition returns one position or ErrNotFound
func (s *SQLiteStorage) GetPosition(ctx context.Context, user, asset string) (*models.UserPosition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_address = ? AND asset = ?`, user, asset)
	position, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to get position", err)
	}
	return position, nil
}

// GetPositionsByUser returns every position of a user
func (s *SQLiteStorage) GetPositionsByUser(ctx context.Context, user string) ([]*models.UserPosition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_address = ? ORDER BY asset`, user)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to query positions", err)
	}
	defer rows.Close()

	var positions []*models.UserPosition
	for rows.Next() {
		position, err := scanPosition(rows)
		if err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to scan position", err)
		}
		positions = append(positions, position)
	}
	return positions, rows.Err()
}

// GetEventsByUser returns a user's events, newest first
func (s *SQLiteStorage) GetEventsByUser(ctx context.Context, user string, limit, offset int) ([]*models.EventRecord, error) {
	limit, offset = NormalizePage(limit, offset)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE user_address = ?
		ORDER BY block_number DESC, log_index DESC
		LIMIT ? OFFSET ?
	`, user, limit, offset)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to query events", err)
	}
	defer rows.Close()

	var events []*models.EventRecord
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to scan event", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// GetLatestSnapshots returns the most recent snapshot row of every asset
func (s *SQLiteStorage) GetLatestSnapshots(ctx context.Context) ([]*models.MarketSnapshot, error) {
	return s.querySnapshots(ctx, `
		SELECT `+snapshotColumns+` FROM market_snapshots s
		WHERE s.id = (
			SELECT id FROM market_snapshots
			WHERE asset = s.asset
			ORDER BY snapshot_at DESC, id DESC
			LIMIT 1
		)
		ORDER BY s.asset
	`)
}

// GetSnapshotsInRange returns an asset's snapshots in [from, to], oldest first
func (s *SQLiteStorage) GetSnapshotsInRange(ctx context.Context, asset string, from, to time.Time) ([]*models.MarketSnapshot, error) {
	return s.querySnapshots(ctx, `
		SELECT `+snapshotColumns+` FROM market_snapshots
		WHERE asset = ? AND snapshot_at >= ? AND snapshot_at <= ?
		ORDER BY snapshot_at ASC
	`, asset, from.UTC(), to.UTC())
}

func (s *SQLiteStorage) querySnapshots(ctx context.Context, query string, args ...interface{}) ([]*models.MarketSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to query snapshots", err)
	}
	defer rows.Close()

	var snapshots []*models.MarketSnapshot
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to scan snapshot", err)
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, rows.Err()
}

// GetLiquidationsInRange returns liquidations created in [from, to], oldest first
func (s *SQLiteStorage) GetLiquidationsInRange(ctx context.Context, from, to time.Time) ([]*models.LiquidationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+liquidationColumns+` FROM liquidations
		WHERE created_at >= ? AND created_at <= ?
		ORDER BY created_at ASC, id ASC
	`, from.UTC(), to.UTC())
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to query liquidations", err)
	}
	defer rows.Close()

	var records []*models.LiquidationRecord
	for rows.Next() {
		record, err := scanLiquidation(rows)
		if err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to scan liquidation", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// GetStorageStats returns table counts
func (s *SQLiteStorage) GetStorageStats() (*StorageStats, error) {
	stats := &StorageStats{}

	counts := []struct {
		table string
		dest  *int64
	}{
		{"events", &stats.TotalEvents},
		{"positions", &stats.TotalPositions},
		{"liquidations", &stats.TotalLiquidations},
		{"market_snapshots", &stats.TotalSnapshots},
	}
	for _, c := range counts {
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + c.table).Scan(c.dest); err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to count "+c.table, err)
		}
	}

	var latestBlock sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(block_number) FROM events").Scan(&latestBlock); err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to read latest event block", err)
	}
	stats.LatestEventBlock = uint64(latestBlock.Int64)

	var latestSnapshot sql.NullTime
	err := s.db.QueryRow("SELECT snapshot_at FROM market_snapshots ORDER BY snapshot_at DESC LIMIT 1").Scan(&latestSnapshot)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to read latest snapshot", err)
	}
	if latestSnapshot.Valid {
		stats.LatestSnapshotAt = &latestSnapshot.Time
	}

	return stats, nil
}

var _ Storage = (*SQLiteStorage)(nil)
