package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/lending-indexer/internal/models"
	"github.com/smartdevs17/lending-indexer/pkg/utils"
)

// PostgreSQLStorage implements Storage interface using PostgreSQL
type PostgreSQLStorage struct {
	db         *sql.DB
	config     *StorageConfig
	logger     *logrus.Entry
	migrations []*Migration
}

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
func NewPostgreSQLStorage(config *StorageConfig) *PostgreSQLStorage {
	return &PostgreSQLStorage{
		config:     config,
		logger:     utils.ComponentLogger("storage.postgres"),
		migrations: GetPostgresMigrations(),
	}
}

// Connect establishes database connection
func (p *PostgreSQLStorage) Connect() error {
	db, err := sql.Open("postgres", p.config.ConnectionString)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to open PostgreSQL database", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(p.config.MaxConnections)
	db.SetMaxIdleConns(p.config.MaxConnections / 2)
	db.SetConnMaxIdleTime(p.config.MaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to ping PostgreSQL database", err)
	}

	p.db = db
	p.logger.Info("PostgreSQL database connected")
	return nil
}

// Close closes the database connection
func (p *PostgreSQLStorage) Close() error {
	if p.db != nil {
		err := p.db.Close()
		p.db = nil
		p.logger.Info("PostgreSQL database connection closed")
		return err
	}
	return nil
}

// Ping checks database connectivity
func (p *PostgreSQLStorage) Ping() error {
	if p.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	return p.db.Ping()
}

// Migrate runs database migrations
func (p *PostgreSQLStorage) Migrate() error {
	if p.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}

	p.logger.Info("Starting PostgreSQL database migrations")

	for _, migration := range p.migrations {
		p.logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Info("Applying migration")

		if _, err := p.db.Exec(migration.SQL); err != nil {
			return utils.WrapError(utils.ErrCodeDatabase,
				fmt.Sprintf("Migration %s failed", migration.Version), err)
		}
	}

	p.logger.Info("PostgreSQL database migrations completed")
	return nil
}

// RunInTx runs fn inside one PostgreSQL transaction
func (p *PostgreSQLStorage) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&postgresTx{tx: tx, logger: p.logger}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to commit transaction", err)
	}
	return nil
}

type postgresTx struct {
	tx     *sql.Tx
	logger *logrus.Entry
}

func (t *postgresTx) InsertEvent(ctx context.Context, record *models.EventRecord) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tx_hash, log_index) DO NOTHING
	`, record.TxHash, int64(record.BlockNumber), int64(record.LogIndex), record.EventName,
		record.UserAddress, record.Asset, record.Amount, record.RawArgs, record.CreatedAt)
	if err != nil {
		return false, utils.WrapError(utils.ErrCodeDatabase, "Failed to insert event", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, utils.WrapError(utils.ErrCodeDatabase, "Failed to read insert result", err)
	}
	return affected == 1, nil
}

func (t *postgresTx) InsertLiquidation(ctx context.Context, record *models.LiquidationRecord) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO liquidations (`+liquidationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, record.TxHash, int64(record.LogIndex), int64(record.BlockNumber), record.Liquidator,
		record.UserLiquidated, record.CollateralAsset, record.DebtAsset, record.DebtCovered,
		record.CollateralSeized, record.CreatedAt)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to insert liquidation", err)
	}
	return nil
}

// ApplyPositionDelta adds the delta in a single upsert. Balances are
// floored at zero by the statement itself.
func (t *postgresTx) ApplyPositionDelta(ctx context.Context, delta *models.PositionDelta) (*models.UserPosition, error) {
	// Lock the current row so the clamp warning reflects what the upsert sees.
	current := models.NewUserPosition(delta.UserAddress, delta.Asset)
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE user_address = $1 AND asset = $2
		FOR UPDATE
	`, delta.UserAddress, delta.Asset)
	if existing, err := scanPosition(row); err == nil {
		current = existing
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to lock position", err)
	}
	if current.Clone().Apply(delta) {
		t.logger.WithFields(logrus.Fields{
			"user":  delta.UserAddress,
			"asset": delta.Asset,
		}).Warn("Position balance clamped at zero")
	}

	row = t.tx.QueryRowContext(ctx, `
		INSERT INTO positions (user_address, asset, supplied_balance, borrowed_balance, is_collateral, updated_at)
		VALUES ($1, $2, GREATEST($3::numeric, 0), GREATEST($4::numeric, 0), COALESCE($5::boolean, TRUE), $6)
		ON CONFLICT (user_address, asset) DO UPDATE SET
			supplied_balance = GREATEST(positions.supplied_balance + $3::numeric, 0),
			borrowed_balance = GREATEST(positions.borrowed_balance + $4::numeric, 0),
			is_collateral = COALESCE($5::boolean, positions.is_collateral),
			updated_at = $6
		RETURNING `+positionColumns,
		delta.UserAddress, delta.Asset, bigString(delta.SuppliedDelta), bigString(delta.BorrowedDelta),
		delta.IsCollateral, delta.UpdatedAt)

	position, err := scanPosition(row)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to upsert position", err)
	}
	return position, nil
}

// GetCheckpoint returns the checkpoint for chainID and whether one exists
func (p *PostgreSQLStorage) GetCheckpoint(ctx context.Context, chainID uint64) (uint64, bool, error) {
	var block int64
	err := p.db.QueryRowContext(ctx,
		`SELECT last_processed_block FROM indexer_checkpoints WHERE chain_id = $1`, int64(chainID)).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, utils.WrapError(utils.ErrCodeDatabase, "Failed to read checkpoint", err)
	}
	return uint64(block), true, nil
}

// SaveCheckpoint stores the checkpoint; it never moves backwards
func (p *PostgreSQLStorage) SaveCheckpoint(ctx context.Context, chainID, blockNumber uint64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO indexer_checkpoints (chain_id, last_processed_block, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (chain_id) DO UPDATE SET
			last_processed_block = GREATEST(indexer_checkpoints.last_processed_block, EXCLUDED.last_processed_block),
			updated_at = NOW()
	`, int64(chainID), int64(blockNumber))
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to save checkpoint", err)
	}
	return nil
}

// SaveMarketSnapshots bulk loads one snapshot batch with COPY
func (p *PostgreSQLStorage) SaveMarketSnapshots(ctx context.Context, snapshots []*models.MarketSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("market_snapshots",
		"batch_id", "asset", "symbol", "total_supplied", "total_borrowed", "supply_rate",
		"borrow_rate", "utilization", "price_usd", "snapshot_at"))
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to prepare copy", err)
	}

	for _, s := range snapshots {
		if _, err := stmt.ExecContext(ctx, s.BatchID, s.Asset, s.Symbol, s.TotalSupplied.String(),
			s.TotalBorrowed.String(), s.SupplyRate.String(), s.BorrowRate.String(),
			s.Utilization.String(), s.PriceUSD.String(), s.SnapshotAt); err != nil {
			stmt.Close()
			return utils.WrapError(utils.ErrCodeDatabase, "Failed to copy snapshot row", err)
		}
	}

	// Flush buffered rows
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to flush snapshot batch", err)
	}
	if err := stmt.Close(); err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to close copy", err)
	}

	if err := tx.Commit(); err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to commit transaction", err)
	}
	return nil
}

// GetPosition returns one position or ErrNotFound
func (p *PostgreSQLStorage) GetPosition(ctx context.Context, user, asset string) (*models.UserPosition, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_address = $1 AND asset = $2`, user, asset)
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
func (p *PostgreSQLStorage) GetPositionsByUser(ctx context.Context, user string) ([]*models.UserPosition, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_address = $1 ORDER BY asset`, user)
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
func (p *PostgreSQLStorage) GetEventsByUser(ctx context.Context, user string, limit, offset int) ([]*models.EventRecord, error) {
	limit, offset = NormalizePage(limit, offset)

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE user_address = $1
		ORDER BY block_number DESC, log_index DESC
		LIMIT $2 OFFSET $3
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
func (p *PostgreSQLStorage) GetLatestSnapshots(ctx context.Context) ([]*models.MarketSnapshot, error) {
	return p.querySnapshots(ctx, `
		SELECT DISTINCT ON (asset) `+snapshotColumns+`
		FROM market_snapshots
		ORDER BY asset, snapshot_at DESC, id DESC
	`)
}

// GetSnapshotsInRange returns an asset's snapshots in [from, to], oldest first
func (p *PostgreSQLStorage) GetSnapshotsInRange(ctx context.Context, asset string, from, to time.Time) ([]*models.MarketSnapshot, error) {
	return p.querySnapshots(ctx, `
		SELECT `+snapshotColumns+` FROM market_snapshots
		WHERE asset = $1 AND snapshot_at BETWEEN $2 AND $3
		ORDER BY snapshot_at ASC
	`, asset, from, to)
}

func (p *PostgreSQLStorage) querySnapshots(ctx context.Context, query string, args ...interface{}) ([]*models.MarketSnapshot, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
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
func (p *PostgreSQLStorage) GetLiquidationsInRange(ctx context.Context, from, to time.Time) ([]*models.LiquidationRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+liquidationColumns+` FROM liquidations
		WHERE created_at BETWEEN $1 AND $2
		ORDER BY created_at ASC, id ASC
	`, from, to)
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
func (p *PostgreSQLStorage) GetStorageStats() (*StorageStats, error) {
	stats := &StorageStats{}

	var latestBlock sql.NullInt64
	var latestSnapshot sql.NullTime
	err := p.db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM events),
			(SELECT COUNT(*) FROM positions),
			(SELECT COUNT(*) FROM liquidations),
			(SELECT COUNT(*) FROM market_snapshots),
			(SELECT MAX(block_number) FROM events),
			(SELECT MAX(snapshot_at) FROM market_snapshots)
	`).Scan(&stats.TotalEvents, &stats.TotalPositions, &stats.TotalLiquidations,
		&stats.TotalSnapshots, &latestBlock, &latestSnapshot)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to read storage stats", err)
	}

	stats.LatestEventBlock = uint64(latestBlock.Int64)
	if latestSnapshot.Valid {
		stats.LatestSnapshotAt = &latestSnapshot.Time
	}
	return stats, nil
}

var _ Storage = (*PostgreSQLStorage)(nil)
