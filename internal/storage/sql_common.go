package storage

import (
	"fmt"
	"math/big"

	"github.com/smartdevs17/lending-indexer/internal/models"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const eventColumns = `tx_hash, block_number, log_index, event_name, user_address, asset, amount, raw_args, created_at`

const positionColumns = `user_address, asset, supplied_balance, borrowed_balance, is_collateral, health_factor, updated_at`

const liquidationColumns = `tx_hash, log_index, block_number, liquidator, user_liquidated, collateral_asset,
	debt_asset, debt_covered, collateral_seized, created_at`

const snapshotColumns = `batch_id, asset, symbol, total_supplied, total_borrowed, supply_rate, borrow_rate,
	utilization, price_usd, snapshot_at`

func scanEvent(rs rowScanner) (*models.EventRecord, error) {
	var (
		record      models.EventRecord
		blockNumber int64
		logIndex    int64
	)
	if err := rs.Scan(&record.TxHash, &blockNumber, &logIndex, &record.EventName,
		&record.UserAddress, &record.Asset, &record.Amount, &record.RawArgs, &record.CreatedAt); err != nil {
		return nil, err
	}
	record.BlockNumber = uint64(blockNumber)
	record.LogIndex = uint(logIndex)
	return &record, nil
}

func scanPosition(rs rowScanner) (*models.UserPosition, error) {
	var (
		position models.UserPosition
		supplied string
		borrowed string
	)
	if err := rs.Scan(&position.UserAddress, &position.Asset, &supplied, &borrowed,
		&position.IsCollateral, &position.HealthFactor, &position.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	if position.SuppliedBalance, err = parseBigInt(supplied); err != nil {
		return nil, err
	}
	if position.BorrowedBalance, err = parseBigInt(borrowed); err != nil {
		return nil, err
	}
	return &position, nil
}

func scanLiquidation(rs rowScanner) (*models.LiquidationRecord, error) {
	var (
		record      models.LiquidationRecord
		logIndex    int64
		blockNumber int64
	)
	if err := rs.Scan(&record.TxHash, &logIndex, &blockNumber, &record.Liquidator, &record.UserLiquidated,
		&record.CollateralAsset, &record.DebtAsset, &record.DebtCovered, &record.CollateralSeized,
		&record.CreatedAt); err != nil {
		return nil, err
	}
	record.LogIndex = uint(logIndex)
	record.BlockNumber = uint64(blockNumber)
	return &record, nil
}

func scanSnapshot(rs rowScanner) (*models.MarketSnapshot, error) {
	var snapshot models.MarketSnapshot
	if err := rs.Scan(&snapshot.BatchID, &snapshot.Asset, &snapshot.Symbol, &snapshot.TotalSupplied,
		&snapshot.TotalBorrowed, &snapshot.SupplyRate, &snapshot.BorrowRate, &snapshot.Utilization,
		&snapshot.PriceUSD, &snapshot.SnapshotAt); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// parseBigInt parses a base-10 integer column.
func parseBigInt(value string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer column value %q", value)
	}
	return n, nil
}

func bigString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}
