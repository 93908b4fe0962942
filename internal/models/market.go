package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LiquidationRecord is written once per Liquidate event.
type LiquidationRecord struct {
	TxHash           string    `json:"tx_hash" db:"tx_hash"`
	LogIndex         uint      `json:"log_index" db:"log_index"`
	BlockNumber      uint64    `json:"block_number" db:"block_number"`
	Liquidator       string    `json:"liquidator" db:"liquidator"`
	UserLiquidated   string    `json:"user_liquidated" db:"user_liquidated"`
	CollateralAsset  string    `json:"collateral_asset" db:"collateral_asset"`
	DebtAsset        string    `json:"debt_asset" db:"debt_asset"`
	DebtCovered      string    `json:"debt_covered" db:"debt_covered"`
	CollateralSeized string    `json:"collateral_seized" db:"collateral_seized"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// MarketSnapshot is one market's state at one snapshot tick.
type MarketSnapshot struct {
	BatchID       string          `json:"batch_id" db:"batch_id"`
	Asset         string          `json:"asset" db:"asset"`
	Symbol        string          `json:"symbol" db:"symbol"`
	TotalSupplied decimal.Decimal `json:"total_supplied" db:"total_supplied"`
	TotalBorrowed decimal.Decimal `json:"total_borrowed" db:"total_borrowed"`
	SupplyRate    decimal.Decimal `json:"supply_rate" db:"supply_rate"`
	BorrowRate    decimal.Decimal `json:"borrow_rate" db:"borrow_rate"`
	Utilization   decimal.Decimal `json:"utilization" db:"utilization"`
	PriceUSD      decimal.Decimal `json:"price_usd" db:"price_usd"`
	SnapshotAt    time.Time       `json:"snapshot_at" db:"snapshot_at"`
}

// Checkpoint is the highest block whose logs are fully applied for a chain.
type Checkpoint struct {
	ChainID            uint64    `json:"chain_id" db:"chain_id"`
	LastProcessedBlock uint64    `json:"last_processed_block" db:"last_processed_block"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}
