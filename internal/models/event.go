package models

import (
	"time"

	"github.com/ethereum/go-ethereum/core/types"
)

// Lending pool event names
const (
	EventSupply                          = "Supply"
	EventWithdraw                        = "Withdraw"
	EventBorrow                          = "Borrow"
	EventRepay                           = "Repay"
	EventLiquidate                       = "Liquidate"
	EventReserveUsedAsCollateralEnabled  = "ReserveUsedAsCollateralEnabled"
	EventReserveUsedAsCollateralDisabled = "ReserveUsedAsCollateralDisabled"
)

// DecodedEvent is a raw log matched against the lending ABI. Never persisted.
type DecodedEvent struct {
	EventName string                 `json:"event_name"`
	Args      map[string]interface{} `json:"args"`
	Log       types.Log              `json:"log"`
}

// EventRecord is the append-only audit row for one processed log.
// (TxHash, LogIndex) is unique.
type EventRecord struct {
	TxHash      string    `json:"tx_hash" db:"tx_hash"`
	BlockNumber uint64    `json:"block_number" db:"block_number"`
	LogIndex    uint      `json:"log_index" db:"log_index"`
	EventName   string    `json:"event_name" db:"event_name"`
	UserAddress *string   `json:"user_address,omitempty" db:"user_address"`
	Asset       *string   `json:"asset,omitempty" db:"asset"`
	Amount      *string   `json:"amount,omitempty" db:"amount"`
	RawArgs     string    `json:"raw_args" db:"raw_args"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
