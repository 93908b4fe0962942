package models

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// UserPosition is the materialized balance of one user in one market.
type UserPosition struct {
	UserAddress     string              `json:"user_address" db:"user_address"`
	Asset           string              `json:"asset" db:"asset"`
	SuppliedBalance *big.Int            `json:"supplied_balance" db:"supplied_balance"`
	BorrowedBalance *big.Int            `json:"borrowed_balance" db:"borrowed_balance"`
	IsCollateral    bool                `json:"is_collateral" db:"is_collateral"`
	HealthFactor    decimal.NullDecimal `json:"health_factor" db:"health_factor"`
	UpdatedAt       time.Time           `json:"updated_at" db:"updated_at"`
}

// NewUserPosition returns the zero baseline for a (user, asset) pair.
func NewUserPosition(user, asset string) *UserPosition {
	return &UserPosition{
		UserAddress:     user,
		Asset:           asset,
		SuppliedBalance: new(big.Int),
		BorrowedBalance: new(big.Int),
		IsCollateral:    true,
	}
}

// Clone returns a deep copy.
func (p *UserPosition) Clone() *UserPosition {
	c := *p
	c.SuppliedBalance = new(big.Int).Set(p.SuppliedBalance)
	c.BorrowedBalance = new(big.Int).Set(p.BorrowedBalance)
	return &c
}

// PositionDelta is the change one event applies to a position.
type PositionDelta struct {
	UserAddress   string
	Asset         string
	SuppliedDelta *big.Int
	BorrowedDelta *big.Int
	// IsCollateral is nil when the event does not touch the flag.
	IsCollateral *bool
	UpdatedAt    time.Time
}

// IsEmpty reports whether applying the delta would change nothing.
func (d *PositionDelta) IsEmpty() bool {
	return (d.SuppliedDelta == nil || d.SuppliedDelta.Sign() == 0) &&
		(d.BorrowedDelta == nil || d.BorrowedDelta.Sign() == 0) &&
		d.IsCollateral == nil
}

// Apply adds the delta to p in place. Balances that would go negative
// are clamped to zero; the return value reports whether that happened.
func (p *UserPosition) Apply(d *PositionDelta) (clamped bool) {
	if d.SuppliedDelta != nil {
		p.SuppliedBalance.Add(p.SuppliedBalance, d.SuppliedDelta)
		if p.SuppliedBalance.Sign() < 0 {
			p.SuppliedBalance.SetUint64(0)
			clamped = true
		}
	}
	if d.BorrowedDelta != nil {
		p.BorrowedBalance.Add(p.BorrowedBalance, d.BorrowedDelta)
		if p.BorrowedBalance.Sign() < 0 {
			p.BorrowedBalance.SetUint64(0)
			clamped = true
		}
	}
	if d.IsCollateral != nil {
		p.IsCollateral = *d.IsCollateral
	}
	p.UpdatedAt = d.UpdatedAt
	return clamped
}
