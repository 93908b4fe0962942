package models

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserPositionApply(t *testing.T) {
	p := NewUserPosition("0xuser", "0xasset")
	assert.True(t, p.IsCollateral)

	clamped := p.Apply(&PositionDelta{SuppliedDelta: big.NewInt(500), BorrowedDelta: big.NewInt(300)})
	assert.False(t, clamped)
	assert.Equal(t, "500", p.SuppliedBalance.String())
	assert.Equal(t, "300", p.BorrowedBalance.String())

	off := false
	p.Apply(&PositionDelta{IsCollateral: &off})
	assert.False(t, p.IsCollateral)
	assert.Equal(t, "500", p.SuppliedBalance.String())

	clamped = p.Apply(&PositionDelta{SuppliedDelta: big.NewInt(-800)})
	assert.True(t, clamped)
	assert.Equal(t, "0", p.SuppliedBalance.String())
}

func TestUserPositionClone(t *testing.T) {
	p := NewUserPosition("0xuser", "0xasset")
	p.SuppliedBalance.SetInt64(10)

	c := p.Clone()
	c.SuppliedBalance.SetInt64(20)
	assert.Equal(t, "10", p.SuppliedBalance.String())
}

func TestPositionDeltaIsEmpty(t *testing.T) {
	assert.True(t, (&PositionDelta{}).IsEmpty())
	assert.True(t, (&PositionDelta{SuppliedDelta: new(big.Int)}).IsEmpty())
	on := true
	assert.False(t, (&PositionDelta{IsCollateral: &on}).IsEmpty())
	assert.False(t, (&PositionDelta{BorrowedDelta: big.NewInt(-1)}).IsEmpty())
}

func TestClampMakesOverdrawOrderDependent(t *testing.T) {
	apply := func(amounts ...int64) string {
		p := NewUserPosition("0xuser", "0xasset")
		for _, a := range amounts {
			p.Apply(&PositionDelta{SuppliedDelta: big.NewInt(a)})
		}
		return p.SuppliedBalance.String()
	}

	// The running total never drops below zero, so order does not matter.
	assert.Equal(t, "50", apply(100, 100, -150))
	assert.Equal(t, "50", apply(100, -50, 100, -100))

	// Withdrawing past the balance clamps at zero and loses the excess.
	assert.Equal(t, "100", apply(100, -150, 100))
}
