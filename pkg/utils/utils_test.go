package utils

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "0xabcdef0000000000000000000000000000000001",
		NormalizeAddress("0xABCDEF0000000000000000000000000000000001"))
	assert.Equal(t, "0xabcdef0000000000000000000000000000000001",
		NormalizeAddress("ABCDEF0000000000000000000000000000000001"))
	assert.Equal(t, "", NormalizeAddress("  "))
}

func TestAddressKey(t *testing.T) {
	addr := common.HexToAddress("0xAbCdEf0000000000000000000000000000000001")
	assert.Equal(t, "0xabcdef0000000000000000000000000000000001", AddressKey(addr))
	assert.True(t, IsValidAddress(addr.Hex()))
	assert.False(t, IsValidAddress("0x1234"))
}

func TestEventTopic(t *testing.T) {
	// ERC-20 Transfer, a well known constant
	assert.Equal(t,
		"0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef",
		EventTopic("Transfer(address,address,uint256)").Hex())
}

func TestAppErrorWrapping(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapError(ErrCodeDatabase, "Failed to save checkpoint", cause)

	assert.ErrorIs(t, err, cause)
	assert.True(t, IsErrorCode(err, ErrCodeDatabase))
	assert.False(t, IsErrorCode(err, ErrCodeProcessing))
	assert.Contains(t, err.Error(), "connection refused")

	outer := WrapError(ErrCodeProcessing, "Backfill window failed", fmt.Errorf("window 1-10: %w", err))
	assert.True(t, IsErrorCode(outer, ErrCodeProcessing))
	assert.True(t, IsErrorCode(outer, ErrCodeDatabase))
	assert.ErrorIs(t, outer, cause)

	plain := NewAppError(ErrCodeValidation, "Bad input")
	assert.Equal(t, "VALIDATION_ERROR: Bad input", plain.Error())
	assert.Nil(t, plain.Unwrap())
}
