package utils

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// IsValidAddress checks if a string is a valid Ethereum address
func IsValidAddress(address string) bool {
	return common.IsHexAddress(address)
}

// NormalizeAddress normalizes an address to lowercase with 0x prefix.
// An empty input stays empty.
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if address == "" {
		return ""
	}
	if !strings.HasPrefix(address, "0x") && !strings.HasPrefix(address, "0X") {
		address = "0x" + address
	}
	return strings.ToLower(address)
}

// AddressKey returns the lowercase hex form used as a storage key.
func AddressKey(address common.Address) string {
	return strings.ToLower(address.Hex())
}

// EventTopic returns the keccak256 hash of an event signature such as
// "Supply(address,address,uint256)".
func EventTopic(signature string) common.Hash {
	return crypto.Keccak256Hash([]byte(signature))
}
