// File: internal/snapshot/market_data.go
package snapshot

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/smartdevs17/lending-indexer/internal/connection"
	"github.com/smartdevs17/lending-indexer/pkg/utils"
)

const getAllMarketData = "getAllMarketData"

const dataProviderABI = `[{
	"type": "function",
	"name": "getAllMarketData",
	"stateMutability": "view",
	"inputs": [],
	"outputs": [{
		"name": "",
		"type": "tuple[]",
		"components": [
			{"name": "asset", "type": "address"},
			{"name": "symbol", "type": "string"},
			{"name": "decimals", "type": "uint8"},
			{"name": "supplyRate", "type": "uint256"},
			{"name": "borrowRate", "type": "uint256"},
			{"name": "totalSupplied", "type": "uint256"},
			{"name": "totalBorrowed", "type": "uint256"},
			{"name": "priceUsd", "type": "uint256"}
		]
	}]
}]`

// MarketData is one market as reported by the data provider. Rates are
// 18-decimal fixed point, totals are in the asset's smallest unit.
type MarketData struct {
	Asset         common.Address
	Symbol        string
	Decimals      uint8
	SupplyRate    *big.Int
	BorrowRate    *big.Int
	TotalSupplied *big.Int
	TotalBorrowed *big.Int
	PriceUsd      *big.Int
}

// MarketDataReader returns the current state of every market
type MarketDataReader interface {
	ReadMarketData(ctx context.Context) ([]MarketData, error)
}

// ProviderReader reads market data from the on-chain data provider in a
// single call.
type ProviderReader struct {
	reader   connection.ContractReader
	provider common.Address
	abi      *abi.ABI
}

// NewProviderReader creates a reader for the data provider at address
func NewProviderReader(reader connection.ContractReader, address string) (*ProviderReader, error) {
	if !utils.IsValidAddress(address) {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration,
			"Invalid data provider address", address)
	}

	parsed, err := abi.JSON(strings.NewReader(dataProviderABI))
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeInternal, "Failed to parse data provider ABI", err)
	}

	return &ProviderReader{
		reader:   reader,
		provider: common.HexToAddress(address),
		abi:      &parsed,
	}, nil
}

// ReadMarketData implements MarketDataReader
func (r *ProviderReader) ReadMarketData(ctx context.Context) ([]MarketData, error) {
	out, err := r.reader.ReadContract(ctx, r.provider, r.abi, getAllMarketData)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, utils.NewAppError(utils.ErrCodeBlockchain,
			"Unexpected data provider response", "expected a single return value")
	}

	markets, err := convertMarkets(out[0])
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeBlockchain, "Failed to decode market data", err)
	}
	return markets, nil
}

// convertMarkets turns the ABI's anonymous tuple slice into MarketData.
// abi.ConvertType panics on a shape mismatch.
func convertMarkets(raw interface{}) (markets []MarketData, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = utils.NewAppError(utils.ErrCodeBlockchain, "Market data has unexpected shape")
		}
	}()
	converted := *abi.ConvertType(raw, new([]MarketData)).(*[]MarketData)
	return converted, nil
}
