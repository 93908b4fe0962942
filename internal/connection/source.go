package connection

import (
	"context"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// LogBatch is one delivery from a live watch. Logs inside a batch are in
// the order the node returned them.
type LogBatch struct {
	Logs []types.Log
	// CompleteThrough is the highest block whose logs are all contained in
	// this or an earlier batch. Zero when the source cannot tell.
	CompleteThrough uint64
}

// Subscription is a running live watch.
type Subscription interface {
	// Unsubscribe stops the watch and waits for its goroutine to exit.
	// It must not be called from inside a watch callback.
	Unsubscribe()
}

// LogSource is the chain access used by the indexer
type LogSource interface {
	GetLogs(ctx context.Context, contract common.Address, fromBlock, toBlock uint64) ([]types.Log, error)
	WatchLogs(ctx context.Context, contract common.Address, fromBlock uint64,
		onLogs func(LogBatch), onError func(error)) (Subscription, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// ContractReader performs read-only contract calls
type ContractReader interface {
	ReadContract(ctx context.Context, contract common.Address, contractABI *abi.ABI,
		method string, args ...interface{}) ([]interface{}, error)
}

// EthBackend is the subset of *ethclient.Client the chain client needs.
type EthBackend interface {
	ethereum.LogFilterer
	ethereum.ContractCaller
	BlockNumber(ctx context.Context) (uint64, error)
}

// BackendProvider hands out a healthy backend and drops it on transport failures.
type BackendProvider interface {
	Backend(ctx context.Context) (EthBackend, error)
	Invalidate()
}
