// File: internal/indexer/ordering.go
package indexer

import (
	"sort"

	"github.com/ethereum/go-ethereum/core/types"
)

// sortLogs returns a copy of logs ordered by (block number, log index)
func sortLogs(logs []types.Log) []types.Log {
	sorted := make([]types.Log, len(logs))
	copy(sorted, logs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].BlockNumber != sorted[j].BlockNumber {
			return sorted[i].BlockNumber < sorted[j].BlockNumber
		}
		return sorted[i].Index < sorted[j].Index
	})
	return sorted
}

// windows splits [from, to] into consecutive ranges of at most size blocks
func windows(from, to, size uint64) [][2]uint64 {
	if from > to || size == 0 {
		return nil
	}

	var out [][2]uint64
	for start := from; ; {
		end := to
		if to-start >= size {
			end = start + size - 1
		}
		out = append(out, [2]uint64{start, end})
		if end == to {
			return out
		}
		start = end + 1
	}
}
