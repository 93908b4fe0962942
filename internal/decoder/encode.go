// File: internal/decoder/encode.go
package decoder

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Encode builds the raw log a contract would emit for eventName. It is
// the inverse of Decode and is used to construct fixtures and replays.
func (d *EventDecoder) Encode(eventName string, args map[string]interface{}) (types.Log, error) {
	for _, event := range d.events {
		if event.Name != eventName {
			continue
		}

		topics := []common.Hash{event.ID}
		var values []interface{}
		for _, input := range event.Inputs {
			value, ok := args[input.Name]
			if !ok {
				return types.Log{}, fmt.Errorf("missing argument %q for %s", input.Name, eventName)
			}
			if !input.Indexed {
				values = append(values, value)
				continue
			}
			switch v := value.(type) {
			case common.Address:
				topics = append(topics, common.BytesToHash(v.Bytes()))
			case *big.Int:
				topics = append(topics, common.BigToHash(v))
			case common.Hash:
				topics = append(topics, v)
			default:
				return types.Log{}, fmt.Errorf("unsupported indexed type %T for %q", value, input.Name)
			}
		}

		data, err := event.Inputs.NonIndexed().Pack(values...)
		if err != nil {
			return types.Log{}, fmt.Errorf("failed to pack %s data: %w", eventName, err)
		}
		return types.Log{Topics: topics, Data: data}, nil
	}
	return types.Log{}, fmt.Errorf("unknown event %q", eventName)
}
