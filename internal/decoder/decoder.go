// File: internal/decoder/decoder.go
package decoder

import (
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/smartdevs17/lending-indexer/internal/models"
	"github.com/smartdevs17/lending-indexer/pkg/utils"
)

// ABIVersion identifies the embedded lending pool event set.
const ABIVersion = "v1"

//go:embed lending_pool_v1.json
var lendingPoolABI string

// ErrUnknownEvent is returned for logs whose signature is not in the ABI.
// It is an expected outcome, not a fault.
var ErrUnknownEvent = errors.New("decoder: unknown event signature")

// EventDecoder matches raw logs against a fixed event ABI
type EventDecoder struct {
	events map[common.Hash]abi.Event
	topics []common.Hash
}

// NewEventDecoder returns a decoder for the embedded lending pool ABI
func NewEventDecoder() (*EventDecoder, error) {
	return NewEventDecoderFromJSON(lendingPoolABI)
}

// NewEventDecoderFromJSON returns a decoder for the events of abiJSON
func NewEventDecoderFromJSON(abiJSON string) (*EventDecoder, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeValidation, "Failed to parse ABI", err)
	}
	if len(parsed.Events) == 0 {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "ABI declares no events", "")
	}

	d := &EventDecoder{events: make(map[common.Hash]abi.Event, len(parsed.Events))}
	for _, event := range parsed.Events {
		d.events[event.ID] = event
		d.topics = append(d.topics, event.ID)
	}
	sort.Slice(d.topics, func(i, j int) bool { return d.topics[i].Hex() < d.topics[j].Hex() })
	return d, nil
}

// Topics returns the signature hashes of every known event
func (d *EventDecoder) Topics() []common.Hash {
	return append([]common.Hash(nil), d.topics...)
}

// Decode matches log against the known events. It returns ErrUnknownEvent
// when the signature is not recognised and a PROCESSING_ERROR when a
// known event cannot be decoded.
func (d *EventDecoder) Decode(log types.Log) (*models.DecodedEvent, error) {
	if len(log.Topics) == 0 {
		return nil, ErrUnknownEvent
	}
	event, ok := d.events[log.Topics[0]]
	if !ok {
		return nil, ErrUnknownEvent
	}

	args, err := parseEventData(&event, log)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeProcessing,
			fmt.Sprintf("Failed to decode %s at %s:%d", event.Name, log.TxHash.Hex(), log.Index), err)
	}

	return &models.DecodedEvent{
		EventName: event.Name,
		Args:      args,
		Log:       log,
	}, nil
}

// parseEventData decodes indexed topics and non-indexed data into named args
func parseEventData(event *abi.Event, log types.Log) (map[string]interface{}, error) {
	result := make(map[string]interface{})

	indexed := 0
	for _, input := range event.Inputs {
		if input.Indexed {
			indexed++
		}
	}
	if len(log.Topics) != indexed+1 {
		return nil, fmt.Errorf("expected %d topics, got %d", indexed+1, len(log.Topics))
	}

	topicIndex := 1 // topic 0 is the signature
	for _, input := range event.Inputs {
		if !input.Indexed {
			continue
		}
		result[input.Name] = parseTopicValue(input.Type, log.Topics[topicIndex])
		topicIndex++
	}

	nonIndexed := event.Inputs.NonIndexed()
	if len(nonIndexed) > 0 {
		values, err := nonIndexed.Unpack(log.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to unpack event data: %w", err)
		}
		for i, input := range nonIndexed {
			result[input.Name] = values[i]
		}
	}

	return result, nil
}

// parseTopicValue parses a topic value based on type
func parseTopicValue(typ abi.Type, topic common.Hash) interface{} {
	switch typ.T {
	case abi.AddressTy:
		return common.BytesToAddress(topic.Bytes())
	case abi.UintTy:
		return new(big.Int).SetBytes(topic.Bytes())
	case abi.BoolTy:
		return topic.Big().Sign() != 0
	default:
		// Dynamic indexed values only carry their hash
		return topic.Hex()
	}
}

// EncodeArgs renders decoded args as JSON with addresses lowercased and
// integers as decimal strings.
func EncodeArgs(args map[string]interface{}) (string, error) {
	out := make(map[string]interface{}, len(args))
	for name, value := range args {
		out[name] = convertValue(value)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// convertValue converts ABI values to JSON-serializable types
func convertValue(value interface{}) interface{} {
	switch v := value.(type) {
	case *big.Int:
		return v.String()
	case common.Address:
		return utils.AddressKey(v)
	case []byte:
		return "0x" + hex.EncodeToString(v)
	case bool, string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
