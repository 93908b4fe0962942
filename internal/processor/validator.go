// File: internal/processor/validator.go
package processor

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/smartdevs17/lending-indexer/internal/models"
	"github.com/smartdevs17/lending-indexer/pkg/utils"
)

// eventArgs are the normalized arguments of one decoded event
type eventArgs struct {
	user       string
	asset      string
	liquidator string
	amount     *big.Int
}

// affectsPosition reports whether eventName mutates a user position
func affectsPosition(eventName string) bool {
	switch eventName {
	case models.EventSupply, models.EventWithdraw, models.EventBorrow, models.EventRepay,
		models.EventLiquidate, models.EventReserveUsedAsCollateralEnabled,
		models.EventReserveUsedAsCollateralDisabled:
		return true
	}
	return false
}

// validateEvent extracts and checks the arguments of ev. Any error it
// returns is a processing fault.
func validateEvent(ev *models.DecodedEvent) (*eventArgs, error) {
	if ev == nil {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Event is nil")
	}
	if ev.EventName == "" {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Event name is required")
	}

	var (
		args eventArgs
		err  error
	)
	if args.user, err = addressArg(ev.Args, "user"); err != nil {
		return nil, err
	}
	if args.asset, err = addressArg(ev.Args, "asset"); err != nil {
		return nil, err
	}
	if args.liquidator, err = addressArg(ev.Args, "liquidator"); err != nil {
		return nil, err
	}
	if args.amount, err = amountArg(ev.Args, "amount"); err != nil {
		return nil, err
	}

	if affectsPosition(ev.EventName) {
		if args.user == "" {
			return nil, utils.NewAppError(utils.ErrCodeValidation,
				"Missing user argument", ev.EventName)
		}
		if args.asset == "" {
			return nil, utils.NewAppError(utils.ErrCodeValidation,
				"Missing asset argument", ev.EventName)
		}
	}
	if ev.EventName == models.EventLiquidate && args.liquidator == "" {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Missing liquidator argument")
	}

	return &args, nil
}

// addressArg returns the lowercase hex form of args[name], or "" when absent
func addressArg(args map[string]interface{}, name string) (string, error) {
	raw, ok := args[name]
	if !ok || raw == nil {
		return "", nil
	}

	switch v := raw.(type) {
	case common.Address:
		return utils.AddressKey(v), nil
	case *common.Address:
		if v == nil {
			return "", nil
		}
		return utils.AddressKey(*v), nil
	case string:
		if !utils.IsValidAddress(v) {
			return "", utils.NewAppError(utils.ErrCodeValidation,
				"Invalid address argument", fmt.Sprintf("%s=%q", name, v))
		}
		return utils.NormalizeAddress(v), nil
	default:
		return "", utils.NewAppError(utils.ErrCodeValidation,
			"Unsupported address argument type", fmt.Sprintf("%s: %T", name, raw))
	}
}

// amountArg returns args[name] as a non-negative integer. Absent is zero.
func amountArg(args map[string]interface{}, name string) (*big.Int, error) {
	raw, ok := args[name]
	if !ok || raw == nil {
		return new(big.Int), nil
	}

	var amount *big.Int
	switch v := raw.(type) {
	case *big.Int:
		if v == nil {
			return new(big.Int), nil
		}
		amount = new(big.Int).Set(v)
	case string:
		parsed, ok := new(big.Int).SetString(strings.TrimSpace(v), 10)
		if !ok {
			return nil, utils.NewAppError(utils.ErrCodeValidation,
				"Amount is not a base-10 integer", fmt.Sprintf("%s=%q", name, v))
		}
		amount = parsed
	case int64:
		amount = big.NewInt(v)
	case uint64:
		amount = new(big.Int).SetUint64(v)
	case int:
		amount = big.NewInt(int64(v))
	default:
		return nil, utils.NewAppError(utils.ErrCodeValidation,
			"Unsupported amount type", fmt.Sprintf("%s: %T", name, raw))
	}

	if amount.Sign() < 0 {
		return nil, utils.NewAppError(utils.ErrCodeValidation,
			"Amount must not be negative", amount.String())
	}
	return amount, nil
}
