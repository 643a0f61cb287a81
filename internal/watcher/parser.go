package watcher

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/smartdevs17/domain-event-pipeline/pkg/utils"
)

// DecodedEvent is a contract log with its ABI arguments unpacked
type DecodedEvent struct {
	Contract string
	Name     string
	Log      types.Log
	Args     map[string]interface{}
}

// decodeLog unpacks the indexed topics and the data section of log
func decodeLog(contractID string, event abi.Event, log types.Log) (*DecodedEvent, error) {
	args := make(map[string]interface{}, len(event.Inputs))

	// Skip first topic (event signature)
	topicIndex := 1
	for _, input := range event.Inputs {
		if !input.Indexed {
			continue
		}
		if topicIndex >= len(log.Topics) {
			return nil, fmt.Errorf("insufficient topics for indexed parameter %s", input.Name)
		}
		args[input.Name] = parseTopicValue(input.Type, log.Topics[topicIndex])
		topicIndex++
	}

	nonIndexed := event.Inputs.NonIndexed()
	if len(nonIndexed) > 0 {
		if err := nonIndexed.UnpackIntoMap(args, log.Data); err != nil {
			return nil, fmt.Errorf("failed to unpack %s data: %w", event.Name, err)
		}
	}

	return &DecodedEvent{Contract: contractID, Name: event.Name, Log: log, Args: args}, nil
}

// parseTopicValue parses a topic value based on type. Indexed dynamic
// types only carry their hash.
func parseTopicValue(typ abi.Type, topic common.Hash) interface{} {
	switch typ.T {
	case abi.AddressTy:
		return common.BytesToAddress(topic.Bytes())
	case abi.IntTy, abi.UintTy:
		return new(big.Int).SetBytes(topic.Bytes())
	case abi.BoolTy:
		return topic.Big().Sign() != 0
	default:
		return topic
	}
}

// String returns a string argument
func (e *DecodedEvent) String(name string) (string, error) {
	v, ok := e.Args[name].(string)
	if !ok {
		return "", e.argError(name, "string")
	}
	return v, nil
}

// Address returns an address argument
func (e *DecodedEvent) Address(name string) (common.Address, error) {
	v, ok := e.Args[name].(common.Address)
	if !ok {
		return common.Address{}, e.argError(name, "address")
	}
	return v, nil
}

// BigInt returns an integer argument
func (e *DecodedEvent) BigInt(name string) (*big.Int, error) {
	v, ok := e.Args[name].(*big.Int)
	if !ok {
		return nil, e.argError(name, "uint256")
	}
	return v, nil
}

// Bool returns a bool argument
func (e *DecodedEvent) Bool(name string) (bool, error) {
	v, ok := e.Args[name].(bool)
	if !ok {
		return false, e.argError(name, "bool")
	}
	return v, nil
}

func (e *DecodedEvent) argError(name, want string) error {
	return utils.NewAppError(utils.ErrCodeHandler,
		fmt.Sprintf("%s.%s: missing or invalid %s argument %q", e.Contract, e.Name, want, name),
		fmt.Sprintf("got %T", e.Args[name]))
}
