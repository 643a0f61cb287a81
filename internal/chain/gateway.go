package chain

import (
	"context"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Capability is a bit set of the discovery strategies a chain supports
type Capability uint8

const (
	// CapSubscription means the chain can push live logs over a websocket
	CapSubscription Capability = 1 << iota
	// CapLogQuery means the chain answers eth_getLogs over block ranges
	CapLogQuery
)

// Has reports whether all bits of other are set
func (c Capability) Has(other Capability) bool {
	return c&other == other
}

func (c Capability) String() string {
	switch {
	case c.Has(CapSubscription | CapLogQuery):
		return "subscription+log_query"
	case c.Has(CapSubscription):
		return "subscription"
	case c.Has(CapLogQuery):
		return "log_query"
	default:
		return "none"
	}
}

// supportedChains lists the chains the pipeline knows how to watch
var supportedChains = map[uint64]Capability{
	1:        CapSubscription | CapLogQuery, // Ethereum mainnet
	11155111: CapSubscription | CapLogQuery, // Sepolia
	8453:     CapSubscription | CapLogQuery, // Base
	84532:    CapSubscription | CapLogQuery, // Base Sepolia
	30:       CapLogQuery,                   // RSK mainnet
	31:       CapLogQuery,                   // RSK testnet
	1337:     CapLogQuery,                   // local dev node
}

// ChainCapabilities returns the static capabilities of a chain; unknown
// chains report none.
func ChainCapabilities(chainID uint64) Capability {
	return supportedChains[chainID]
}

// Gateway is the chain access the pipeline needs: reads, confirmed writes,
// log queries and live log subscriptions.
type Gateway interface {
	ChainID() uint64
	Capabilities() Capability

	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, address common.Address, topic common.Hash, fromBlock, toBlock uint64) ([]types.Log, error)
	SubscribeLogs(ctx context.Context, address common.Address, topic common.Hash, ch chan<- types.Log) (ethereum.Subscription, error)

	CallContract(ctx context.Context, address common.Address, contractABI abi.ABI, method string, args ...interface{}) ([]interface{}, error)
	SendTransaction(ctx context.Context, address common.Address, contractABI abi.ABI, method string, args ...interface{}) (*types.Transaction, error)
	WaitForReceipt(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)

	Close()
}
