package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/smartdevs17/domain-event-pipeline/pkg/utils"
)

const registryABIJSON = `[
	{"type":"event","name":"RegistrationRequested","anonymous":false,"inputs":[
		{"name":"domainName","type":"string","indexed":false},
		{"name":"requester","type":"address","indexed":true},
		{"name":"fee","type":"uint256","indexed":false}]},
	{"type":"event","name":"OwnershipUpdateRequested","anonymous":false,"inputs":[
		{"name":"domainName","type":"string","indexed":false},
		{"name":"requester","type":"address","indexed":true},
		{"name":"fee","type":"uint256","indexed":false}]},
	{"type":"function","name":"setDomainOwner","stateMutability":"nonpayable","inputs":[
		{"name":"domainName","type":"string"},
		{"name":"owner","type":"address"}],"outputs":[]},
	{"type":"function","name":"setDomainMintable","stateMutability":"nonpayable","inputs":[
		{"name":"domainName","type":"string"},
		{"name":"mintable","type":"bool"}],"outputs":[]},
	{"type":"function","name":"getDomainNameById","stateMutability":"view","inputs":[
		{"name":"domainId","type":"uint256"}],"outputs":[
		{"name":"","type":"string"}]}
]`

const nftMinterABIJSON = `[
	{"type":"event","name":"DomainMinted","anonymous":false,"inputs":[
		{"name":"domainName","type":"string","indexed":false},
		{"name":"owner","type":"address","indexed":true},
		{"name":"tokenId","type":"uint256","indexed":true}]},
	{"type":"event","name":"MintableStatusChanged","anonymous":false,"inputs":[
		{"name":"domainName","type":"string","indexed":false},
		{"name":"mintable","type":"bool","indexed":false}]}
]`

const tokenMinterABIJSON = `[
	{"type":"event","name":"TokenCreated","anonymous":false,"inputs":[
		{"name":"domainId","type":"uint256","indexed":true},
		{"name":"tokenAddress","type":"address","indexed":true},
		{"name":"name","type":"string","indexed":false},
		{"name":"symbol","type":"string","indexed":false}]}
]`

var (
	RegistryABI    = mustParseABI(registryABIJSON)
	NFTMinterABI   = mustParseABI(nftMinterABIJSON)
	TokenMinterABI = mustParseABI(tokenMinterABIJSON)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid contract ABI: %v", err))
	}
	return parsed
}

// RegistryClient issues the domain registry calls used by reconciliation
// and by the token-minter watcher.
type RegistryClient struct {
	gateway Gateway
	address common.Address
}

// NewRegistryClient binds a registry address on gateway
func NewRegistryClient(gateway Gateway, address common.Address) *RegistryClient {
	return &RegistryClient{gateway: gateway, address: address}
}

// Address returns the bound registry address
func (r *RegistryClient) Address() common.Address {
	return r.address
}

// SetDomainOwner submits and confirms setDomainOwner
func (r *RegistryClient) SetDomainOwner(ctx context.Context, domainName string, owner common.Address) error {
	return r.write(ctx, "setDomainOwner", domainName, owner)
}

// SetDomainMintable submits and confirms setDomainMintable
func (r *RegistryClient) SetDomainMintable(ctx context.Context, domainName string, mintable bool) error {
	return r.write(ctx, "setDomainMintable", domainName, mintable)
}

func (r *RegistryClient) write(ctx context.Context, method string, args ...interface{}) error {
	tx, err := r.gateway.SendTransaction(ctx, r.address, RegistryABI, method, args...)
	if err != nil {
		return err
	}
	_, err = r.gateway.WaitForReceipt(ctx, tx)
	return err
}

// DomainNameByID resolves an on-chain domain id to its name
func (r *RegistryClient) DomainNameByID(ctx context.Context, domainID *big.Int) (string, error) {
	out, err := r.gateway.CallContract(ctx, r.address, RegistryABI, "getDomainNameById", domainID)
	if err != nil {
		return "", err
	}
	if len(out) != 1 {
		return "", utils.NewAppError(utils.ErrCodeBlockchain, "Unexpected getDomainNameById result",
			fmt.Sprintf("%d values", len(out)))
	}
	name, ok := out[0].(string)
	if !ok {
		return "", utils.NewAppError(utils.ErrCodeBlockchain, "Unexpected getDomainNameById result type",
			fmt.Sprintf("%T", out[0]))
	}
	return name, nil
}
