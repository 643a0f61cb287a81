package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/domain-event-pipeline/internal/config"
	"github.com/smartdevs17/domain-event-pipeline/pkg/utils"
)

const receiptPollInterval = 2 * time.Second

// EthGateway implements Gateway on top of go-ethereum's ethclient. Calls go
// to the first reachable URL of the primary + backup list; subscriptions use
// a separate websocket client when a WS URL is configured.
type EthGateway struct {
	config *config.ChainConfig
	urls   []string
	logger *logrus.Entry

	mu         sync.RWMutex
	client     *ethclient.Client
	wsClient   *ethclient.Client
	currentURL string

	signer *ecdsa.PrivateKey
	from   common.Address
	sendMu sync.Mutex
}

// NewEthGateway creates a gateway; no connection is made until first use
func NewEthGateway(cfg *config.ChainConfig) (*EthGateway, error) {
	if cfg.RPCURL == "" {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Chain RPC URL is required")
	}

	g := &EthGateway{
		config: cfg,
		urls:   append([]string{cfg.RPCURL}, cfg.BackupURLs...),
		logger: utils.ComponentLogger("chain").WithField("chain_id", cfg.ID),
	}

	if cfg.SignerPrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SignerPrivateKey, "0x"))
		if err != nil {
			return nil, utils.WrapError(utils.ErrCodeConfiguration, "Invalid signer private key", err)
		}
		g.signer = key
		g.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return g, nil
}

// ChainID returns the configured chain id
func (g *EthGateway) ChainID() uint64 {
	return g.config.ID
}

// Capabilities narrows the chain's static capabilities to what this
// gateway can actually serve.
func (g *EthGateway) Capabilities() Capability {
	caps := ChainCapabilities(g.config.ID)
	if g.config.WSURL == "" {
		caps &^= CapSubscription
	}
	return caps
}

// getClient returns the current client, dialing when there is none
func (g *EthGateway) getClient(ctx context.Context) (*ethclient.Client, error) {
	g.mu.RLock()
	client := g.client
	g.mu.RUnlock()
	if client != nil {
		return client, nil
	}
	return g.connect(ctx)
}

// connect walks the URL list until a node answers
func (g *EthGateway) connect(ctx context.Context) (*ethclient.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}

	var lastErr error
	for _, url := range g.urls {
		client, err := g.dialWithTimeout(ctx, url)
		if err != nil {
			g.logger.WithError(err).WithField("url", url).Warn("Connection failed")
			lastErr = err
			continue
		}

		checkCtx, cancel := context.WithTimeout(ctx, g.requestTimeout())
		remoteID, err := client.ChainID(checkCtx)
		cancel()
		if err != nil {
			client.Close()
			g.logger.WithError(err).WithField("url", url).Warn("Health check failed after connection")
			lastErr = err
			continue
		}
		if remoteID.Uint64() != g.config.ID {
			client.Close()
			return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Node reports a different chain id",
				remoteID.String())
		}

		g.client = client
		g.currentURL = url
		g.logger.WithField("url", url).Info("Successfully connected to chain node")
		return client, nil
	}

	return nil, utils.WrapError(utils.ErrCodeConnection, "Failed to connect to any chain node", lastErr)
}

func (g *EthGateway) dialWithTimeout(ctx context.Context, url string) (*ethclient.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, g.requestTimeout())
	defer cancel()
	return ethclient.DialContext(dialCtx, url)
}

func (g *EthGateway) requestTimeout() time.Duration {
	if g.config.RequestTimeout > 0 {
		return g.config.RequestTimeout
	}
	return 30 * time.Second
}

// getWSClient returns the websocket client used for subscriptions
func (g *EthGateway) getWSClient(ctx context.Context) (*ethclient.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.wsClient != nil {
		return g.wsClient, nil
	}
	client, err := g.dialWithTimeout(ctx, g.config.WSURL)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeConnection, "Failed to dial websocket endpoint", err)
	}
	g.wsClient = client
	return client, nil
}

// BlockNumber returns the current chain height
func (g *EthGateway) BlockNumber(ctx context.Context) (uint64, error) {
	client, err := g.getClient(ctx)
	if err != nil {
		return 0, err
	}
	height, err := client.BlockNumber(ctx)
	if err != nil {
		return 0, utils.WrapError(utils.ErrCodeBlockchain, "Failed to get block number", err)
	}
	return height, nil
}

// FilterLogs fetches logs of one event signature in [fromBlock, toBlock]
func (g *EthGateway) FilterLogs(ctx context.Context, address common.Address, topic common.Hash, fromBlock, toBlock uint64) ([]types.Log, error) {
	client, err := g.getClient(ctx)
	if err != nil {
		return nil, err
	}

	logs, err := client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{address},
		Topics:    [][]common.Hash{{topic}},
	})
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeBlockchain, "Failed to filter logs", err)
	}
	return logs, nil
}

// SubscribeLogs opens a live log subscription for one event signature
func (g *EthGateway) SubscribeLogs(ctx context.Context, address common.Address, topic common.Hash, ch chan<- types.Log) (ethereum.Subscription, error) {
	if !g.Capabilities().Has(CapSubscription) {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Chain does not support log subscriptions")
	}
	client, err := g.getWSClient(ctx)
	if err != nil {
		return nil, err
	}

	sub, err := client.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{address},
		Topics:    [][]common.Hash{{topic}},
	}, ch)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeBlockchain, "Failed to subscribe to logs", err)
	}
	return sub, nil
}

// CallContract performs a read-only contract call and unpacks the outputs
func (g *EthGateway) CallContract(ctx context.Context, address common.Address, contractABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	client, err := g.getClient(ctx)
	if err != nil {
		return nil, err
	}

	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeValidation, "Failed to pack call "+method, err)
	}
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &address, Data: data}, nil)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeBlockchain, "Contract call "+method+" failed", err)
	}
	values, err := contractABI.Unpack(method, out)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeBlockchain, "Failed to unpack "+method+" result", err)
	}
	return values, nil
}

// SendTransaction signs and submits a contract write. The returned
// transaction is not yet confirmed.
func (g *EthGateway) SendTransaction(ctx context.Context, address common.Address, contractABI abi.ABI, method string, args ...interface{}) (*types.Transaction, error) {
	if g.signer == nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "No signer key configured for contract writes")
	}
	client, err := g.getClient(ctx)
	if err != nil {
		return nil, err
	}

	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeValidation, "Failed to pack call "+method, err)
	}

	// Nonce allocation and submission must not interleave between writers
	g.sendMu.Lock()
	defer g.sendMu.Unlock()

	nonce, err := client.PendingNonceAt(ctx, g.from)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeBlockchain, "Failed to get nonce", err)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeBlockchain, "Failed to get gas price", err)
	}
	gas, err := client.EstimateGas(ctx, ethereum.CallMsg{From: g.from, To: &address, Data: data})
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeBlockchain, "Gas estimation for "+method+" failed", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &address,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(new(big.Int).SetUint64(g.config.ID)), g.signer)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeInternal, "Failed to sign transaction", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return nil, utils.WrapError(utils.ErrCodeBlockchain, "Failed to send "+method, err)
	}

	g.logger.WithFields(logrus.Fields{
		"method":  method,
		"tx_hash": signed.Hash().Hex(),
		"nonce":   nonce,
	}).Info("Contract write submitted")
	return signed, nil
}

// WaitForReceipt polls until the transaction is mined. A reverted
// transaction is an error; ctx bounds the wait.
func (g *EthGateway) WaitForReceipt(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	client, err := g.getClient(ctx)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, tx.Hash())
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, utils.NewAppError(utils.ErrCodeBlockchain, "Transaction reverted", tx.Hash().Hex())
			}
			return receipt, nil
		case errors.Is(err, ethereum.NotFound):
			// not mined yet
		default:
			g.logger.WithError(err).WithField("tx_hash", tx.Hash().Hex()).Debug("Receipt lookup failed")
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, utils.WrapError(utils.ErrCodeTimeout, "Timed out waiting for receipt", ctx.Err())
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close closes the RPC clients
func (g *EthGateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		g.client.Close()
		g.client = nil
	}
	if g.wsClient != nil {
		g.wsClient.Close()
		g.wsClient = nil
	}
}
