package watcher

import (
	"context"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/domain-event-pipeline/internal/chain"
	"github.com/smartdevs17/domain-event-pipeline/internal/metrics"
	"github.com/smartdevs17/domain-event-pipeline/internal/models"
	"github.com/smartdevs17/domain-event-pipeline/internal/storage"
	"github.com/smartdevs17/domain-event-pipeline/pkg/utils"
)

// Contract ids used for watcher lookup, watermarks and metrics
const (
	RegistryContract    = "domain_registry"
	NFTMinterContract   = "nft_minter"
	TokenMinterContract = "token_minter"
)

// EventHandler reacts to one decoded event
type EventHandler func(ctx context.Context, ev *DecodedEvent) error

// ContractSpec describes a watched contract: its ABI and a handler per event
type ContractSpec struct {
	ID       string
	ABI      abi.ABI
	Handlers map[string]EventHandler
}

// Handlers holds the dependencies shared by the event handlers of all
// three contracts.
type Handlers struct {
	store    storage.Storage
	registry *chain.RegistryClient
	metrics  *metrics.Manager
	logger   *logrus.Entry
}

// NewHandlers creates the handler set. registry may be nil when the
// registry address is unknown; token-creation events then fail.
func NewHandlers(store storage.Storage, registry *chain.RegistryClient, metricsManager *metrics.Manager) *Handlers {
	return &Handlers{
		store:    store,
		registry: registry,
		metrics:  metricsManager,
		logger:   utils.ComponentLogger("watcher.handlers"),
	}
}

// RegistrySpec watches registration and ownership-update requests
func (h *Handlers) RegistrySpec() *ContractSpec {
	return &ContractSpec{
		ID:  RegistryContract,
		ABI: chain.RegistryABI,
		Handlers: map[string]EventHandler{
			"RegistrationRequested":    h.insertPending(models.KindRegistration),
			"OwnershipUpdateRequested": h.insertPending(models.KindOwnershipUpdate),
		},
	}
}

// NFTMinterSpec watches domain NFT mints and mintability changes
func (h *Handlers) NFTMinterSpec() *ContractSpec {
	return &ContractSpec{
		ID:  NFTMinterContract,
		ABI: chain.NFTMinterABI,
		Handlers: map[string]EventHandler{
			"DomainMinted":          h.onDomainMinted,
			"MintableStatusChanged": h.onMintableStatusChanged,
		},
	}
}

// TokenMinterSpec watches ERC20 token creation for domains
func (h *Handlers) TokenMinterSpec() *ContractSpec {
	return &ContractSpec{
		ID:  TokenMinterContract,
		ABI: chain.TokenMinterABI,
		Handlers: map[string]EventHandler{
			"TokenCreated": h.onTokenCreated,
		},
	}
}

// insertPending stores a primary event. Redelivery of an already stored
// transaction is success.
func (h *Handlers) insertPending(kind models.EventKind) EventHandler {
	return func(ctx context.Context, ev *DecodedEvent) error {
		name, err := ev.String("domainName")
		if err != nil {
			return err
		}
		requester, err := ev.Address("requester")
		if err != nil {
			return err
		}
		fee, err := ev.BigInt("fee")
		if err != nil {
			return err
		}

		record := &models.PendingEvent{
			Kind:              kind,
			DomainName:        name,
			RequesterAddress:  utils.NormalizeAddress(requester.Hex()),
			FeeAmount:         utils.BigToDecimal(fee),
			SourceTxHash:      ev.Log.TxHash.Hex(),
			SourceBlockNumber: ev.Log.BlockNumber,
		}
		logger := h.logger.WithFields(logrus.Fields{
			"kind":    kind,
			"domain":  name,
			"tx_hash": record.SourceTxHash,
		})

		err = h.store.InsertPendingEvent(ctx, record)
		switch {
		case utils.IsCode(err, utils.ErrCodeDuplicateEvent):
			h.metrics.GetPrometheusMetrics().RecordPendingInsert(string(kind), "duplicate")
			logger.Debug("Pending event already stored, ignoring redelivery")
			return nil
		case err != nil:
			h.metrics.GetPrometheusMetrics().RecordPendingInsert(string(kind), "error")
			return err
		}

		h.metrics.GetPrometheusMetrics().RecordPendingInsert(string(kind), "stored")
		logger.Info("Pending event stored")
		return nil
	}
}

func (h *Handlers) onDomainMinted(ctx context.Context, ev *DecodedEvent) error {
	name, err := ev.String("domainName")
	if err != nil {
		return err
	}
	tokenID, err := ev.BigInt("tokenId")
	if err != nil {
		return err
	}

	found, err := h.store.SetDomainNFTTokenID(ctx, name, tokenID.String())
	if err != nil {
		return err
	}
	logger := h.logger.WithFields(logrus.Fields{"domain": name, "token_id": tokenID.String()})
	if !found {
		logger.Warn("Domain record not found, skipping NFT token id patch")
		return nil
	}
	logger.Info("Domain NFT token id recorded")
	return nil
}

func (h *Handlers) onMintableStatusChanged(ctx context.Context, ev *DecodedEvent) error {
	name, err := ev.String("domainName")
	if err != nil {
		return err
	}
	mintable, err := ev.Bool("mintable")
	if err != nil {
		return err
	}
	h.logger.WithFields(logrus.Fields{
		"domain":   name,
		"mintable": mintable,
		"block":    ev.Log.BlockNumber,
	}).Info("Domain mintable status changed")
	return nil
}

func (h *Handlers) onTokenCreated(ctx context.Context, ev *DecodedEvent) error {
	domainID, err := ev.BigInt("domainId")
	if err != nil {
		return err
	}
	tokenAddress, err := ev.Address("tokenAddress")
	if err != nil {
		return err
	}
	if h.registry == nil {
		return utils.NewAppError(utils.ErrCodeConfiguration,
			"Cannot resolve domain id without a registry address", domainID.String())
	}

	name, err := h.registry.DomainNameByID(ctx, domainID)
	if err != nil {
		return err
	}

	logger := h.logger.WithFields(logrus.Fields{
		"domain":    name,
		"domain_id": domainID.String(),
		"token":     tokenAddress.Hex(),
	})
	found, err := h.store.SetDomainTokenAddress(ctx, name, utils.NormalizeAddress(tokenAddress.Hex()))
	if err != nil {
		return err
	}
	if !found {
		logger.Warn("Domain record not found, skipping token address patch")
		return nil
	}
	logger.Info("Domain token address recorded")
	return nil
}
