// File: internal/storage/storage.go
package storage

import (
	"context"
	"time"

	"github.com/smartdevs17/domain-event-pipeline/internal/models"
)

// Storage defines the persistence contract shared by every pipeline component.
// Lookups return nil, nil when the row does not exist.
type Storage interface {
	// Connection management
	Connect() error
	Close() error
	Ping() error
	Migrate() error

	// Pending event operations. InsertPendingEvent returns an AppError coded
	// DUPLICATE_EVENT when the source transaction hash was already stored.
	InsertPendingEvent(ctx context.Context, event *models.PendingEvent) error
	GetUnprocessedEvents(ctx context.Context, kind models.EventKind, limit int) ([]*models.PendingEvent, error)
	GetPendingEventByTxHash(ctx context.Context, kind models.EventKind, txHash string) (*models.PendingEvent, error)
	MarkEventProcessed(ctx context.Context, kind models.EventKind, id int64, processingError *string) error
	CountPendingEvents(ctx context.Context, kind models.EventKind) (*models.PendingCounts, error)

	// Domain record operations. The Set*/Update* patches report whether the
	// domain existed.
	GetDomain(ctx context.Context, domainName string) (*models.DomainRecord, error)
	UpsertDomainOwnership(ctx context.Context, record *models.DomainRecord) (bool, error)
	UpdateDomainOwner(ctx context.Context, domainName, owner string) (bool, error)
	SetDomainNFTTokenID(ctx context.Context, domainName, tokenID string) (bool, error)
	SetDomainTokenAddress(ctx context.Context, domainName, tokenAddress string) (bool, error)

	// Polling watermarks
	GetWatermark(ctx context.Context, chainID uint64, contractID string) (*models.Watermark, error)
	SetWatermark(ctx context.Context, watermark *models.Watermark) error
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type             string        `json:"type"`
	ConnectionString string        `json:"connection_string"`
	MaxConnections   int           `json:"max_connections"`
	MaxIdleTime      time.Duration `json:"max_idle_time"`
}

func pendingTable(kind models.EventKind) string {
	if kind == models.KindOwnershipUpdate {
		return "pending_ownership_updates"
	}
	return "pending_registrations"
}
