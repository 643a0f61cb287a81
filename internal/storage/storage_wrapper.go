package storage

import (
	"context"
	"time"

	"github.com/smartdevs17/domain-event-pipeline/internal/metrics"
	"github.com/smartdevs17/domain-event-pipeline/internal/models"
	"github.com/smartdevs17/domain-event-pipeline/pkg/utils"
)

// StorageWithMetrics wraps a storage implementation with metrics
type StorageWithMetrics struct {
	Storage
	metricsManager *metrics.Manager
}

// NewStorageWithMetrics creates a storage wrapper with metrics
func NewStorageWithMetrics(storage Storage, metricsManager *metrics.Manager) *StorageWithMetrics {
	return &StorageWithMetrics{
		Storage:        storage,
		metricsManager: metricsManager,
	}
}

func (s *StorageWithMetrics) record(operation, table string, start time.Time, err error) {
	status := "success"
	switch {
	case utils.IsCode(err, utils.ErrCodeDuplicateEvent):
		status = "duplicate"
	case err != nil:
		status = "error"
	}
	s.metricsManager.GetPrometheusMetrics().RecordDatabaseOperation(operation, table, status, time.Since(start))
}

// InsertPendingEvent inserts a pending event and records metrics
func (s *StorageWithMetrics) InsertPendingEvent(ctx context.Context, event *models.PendingEvent) error {
	start := time.Now()
	err := s.Storage.InsertPendingEvent(ctx, event)
	s.record("insert", pendingTable(event.Kind), start, err)
	return err
}

// GetUnprocessedEvents fetches a batch and records metrics
func (s *StorageWithMetrics) GetUnprocessedEvents(ctx context.Context, kind models.EventKind, limit int) ([]*models.PendingEvent, error) {
	start := time.Now()
	events, err := s.Storage.GetUnprocessedEvents(ctx, kind, limit)
	s.record("select", pendingTable(kind), start, err)
	return events, err
}

// MarkEventProcessed marks a pending event and records metrics
func (s *StorageWithMetrics) MarkEventProcessed(ctx context.Context, kind models.EventKind, id int64, processingError *string) error {
	start := time.Now()
	err := s.Storage.MarkEventProcessed(ctx, kind, id, processingError)
	s.record("update", pendingTable(kind), start, err)
	return err
}

// UpsertDomainOwnership upserts a domain and records metrics
func (s *StorageWithMetrics) UpsertDomainOwnership(ctx context.Context, record *models.DomainRecord) (bool, error) {
	start := time.Now()
	created, err := s.Storage.UpsertDomainOwnership(ctx, record)
	s.record("upsert", "domains", start, err)
	return created, err
}

// SetWatermark persists a watermark and records metrics
func (s *StorageWithMetrics) SetWatermark(ctx context.Context, wm *models.Watermark) error {
	start := time.Now()
	err := s.Storage.SetWatermark(ctx, wm)
	s.record("upsert", "watcher_watermarks", start, err)
	return err
}
