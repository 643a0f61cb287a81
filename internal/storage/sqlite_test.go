package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/smartdevs17/domain-event-pipeline/internal/models"
	"github.com/smartdevs17/domain-event-pipeline/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLiteStorage {
	t.Helper()
	store := NewSQLiteStorage(&StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "pipeline.db"),
		MaxConnections:   4,
	})
	require.NoError(t, store.Connect())
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })
	return store
}

func pending(kind models.EventKind, name, txHash string, block uint64) *models.PendingEvent {
	return &models.PendingEvent{
		Kind:              kind,
		DomainName:        name,
		RequesterAddress:  "0x00000000000000000000000000000000000000aa",
		FeeAmount:         "100",
		SourceTxHash:      txHash,
		SourceBlockNumber: block,
	}
}

func TestInsertPendingEventDeduplicates(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	first := pending(models.KindRegistration, "alice.eth", "0x01", 10)
	require.NoError(t, store.InsertPendingEvent(ctx, first))
	assert.NotZero(t, first.ID)

	err := store.InsertPendingEvent(ctx, pending(models.KindRegistration, "alice.eth", "0x01", 10))
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.ErrCodeDuplicateEvent))

	// The same hash in the other collection is a different record
	require.NoError(t, store.InsertPendingEvent(ctx, pending(models.KindOwnershipUpdate, "alice.eth", "0x01", 10)))

	counts, err := store.CountPendingEvents(ctx, models.KindRegistration)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Unprocessed)

	stored, err := store.GetPendingEventByTxHash(ctx, models.KindRegistration, "0x01")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "alice.eth", stored.DomainName)
	assert.Equal(t, "100", stored.FeeAmount)
	assert.Equal(t, uint64(10), stored.SourceBlockNumber)
	assert.False(t, stored.Processed)
	assert.Nil(t, stored.ProcessedAt)
	assert.Nil(t, stored.ProcessingError)
}

func TestInsertPendingEventConcurrentRedelivery(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		stored    int
		duplicate int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.InsertPendingEvent(ctx, pending(models.KindRegistration, "bob.eth", "0xbeef", 5))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				stored++
			} else if utils.IsCode(err, utils.ErrCodeDuplicateEvent) {
				duplicate++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, stored)
	assert.Equal(t, 7, duplicate)
}

func TestGetPendingEventByTxHashMissing(t *testing.T) {
	store := newTestSQLite(t)
	event, err := store.GetPendingEventByTxHash(context.Background(), models.KindRegistration, "0xnope")
	assert.NoError(t, err)
	assert.Nil(t, event)
}

func TestUnprocessedEventsBatchAndMark(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.InsertPendingEvent(ctx,
			pending(models.KindRegistration, fmt.Sprintf("d%d.eth", i), fmt.Sprintf("0x%02d", i), uint64(i))))
	}

	batch, err := store.GetUnprocessedEvents(ctx, models.KindRegistration, 3)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, "d0.eth", batch[0].DomainName)
	assert.Equal(t, "d2.eth", batch[2].DomainName)

	failure := "reverted"
	require.NoError(t, store.MarkEventProcessed(ctx, models.KindRegistration, batch[0].ID, nil))
	require.NoError(t, store.MarkEventProcessed(ctx, models.KindRegistration, batch[1].ID, &failure))

	// A second mark must not overwrite the terminal state
	other := "second attempt"
	require.NoError(t, store.MarkEventProcessed(ctx, models.KindRegistration, batch[1].ID, &other))

	marked, err := store.GetPendingEventByTxHash(ctx, models.KindRegistration, "0x01")
	require.NoError(t, err)
	assert.True(t, marked.Processed)
	require.NotNil(t, marked.ProcessedAt)
	require.NotNil(t, marked.ProcessingError)
	assert.Equal(t, "reverted", *marked.ProcessingError)

	counts, err := store.CountPendingEvents(ctx, models.KindRegistration)
	require.NoError(t, err)
	assert.Equal(t, &models.PendingCounts{Unprocessed: 3, Succeeded: 1, Failed: 1}, counts)

	rest, err := store.GetUnprocessedEvents(ctx, models.KindRegistration, 30)
	require.NoError(t, err)
	assert.Len(t, rest, 3)
	assert.Equal(t, "d2.eth", rest[0].DomainName)
}

func TestDomainUpsertAndPatches(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()
	expiry := time.Now().Add(365 * 24 * time.Hour).UTC().Truncate(time.Second)

	created, err := store.UpsertDomainOwnership(ctx, &models.DomainRecord{
		DomainName:           "alice.eth",
		VerifiedOwnerAddress: "0xaa",
		ChainID:              31,
		ExpirationTimestamp:  expiry,
	})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.UpsertDomainOwnership(ctx, &models.DomainRecord{
		DomainName:           "alice.eth",
		VerifiedOwnerAddress: "0xbb",
		ChainID:              31,
		ExpirationTimestamp:  expiry.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.False(t, created)

	found, err := store.SetDomainNFTTokenID(ctx, "alice.eth", "7")
	require.NoError(t, err)
	assert.True(t, found)
	found, err = store.SetDomainTokenAddress(ctx, "alice.eth", "0xcc")
	require.NoError(t, err)
	assert.True(t, found)

	record, err := store.GetDomain(ctx, "alice.eth")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "0xbb", record.VerifiedOwnerAddress)
	assert.True(t, record.ExpirationTimestamp.Equal(expiry), "expiration is only written on insert")
	assert.Equal(t, uint64(31), record.ChainID)
	require.NotNil(t, record.NFTTokenID)
	assert.Equal(t, "7", *record.NFTTokenID)
	require.NotNil(t, record.AssociatedTokenAddress)
	assert.Equal(t, "0xcc", *record.AssociatedTokenAddress)

	found, err = store.UpdateDomainOwner(ctx, "missing.eth", "0xdd")
	require.NoError(t, err)
	assert.False(t, found)

	missing, err := store.GetDomain(ctx, "missing.eth")
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestWatermarkNeverDecreases(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	wm, err := store.GetWatermark(ctx, 31, "registry")
	require.NoError(t, err)
	assert.Nil(t, wm)

	require.NoError(t, store.SetWatermark(ctx, &models.Watermark{ChainID: 31, ContractID: "registry", LastProcessedBlock: 500}))
	require.NoError(t, store.SetWatermark(ctx, &models.Watermark{ChainID: 31, ContractID: "registry", LastProcessedBlock: 400}))

	wm, err = store.GetWatermark(ctx, 31, "registry")
	require.NoError(t, err)
	require.NotNil(t, wm)
	assert.Equal(t, uint64(500), wm.LastProcessedBlock)

	require.NoError(t, store.SetWatermark(ctx, &models.Watermark{ChainID: 31, ContractID: "registry", LastProcessedBlock: 900}))
	wm, err = store.GetWatermark(ctx, 31, "registry")
	require.NoError(t, err)
	assert.Equal(t, uint64(900), wm.LastProcessedBlock)

	other, err := store.GetWatermark(ctx, 30, "registry")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestClosedStorageReportsNotConnected(t *testing.T) {
	store := newTestSQLite(t)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	err := store.Ping()
	assert.True(t, utils.IsCode(err, utils.ErrCodeDatabase))
	_, err = store.GetDomain(context.Background(), "alice.eth")
	assert.Error(t, err)
}

func TestSQLiteDSNAddsPragmas(t *testing.T) {
	assert.Equal(t, "a.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", sqliteDSN("a.db"))
	assert.Equal(t, "a.db?_pragma=busy_timeout(100)&_pragma=journal_mode(WAL)", sqliteDSN("a.db?_pragma=busy_timeout(100)"))
}
