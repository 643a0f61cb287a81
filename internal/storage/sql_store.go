package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/domain-event-pipeline/internal/models"
	"github.com/smartdevs17/domain-event-pipeline/pkg/utils"
)

// dialect captures the differences between the supported SQL backends
type dialect struct {
	name string
	// numbered placeholders ($1, $2...) instead of ?
	numbered bool
	// uniqueViolation reports whether err is a unique constraint failure
	uniqueViolation func(err error) bool
}

// sqlStore implements Storage over database/sql; the backend types only
// differ in how they open the handle.
type sqlStore struct {
	mu         sync.RWMutex
	db         *sql.DB
	dialect    dialect
	logger     *logrus.Entry
	migrations []*Migration
}

func newSQLStore(d dialect, migrations []*Migration) *sqlStore {
	return &sqlStore{
		dialect:    d,
		logger:     utils.ComponentLogger("storage").WithField("backend", d.name),
		migrations: migrations,
	}
}

func (s *sqlStore) setDB(db *sql.DB) {
	s.mu.Lock()
	s.db = db
	s.mu.Unlock()
}

func (s *sqlStore) handle() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Database not connected")
	}
	return s.db, nil
}

// rebind rewrites ? placeholders for backends that number them
func (s *sqlStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.logger.Info("Database connection closed")
	return err
}

// Ping checks database connectivity
func (s *sqlStore) Ping() error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.Ping()
}

// Migrate runs database migrations
func (s *sqlStore) Migrate() error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	s.logger.Info("Starting database migrations")
	for _, migration := range s.migrations {
		s.logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Debug("Applying migration")

		if _, err := db.Exec(migration.SQL); err != nil {
			return utils.WrapError(utils.ErrCodeDatabase,
				fmt.Sprintf("Migration %s failed", migration.Version), err)
		}
	}
	s.logger.Info("Database migrations completed")
	return nil
}

// InsertPendingEvent stores a newly observed primary event
func (s *sqlStore) InsertPendingEvent(ctx context.Context, event *models.PendingEvent) error {
	if !event.Kind.Valid() {
		return utils.NewAppError(utils.ErrCodeValidation, "Unknown pending event kind", string(event.Kind))
	}
	db, err := s.handle()
	if err != nil {
		return err
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}

	query := s.rebind(fmt.Sprintf(`
		INSERT INTO %s
		(domain_name, requester_address, fee_amount, source_tx_hash, source_block_number, received_at, processed)
		VALUES (?, ?, ?, ?, ?, ?, FALSE)
		ON CONFLICT (source_tx_hash) DO NOTHING`, pendingTable(event.Kind)))

	res, err := db.ExecContext(ctx, query,
		event.DomainName, event.RequesterAddress, event.FeeAmount,
		event.SourceTxHash, int64(event.SourceBlockNumber), event.ReceivedAt)
	if err != nil {
		if s.dialect.uniqueViolation != nil && s.dialect.uniqueViolation(err) {
			return utils.NewAppError(utils.ErrCodeDuplicateEvent, "Pending event already stored", event.SourceTxHash)
		}
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to insert pending event", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to read insert result", err)
	}
	if affected == 0 {
		return utils.NewAppError(utils.ErrCodeDuplicateEvent, "Pending event already stored", event.SourceTxHash)
	}

	stored, err := s.GetPendingEventByTxHash(ctx, event.Kind, event.SourceTxHash)
	if err == nil && stored != nil {
		event.ID = stored.ID
	}
	return nil
}

const pendingColumns = `id, domain_name, requester_address, fee_amount, source_tx_hash,
	source_block_number, received_at, processed, processed_at, processing_error`

// GetUnprocessedEvents returns up to limit unprocessed events, oldest first
func (s *sqlStore) GetUnprocessedEvents(ctx context.Context, kind models.EventKind, limit int) ([]*models.PendingEvent, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	query := s.rebind(fmt.Sprintf(`SELECT %s FROM %s WHERE processed = FALSE ORDER BY id ASC LIMIT ?`,
		pendingColumns, pendingTable(kind)))
	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to query unprocessed events", err)
	}
	defer rows.Close()

	var events []*models.PendingEvent
	for rows.Next() {
		event, err := scanPendingEvent(rows, kind)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to iterate unprocessed events", err)
	}
	return events, nil
}

// GetPendingEventByTxHash looks a pending event up by its source transaction
func (s *sqlStore) GetPendingEventByTxHash(ctx context.Context, kind models.EventKind, txHash string) (*models.PendingEvent, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	query := s.rebind(fmt.Sprintf(`SELECT %s FROM %s WHERE source_tx_hash = ?`, pendingColumns, pendingTable(kind)))
	event, err := scanPendingEvent(db.QueryRowContext(ctx, query, txHash), kind)
	if err != nil {
		if utils.IsCode(err, utils.ErrCodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return event, nil
}

// MarkEventProcessed flips a pending event to its terminal state. A record
// that is already processed is left untouched.
func (s *sqlStore) MarkEventProcessed(ctx context.Context, kind models.EventKind, id int64, processingError *string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	query := s.rebind(fmt.Sprintf(`
		UPDATE %s SET processed = TRUE, processed_at = ?, processing_error = ?
		WHERE id = ? AND processed = FALSE`, pendingTable(kind)))

	var errValue sql.NullString
	if processingError != nil {
		errValue = sql.NullString{String: *processingError, Valid: true}
	}
	if _, err := db.ExecContext(ctx, query, time.Now().UTC(), errValue, id); err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to mark event processed", err)
	}
	return nil
}

// CountPendingEvents summarises one pending collection
func (s *sqlStore) CountPendingEvents(ctx context.Context, kind models.EventKind) (*models.PendingCounts, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT
			COALESCE(SUM(CASE WHEN processed = FALSE THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN processed = TRUE AND processing_error IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN processed = TRUE AND processing_error IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM %s`, pendingTable(kind))

	counts := &models.PendingCounts{}
	if err := db.QueryRowContext(ctx, query).Scan(&counts.Unprocessed, &counts.Succeeded, &counts.Failed); err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to count pending events", err)
	}
	return counts, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPendingEvent(row rowScanner, kind models.EventKind) (*models.PendingEvent, error) {
	var (
		event       = &models.PendingEvent{Kind: kind}
		blockNumber int64
		processedAt sql.NullTime
		procErr     sql.NullString
	)
	err := row.Scan(&event.ID, &event.DomainName, &event.RequesterAddress, &event.FeeAmount,
		&event.SourceTxHash, &blockNumber, &event.ReceivedAt, &event.Processed, &processedAt, &procErr)
	if err == sql.ErrNoRows {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "Pending event not found")
	}
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to scan pending event", err)
	}

	event.SourceBlockNumber = uint64(blockNumber)
	if processedAt.Valid {
		t := processedAt.Time
		event.ProcessedAt = &t
	}
	if procErr.Valid {
		msg := procErr.String
		event.ProcessingError = &msg
	}
	return event, nil
}

// GetDomain retrieves a domain record by name
func (s *sqlStore) GetDomain(ctx context.Context, domainName string) (*models.DomainRecord, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	query := s.rebind(`
		SELECT domain_name, verified_owner_address, associated_token_address, nft_token_id,
			chain_id, expiration_timestamp, created_at, updated_at
		FROM domains WHERE domain_name = ?`)

	var (
		record  models.DomainRecord
		token   sql.NullString
		nftID   sql.NullString
		chainID int64
	)
	err = db.QueryRowContext(ctx, query, domainName).Scan(&record.DomainName, &record.VerifiedOwnerAddress,
		&token, &nftID, &chainID, &record.ExpirationTimestamp, &record.CreatedAt, &record.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to get domain", err)
	}

	record.ChainID = uint64(chainID)
	if token.Valid {
		record.AssociatedTokenAddress = &token.String
	}
	if nftID.Valid {
		record.NFTTokenID = &nftID.String
	}
	return &record, nil
}

// UpsertDomainOwnership inserts a domain or, when it exists, patches its
// owner and updated_at. Expiration is only written on insert. Reports
// whether the row was created.
func (s *sqlStore) UpsertDomainOwnership(ctx context.Context, record *models.DomainRecord) (bool, error) {
	db, err := s.handle()
	if err != nil {
		return false, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, utils.WrapError(utils.ErrCodeDatabase, "Failed to begin transaction", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM domains WHERE domain_name = ?`), record.DomainName).Scan(&exists)
	if err != nil && err != sql.ErrNoRows {
		return false, utils.WrapError(utils.ErrCodeDatabase, "Failed to check domain", err)
	}
	created := err == sql.ErrNoRows

	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	query := s.rebind(`
		INSERT INTO domains
		(domain_name, verified_owner_address, chain_id, expiration_timestamp, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (domain_name) DO UPDATE SET
			verified_owner_address = excluded.verified_owner_address,
			updated_at = excluded.updated_at`)
	if _, err := tx.ExecContext(ctx, query, record.DomainName, record.VerifiedOwnerAddress,
		int64(record.ChainID), record.ExpirationTimestamp, record.CreatedAt, record.UpdatedAt); err != nil {
		return false, utils.WrapError(utils.ErrCodeDatabase, "Failed to upsert domain", err)
	}

	if err := tx.Commit(); err != nil {
		return false, utils.WrapError(utils.ErrCodeDatabase, "Failed to commit domain upsert", err)
	}
	return created, nil
}

// UpdateDomainOwner patches the verified owner of an existing domain
func (s *sqlStore) UpdateDomainOwner(ctx context.Context, domainName, owner string) (bool, error) {
	return s.patchDomain(ctx, "verified_owner_address", domainName, owner)
}

// SetDomainNFTTokenID records the NFT minted for a domain
func (s *sqlStore) SetDomainNFTTokenID(ctx context.Context, domainName, tokenID string) (bool, error) {
	return s.patchDomain(ctx, "nft_token_id", domainName, tokenID)
}

// SetDomainTokenAddress records the ERC20 token created for a domain
func (s *sqlStore) SetDomainTokenAddress(ctx context.Context, domainName, tokenAddress string) (bool, error) {
	return s.patchDomain(ctx, "associated_token_address", domainName, tokenAddress)
}

func (s *sqlStore) patchDomain(ctx context.Context, column, domainName, value string) (bool, error) {
	db, err := s.handle()
	if err != nil {
		return false, err
	}

	query := s.rebind(fmt.Sprintf(`UPDATE domains SET %s = ?, updated_at = ? WHERE domain_name = ?`, column))
	res, err := db.ExecContext(ctx, query, value, time.Now().UTC(), domainName)
	if err != nil {
		return false, utils.WrapError(utils.ErrCodeDatabase, "Failed to update domain "+column, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, utils.WrapError(utils.ErrCodeDatabase, "Failed to read update result", err)
	}
	return affected > 0, nil
}

// GetWatermark returns the persisted polling watermark of one watcher
func (s *sqlStore) GetWatermark(ctx context.Context, chainID uint64, contractID string) (*models.Watermark, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	query := s.rebind(`
		SELECT last_processed_block, updated_at FROM watcher_watermarks
		WHERE chain_id = ? AND contract_id = ?`)

	wm := &models.Watermark{ChainID: chainID, ContractID: contractID}
	var block int64
	err = db.QueryRowContext(ctx, query, int64(chainID), contractID).Scan(&block, &wm.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to get watermark", err)
	}
	wm.LastProcessedBlock = uint64(block)
	return wm, nil
}

// SetWatermark persists a polling watermark. The stored value never decreases.
func (s *sqlStore) SetWatermark(ctx context.Context, wm *models.Watermark) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if wm.UpdatedAt.IsZero() {
		wm.UpdatedAt = time.Now().UTC()
	}

	query := s.rebind(`
		INSERT INTO watcher_watermarks (chain_id, contract_id, last_processed_block, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (chain_id, contract_id) DO UPDATE SET
			last_processed_block = CASE
				WHEN excluded.last_processed_block > watcher_watermarks.last_processed_block
				THEN excluded.last_processed_block
				ELSE watcher_watermarks.last_processed_block
			END,
			updated_at = excluded.updated_at`)
	if _, err := db.ExecContext(ctx, query, int64(wm.ChainID), wm.ContractID,
		int64(wm.LastProcessedBlock), wm.UpdatedAt); err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to set watermark", err)
	}
	return nil
}
