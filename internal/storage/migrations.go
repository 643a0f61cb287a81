package storage

// Migration represents a database migration
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// GetSQLiteMigrations returns SQLite migration scripts
func GetSQLiteMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create pending registrations table",
			SQL: `
				CREATE TABLE IF NOT EXISTS pending_registrations (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					domain_name TEXT NOT NULL,
					requester_address TEXT NOT NULL,
					fee_amount TEXT NOT NULL,
					source_tx_hash TEXT NOT NULL,
					source_block_number INTEGER NOT NULL,
					received_at DATETIME NOT NULL,
					processed BOOLEAN NOT NULL DEFAULT FALSE,
					processed_at DATETIME,
					processing_error TEXT
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_registrations_tx ON pending_registrations(source_tx_hash);
				CREATE INDEX IF NOT EXISTS idx_pending_registrations_processed ON pending_registrations(processed, id);
			`,
		},
		{
			Version:     "002",
			Description: "Create pending ownership updates table",
			SQL: `
				CREATE TABLE IF NOT EXISTS pending_ownership_updates (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					domain_name TEXT NOT NULL,
					requester_address TEXT NOT NULL,
					fee_amount TEXT NOT NULL,
					source_tx_hash TEXT NOT NULL,
					source_block_number INTEGER NOT NULL,
					received_at DATETIME NOT NULL,
					processed BOOLEAN NOT NULL DEFAULT FALSE,
					processed_at DATETIME,
					processing_error TEXT
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_ownership_tx ON pending_ownership_updates(source_tx_hash);
				CREATE INDEX IF NOT EXISTS idx_pending_ownership_processed ON pending_ownership_updates(processed, id);
			`,
		},
		{
			Version:     "003",
			Description: "Create domains table",
			SQL: `
				CREATE TABLE IF NOT EXISTS domains (
					domain_name TEXT PRIMARY KEY,
					verified_owner_address TEXT NOT NULL,
					associated_token_address TEXT,
					nft_token_id TEXT,
					chain_id INTEGER NOT NULL,
					expiration_timestamp DATETIME NOT NULL,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_domains_owner ON domains(verified_owner_address);
			`,
		},
		{
			Version:     "004",
			Description: "Create watcher watermarks table",
			SQL: `
				CREATE TABLE IF NOT EXISTS watcher_watermarks (
					chain_id INTEGER NOT NULL,
					contract_id TEXT NOT NULL,
					last_processed_block INTEGER NOT NULL,
					updated_at DATETIME NOT NULL,
					PRIMARY KEY (chain_id, contract_id)
				);
			`,
		},
	}
}

// GetPostgresMigrations returns PostgreSQL migration scripts
func GetPostgresMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create pending registrations table",
			SQL: `
				CREATE TABLE IF NOT EXISTS pending_registrations (
					id BIGSERIAL PRIMARY KEY,
					domain_name TEXT NOT NULL,
					requester_address VARCHAR(42) NOT NULL,
					fee_amount NUMERIC(78, 0) NOT NULL,
					source_tx_hash VARCHAR(66) NOT NULL,
					source_block_number BIGINT NOT NULL,
					received_at TIMESTAMPTZ NOT NULL,
					processed BOOLEAN NOT NULL DEFAULT FALSE,
					processed_at TIMESTAMPTZ,
					processing_error TEXT
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_registrations_tx ON pending_registrations(source_tx_hash);
				CREATE INDEX IF NOT EXISTS idx_pending_registrations_unprocessed ON pending_registrations(id) WHERE processed = FALSE;
			`,
		},
		{
			Version:     "002",
			Description: "Create pending ownership updates table",
			SQL: `
				CREATE TABLE IF NOT EXISTS pending_ownership_updates (
					id BIGSERIAL PRIMARY KEY,
					domain_name TEXT NOT NULL,
					requester_address VARCHAR(42) NOT NULL,
					fee_amount NUMERIC(78, 0) NOT NULL,
					source_tx_hash VARCHAR(66) NOT NULL,
					source_block_number BIGINT NOT NULL,
					received_at TIMESTAMPTZ NOT NULL,
					processed BOOLEAN NOT NULL DEFAULT FALSE,
					processed_at TIMESTAMPTZ,
					processing_error TEXT
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_ownership_tx ON pending_ownership_updates(source_tx_hash);
				CREATE INDEX IF NOT EXISTS idx_pending_ownership_unprocessed ON pending_ownership_updates(id) WHERE processed = FALSE;
			`,
		},
		{
			Version:     "003",
			Description: "Create domains table",
			SQL: `
				CREATE TABLE IF NOT EXISTS domains (
					domain_name TEXT PRIMARY KEY,
					verified_owner_address VARCHAR(42) NOT NULL,
					associated_token_address VARCHAR(42),
					nft_token_id NUMERIC(78, 0),
					chain_id BIGINT NOT NULL,
					expiration_timestamp TIMESTAMPTZ NOT NULL,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_domains_owner ON domains(verified_owner_address);
			`,
		},
		{
			Version:     "004",
			Description: "Create watcher watermarks table",
			SQL: `
				CREATE TABLE IF NOT EXISTS watcher_watermarks (
					chain_id BIGINT NOT NULL,
					contract_id VARCHAR(64) NOT NULL,
					last_processed_block BIGINT NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL,
					PRIMARY KEY (chain_id, contract_id)
				);
			`,
		},
	}
}
