// File: internal/storage/sqlite.go
package storage

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	"github.com/smartdevs17/domain-event-pipeline/pkg/utils"
	_ "modernc.org/sqlite"
)

// SQLiteStorage implements Storage interface using SQLite
type SQLiteStorage struct {
	*sqlStore
	config *StorageConfig
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(config *StorageConfig) *SQLiteStorage {
	return &SQLiteStorage{
		sqlStore: newSQLStore(dialect{name: "sqlite"}, GetSQLiteMigrations()),
		config:   config,
	}
}

// Connect establishes database connection
func (s *SQLiteStorage) Connect() error {
	path := s.config.ConnectionString
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimPrefix(path, "file:")

	// Ensure directory exists
	dir := filepath.Dir(path)
	if dir != "." && dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return utils.WrapError(utils.ErrCodeDatabase, "Failed to create database directory", err)
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(s.config.ConnectionString))
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to open SQLite database", err)
	}

	// Configure connection pool
	maxConns := s.config.MaxConnections
	if maxConns <= 0 {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns/2 + 1)
	db.SetConnMaxLifetime(s.config.MaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to ping SQLite database", err)
	}

	s.setDB(db)
	s.logger.WithField("path", path).Info("SQLite database connected")
	return nil
}

// sqliteDSN applies the pragmas every pooled connection needs: WAL for
// concurrent readers and a busy timeout so writers queue instead of failing.
func sqliteDSN(conn string) string {
	sep := "?"
	if strings.Contains(conn, "?") {
		sep = "&"
	}
	if !strings.Contains(conn, "journal_mode") {
		conn += sep + "_pragma=journal_mode(WAL)"
		sep = "&"
	}
	if !strings.Contains(conn, "busy_timeout") {
		conn += sep + "_pragma=busy_timeout(5000)"
	}
	return conn
}
