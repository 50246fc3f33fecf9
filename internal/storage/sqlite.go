package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer at a time; balance updates run in transactions.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteStore{&sqlStore{db: db, d: sqliteDialect, logger: logger}}, nil
}

// Migrate runs database migrations
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	schema := `
	-- Users and their USD credits in micro-dollars
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		wallet TEXT NOT NULL UNIQUE,
		credits_micros INTEGER NOT NULL DEFAULT 0 CHECK (credits_micros >= 0),
		total_queries INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Payments, one row per transaction hash
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		tx_hash TEXT NOT NULL UNIQUE,
		wallet TEXT NOT NULL DEFAULT '',
		amount_wei TEXT NOT NULL DEFAULT '0',
		credits_micros INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		verify_status TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL DEFAULT '',
		network TEXT NOT NULL DEFAULT '',
		contract_address TEXT NOT NULL DEFAULT '',
		block_number INTEGER NOT NULL DEFAULT 0,
		gas_used INTEGER NOT NULL DEFAULT 0,
		credited INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Credit ledger. reference_id is the tx hash for payments and the
	-- query ID for charges and refunds.
	CREATE TABLE IF NOT EXISTS credit_transactions (
		id TEXT PRIMARY KEY,
		wallet TEXT NOT NULL,
		type TEXT NOT NULL,
		amount_micros INTEGER NOT NULL,
		balance_micros INTEGER NOT NULL,
		reference_id TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		UNIQUE(type, reference_id)
	);

	-- Questions
	CREATE TABLE IF NOT EXISTS queries (
		id TEXT PRIMARY KEY,
		wallet TEXT NOT NULL,
		question TEXT NOT NULL,
		answer TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		cost_micros INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- API keys
	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		key_hash TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL,
		last_used_at TEXT,
		revoked_at TEXT
	);

	-- Indexes
	CREATE INDEX IF NOT EXISTS idx_payments_wallet ON payments(wallet, created_at);
	CREATE INDEX IF NOT EXISTS idx_ledger_wallet ON credit_transactions(wallet, created_at);
	CREATE INDEX IF NOT EXISTS idx_queries_wallet ON queries(wallet, created_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.logger.Info("database migrations complete")
	return nil
}
