package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	*sqlStore
}

// NewPostgresStore creates a new Postgres store
func NewPostgresStore(url string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return newPostgresStore(db, logger), nil
}

func newPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{&sqlStore{db: db, d: postgresDialect, logger: logger}}
}

// Migrate runs database migrations
func (s *PostgresStore) Migrate(ctx context.Context) error {
	schema := `
	-- Users and their USD credits in micro-dollars
	CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		wallet TEXT NOT NULL UNIQUE,
		credits_micros BIGINT NOT NULL DEFAULT 0 CHECK (credits_micros >= 0),
		total_queries BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	-- Payments, one row per transaction hash
	CREATE TABLE IF NOT EXISTS payments (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		tx_hash TEXT NOT NULL UNIQUE,
		wallet TEXT NOT NULL DEFAULT '',
		amount_wei TEXT NOT NULL DEFAULT '0',
		credits_micros BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		verify_status TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL DEFAULT '',
		network TEXT NOT NULL DEFAULT '',
		contract_address TEXT NOT NULL DEFAULT '',
		block_number BIGINT NOT NULL DEFAULT 0,
		gas_used BIGINT NOT NULL DEFAULT 0,
		credited BOOLEAN NOT NULL DEFAULT FALSE,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	-- Credit ledger. reference_id is the tx hash for payments and the
	-- query ID for charges and refunds.
	CREATE TABLE IF NOT EXISTS credit_transactions (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		wallet TEXT NOT NULL,
		type TEXT NOT NULL,
		amount_micros BIGINT NOT NULL,
		balance_micros BIGINT NOT NULL,
		reference_id TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE(type, reference_id)
	);

	-- Questions
	CREATE TABLE IF NOT EXISTS queries (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		wallet TEXT NOT NULL,
		question TEXT NOT NULL,
		answer TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		cost_micros BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	-- API keys
	CREATE TABLE IF NOT EXISTS api_keys (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		key_hash TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW(),
		last_used_at TIMESTAMPTZ,
		revoked_at TIMESTAMPTZ
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
