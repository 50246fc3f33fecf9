package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// sqlStore implements Store over database/sql. SQLiteStore and
// PostgresStore only differ in connection setup, schema and dialect.
type sqlStore struct {
	db     *sql.DB
	d      dialect
	logger *slog.Logger
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) userColumns() string {
	return "id, wallet, credits_micros, total_queries, " + s.d.ts("created_at") + ", " + s.d.ts("updated_at")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Wallet, &u.CreditsMicros, &u.TotalQueries, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlStore) ensureUser(ctx context.Context, q queryer, wallet string) error {
	_, err := q.ExecContext(ctx, s.d.q(`
		INSERT INTO users (id, wallet, credits_micros, total_queries, created_at, updated_at)
		VALUES (?, ?, 0, 0, {now}, {now})
		ON CONFLICT (wallet) DO NOTHING
	`), generateID(), wallet)
	return err
}

func (s *sqlStore) getUser(ctx context.Context, q queryer, wallet string, lock bool) (*User, error) {
	query := "SELECT " + s.userColumns() + " FROM users WHERE wallet = ?"
	if lock {
		query += s.d.forUpdate
	}
	return scanUser(q.QueryRowContext(ctx, s.d.q(query), wallet))
}

// GetOrCreateUser returns the user for wallet, creating it with zero credits
func (s *sqlStore) GetOrCreateUser(ctx context.Context, wallet string) (*User, error) {
	wallet = normalizeWallet(wallet)
	if err := s.ensureUser(ctx, s.db, wallet); err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return s.getUser(ctx, s.db, wallet, false)
}

// GetUser returns the user for wallet
func (s *sqlStore) GetUser(ctx context.Context, wallet string) (*User, error) {
	return s.getUser(ctx, s.db, normalizeWallet(wallet), false)
}

// inTx runs fn in a transaction, rolling back on error
func (s *sqlStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// insertLedger writes a ledger entry. It reports false when an entry with
// the same type and reference already exists.
func (s *sqlStore) insertLedger(ctx context.Context, tx *sql.Tx, e CreditTransaction) (bool, error) {
	res, err := tx.ExecContext(ctx, s.d.q(`
		INSERT INTO credit_transactions (id, wallet, type, amount_micros, balance_micros, reference_id, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, {now})
		ON CONFLICT (type, reference_id) DO NOTHING
	`), generateID(), e.Wallet, e.Type, e.AmountMicros, e.BalanceMicros, e.ReferenceID, e.Description)
	if err != nil {
		return false, fmt.Errorf("writing ledger entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// adjust applies entry.AmountMicros to the balance and records it in the
// ledger, all in one transaction. plan sees the locked user row and may
// reject the change or fill in the amount.
func (s *sqlStore) adjust(ctx context.Context, wallet string, entry CreditTransaction, queriesDelta int64, plan func(u *User, e *CreditTransaction) error, after func(tx *sql.Tx) error) (*User, error) {
	wallet = normalizeWallet(wallet)
	var out *User
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureUser(ctx, tx, wallet); err != nil {
			return fmt.Errorf("creating user: %w", err)
		}
		u, err := s.getUser(ctx, tx, wallet, true)
		if err != nil {
			return err
		}
		if plan != nil {
			if err := plan(u, &entry); err != nil {
				return err
			}
		}

		entry.Wallet = wallet
		entry.BalanceMicros = u.CreditsMicros + entry.AmountMicros
		inserted, err := s.insertLedger(ctx, tx, entry)
		if err != nil {
			return err
		}
		if !inserted {
			return ErrAlreadyCredited
		}

		if _, err := tx.ExecContext(ctx, s.d.q(`
			UPDATE users SET credits_micros = credits_micros + ?, total_queries = total_queries + ?, updated_at = {now}
			WHERE wallet = ?
		`), entry.AmountMicros, queriesDelta, wallet); err != nil {
			return fmt.Errorf("updating balance: %w", err)
		}
		if after != nil {
			if err := after(tx); err != nil {
				return err
			}
		}

		out, err = s.getUser(ctx, tx, wallet, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetCredits overwrites the balance, recording the difference in the ledger
func (s *sqlStore) SetCredits(ctx context.Context, wallet string, micros int64, reason string) (*User, error) {
	if micros < 0 {
		return nil, fmt.Errorf("negative balance %d", micros)
	}
	entry := CreditTransaction{Type: LedgerAdmin, ReferenceID: generateID(), Description: reason}
	return s.adjust(ctx, wallet, entry, 0, func(u *User, e *CreditTransaction) error {
		e.AmountMicros = micros - u.CreditsMicros
		return nil
	}, nil)
}

// DebitCredits charges a query. It fails with ErrInsufficientCredits
// without changing anything when the balance is too low.
func (s *sqlStore) DebitCredits(ctx context.Context, wallet string, micros int64, queryID string) (*User, error) {
	entry := CreditTransaction{Type: LedgerQuery, AmountMicros: -micros, ReferenceID: queryID, Description: "query"}
	return s.adjust(ctx, wallet, entry, 1, func(u *User, _ *CreditTransaction) error {
		if u.CreditsMicros < micros {
			return ErrInsufficientCredits
		}
		return nil
	}, nil)
}

// RefundCredits reverses a query charge. Refunding the same query twice
// returns ErrAlreadyCredited.
func (s *sqlStore) RefundCredits(ctx context.Context, wallet string, micros int64, queryID string) (*User, error) {
	entry := CreditTransaction{Type: LedgerRefund, AmountMicros: micros, ReferenceID: queryID, Description: "refund for failed query"}
	return s.adjust(ctx, wallet, entry, -1, nil, nil)
}

// CreditPayment adds the credits for a confirmed payment. The ledger's
// unique (type, reference) key makes this idempotent per transaction hash:
// a repeat returns ErrAlreadyCredited and leaves the balance alone.
func (s *sqlStore) CreditPayment(ctx context.Context, c CreditRequest) (*User, error) {
	if c.AmountMicros <= 0 {
		return nil, fmt.Errorf("non-positive credit amount %d", c.AmountMicros)
	}
	entry := CreditTransaction{
		Type:         LedgerPayment,
		AmountMicros: c.AmountMicros,
		ReferenceID:  c.TxHash,
		Description:  c.Description,
	}
	return s.adjust(ctx, c.Wallet, entry, 0, nil, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.d.q(`
			UPDATE payments SET credited = ?, credits_micros = ?, updated_at = {now} WHERE tx_hash = ?
		`), true, c.AmountMicros, c.TxHash)
		if err != nil {
			return fmt.Errorf("marking payment credited: %w", err)
		}
		return nil
	})
}

func (s *sqlStore) paymentColumns() string {
	return `id, tx_hash, wallet, amount_wei, credits_micros, status, verify_status, mode, network,
		contract_address, block_number, gas_used, credited, error, ` + s.d.ts("created_at") + ", " + s.d.ts("updated_at")
}

func scanPayment(row rowScanner) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.TxHash, &p.Wallet, &p.AmountWei, &p.CreditsMicros, &p.Status, &p.VerifyStatus,
		&p.Mode, &p.Network, &p.ContractAddress, &p.BlockNumber, &p.GasUsed, &p.Credited, &p.Error,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SavePayment inserts or updates the payment for p.TxHash. A confirmed
// row keeps its verdict, payer and mode; later verifications may only fill
// in block and gas. The credited flag is only set by CreditPayment.
func (s *sqlStore) SavePayment(ctx context.Context, p *Payment) error {
	if p.ID == "" {
		p.ID = generateID()
	}
	p.Wallet = normalizeWallet(p.Wallet)
	_, err := s.db.ExecContext(ctx, s.d.q(`
		INSERT INTO payments (id, tx_hash, wallet, amount_wei, credits_micros, status, verify_status, mode, network,
			contract_address, block_number, gas_used, credited, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?, {now}, {now})
		ON CONFLICT (tx_hash) DO UPDATE SET
			wallet = CASE WHEN excluded.wallet = '' OR (payments.status = 'confirmed' AND payments.wallet <> '') THEN payments.wallet ELSE excluded.wallet END,
			amount_wei = CASE WHEN payments.status = 'confirmed' THEN payments.amount_wei ELSE excluded.amount_wei END,
			status = CASE WHEN payments.status = 'confirmed' THEN payments.status ELSE excluded.status END,
			verify_status = CASE WHEN payments.status = 'confirmed' THEN payments.verify_status ELSE excluded.verify_status END,
			mode = CASE WHEN payments.status = 'confirmed' THEN payments.mode ELSE excluded.mode END,
			network = CASE WHEN payments.status = 'confirmed' THEN payments.network ELSE excluded.network END,
			contract_address = CASE WHEN payments.status = 'confirmed' THEN payments.contract_address ELSE excluded.contract_address END,
			block_number = CASE WHEN excluded.block_number > 0 THEN excluded.block_number ELSE payments.block_number END,
			gas_used = CASE WHEN excluded.gas_used > 0 THEN excluded.gas_used ELSE payments.gas_used END,
			error = CASE WHEN payments.status = 'confirmed' THEN payments.error ELSE excluded.error END,
			updated_at = excluded.updated_at
	`), p.ID, p.TxHash, p.Wallet, p.AmountWei, p.Status, p.VerifyStatus, p.Mode, p.Network,
		p.ContractAddress, p.BlockNumber, p.GasUsed, false, p.Error)
	if err != nil {
		return fmt.Errorf("saving payment: %w", err)
	}
	return nil
}

// GetPayment retrieves a payment by transaction hash
func (s *sqlStore) GetPayment(ctx context.Context, txHash string) (*Payment, error) {
	row := s.db.QueryRowContext(ctx, s.d.q("SELECT "+s.paymentColumns()+" FROM payments WHERE tx_hash = ?"), txHash)
	return scanPayment(row)
}

// ListPayments lists a wallet's payments, newest first
func (s *sqlStore) ListPayments(ctx context.Context, wallet string, pagination PaginationParams) (*PaginatedResult[Payment], error) {
	limit, offset := page(pagination)
	rows, err := s.db.QueryContext(ctx, s.d.q(`
		SELECT `+s.paymentColumns()+` FROM payments WHERE wallet = ?
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?
	`), normalizeWallet(wallet), limit+1, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return paginate(out, limit, offset), rows.Err()
}

// RecordQuery stores an asked question
func (s *sqlStore) RecordQuery(ctx context.Context, q *Query) error {
	if q.ID == "" {
		q.ID = generateID()
	}
	q.Wallet = normalizeWallet(q.Wallet)
	_, err := s.db.ExecContext(ctx, s.d.q(`
		INSERT INTO queries (id, wallet, question, answer, model, status, cost_micros, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, {now})
	`), q.ID, q.Wallet, q.Question, q.Answer, q.Model, q.Status, q.CostMicros)
	if err != nil {
		return fmt.Errorf("recording query: %w", err)
	}
	return nil
}

// ListQueries lists a wallet's questions, newest first
func (s *sqlStore) ListQueries(ctx context.Context, wallet string, pagination PaginationParams) (*PaginatedResult[Query], error) {
	limit, offset := page(pagination)
	rows, err := s.db.QueryContext(ctx, s.d.q(`
		SELECT id, wallet, question, answer, model, status, cost_micros, `+s.d.ts("created_at")+`
		FROM queries WHERE wallet = ?
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?
	`), normalizeWallet(wallet), limit+1, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Query
	for rows.Next() {
		var q Query
		if err := rows.Scan(&q.ID, &q.Wallet, &q.Question, &q.Answer, &q.Model, &q.Status, &q.CostMicros, &q.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return paginate(out, limit, offset), rows.Err()
}

// ListTransactions lists a wallet's ledger entries, newest first
func (s *sqlStore) ListTransactions(ctx context.Context, wallet string, pagination PaginationParams) (*PaginatedResult[CreditTransaction], error) {
	limit, offset := page(pagination)
	rows, err := s.db.QueryContext(ctx, s.d.q(`
		SELECT id, wallet, type, amount_micros, balance_micros, reference_id, description, `+s.d.ts("created_at")+`
		FROM credit_transactions WHERE wallet = ?
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?
	`), normalizeWallet(wallet), limit+1, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CreditTransaction
	for rows.Next() {
		var t CreditTransaction
		if err := rows.Scan(&t.ID, &t.Wallet, &t.Type, &t.AmountMicros, &t.BalanceMicros, &t.ReferenceID, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return paginate(out, limit, offset), rows.Err()
}

// CreateAPIKey creates a new API key
func (s *sqlStore) CreateAPIKey(ctx context.Context, name string) (string, error) {
	key := generateAPIKey()
	_, err := s.db.ExecContext(ctx, s.d.q("INSERT INTO api_keys (id, key_hash, name, created_at) VALUES (?, ?, ?, {now})"),
		generateID(), hashAPIKey(key), name)
	if err != nil {
		return "", err
	}
	return key, nil
}

// ValidateAPIKey validates an API key
func (s *sqlStore) ValidateAPIKey(ctx context.Context, key string) (*APIKey, error) {
	var ak APIKey
	err := s.db.QueryRowContext(ctx,
		s.d.q("SELECT id, key_hash, name, "+s.d.ts("created_at")+" FROM api_keys WHERE key_hash = ? AND revoked_at IS NULL"),
		hashAPIKey(key),
	).Scan(&ak.ID, &ak.KeyHash, &ak.Name, &ak.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	// Update last used
	_, _ = s.db.ExecContext(ctx, s.d.q("UPDATE api_keys SET last_used_at = {now} WHERE id = ?"), ak.ID)
	return &ak, nil
}

// ListAPIKeys lists all API keys
func (s *sqlStore) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, "+s.d.ts("created_at")+", "+s.d.ts("last_used_at")+" FROM api_keys WHERE revoked_at IS NULL ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		var lastUsed sql.NullString
		if err := rows.Scan(&k.ID, &k.Name, &k.CreatedAt, &lastUsed); err != nil {
			return nil, err
		}
		if lastUsed.Valid {
			k.LastUsedAt = lastUsed.String
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeAPIKey revokes an API key
func (s *sqlStore) RevokeAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.d.q("UPDATE api_keys SET revoked_at = {now} WHERE id = ? AND revoked_at IS NULL"), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
