package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/stylepay/backend/internal/models"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    user_id    BIGINT PRIMARY KEY,
    balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
    version    INTEGER NOT NULL DEFAULT 1,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS transaction_log (
    seq            BIGSERIAL PRIMARY KEY,
    id             TEXT NOT NULL UNIQUE,
    user_id        BIGINT NOT NULL,
    operation_type TEXT NOT NULL,
    direction      TEXT NOT NULL,
    amount         BIGINT NOT NULL,
    balance_before BIGINT NOT NULL,
    balance_after  BIGINT NOT NULL,
    operation_id   TEXT NOT NULL UNIQUE,
    correlation_id TEXT NOT NULL DEFAULT '',
    metadata       JSONB,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_transaction_log_user_created
    ON transaction_log (user_id, created_at DESC, seq DESC);
`

// PostgresStore implements Store on PostgreSQL using a conditional-update
// statement for the optimistic write.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindLogEntry(ctx context.Context, operationID string) (*models.TransactionLogEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, id, user_id, operation_type, direction, amount,
		       balance_before, balance_after, operation_id, correlation_id,
		       COALESCE(metadata::text, ''), created_at
		FROM transaction_log
		WHERE operation_id = $1
	`, operationID)

	entry, err := scanLogEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID int64) (*models.Account, error) {
	account := &models.Account{}
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, balance, version, updated_at FROM accounts WHERE user_id = $1
	`, userID).Scan(&account.UserID, &account.Balance, &account.Version, &account.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

func (s *PostgresStore) History(ctx context.Context, userID int64, limit int) ([]models.TransactionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, user_id, operation_type, direction, amount,
		       balance_before, balance_after, operation_id, correlation_id,
		       COALESCE(metadata::text, ''), created_at
		FROM transaction_log
		WHERE user_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.TransactionLogEntry{}
	for rows.Next() {
		entry, err := scanLogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transaction_log WHERE created_at >= date_trunc('day', NOW())
	`).Scan(&stats.TransactionsToday)
	if err != nil {
		return nil, err
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE balance = 0), COUNT(*), COALESCE(AVG(balance), 0)
		FROM accounts
	`).Scan(&stats.ZeroBalanceAccounts, &stats.TotalAccounts, &stats.AverageBalance)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetOrCreateAccount(ctx context.Context, userID int64, initialBalance int64) (*models.Account, error) {
	account, err := t.getAccount(ctx, userID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	// No rows affected means a concurrent transaction created the account
	// first; the re-read below picks it up either way.
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO accounts (user_id, balance, version, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, userID, initialBalance)
	if err != nil {
		return nil, err
	}
	return t.getAccount(ctx, userID)
}

func (t *pgTx) getAccount(ctx context.Context, userID int64) (*models.Account, error) {
	account := &models.Account{}
	err := t.tx.QueryRowContext(ctx, `
		SELECT user_id, balance, version, updated_at FROM accounts WHERE user_id = $1
	`, userID).Scan(&account.UserID, &account.Balance, &account.Version, &account.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return account, nil
}

func (t *pgTx) UpdateBalance(ctx context.Context, userID int64, newBalance int64, expectedVersion int) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE user_id = $3 AND version = $4
	`, newBalance, time.Now(), userID, expectedVersion)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (t *pgTx) InsertLogEntry(ctx context.Context, entry *models.TransactionLogEntry) error {
	metadata, err := marshalMetadata(entry.Metadata)
	if err != nil {
		return err
	}
	err = t.tx.QueryRowContext(ctx, `
		INSERT INTO transaction_log
		(id, user_id, operation_type, direction, amount, balance_before, balance_after,
		 operation_id, correlation_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING seq
	`, entry.ID, entry.UserID, entry.OperationType, entry.Direction, entry.Amount,
		entry.BalanceBefore, entry.BalanceAfter, entry.OperationID, entry.CorrelationID,
		metadata, entry.CreatedAt).Scan(&entry.Seq)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateOperation
		}
		return err
	}
	return nil
}

func (t *pgTx) Commit() error   { return t.tx.Commit() }
func (t *pgTx) Rollback() error { return t.tx.Rollback() }

// --- shared scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLogEntry(row rowScanner) (*models.TransactionLogEntry, error) {
	entry := &models.TransactionLogEntry{}
	var metadata string
	err := row.Scan(&entry.Seq, &entry.ID, &entry.UserID, &entry.OperationType,
		&entry.Direction, &entry.Amount, &entry.BalanceBefore, &entry.BalanceAfter,
		&entry.OperationID, &entry.CorrelationID, &metadata, &entry.CreatedAt)
	if err != nil {
		return nil, err
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &entry.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for entry %s: %w", entry.ID, err)
		}
	}
	return entry, nil
}

func marshalMetadata(meta models.Metadata) (any, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return string(data), nil
}
