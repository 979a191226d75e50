package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/stylepay/backend/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    user_id    INTEGER PRIMARY KEY,
    balance    INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
    version    INTEGER NOT NULL DEFAULT 1,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS transaction_log (
    seq            INTEGER PRIMARY KEY AUTOINCREMENT,
    id             TEXT NOT NULL UNIQUE,
    user_id        INTEGER NOT NULL,
    operation_type TEXT NOT NULL,
    direction      TEXT NOT NULL,
    amount         INTEGER NOT NULL,
    balance_before INTEGER NOT NULL,
    balance_after  INTEGER NOT NULL,
    operation_id   TEXT NOT NULL UNIQUE,
    correlation_id TEXT NOT NULL DEFAULT '',
    metadata       TEXT,
    created_at     TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transaction_log_user_created
    ON transaction_log (user_id, created_at DESC, seq DESC);
`

// SQLiteStore implements Store on SQLite for single-node bot deployments.
// The optimistic write uses the same conditional-update shape as Postgres;
// lazy account creation goes through INSERT OR IGNORE.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindLogEntry(ctx context.Context, operationID string) (*models.TransactionLogEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, id, user_id, operation_type, direction, amount,
		       balance_before, balance_after, operation_id, correlation_id,
		       COALESCE(metadata, ''), created_at
		FROM transaction_log
		WHERE operation_id = ?
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

func (s *SQLiteStore) GetAccount(ctx context.Context, userID int64) (*models.Account, error) {
	account := &models.Account{}
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, balance, version, updated_at FROM accounts WHERE user_id = ?
	`, userID).Scan(&account.UserID, &account.Balance, &account.Version, &account.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

func (s *SQLiteStore) History(ctx context.Context, userID int64, limit int) ([]models.TransactionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, user_id, operation_type, direction, amount,
		       balance_before, balance_after, operation_id, correlation_id,
		       COALESCE(metadata, ''), created_at
		FROM transaction_log
		WHERE user_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ?
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

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transaction_log WHERE created_at >= datetime('now', 'start of day')
	`).Scan(&stats.TransactionsToday)
	if err != nil {
		return nil, err
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(CASE WHEN balance = 0 THEN 1 END), COUNT(*), COALESCE(AVG(balance), 0)
		FROM accounts
	`).Scan(&stats.ZeroBalanceAccounts, &stats.TotalAccounts, &stats.AverageBalance)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx}, nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) GetOrCreateAccount(ctx context.Context, userID int64, initialBalance int64) (*models.Account, error) {
	account, err := t.getAccount(ctx, userID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO accounts (user_id, balance, version, updated_at)
		VALUES (?, ?, 1, ?)
	`, userID, initialBalance, time.Now())
	if err != nil {
		return nil, err
	}
	return t.getAccount(ctx, userID)
}

func (t *sqliteTx) getAccount(ctx context.Context, userID int64) (*models.Account, error) {
	account := &models.Account{}
	err := t.tx.QueryRowContext(ctx, `
		SELECT user_id, balance, version, updated_at FROM accounts WHERE user_id = ?
	`, userID).Scan(&account.UserID, &account.Balance, &account.Version, &account.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return account, nil
}

func (t *sqliteTx) UpdateBalance(ctx context.Context, userID int64, newBalance int64, expectedVersion int) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = ?, version = version + 1, updated_at = ?
		WHERE user_id = ? AND version = ?
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

func (t *sqliteTx) InsertLogEntry(ctx context.Context, entry *models.TransactionLogEntry) error {
	metadata, err := marshalMetadata(entry.Metadata)
	if err != nil {
		return err
	}
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO transaction_log
		(id, user_id, operation_type, direction, amount, balance_before, balance_after,
		 operation_id, correlation_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.UserID, entry.OperationType, entry.Direction, entry.Amount,
		entry.BalanceBefore, entry.BalanceAfter, entry.OperationID, entry.CorrelationID,
		metadata, entry.CreatedAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrDuplicateOperation
		}
		return err
	}
	entry.Seq, err = result.LastInsertId()
	return err
}

func (t *sqliteTx) Commit() error   { return t.tx.Commit() }
func (t *sqliteTx) Rollback() error { return t.tx.Rollback() }
