package store

import (
	"context"
	"errors"

	"github.com/stylepay/backend/internal/models"
)

var (
	// ErrAccountNotFound is returned by read paths when no account row
	// exists for the user. Mutations never see it: the ledger engine
	// creates accounts lazily.
	ErrAccountNotFound = errors.New("account not found")

	// ErrVersionConflict means a concurrent mutation won the race: the
	// stored version no longer matches the version read at the start of
	// the operation. Always retryable.
	ErrVersionConflict = errors.New("optimistic lock failed: account version conflict")

	// ErrDuplicateOperation means an audit row with the same operation_id
	// already exists. The mutation committed elsewhere; callers must treat
	// this as an idempotent replay, never as a second mutation.
	ErrDuplicateOperation = errors.New("duplicate operation id")
)

// Stats is the read-only aggregate snapshot used by operational diagnostics.
type Stats struct {
	TransactionsToday   int64   `json:"transactions_today"`
	ZeroBalanceAccounts int64   `json:"zero_balance_accounts"`
	TotalAccounts       int64   `json:"total_accounts"`
	AverageBalance      float64 `json:"average_balance"`
}

// Store is the durable ledger storage. There is one implementation per SQL
// dialect; the dialect is selected once at startup and never branched on
// per call.
type Store interface {
	// FindLogEntry looks up a committed mutation by operation id without
	// taking any lock. Returns (nil, nil) when absent.
	FindLogEntry(ctx context.Context, operationID string) (*models.TransactionLogEntry, error)

	// GetAccount reads the current account row, or ErrAccountNotFound.
	GetAccount(ctx context.Context, userID int64) (*models.Account, error)

	// History returns the most recent log entries for a user, newest first.
	History(ctx context.Context, userID int64, limit int) ([]models.TransactionLogEntry, error)

	// Stats runs the diagnostic aggregates. Plain reads, no locks.
	Stats(ctx context.Context) (*Stats, error)

	// Begin opens a durable transaction for one mutation attempt.
	Begin(ctx context.Context) (Tx, error)

	// EnsureSchema creates tables and indexes if they do not exist.
	EnsureSchema(ctx context.Context) error
}

// Tx is a single durable mutation attempt. The balance and the version move
// together through UpdateBalance, or not at all.
type Tx interface {
	// GetOrCreateAccount reads the account row inside the transaction,
	// creating it with the initial balance and version 1 when absent.
	GetOrCreateAccount(ctx context.Context, userID int64, initialBalance int64) (*models.Account, error)

	// UpdateBalance performs the conditional write: balance and version
	// change only if the stored version still equals expectedVersion.
	// Zero rows affected maps to ErrVersionConflict.
	UpdateBalance(ctx context.Context, userID int64, newBalance int64, expectedVersion int) error

	// InsertLogEntry appends the audit row. A unique violation on
	// operation_id maps to ErrDuplicateOperation.
	InsertLogEntry(ctx context.Context, entry *models.TransactionLogEntry) error

	Commit() error
	Rollback() error
}
