package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stylepay/backend/internal/models"
)

func TestSQLiteTx_Mutation(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	st := NewSQLiteStore(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT user_id, balance, version, updated_at FROM accounts").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "balance", "version", "updated_at"}).
			AddRow(7, 50, 1, time.Now()))
	mock.ExpectExec(`UPDATE accounts`).
		WithArgs(int64(20), sqlmock.AnyArg(), int64(7), 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO transaction_log").
		WillReturnResult(sqlmock.NewResult(42, 1))
	mock.ExpectCommit()

	tx, err := st.Begin(ctx)
	require.NoError(t, err)

	account, err := tx.GetOrCreateAccount(ctx, 7, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(50), account.Balance)

	require.NoError(t, tx.UpdateBalance(ctx, 7, 20, account.Version))

	entry := &models.TransactionLogEntry{
		ID:            "01ABC",
		UserID:        7,
		OperationType: models.OpConsultationDebit,
		Direction:     models.DirectionDebit,
		Amount:        -30,
		BalanceBefore: 50,
		BalanceAfter:  20,
		OperationID:   "op-1",
		CreatedAt:     time.Now(),
	}
	require.NoError(t, tx.InsertLogEntry(ctx, entry))
	assert.Equal(t, int64(42), entry.Seq)

	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteTx_UpdateBalance_VersionConflict(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	st := NewSQLiteStore(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE accounts").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	tx, err := st.Begin(ctx)
	require.NoError(t, err)

	err = tx.UpdateBalance(ctx, 7, 20, 1)
	assert.ErrorIs(t, err, ErrVersionConflict)
	require.NoError(t, tx.Rollback())
}

func TestSQLiteTx_InsertLogEntry_Duplicate(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	st := NewSQLiteStore(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO transaction_log").
		WillReturnError(sqlite3.Error{
			Code:         sqlite3.ErrConstraint,
			ExtendedCode: sqlite3.ErrConstraintUnique,
		})
	mock.ExpectRollback()

	tx, err := st.Begin(ctx)
	require.NoError(t, err)

	err = tx.InsertLogEntry(ctx, &models.TransactionLogEntry{
		ID:          "01DEF",
		UserID:      7,
		OperationID: "op-dup",
	})
	assert.ErrorIs(t, err, ErrDuplicateOperation)
	require.NoError(t, tx.Rollback())
}
