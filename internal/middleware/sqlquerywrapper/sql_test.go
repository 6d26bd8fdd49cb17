package sqlquerywrapper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestWithTx(t *testing.T) {
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		mockDB, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer func() { _ = mockDB.Close() }()

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE jobs").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		db := New(mockDB)
		err = db.WithTx(ctx, func(tx *Tx) error {
			_, err := tx.ExecContext(ctx, "UPDATE jobs SET status = $1", "pending")
			return err
		})
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on error", func(t *testing.T) {
		mockDB, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer func() { _ = mockDB.Close() }()

		mock.ExpectBegin()
		mock.ExpectRollback()

		db := New(mockDB)
		boom := errors.New("boom")
		err = db.WithTx(ctx, func(*Tx) error { return boom })
		require.ErrorIs(t, err, boom)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on exec error", func(t *testing.T) {
		mockDB, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer func() { _ = mockDB.Close() }()

		execErr := errors.New("connection reset")
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE jobs").WillReturnError(execErr)
		mock.ExpectRollback()

		db := New(mockDB)
		err = db.WithTx(ctx, func(tx *Tx) error {
			_, err := tx.ExecContext(ctx, "UPDATE jobs SET status = $1", "pending")
			return err
		})
		require.ErrorIs(t, err, execErr)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestQueryTimeout(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = mockDB.Close() }()

	mock.ExpectExec("SELECT 1").WillReturnResult(sqlmock.NewResult(0, 0))

	db := New(mockDB, WithQueryTimeout(time.Minute))

	ctx, cancel := db.withTimeout(context.Background())
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	require.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)

	// a caller-provided deadline is kept as is
	callerCtx, callerCancel := context.WithTimeout(context.Background(), time.Second)
	defer callerCancel()
	ctx, cancel = db.withTimeout(callerCtx)
	defer cancel()
	deadline, ok = ctx.Deadline()
	require.True(t, ok)
	require.WithinDuration(t, time.Now().Add(time.Second), deadline, 500*time.Millisecond)

	_, err = db.ExecContext(context.Background(), "SELECT 1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
