package database

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return Wrap(db), mock
}

func TestWithTx_Commit(t *testing.T) {
	pg, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE a").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE b").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := pg.WithTx(context.Background(), func(ctx context.Context) error {
		if _, err := pg.Conn(ctx).ExecContext(ctx, "UPDATE a"); err != nil {
			return err
		}
		// Nested calls join the outer transaction.
		return pg.WithTx(ctx, func(ctx context.Context) error {
			_, err := pg.Conn(ctx).ExecContext(ctx, "UPDATE b")
			return err
		})
	})
	require.NoError(t, err)
}

func TestWithTx_RollbackOnError(t *testing.T) {
	pg, mock := newMockPostgres(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE a").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := pg.WithTx(context.Background(), func(ctx context.Context) error {
		if _, err := pg.Conn(ctx).ExecContext(ctx, "UPDATE a"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestWithTx_RollbackOnPanic(t *testing.T) {
	pg, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.Panics(t, func() {
		_ = pg.WithTx(context.Background(), func(ctx context.Context) error {
			panic("unexpected")
		})
	})
}

func TestConn_OutsideTransaction(t *testing.T) {
	pg, mock := newMockPostgres(t)

	mock.ExpectExec("UPDATE a").WillReturnResult(sqlmock.NewResult(0, 1))
	_, err := pg.Conn(context.Background()).ExecContext(context.Background(), "UPDATE a")
	require.NoError(t, err)
}

func TestUniqueViolation(t *testing.T) {
	constraint, ok := UniqueViolation(&pq.Error{Code: "23505", Constraint: "device_sessions_token_id_key"})
	assert.True(t, ok)
	assert.Equal(t, "device_sessions_token_id_key", constraint)

	_, ok = UniqueViolation(&pq.Error{Code: "23503"})
	assert.False(t, ok)

	_, ok = UniqueViolation(errors.New("23505"))
	assert.False(t, ok)
}
