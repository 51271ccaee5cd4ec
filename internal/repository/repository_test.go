package repository

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/carevisit/carevisit/internal/database"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*database.Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return database.Wrap(db), mock
}
