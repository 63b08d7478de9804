package database

import (
	"context"
	"net/http"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridianlabs/insight-api/internal/apperror"
)

func newMockMariaDB(t *testing.T) (*MariaDB, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewMariaDBFromDB(db, zap.NewNop()), mock
}

func TestExecuteQueryReturnsColumnMaps(t *testing.T) {
	store, mock := newMockMariaDB(t)

	mock.ExpectQuery("SELECT page_path, sessions").
		WithArgs("2026-01-01").
		WillReturnRows(sqlmock.NewRows([]string{"page_path", "sessions"}).
			AddRow("/pricing", int64(120)).
			AddRow("/home", int64(340)))

	rows, err := store.ExecuteQuery(context.Background(),
		"SELECT page_path, sessions FROM page_sessions WHERE session_date >= ?",
		[]interface{}{"2026-01-01"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "/pricing", rows[0]["page_path"])
	assert.Equal(t, int64(120), rows[0]["sessions"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteQueryConvertsBytesToString(t *testing.T) {
	store, mock := newMockMariaDB(t)

	// The mysql driver hands back text columns as []byte.
	mock.ExpectQuery("SELECT country").
		WillReturnRows(sqlmock.NewRows([]string{"country"}).AddRow([]byte("DK")))

	rows, err := store.ExecuteQuery(context.Background(), "SELECT country FROM page_sessions", nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "DK", rows[0]["country"])
}

func TestExecuteQueryEmptyResult(t *testing.T) {
	store, mock := newMockMariaDB(t)

	mock.ExpectQuery("SELECT page_path").
		WillReturnRows(sqlmock.NewRows([]string{"page_path"}))

	rows, err := store.ExecuteQuery(context.Background(), "SELECT page_path FROM page_sessions", nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestExecuteQueryClassifiesMySQLError(t *testing.T) {
	store, mock := newMockMariaDB(t)

	mock.ExpectQuery("SELECT page_path").
		WillReturnError(&mysql.MySQLError{Number: 1146, Message: "Table 'insight_analytics.page_sessionz' doesn't exist"})

	_, err := store.ExecuteQuery(context.Background(), "SELECT page_path FROM page_sessionz", nil)

	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperror.KindDatabase, appErr.Kind)
	assert.Equal(t, "1146", appErr.Code)
	// Raw driver text never reaches the client-safe message.
	assert.NotContains(t, appErr.Message, "page_sessionz")
}

func TestExecuteQueryClassifiesDeadlineExceeded(t *testing.T) {
	store, mock := newMockMariaDB(t)

	mock.ExpectQuery("SELECT page_path").WillReturnError(context.DeadlineExceeded)

	_, err := store.ExecuteQuery(context.Background(), "SELECT page_path FROM page_sessions", nil)

	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperror.KindTimeout, appErr.Kind)
	assert.Equal(t, http.StatusGatewayTimeout, appErr.HTTPStatus)
}
