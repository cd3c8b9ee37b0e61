package dbexec

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"relgraph/internal/logging"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardExecutorQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

	rows, err := NewStandardExecutor(db).QueryContext(context.Background(), "SELECT 1")
	require.NoError(t, err)
	defer rows.Close()

	require.True(t, rows.Next())
	var one int
	require.NoError(t, rows.Scan(&one))
	assert.Equal(t, 1, one)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStandardExecutorWithoutDB(t *testing.T) {
	_, err := NewStandardExecutor(nil).QueryContext(context.Background(), "SELECT 1")
	assert.Error(t, err)
}

func bufferLogger(buf *bytes.Buffer) *logging.Logger {
	return &logging.Logger{Logger: slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))}
}

func TestLoggedExecutorLogsQueries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT name FROM feeds").WillReturnRows(sqlmock.NewRows([]string{"name"}))

	var buf bytes.Buffer
	ctx := logging.WithLogger(context.Background(), bufferLogger(&buf))

	rows, err := NewLoggedExecutor(NewStandardExecutor(db), time.Hour).QueryContext(ctx, "SELECT name FROM feeds")
	require.NoError(t, err)
	require.NoError(t, rows.Close())

	assert.Contains(t, buf.String(), "level=DEBUG")
	assert.Contains(t, buf.String(), "SELECT name FROM feeds")
	assert.NotContains(t, buf.String(), "slow query")
}

func TestLoggedExecutorWarnsOnSlowQueries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT SLEEP").WillDelayFor(5 * time.Millisecond).WillReturnRows(sqlmock.NewRows([]string{"x"}))

	var buf bytes.Buffer
	ctx := logging.WithLogger(context.Background(), bufferLogger(&buf))

	rows, err := NewLoggedExecutor(NewStandardExecutor(db), time.Millisecond).QueryContext(ctx, "SELECT SLEEP(1)")
	require.NoError(t, err)
	require.NoError(t, rows.Close())

	assert.Contains(t, buf.String(), "slow query")
}

func TestLoggedExecutorPassesErrorsThrough(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("boom")
	mock.ExpectQuery("SELECT").WillReturnError(boom)

	var buf bytes.Buffer
	ctx := logging.WithLogger(context.Background(), bufferLogger(&buf))

	_, err = NewLoggedExecutor(NewStandardExecutor(db), 0).QueryContext(ctx, "SELECT 1")
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, buf.String(), "query failed")
}
