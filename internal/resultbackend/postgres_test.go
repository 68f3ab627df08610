package resultbackend

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskqueue/taskqueue/internal/taskmsg"
)

func newTestPostgresBackend(t *testing.T, cfg PostgresConfig) (*PostgresBackend, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	backend := NewPostgresBackend(db, cfg, zerolog.Nop())
	return backend, mock
}

func TestPostgresEnsureTableCreatesSchemaOnFirstUse(t *testing.T) {
	b, mock := newTestPostgresBackend(t, PostgresConfig{AutoCreateTables: true})
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS task_results").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_task_results_expires_at").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, b.ensureTable(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreResultUpsertsAndNotifies(t *testing.T) {
	b, mock := newTestPostgresBackend(t, PostgresConfig{UseNotify: true, NotifyChannelPrefix: "tq_"})
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO task_results").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("SELECT pg_notify").WithArgs("tq_t1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	result := taskmsg.NewPendingResult("t1")
	result.State = taskmsg.StateSuccess
	require.NoError(t, b.StoreResult(context.Background(), result))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreResultRollsBackOnNotifyFailure(t *testing.T) {
	b, mock := newTestPostgresBackend(t, PostgresConfig{UseNotify: true})
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO task_results").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("SELECT pg_notify").WillReturnError(assertErr)
	mock.ExpectRollback()

	result := taskmsg.NewPendingResult("t1")
	err := b.StoreResult(context.Background(), result)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetResultReturnsRow(t *testing.T) {
	b, mock := newTestPostgresBackend(t, PostgresConfig{})
	rows := sqlmock.NewRows([]string{
		"task_id", "state", "result_bytes", "content_type", "exception", "completed_at",
		"duration_ns", "retries", "worker", "metadata", "retry_after_ns", "do_not_increment_retry",
	}).AddRow("t1", "success", []byte("42"), "application/json", nil, nil, nil, 0, nil, nil, nil, false)
	mock.ExpectQuery("SELECT task_id, state").WillReturnRows(rows)

	got, err := b.GetResult(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, taskmsg.StateSuccess, got.State)
	assert.Equal(t, []byte("42"), got.ResultBytes)
}

func TestPostgresGetResultNotFound(t *testing.T) {
	b, mock := newTestPostgresBackend(t, PostgresConfig{})
	mock.ExpectQuery("SELECT task_id, state").WillReturnError(sql.ErrNoRows)

	_, err := b.GetResult(context.Background(), "missing")
	assert.Equal(t, ErrNotFound, err)
}

func TestPostgresUpdateStateAffectsRow(t *testing.T) {
	b, mock := newTestPostgresBackend(t, PostgresConfig{})
	mock.ExpectExec("UPDATE task_results SET state").WithArgs("started", "t1").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, b.UpdateState(context.Background(), "t1", taskmsg.StateStarted))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateStateNotFoundWhenNoRowsAffected(t *testing.T) {
	b, mock := newTestPostgresBackend(t, PostgresConfig{})
	mock.ExpectExec("UPDATE task_results SET state").WillReturnResult(sqlmock.NewResult(0, 0))

	err := b.UpdateState(context.Background(), "missing", taskmsg.StateStarted)
	assert.Equal(t, ErrNotFound, err)
}

func TestPostgresGetStateReturnsValue(t *testing.T) {
	b, mock := newTestPostgresBackend(t, PostgresConfig{})
	rows := sqlmock.NewRows([]string{"state"}).AddRow("retry")
	mock.ExpectQuery("SELECT state FROM task_results").WillReturnRows(rows)

	state, err := b.GetState(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, taskmsg.StateRetry, state)
}

func TestPostgresCleanupExpiredReportsRemovedCount(t *testing.T) {
	b, mock := newTestPostgresBackend(t, PostgresConfig{CleanupBatchSize: 100})
	mock.ExpectExec("WITH due AS").WillReturnResult(sqlmock.NewResult(0, 3))

	removed, err := b.CleanupExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
}

func TestPostgresWaitForResultShortCircuitsWhenAlreadyStored(t *testing.T) {
	b, mock := newTestPostgresBackend(t, PostgresConfig{})
	rows := sqlmock.NewRows([]string{
		"task_id", "state", "result_bytes", "content_type", "exception", "completed_at",
		"duration_ns", "retries", "worker", "metadata", "retry_after_ns", "do_not_increment_retry",
	}).AddRow("t1", "success", nil, nil, nil, nil, nil, 0, nil, nil, nil, false)
	mock.ExpectQuery("SELECT task_id, state").WillReturnRows(rows)

	got, err := b.WaitForResult(context.Background(), "t1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, taskmsg.StateSuccess, got.State)
}

var assertErr = sql.ErrConnDone
