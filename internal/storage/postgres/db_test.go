package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	db, err := NewWithPool(mock, Tables{})
	require.NoError(t, err)
	return db, mock
}

func TestNewWithPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, Tables{})
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, Tables{Content: "content; DROP TABLE x"})
	require.ErrorContains(t, err, "invalid table name")

	db, err := NewWithPool(mock, Tables{Content: "refresh.document_content"})
	require.NoError(t, err)
	require.Equal(t, "refresh.document_content", db.Tables().Content)
	require.Equal(t, "docs_master", db.Tables().Master)
}

func TestOpenRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{})
	require.ErrorContains(t, err, "database.dsn")

	_, err = Open(context.Background(), Config{DSN: "postgres://user@localhost:notaport/ingest"})
	require.ErrorContains(t, err, "parse postgres dsn")
}

func TestRenderSchemaUsesTableNames(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	db, err := NewWithPool(mock, Tables{Content: "refresh.document_content", Alerts: "run_alerts"})
	require.NoError(t, err)

	schema, err := db.render("sql/schema.sql")
	require.NoError(t, err)
	require.Contains(t, schema, "CREATE TABLE IF NOT EXISTS refresh.document_content (")
	require.Contains(t, schema, "CREATE INDEX IF NOT EXISTS refresh_document_content_last_checked_idx")
	require.Contains(t, schema, "CREATE TABLE IF NOT EXISTS run_alerts (")
	require.Contains(t, schema, "REFERENCES pipeline_metrics (metric_id)")
	require.NotContains(t, schema, "{{")
}

func TestMigrate(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS docs_master")).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, db.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateError(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))

	err := db.Migrate(context.Background())
	require.ErrorContains(t, err, "apply schema")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	mock.ExpectPing()
	require.NoError(t, db.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("down"))
	require.ErrorContains(t, db.Ping(context.Background()), "ping postgres")
	require.NoError(t, mock.ExpectationsWereMet())
}
