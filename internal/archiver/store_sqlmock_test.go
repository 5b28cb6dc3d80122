package archiver

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webgrid-go/webgrid/internal/domain"
)

// These exercise failure paths a real sqlite connection won't reliably
// produce on demand (driver errors, malformed rows) — grounded on the
// teacher's ai/tracker/usage_tracker_test.go sqlmock pattern.

func TestGetRecordSqlmockDriverError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLiteStore(db, "", 0)
	id := domain.NewID()

	mock.ExpectQuery(`SELECT record_json FROM archive_sessions WHERE id = \?`).
		WithArgs(id.String()).
		WillReturnError(sqlmock.ErrCancelled)

	_, err = store.GetRecord(context.Background(), id)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRecordSqlmockMalformedJSON(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLiteStore(db, "", 0)
	id := domain.NewID()

	rows := sqlmock.NewRows([]string{"record_json"}).AddRow("{not-json")
	mock.ExpectQuery(`SELECT record_json FROM archive_sessions WHERE id = \?`).
		WithArgs(id.String()).
		WillReturnRows(rows)

	_, err = store.GetRecord(context.Background(), id)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRecordsSqlmockQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLiteStore(db, "", 0)

	mock.ExpectQuery(`SELECT record_json FROM archive_sessions ORDER BY terminated_at DESC LIMIT \?`).
		WithArgs(10).
		WillReturnError(sqlmock.ErrCancelled)

	_, err = store.ListRecords(context.Background(), 10)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRecordsSqlmockDefaultsLimitWhenNonPositive(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLiteStore(db, "", 0)

	rows := sqlmock.NewRows([]string{"record_json"})
	mock.ExpectQuery(`SELECT record_json FROM archive_sessions ORDER BY terminated_at DESC LIMIT \?`).
		WithArgs(50).
		WillReturnRows(rows)

	records, err := store.ListRecords(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterArtifactSqlmockDriverError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLiteStore(db, "", 0)
	id := domain.NewID()

	mock.ExpectExec(`INSERT INTO artifacts`).
		WithArgs(id.String(), "manifest.m3u8", int64(10)).
		WillReturnError(sqlmock.ErrCancelled)

	err = store.RegisterArtifact(context.Background(), id, "manifest.m3u8", 10)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
