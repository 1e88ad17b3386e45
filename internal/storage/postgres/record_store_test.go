package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tesis-crawler/internal/crawler"
)

var retrievedAt = time.Unix(1700000000, 0).UTC()

func sampleRecord() crawler.PersistedRecord {
	return crawler.PersistedRecord{
		ExternalID:   "123456",
		Title:        "AMPARO INDIRECTO. ES IMPROCEDENTE CONTRA ACTOS CONSUMADOS.",
		SourceURL:    "https://sjf.example.mx/detalle/tesis/123456",
		BodyText:     "Texto de la tesis.",
		Metadata:     map[string]string{"materia": "Común"},
		RetrievedAt:  retrievedAt,
		DownloadedAt: retrievedAt,
		Processed:    true,
	}
}

func insertArgs(rec crawler.PersistedRecord) []any {
	return []any{
		rec.ExternalID,
		rec.Title,
		rec.SourceURL,
		nil,
		rec.BodyText,
		[]byte(`{"materia":"Común"}`),
		rec.RetrievedAt,
		rec.DownloadedAt,
		true,
		false,
	}
}

func newMockStore(t *testing.T) (*RecordStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, "tesis")
	require.NoError(t, err)
	return store, mock
}

func TestInsertNewRecord(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rec := sampleRecord()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(rec.ExternalID).
		WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tesis").
		WithArgs(insertArgs(rec)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectCommit()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	exists, err := tx.Exists(ctx, rec.ExternalID)
	require.NoError(t, err)
	assert.False(t, exists)
	inserted, err := tx.Insert(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertConflictIsDuplicate(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rec := sampleRecord()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tesis").
		WithArgs(insertArgs(rec)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tesis").
		WithArgs(insertArgs(rec)...).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value"})
	mock.ExpectRollback()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	inserted, err := tx.Insert(ctx, rec)
	require.NoError(t, err)
	assert.False(t, inserted)

	inserted, err = tx.Insert(ctx, rec)
	require.NoError(t, err)
	assert.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertFailureRollsBackSavepoint(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rec := sampleRecord()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tesis").
		WithArgs(insertArgs(rec)...).
		WillReturnError(errors.New("value too long"))
	mock.ExpectRollback()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Insert(ctx, rec)
	require.ErrorContains(t, err, "value too long")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMapsNoRowsToNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT external_id").
		WithArgs("000000").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.Get(context.Background(), "000000")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDecodesRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rec := sampleRecord()
	mock.ExpectQuery("SELECT external_id").
		WithArgs(rec.ExternalID).
		WillReturnRows(mock.NewRows([]string{
			"external_id", "title", "source_url", "document_url", "body_text",
			"metadata", "retrieved_at", "downloaded_at", "processed", "analyzed",
		}).AddRow(
			rec.ExternalID, rec.Title, rec.SourceURL, "", rec.BodyText,
			[]byte(`{"materia":"Común"}`), rec.RetrievedAt, rec.DownloadedAt, true, false,
		))

	got, err := store.Get(context.Background(), rec.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaAndCount(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS tesis").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(mock.NewRows([]string{"count"}).AddRow(int64(7)))

	require.NoError(t, store.EnsureSchema(context.Background()))
	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 7, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "tesis; DROP TABLE x")
	require.Error(t, err)
	_, err = NewWithPool(nil, "tesis")
	require.Error(t, err)
}
