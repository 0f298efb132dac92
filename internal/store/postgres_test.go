package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/paperbase/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return NewPostgresFromPool(mock), mock
}

func docRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "file_hash", "file_path", "upload_time", "title", "authors",
		"first_author_last", "year", "journal", "doi", "content",
		"ocr_status", "metadata_status", "extraction_status", "refinement_status",
		"records_extracted", "reviewed_at",
	})
}

func TestPostgresStore_UpsertDocument_Existing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM documents WHERE file_hash = \$1`).
		WithArgs("hash-1").
		WillReturnRows(docRows().AddRow(
			"doc-1", "hash-1", "/papers/a.pdf", time.Now(), "Title", "Smith, J.",
			"Smith", 2021, "J Wildl Dis", "10.1000/x", "text",
			"completed", "completed", "not_run", "not_run",
			0, nil,
		))

	doc, err := s.UpsertDocument(context.Background(), "hash-1", "/papers/renamed.pdf")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", doc.ID)
	assert.Equal(t, "/papers/a.pdf", doc.FilePath)
	assert.Equal(t, model.Completed(), doc.OCRStatus)
	assert.Equal(t, model.NotRun(), doc.ExtractionStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertDocument_Inserts(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM documents WHERE file_hash = \$1`).
		WithArgs("hash-new").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(`INSERT INTO documents`).
		WithArgs(pgxmock.AnyArg(), "hash-new", "/papers/b.pdf", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	doc, err := s.UpsertDocument(context.Background(), "hash-new", "/papers/b.pdf")
	require.NoError(t, err)
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, model.NotRun(), doc.OCRStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetDocument_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM documents WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetDocument(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetStageStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE documents SET extraction_status = \$1 WHERE id = \$2`).
		WithArgs("failed: model refused", "doc-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.SetStageStatus(context.Background(), "doc-1", model.StageExtraction, model.Failed("model refused"))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetStageStatus_NoRow(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE documents SET ocr_status = \$1 WHERE id = \$2`).
		WithArgs("completed", "ghost").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.SetStageStatus(context.Background(), "ghost", model.StageOCR, model.Completed())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResetStages(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE documents SET metadata_status = 'not_run', extraction_status = 'not_run', refinement_status = 'not_run' WHERE id = \$1`).
		WithArgs("doc-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.ResetStages(context.Background(), "doc-1", model.Invalidate(model.StageOCR))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertRecords_SingleTransaction(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO records`).
		WithArgs("doc-1", "Smith_2021_1_r1", pgxmock.AnyArg(), pgxmock.AnyArg(),
			"claude-sonnet-4-5-20250929", "", 0, nil, nil).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO records`).
		WithArgs("doc-1", "Smith_2021_1_r2", pgxmock.AnyArg(), pgxmock.AnyArg(),
			"claude-sonnet-4-5-20250929", "", 0, nil, nil).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	recs := []model.Record{
		{DocumentID: "doc-1", ID: model.NewRecordID("Smith", 2021, 1, 1), Fields: map[string]any{"species": "a"}, ExtractionTime: time.Now(), ModelVersion: "claude-sonnet-4-5-20250929"},
		{DocumentID: "doc-1", ID: model.NewRecordID("Smith", 2021, 1, 2), Fields: map[string]any{"species": "b"}, ExtractionTime: time.Now(), ModelVersion: "claude-sonnet-4-5-20250929"},
	}
	require.NoError(t, s.InsertRecords(context.Background(), recs))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRecords_RefusesEditedRow(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE records SET fields = \$1`).
		WithArgs(pgxmock.AnyArg(), "", "", 0, "doc-1", "Smith_2021_1_r1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	rec := model.Record{
		DocumentID:     "doc-1",
		ID:             model.NewRecordID("Smith", 2021, 1, 1),
		Fields:         map[string]any{"species": "x"},
		ExtractionTime: time.Now(),
	}
	err := s.UpdateRecords(context.Background(), []model.Record{rec})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountRecords(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM records WHERE document_id = \$1 AND deleted_by_user IS NULL`).
		WithArgs("doc-1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))

	n, err := s.CountRecords(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkRecordDeleted_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE records SET deleted_by_user = \$1`).
		WithArgs(pgxmock.AnyArg(), "doc-1", "Smith_2021_1_r9").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.MarkRecordDeleted(context.Background(), "doc-1", "Smith_2021_1_r9", time.Now())
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
