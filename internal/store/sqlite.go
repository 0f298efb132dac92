package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/paperbase/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// sqlitePragmas are applied in order on every new connection. The busy
// timeout must come first so the WAL conversion waits on a lock held by
// another opener instead of failing with SQLITE_BUSY.
var sqlitePragmas = []string{
	"busy_timeout(30000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

// NewSQLite opens a SQLite database at the given path. WAL mode keeps
// concurrent batch workers from colliding; the busy timeout gives writers
// 30s before a lock error surfaces.
func NewSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, pragma := range sqlitePragmas {
		dsn += sep + "_pragma=" + pragma
		sep = "&"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// sql.Open defers the real connection. Force one now so a bad path
	// fails here rather than on the first query.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "sqlite: open")
	}
	return &SQLiteStore{db: db}, nil
}

// NewSQLiteFromDB wraps an already-open handle. The caller keeps ownership
// of the handle's lifetime.
func NewSQLiteFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS documents (
	id                 TEXT PRIMARY KEY,
	file_hash          TEXT NOT NULL UNIQUE,
	file_path          TEXT NOT NULL,
	upload_time        DATETIME NOT NULL,
	title              TEXT NOT NULL DEFAULT '',
	authors            TEXT NOT NULL DEFAULT '',
	first_author_last  TEXT NOT NULL DEFAULT '',
	year               INTEGER NOT NULL DEFAULT 0,
	journal            TEXT NOT NULL DEFAULT '',
	doi                TEXT NOT NULL DEFAULT '',
	content            TEXT NOT NULL DEFAULT '',
	ocr_status         TEXT NOT NULL DEFAULT 'not_run',
	metadata_status    TEXT NOT NULL DEFAULT 'not_run',
	extraction_status  TEXT NOT NULL DEFAULT 'not_run',
	refinement_status  TEXT NOT NULL DEFAULT 'not_run',
	records_extracted  INTEGER NOT NULL DEFAULT 0,
	reviewed_at        DATETIME
);

CREATE TABLE IF NOT EXISTS records (
	document_id           TEXT NOT NULL REFERENCES documents(id),
	record_id             TEXT NOT NULL,
	fields                TEXT NOT NULL DEFAULT '{}',
	extraction_timestamp  DATETIME NOT NULL,
	model_version         TEXT NOT NULL DEFAULT '',
	prompt_hash           TEXT NOT NULL DEFAULT '',
	fields_changed_count  INTEGER NOT NULL DEFAULT 0,
	human_edited          DATETIME,
	deleted_by_user       DATETIME,
	PRIMARY KEY (document_id, record_id)
);

CREATE TABLE IF NOT EXISTS record_edits (
	id             TEXT PRIMARY KEY,
	document_id    TEXT NOT NULL,
	record_id      TEXT NOT NULL,
	column_name    TEXT NOT NULL,
	original_value TEXT NOT NULL DEFAULT '',
	edited_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_file_hash ON documents(file_hash);
CREATE INDEX IF NOT EXISTS idx_records_document_id ON records(document_id);
CREATE INDEX IF NOT EXISTS idx_record_edits_record_id ON record_edits(record_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const documentColumns = `id, file_hash, file_path, upload_time, title, authors, first_author_last,
	year, journal, doi, content, ocr_status, metadata_status, extraction_status,
	refinement_status, records_extracted, reviewed_at`

func (s *SQLiteStore) UpsertDocument(ctx context.Context, fileHash, filePath string) (*model.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE file_hash = ?`, fileHash)
	doc, err := scanDocument(row)
	if err == nil {
		return doc, nil
	}
	if err != sql.ErrNoRows {
		return nil, eris.Wrap(err, "sqlite: get document by hash")
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (id, file_hash, file_path, upload_time) VALUES (?, ?, ?, ?)`,
		id, fileHash, filePath, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert document")
	}

	return &model.Document{
		ID:               id,
		FileHash:         fileHash,
		FilePath:         filePath,
		UploadTime:       now,
		OCRStatus:        model.NotRun(),
		MetadataStatus:   model.NotRun(),
		ExtractionStatus: model.NotRun(),
		RefinementStatus: model.NotRun(),
	}, nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("document not found: %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get document")
	}
	return doc, nil
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, filter DocumentFilter) ([]model.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE 1=1`
	var args []any

	if filter.Reviewed != nil {
		if *filter.Reviewed {
			query += ` AND reviewed_at IS NOT NULL`
		} else {
			query += ` AND reviewed_at IS NULL`
		}
	}
	query += ` ORDER BY upload_time DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list documents")
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan document")
		}
		docs = append(docs, *d)
	}
	return docs, eris.Wrap(rows.Err(), "sqlite: list documents iterate")
}

func (s *SQLiteStore) SetContent(ctx context.Context, docID, content string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET content = ? WHERE id = ?`, content, docID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set content %s", docID)
	}
	return checkRowsAffected(res, "document", docID)
}

func (s *SQLiteStore) SetBibliography(ctx context.Context, docID string, bib model.Bibliography) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET title = ?, authors = ?, first_author_last = ?, year = ?, journal = ?, doi = ? WHERE id = ?`,
		bib.Title, bib.Authors, bib.FirstAuthorLast, bib.Year, bib.Journal, bib.DOI, docID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set bibliography %s", docID)
	}
	return checkRowsAffected(res, "document", docID)
}

func (s *SQLiteStore) SetRecordsExtracted(ctx context.Context, docID string, n int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET records_extracted = ? WHERE id = ?`, n, docID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set records extracted %s", docID)
	}
	return checkRowsAffected(res, "document", docID)
}

func (s *SQLiteStore) SetReviewedAt(ctx context.Context, docID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET reviewed_at = ? WHERE id = ?`, at.UTC(), docID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set reviewed_at %s", docID)
	}
	return checkRowsAffected(res, "document", docID)
}

// statusColumn maps a stage to its status column. The stage set is closed,
// so this never sees an unknown value from callers inside the module.
func statusColumn(stage model.Stage) string {
	return stage.String() + "_status"
}

func (s *SQLiteStore) SetStageStatus(ctx context.Context, docID string, stage model.Stage, status model.StageStatus) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE documents SET %s = ? WHERE id = ?`, statusColumn(stage)),
		status.Encode(), docID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set %s status %s", stage, docID)
	}
	return checkRowsAffected(res, "document", docID)
}

func (s *SQLiteStore) ResetStages(ctx context.Context, docID string, stages []model.Stage) error {
	if len(stages) == 0 {
		return nil
	}
	query := `UPDATE documents SET `
	for i, st := range stages {
		if i > 0 {
			query += ", "
		}
		query += statusColumn(st) + ` = 'not_run'`
	}
	query += ` WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query, docID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: reset stages %s", docID)
	}
	return checkRowsAffected(res, "document", docID)
}

const recordColumns = `document_id, record_id, fields, extraction_timestamp, model_version,
	prompt_hash, fields_changed_count, human_edited, deleted_by_user`

func (s *SQLiteStore) InsertRecords(ctx context.Context, recs []model.Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin insert records")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, r := range recs {
		fieldsJSON, err := json.Marshal(r.Fields)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal record fields")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.DocumentID, r.ID.String(), string(fieldsJSON), r.ExtractionTime.UTC(),
			r.ModelVersion, r.PromptHash, r.FieldsChanged, nullTime(r.HumanEdited), nullTime(r.DeletedByUser),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert record %s", r.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit insert records")
}

func (s *SQLiteStore) UpdateRecords(ctx context.Context, recs []model.Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin update records")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, r := range recs {
		fieldsJSON, err := json.Marshal(r.Fields)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal record fields")
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE records SET fields = ?, model_version = ?, prompt_hash = ?, fields_changed_count = ?
			 WHERE document_id = ? AND record_id = ? AND human_edited IS NULL AND deleted_by_user IS NULL`,
			string(fieldsJSON), r.ModelVersion, r.PromptHash, r.FieldsChanged,
			r.DocumentID, r.ID.String(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: update record %s", r.ID)
		}
		if err := checkRowsAffected(res, "record", r.ID.String()); err != nil {
			return err
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit update records")
}

func (s *SQLiteStore) ListRecords(ctx context.Context, docID string, includeDeleted bool) ([]model.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE document_id = ?`
	if !includeDeleted {
		query += ` AND deleted_by_user IS NULL`
	}
	query += ` ORDER BY record_id`

	rows, err := s.db.QueryContext(ctx, query, docID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list records")
	}
	defer rows.Close()

	var recs []model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *r)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: list records iterate")
}

func (s *SQLiteStore) CountRecords(ctx context.Context, docID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE document_id = ? AND deleted_by_user IS NULL`,
		docID).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count records")
}

func (s *SQLiteStore) EditRecordColumn(ctx context.Context, docID, recordID, column string, value any, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin edit record")
	}
	defer tx.Rollback() //nolint:errcheck

	var fieldsJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT fields FROM records WHERE document_id = ? AND record_id = ?`,
		docID, recordID).Scan(&fieldsJSON)
	if err == sql.ErrNoRows {
		return eris.Errorf("record not found: %s", recordID)
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: read record fields")
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return eris.Wrap(err, "sqlite: unmarshal record fields")
	}

	original := ""
	if v, ok := fields[column]; ok && v != nil {
		original = fmt.Sprintf("%v", v)
	}
	fields[column] = value

	updated, err := json.Marshal(fields)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal record fields")
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO record_edits (id, document_id, record_id, column_name, original_value, edited_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), docID, recordID, column, original, at.UTC())
	if err != nil {
		return eris.Wrap(err, "sqlite: insert record edit")
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE records SET fields = ?, human_edited = ? WHERE document_id = ? AND record_id = ?`,
		string(updated), at.UTC(), docID, recordID)
	if err != nil {
		return eris.Wrap(err, "sqlite: apply record edit")
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit edit record")
}

func (s *SQLiteStore) MarkRecordDeleted(ctx context.Context, docID, recordID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET deleted_by_user = ? WHERE document_id = ? AND record_id = ?`,
		at.UTC(), docID, recordID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark record deleted %s", recordID)
	}
	return checkRowsAffected(res, "record", recordID)
}

func (s *SQLiteStore) ListRecordEdits(ctx context.Context, recordID string) ([]model.RecordEdit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, record_id, column_name, original_value, edited_at
		 FROM record_edits WHERE record_id = ? ORDER BY edited_at`, recordID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list record edits")
	}
	defer rows.Close()

	var edits []model.RecordEdit
	for rows.Next() {
		var e model.RecordEdit
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.RecordID, &e.ColumnName, &e.OriginalValue, &e.EditedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record edit")
		}
		edits = append(edits, e)
	}
	return edits, eris.Wrap(rows.Err(), "sqlite: list record edits iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanDocument(row scannable) (*model.Document, error) {
	var d model.Document
	var ocr, meta, ext, ref string
	var reviewed sql.NullTime

	err := row.Scan(
		&d.ID, &d.FileHash, &d.FilePath, &d.UploadTime,
		&d.Bib.Title, &d.Bib.Authors, &d.Bib.FirstAuthorLast,
		&d.Bib.Year, &d.Bib.Journal, &d.Bib.DOI,
		&d.Content, &ocr, &meta, &ext, &ref,
		&d.RecordsExtracted, &reviewed,
	)
	if err != nil {
		return nil, err
	}

	d.OCRStatus = model.ParseStageStatus(ocr)
	d.MetadataStatus = model.ParseStageStatus(meta)
	d.ExtractionStatus = model.ParseStageStatus(ext)
	d.RefinementStatus = model.ParseStageStatus(ref)
	if reviewed.Valid {
		t := reviewed.Time
		d.ReviewedAt = &t
	}
	return &d, nil
}

func scanRecord(row scannable) (*model.Record, error) {
	var r model.Record
	var idStr, fieldsJSON string
	var edited, deleted sql.NullTime

	err := row.Scan(
		&r.DocumentID, &idStr, &fieldsJSON, &r.ExtractionTime,
		&r.ModelVersion, &r.PromptHash, &r.FieldsChanged, &edited, &deleted,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan record")
	}

	// A malformed persisted ID scans to the zero RecordID so the generator
	// can detect and replace it.
	if parsed, perr := model.ParseRecordID(idStr); perr == nil {
		r.ID = parsed
	}

	if err := json.Unmarshal([]byte(fieldsJSON), &r.Fields); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal record fields")
	}
	if edited.Valid {
		t := edited.Time
		r.HumanEdited = &t
	}
	if deleted.Valid {
		t := deleted.Time
		r.DeletedByUser = &t
	}
	return &r, nil
}
