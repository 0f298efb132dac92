package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/paperbase/internal/db"
	"github.com/sells-group/paperbase/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS documents (
	id                 TEXT PRIMARY KEY,
	file_hash          TEXT NOT NULL UNIQUE,
	file_path          TEXT NOT NULL,
	upload_time        TIMESTAMPTZ NOT NULL,
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
	reviewed_at        TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS records (
	document_id           TEXT NOT NULL REFERENCES documents(id),
	record_id             TEXT NOT NULL,
	fields                JSONB NOT NULL DEFAULT '{}',
	extraction_timestamp  TIMESTAMPTZ NOT NULL,
	model_version         TEXT NOT NULL DEFAULT '',
	prompt_hash           TEXT NOT NULL DEFAULT '',
	fields_changed_count  INTEGER NOT NULL DEFAULT 0,
	human_edited          TIMESTAMPTZ,
	deleted_by_user       TIMESTAMPTZ,
	PRIMARY KEY (document_id, record_id)
);

CREATE TABLE IF NOT EXISTS record_edits (
	id             TEXT PRIMARY KEY,
	document_id    TEXT NOT NULL,
	record_id      TEXT NOT NULL,
	column_name    TEXT NOT NULL,
	original_value TEXT NOT NULL DEFAULT '',
	edited_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_document_id ON records(document_id);
CREATE INDEX IF NOT EXISTS idx_record_edits_record_id ON record_edits(record_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) UpsertDocument(ctx context.Context, fileHash, filePath string) (*model.Document, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE file_hash = $1`, fileHash)
	doc, err := scanDocument(row)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(err, "postgres: get document by hash")
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO documents (id, file_hash, file_path, upload_time) VALUES ($1, $2, $3, $4)`,
		id, fileHash, filePath, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert document")
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

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("document not found: %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get document")
	}
	return doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, filter DocumentFilter) ([]model.Document, error) {
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
	args = append(args, limit)
	query += fmt.Sprintf(` LIMIT $%d`, len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list documents")
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan document")
		}
		docs = append(docs, *d)
	}
	return docs, eris.Wrap(rows.Err(), "postgres: list documents iterate")
}

func (s *PostgresStore) SetContent(ctx context.Context, docID, content string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET content = $1 WHERE id = $2`, content, docID)
	if err != nil {
		return eris.Wrapf(err, "postgres: set content %s", docID)
	}
	return checkTag(tag, "document", docID)
}

func (s *PostgresStore) SetBibliography(ctx context.Context, docID string, bib model.Bibliography) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET title = $1, authors = $2, first_author_last = $3, year = $4, journal = $5, doi = $6 WHERE id = $7`,
		bib.Title, bib.Authors, bib.FirstAuthorLast, bib.Year, bib.Journal, bib.DOI, docID)
	if err != nil {
		return eris.Wrapf(err, "postgres: set bibliography %s", docID)
	}
	return checkTag(tag, "document", docID)
}

func (s *PostgresStore) SetRecordsExtracted(ctx context.Context, docID string, n int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET records_extracted = $1 WHERE id = $2`, n, docID)
	if err != nil {
		return eris.Wrapf(err, "postgres: set records extracted %s", docID)
	}
	return checkTag(tag, "document", docID)
}

func (s *PostgresStore) SetReviewedAt(ctx context.Context, docID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET reviewed_at = $1 WHERE id = $2`, at.UTC(), docID)
	if err != nil {
		return eris.Wrapf(err, "postgres: set reviewed_at %s", docID)
	}
	return checkTag(tag, "document", docID)
}

func (s *PostgresStore) SetStageStatus(ctx context.Context, docID string, stage model.Stage, status model.StageStatus) error {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE documents SET %s = $1 WHERE id = $2`, statusColumn(stage)),
		status.Encode(), docID)
	if err != nil {
		return eris.Wrapf(err, "postgres: set %s status %s", stage, docID)
	}
	return checkTag(tag, "document", docID)
}

func (s *PostgresStore) ResetStages(ctx context.Context, docID string, stages []model.Stage) error {
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
	query += ` WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, docID)
	if err != nil {
		return eris.Wrapf(err, "postgres: reset stages %s", docID)
	}
	return checkTag(tag, "document", docID)
}

func (s *PostgresStore) InsertRecords(ctx context.Context, recs []model.Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin insert records")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, r := range recs {
		fieldsJSON, err := json.Marshal(r.Fields)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal record fields")
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO records (`+recordColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			r.DocumentID, r.ID.String(), string(fieldsJSON), r.ExtractionTime.UTC(),
			r.ModelVersion, r.PromptHash, r.FieldsChanged, nullTime(r.HumanEdited), nullTime(r.DeletedByUser),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert record %s", r.ID)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit insert records")
}

func (s *PostgresStore) UpdateRecords(ctx context.Context, recs []model.Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin update records")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, r := range recs {
		fieldsJSON, err := json.Marshal(r.Fields)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal record fields")
		}
		tag, err := tx.Exec(ctx,
			`UPDATE records SET fields = $1, model_version = $2, prompt_hash = $3, fields_changed_count = $4
			 WHERE document_id = $5 AND record_id = $6 AND human_edited IS NULL AND deleted_by_user IS NULL`,
			string(fieldsJSON), r.ModelVersion, r.PromptHash, r.FieldsChanged,
			r.DocumentID, r.ID.String(),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: update record %s", r.ID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Errorf("record not found: %s", r.ID)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit update records")
}

func (s *PostgresStore) ListRecords(ctx context.Context, docID string, includeDeleted bool) ([]model.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE document_id = $1`
	if !includeDeleted {
		query += ` AND deleted_by_user IS NULL`
	}
	query += ` ORDER BY record_id`

	rows, err := s.pool.Query(ctx, query, docID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list records")
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
	return recs, eris.Wrap(rows.Err(), "postgres: list records iterate")
}

func (s *PostgresStore) CountRecords(ctx context.Context, docID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM records WHERE document_id = $1 AND deleted_by_user IS NULL`,
		docID).Scan(&n)
	return n, eris.Wrap(err, "postgres: count records")
}

func (s *PostgresStore) EditRecordColumn(ctx context.Context, docID, recordID, column string, value any, at time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin edit record")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var fieldsJSON string
	err = tx.QueryRow(ctx,
		`SELECT fields FROM records WHERE document_id = $1 AND record_id = $2`,
		docID, recordID).Scan(&fieldsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Errorf("record not found: %s", recordID)
	}
	if err != nil {
		return eris.Wrap(err, "postgres: read record fields")
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return eris.Wrap(err, "postgres: unmarshal record fields")
	}

	original := ""
	if v, ok := fields[column]; ok && v != nil {
		original = fmt.Sprintf("%v", v)
	}
	fields[column] = value

	updated, err := json.Marshal(fields)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal record fields")
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO record_edits (id, document_id, record_id, column_name, original_value, edited_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New().String(), docID, recordID, column, original, at.UTC())
	if err != nil {
		return eris.Wrap(err, "postgres: insert record edit")
	}

	_, err = tx.Exec(ctx,
		`UPDATE records SET fields = $1, human_edited = $2 WHERE document_id = $3 AND record_id = $4`,
		string(updated), at.UTC(), docID, recordID)
	if err != nil {
		return eris.Wrap(err, "postgres: apply record edit")
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit edit record")
}

func (s *PostgresStore) MarkRecordDeleted(ctx context.Context, docID, recordID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET deleted_by_user = $1 WHERE document_id = $2 AND record_id = $3`,
		at.UTC(), docID, recordID)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark record deleted %s", recordID)
	}
	return checkTag(tag, "record", recordID)
}

func (s *PostgresStore) ListRecordEdits(ctx context.Context, recordID string) ([]model.RecordEdit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, document_id, record_id, column_name, original_value, edited_at
		 FROM record_edits WHERE record_id = $1 ORDER BY edited_at`, recordID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list record edits")
	}
	defer rows.Close()

	var edits []model.RecordEdit
	for rows.Next() {
		var e model.RecordEdit
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.RecordID, &e.ColumnName, &e.OriginalValue, &e.EditedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan record edit")
		}
		edits = append(edits, e)
	}
	return edits, eris.Wrap(rows.Err(), "postgres: list record edits iterate")
}

// NewPostgresFromPool wraps an existing pool; used by tests.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func checkTag(tag interface{ RowsAffected() int64 }, entity, id string) error {
	if tag.RowsAffected() == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}
