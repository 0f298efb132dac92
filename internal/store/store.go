// Package store persists documents, records and the human-edit audit trail.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/paperbase/internal/config"
	"github.com/sells-group/paperbase/internal/model"
)

// DocumentFilter specifies criteria for listing documents.
type DocumentFilter struct {
	Reviewed *bool `json:"reviewed,omitempty"`
	Limit    int   `json:"limit,omitempty"`
	Offset   int   `json:"offset,omitempty"`
}

// Store defines the persistence interface for the extraction pipeline.
// A Store handle is owned by exactly one batch worker (or the sequential
// caller) for a document's lifetime; handles are never shared across workers.
type Store interface {
	// Documents
	UpsertDocument(ctx context.Context, fileHash, filePath string) (*model.Document, error)
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	ListDocuments(ctx context.Context, filter DocumentFilter) ([]model.Document, error)
	SetContent(ctx context.Context, docID, content string) error
	SetBibliography(ctx context.Context, docID string, bib model.Bibliography) error
	SetRecordsExtracted(ctx context.Context, docID string, n int) error
	SetReviewedAt(ctx context.Context, docID string, at time.Time) error

	// Stage status
	SetStageStatus(ctx context.Context, docID string, stage model.Stage, status model.StageStatus) error
	ResetStages(ctx context.Context, docID string, stages []model.Stage) error

	// Records. Insert and update each run as a single transaction so a
	// crash mid-batch cannot leave half the records written.
	InsertRecords(ctx context.Context, recs []model.Record) error
	UpdateRecords(ctx context.Context, recs []model.Record) error
	ListRecords(ctx context.Context, docID string, includeDeleted bool) ([]model.Record, error)
	CountRecords(ctx context.Context, docID string) (int, error)

	// Human review
	EditRecordColumn(ctx context.Context, docID, recordID, column string, value any, at time.Time) error
	MarkRecordDeleted(ctx context.Context, docID, recordID string, at time.Time) error
	ListRecordEdits(ctx context.Context, recordID string) ([]model.RecordEdit, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open creates a Store from config. Each call returns an independent
// connection, which is what batch workers rely on.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return NewSQLite(cfg.Path)
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
