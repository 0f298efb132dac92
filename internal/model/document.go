package model

import (
	"strings"
	"time"
)

// Stage identifies one of the four pipeline stages, in dependency order.
type Stage int

const (
	StageOCR Stage = iota
	StageMetadata
	StageExtraction
	StageRefinement
)

// Stages lists all stages in execution order.
var Stages = []Stage{StageOCR, StageMetadata, StageExtraction, StageRefinement}

func (s Stage) String() string {
	switch s {
	case StageOCR:
		return "ocr"
	case StageMetadata:
		return "metadata"
	case StageExtraction:
		return "extraction"
	case StageRefinement:
		return "refinement"
	default:
		return "unknown"
	}
}

// invalidates declares the cascade graph: re-running a stage resets these
// downstream stages. Extraction does not invalidate refinement, which is
// opt-in and re-requested explicitly.
var invalidates = map[Stage][]Stage{
	StageOCR:        {StageMetadata, StageExtraction, StageRefinement},
	StageMetadata:   {StageExtraction, StageRefinement},
	StageExtraction: {},
	StageRefinement: {},
}

// Invalidate returns the stages whose state must be reset to NotRun after
// the given stage completes.
func Invalidate(s Stage) []Stage {
	return invalidates[s]
}

// StageState is the closed set of per-stage states.
type StageState string

const (
	StateNotRun    StageState = "not_run"
	StateCompleted StageState = "completed"
	StateSkipped   StageState = "skipped"
	StateFailed    StageState = "failed"
)

// StageStatus is the state of one stage for one document. Reason carries the
// failure message (or skip cause) as payload; it is never part of the state
// itself.
type StageStatus struct {
	State  StageState `json:"state"`
	Reason string     `json:"reason,omitempty"`
}

// NotRun, Completed, Skipped and Failed construct the four status variants.
func NotRun() StageStatus               { return StageStatus{State: StateNotRun} }
func Completed() StageStatus            { return StageStatus{State: StateCompleted} }
func Skipped(reason string) StageStatus { return StageStatus{State: StateSkipped, Reason: reason} }
func Failed(reason string) StageStatus  { return StageStatus{State: StateFailed, Reason: reason} }

// Encode renders the status as a single column value ("failed: <reason>").
func (s StageStatus) Encode() string {
	if s.State == "" {
		return string(StateNotRun)
	}
	if s.Reason == "" {
		return string(s.State)
	}
	return string(s.State) + ": " + s.Reason
}

// ParseStageStatus parses a persisted status column value. Unknown values are
// treated as NotRun so a corrupted column can never wedge a document.
func ParseStageStatus(v string) StageStatus {
	state, reason, _ := strings.Cut(v, ": ")
	switch StageState(state) {
	case StateCompleted:
		return Completed()
	case StateSkipped:
		return Skipped(reason)
	case StateFailed:
		return Failed(reason)
	default:
		return NotRun()
	}
}

// Bibliography holds document-level publication metadata produced by the
// metadata stage.
type Bibliography struct {
	Title   string `json:"title,omitempty"`
	Authors string `json:"authors,omitempty"`
	// FirstAuthorLast is the last name of the first author, used for record
	// ID prefixes.
	FirstAuthorLast string `json:"first_author_last,omitempty"`
	Year            int    `json:"year,omitempty"`
	Journal         string `json:"journal,omitempty"`
	DOI             string `json:"doi,omitempty"`
}

// Document is one ingested PDF, identified by its content hash. Re-submitting
// the same bytes resolves to the same row.
type Document struct {
	ID         string       `json:"id"`
	FileHash   string       `json:"file_hash"`
	FilePath   string       `json:"file_path"`
	UploadTime time.Time    `json:"upload_time"`
	Bib        Bibliography `json:"bibliography"`

	// Content is the opaque OCR output blob.
	Content string `json:"content,omitempty"`

	OCRStatus        StageStatus `json:"ocr_status"`
	MetadataStatus   StageStatus `json:"metadata_status"`
	ExtractionStatus StageStatus `json:"extraction_status"`
	RefinementStatus StageStatus `json:"refinement_status"`

	RecordsExtracted int        `json:"records_extracted"`
	ReviewedAt       *time.Time `json:"reviewed_at,omitempty"`
}

// Status returns the document's status for the given stage.
func (d *Document) Status(s Stage) StageStatus {
	var st StageStatus
	switch s {
	case StageOCR:
		st = d.OCRStatus
	case StageMetadata:
		st = d.MetadataStatus
	case StageExtraction:
		st = d.ExtractionStatus
	case StageRefinement:
		st = d.RefinementStatus
	}
	// A zero Document has never been touched by any stage.
	if st.State == "" {
		return NotRun()
	}
	return st
}

// SetStatus updates the in-memory status for the given stage.
func (d *Document) SetStatus(s Stage, st StageStatus) {
	switch s {
	case StageOCR:
		d.OCRStatus = st
	case StageMetadata:
		d.MetadataStatus = st
	case StageExtraction:
		d.ExtractionStatus = st
	case StageRefinement:
		d.RefinementStatus = st
	}
}
