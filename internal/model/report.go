package model

import "time"

// StatusReport is the per-file outcome of one pipeline run. Stage statuses
// reflect what happened during this run (a stage left alone because it was
// already complete reports Skipped); the database keeps the authoritative
// state.
type StatusReport struct {
	File       string `json:"file"`
	DocumentID string `json:"document_id,omitempty"` // empty if no row was created

	OCR        StageStatus `json:"ocr"`
	Metadata   StageStatus `json:"metadata"`
	Extraction StageStatus `json:"extraction"`
	Refinement StageStatus `json:"refinement"`

	// RecordCount is re-read from the store after the run; it is the
	// database truth, never a stage's self-reported count.
	RecordCount int           `json:"record_count"`
	Duration    time.Duration `json:"duration"`
}

// StageOutcome returns this run's outcome for the given stage.
func (r *StatusReport) StageOutcome(s Stage) StageStatus {
	switch s {
	case StageOCR:
		return r.OCR
	case StageMetadata:
		return r.Metadata
	case StageExtraction:
		return r.Extraction
	case StageRefinement:
		return r.Refinement
	}
	return NotRun()
}

// SetStageOutcome records this run's outcome for the given stage.
func (r *StatusReport) SetStageOutcome(s Stage, st StageStatus) {
	switch s {
	case StageOCR:
		r.OCR = st
	case StageMetadata:
		r.Metadata = st
	case StageExtraction:
		r.Extraction = st
	case StageRefinement:
		r.Refinement = st
	}
}

// Failed reports whether any stage failed during this run.
func (r *StatusReport) Failed() bool {
	for _, s := range Stages {
		if r.StageOutcome(s).State == StateFailed {
			return true
		}
	}
	return false
}

// BatchSummary aggregates counters across a batch run.
type BatchSummary struct {
	Processed    int `json:"processed"`
	Errored      int `json:"errored"`
	TotalRecords int `json:"total_records"`
}

// Add folds one report into the summary.
func (b *BatchSummary) Add(r *StatusReport) {
	b.Processed++
	if r.Failed() {
		b.Errored++
	}
	b.TotalRecords += r.RecordCount
}

// ForceSpec selects which documents a force flag applies to: none, all, or an
// explicit set of document IDs or file hashes.
type ForceSpec struct {
	All bool
	IDs map[string]bool
}

// ForceNone matches no documents.
func ForceNone() ForceSpec { return ForceSpec{} }

// ForceAll matches every document.
func ForceAll() ForceSpec { return ForceSpec{All: true} }

// ForceIDs matches the listed document IDs or file hashes.
func ForceIDs(ids ...string) ForceSpec {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return ForceSpec{IDs: set}
}

// Matches reports whether the selector targets the given document.
func (f ForceSpec) Matches(doc *Document) bool {
	if f.All {
		return true
	}
	return f.IDs[doc.ID] || f.IDs[doc.FileHash]
}

// Options carries pipeline run options: per-stage force flags and the
// refinement opt-in.
type Options struct {
	ForceOCR        ForceSpec
	ForceMetadata   ForceSpec
	ForceExtraction ForceSpec
	// Refine opts documents into the refinement stage; refinement never
	// runs unless requested.
	Refine ForceSpec
}

// ForceFor returns the force spec for the given stage. Refinement's spec is
// its opt-in, handled separately.
func (o Options) ForceFor(s Stage) ForceSpec {
	switch s {
	case StageOCR:
		return o.ForceOCR
	case StageMetadata:
		return o.ForceMetadata
	case StageExtraction:
		return o.ForceExtraction
	case StageRefinement:
		return o.Refine
	}
	return ForceNone()
}
