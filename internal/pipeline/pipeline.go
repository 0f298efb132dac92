package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/paperbase/internal/dedup"
	"github.com/sells-group/paperbase/internal/model"
	"github.com/sells-group/paperbase/internal/ocr"
	"github.com/sells-group/paperbase/internal/schema"
	"github.com/sells-group/paperbase/internal/store"
)

// Pipeline orchestrates the four stages for one document: OCR, metadata,
// extraction, and opt-in refinement. Stage failures are recorded as that
// stage's status and never escape ProcessDocument.
type Pipeline struct {
	store      store.Store
	sch        *schema.Schema
	ocr        ocr.Extractor
	metadata   MetadataExecutor
	extraction ExtractionExecutor
	refinement RefinementExecutor
	dedup      *dedup.Engine
}

// New assembles a Pipeline from its stage executors.
func New(
	st store.Store,
	sch *schema.Schema,
	ocrExt ocr.Extractor,
	metadata MetadataExecutor,
	extraction ExtractionExecutor,
	refinement RefinementExecutor,
	engine *dedup.Engine,
) *Pipeline {
	return &Pipeline{
		store:      st,
		sch:        sch,
		ocr:        ocrExt,
		metadata:   metadata,
		extraction: extraction,
		refinement: refinement,
		dedup:      engine,
	}
}

// ProcessDocument runs the stages for one file and returns its report.
// The error return is reserved for pre-flight problems with the store
// itself; per-stage failures land in the report and the document row.
func (p *Pipeline) ProcessDocument(ctx context.Context, filePath string, opts model.Options) (*model.StatusReport, error) {
	start := time.Now()
	report := &model.StatusReport{File: filePath}

	data, err := os.ReadFile(filePath)
	if err != nil {
		// No bytes means no document row; the failure is the report's.
		report.OCR = model.Failed(eris.Wrap(err, "read file").Error())
		p.skipRemaining(report, model.StageOCR)
		report.Duration = time.Since(start)
		return report, nil
	}

	sum := sha256.Sum256(data)
	doc, err := p.store.UpsertDocument(ctx, hex.EncodeToString(sum[:]), filePath)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: upsert document")
	}
	report.DocumentID = doc.ID

	log := zap.L().With(zap.String("document_id", doc.ID), zap.String("file", filePath))

	if err := p.applyForces(ctx, doc, opts); err != nil {
		return nil, err
	}

	for _, stage := range model.Stages {
		if stage == model.StageRefinement && !opts.Refine.Matches(doc) {
			// Refinement never runs unless requested; the report shows the
			// persisted state untouched.
			report.Refinement = doc.RefinementStatus
			break
		}

		if doc.Status(stage).State == model.StateCompleted && !p.desynced(ctx, stage, doc) {
			report.SetStageOutcome(stage, model.Skipped("already completed"))
			continue
		}

		log.Info("pipeline: running stage", zap.Stringer("stage", stage))
		runErr := p.runStage(ctx, stage, doc, data)
		if runErr != nil {
			status := model.Failed(runErr.Error())
			if err := p.store.SetStageStatus(ctx, doc.ID, stage, status); err != nil {
				return nil, eris.Wrap(err, "pipeline: persist failed status")
			}
			doc.SetStatus(stage, status)
			report.SetStageOutcome(stage, status)
			log.Warn("pipeline: stage failed", zap.Stringer("stage", stage), zap.Error(runErr))
			p.skipRemaining(report, stage)
			break
		}

		if err := p.store.SetStageStatus(ctx, doc.ID, stage, model.Completed()); err != nil {
			return nil, eris.Wrap(err, "pipeline: persist completed status")
		}
		doc.SetStatus(stage, model.Completed())
		report.SetStageOutcome(stage, model.Completed())

		// A fresh run of this stage stales everything downstream of it,
		// however the run was triggered.
		if downstream := model.Invalidate(stage); len(downstream) > 0 {
			if err := p.store.ResetStages(ctx, doc.ID, downstream); err != nil {
				return nil, eris.Wrap(err, "pipeline: reset downstream stages")
			}
			for _, s := range downstream {
				doc.SetStatus(s, model.NotRun())
			}
		}
	}

	count, err := p.store.CountRecords(ctx, doc.ID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: count records")
	}
	report.RecordCount = count
	report.Duration = time.Since(start)

	log.Info("pipeline: document done",
		zap.Int("records", count),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// applyForces resets the forced stages and their downstream dependents
// before any guard is evaluated. Cascade edges live in model.Invalidate.
func (p *Pipeline) applyForces(ctx context.Context, doc *model.Document, opts model.Options) error {
	reset := make(map[model.Stage]bool)
	for _, stage := range model.Stages {
		if !opts.ForceFor(stage).Matches(doc) {
			continue
		}
		reset[stage] = true
		for _, downstream := range model.Invalidate(stage) {
			reset[downstream] = true
		}
	}
	if len(reset) == 0 {
		return nil
	}

	var stages []model.Stage
	for _, stage := range model.Stages {
		if reset[stage] {
			stages = append(stages, stage)
			doc.SetStatus(stage, model.NotRun())
		}
	}
	if err := p.store.ResetStages(ctx, doc.ID, stages); err != nil {
		return eris.Wrap(err, "pipeline: reset forced stages")
	}
	return nil
}

// desynced reports whether a stage marked completed is missing its payload.
// A desynced stage is re-run, never treated as an error.
func (p *Pipeline) desynced(ctx context.Context, stage model.Stage, doc *model.Document) bool {
	switch stage {
	case model.StageOCR:
		return doc.Content == ""
	case model.StageMetadata:
		return doc.Bib == model.Bibliography{}
	case model.StageExtraction:
		if doc.RecordsExtracted == 0 {
			return false
		}
		count, err := p.store.CountRecords(ctx, doc.ID)
		if err != nil {
			return false
		}
		return count == 0
	}
	return false
}

func (p *Pipeline) runStage(ctx context.Context, stage model.Stage, doc *model.Document, data []byte) error {
	switch stage {
	case model.StageOCR:
		return p.runOCR(ctx, doc, data)
	case model.StageMetadata:
		return p.runMetadata(ctx, doc)
	case model.StageExtraction:
		return p.runExtraction(ctx, doc)
	case model.StageRefinement:
		return p.runRefinement(ctx, doc)
	}
	return eris.Errorf("pipeline: unknown stage %v", stage)
}

func (p *Pipeline) runOCR(ctx context.Context, doc *model.Document, data []byte) error {
	content, err := p.ocr.ExtractText(ctx, data)
	if err != nil {
		return err
	}
	if err := p.store.SetContent(ctx, doc.ID, content); err != nil {
		return eris.Wrap(err, "persist content")
	}
	doc.Content = content
	return nil
}

func (p *Pipeline) runMetadata(ctx context.Context, doc *model.Document) error {
	bib, err := p.metadata.Extract(ctx, doc.Content)
	if err != nil {
		return err
	}
	if err := p.store.SetBibliography(ctx, doc.ID, *bib); err != nil {
		return eris.Wrap(err, "persist bibliography")
	}
	doc.Bib = *bib
	return nil
}

func (p *Pipeline) runExtraction(ctx context.Context, doc *model.Document) error {
	candidates, err := p.extraction.Extract(ctx, doc)
	if err != nil {
		return err
	}

	existing, err := p.store.ListRecords(ctx, doc.ID, false)
	if err != nil {
		return eris.Wrap(err, "list records")
	}

	result, err := p.dedup.Deduplicate(ctx, candidates, existing, p.sch.UniqueFields)
	if err != nil {
		return err
	}

	if err := p.insertNewRecords(ctx, doc, result.Unique); err != nil {
		return err
	}

	count, err := p.store.CountRecords(ctx, doc.ID)
	if err != nil {
		return eris.Wrap(err, "count records")
	}
	if err := p.store.SetRecordsExtracted(ctx, doc.ID, count); err != nil {
		return eris.Wrap(err, "persist record count")
	}
	doc.RecordsExtracted = count

	zap.L().Info("pipeline: extraction persisted",
		zap.String("document_id", doc.ID),
		zap.Int("unique", len(result.Unique)),
		zap.Int("duplicates", result.DuplicateCount))
	return nil
}

func (p *Pipeline) runRefinement(ctx context.Context, doc *model.Document) error {
	existing, err := p.store.ListRecords(ctx, doc.ID, false)
	if err != nil {
		return eris.Wrap(err, "list records")
	}

	refined, err := p.refinement.Refine(ctx, doc, existing)
	if err != nil {
		return err
	}

	byID := make(map[string]model.Record, len(existing))
	for _, r := range existing {
		byID[r.ID.String()] = r
	}

	var updates []model.Record
	var additions []model.Record
	for _, r := range refined {
		prev, known := byID[r.ID.String()]
		if r.ID.IsZero() || !known {
			r.ID = model.RecordID{}
			additions = append(additions, r)
			continue
		}
		if !prev.Editable() {
			// Human edits and user deletes outrank the model.
			continue
		}
		r.FieldsChanged = countChangedFields(prev.Fields, r.Fields)
		if r.FieldsChanged == 0 {
			continue
		}
		r.DocumentID = doc.ID
		r.ExtractionTime = prev.ExtractionTime
		updates = append(updates, r)
	}

	if len(updates) > 0 {
		if err := p.store.UpdateRecords(ctx, updates); err != nil {
			return eris.Wrap(err, "update records")
		}
	}

	if len(additions) > 0 {
		result, err := p.dedup.Deduplicate(ctx, additions, existing, p.sch.UniqueFields)
		if err != nil {
			return err
		}
		if err := p.insertNewRecords(ctx, doc, result.Unique); err != nil {
			return err
		}
	}

	count, err := p.store.CountRecords(ctx, doc.ID)
	if err != nil {
		return eris.Wrap(err, "count records")
	}
	if err := p.store.SetRecordsExtracted(ctx, doc.ID, count); err != nil {
		return eris.Wrap(err, "persist record count")
	}
	doc.RecordsExtracted = count

	zap.L().Info("pipeline: refinement persisted",
		zap.String("document_id", doc.ID),
		zap.Int("updated", len(updates)),
		zap.Int("added", len(additions)))
	return nil
}

// insertNewRecords assigns IDs and writes the batch in one transaction.
// The sequence scan includes logically deleted rows so their numbers are
// never reused. The caller's slice is left untouched; any ID already on a
// candidate is discarded, since only this path hands out insert IDs.
func (p *Pipeline) insertNewRecords(ctx context.Context, doc *model.Document, recs []model.Record) error {
	if len(recs) == 0 {
		return nil
	}

	all, err := p.store.ListRecords(ctx, doc.ID, true)
	if err != nil {
		return eris.Wrap(err, "list records for sequence scan")
	}

	now := time.Now().UTC()
	batch := make([]model.Record, len(recs))
	copy(batch, recs)
	for i := range batch {
		batch[i].ID = model.RecordID{}
		batch[i].DocumentID = doc.ID
		batch[i].ExtractionTime = now
	}
	batch = AssignRecordIDs(batch, MaxSequence(all), doc)

	if err := p.store.InsertRecords(ctx, batch); err != nil {
		return eris.Wrap(err, "insert records")
	}
	return nil
}

// skipRemaining marks every stage after the failed one as skipped in this
// run's report. The database rows keep their real state.
func (p *Pipeline) skipRemaining(report *model.StatusReport, failed model.Stage) {
	for _, stage := range model.Stages {
		if stage > failed {
			report.SetStageOutcome(stage, model.Skipped("upstream stage failed"))
		}
	}
}

// countChangedFields counts keys whose value differs between the stored
// and refined field maps, counting keys present on only one side.
func countChangedFields(prev, next map[string]any) int {
	changed := 0
	seen := make(map[string]bool, len(prev))
	for k, v := range prev {
		seen[k] = true
		nv, ok := next[k]
		if !ok || !fieldEqual(v, nv) {
			changed++
		}
	}
	for k := range next {
		if !seen[k] {
			changed++
		}
	}
	return changed
}

func fieldEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	// Values round-trip through JSON, so comparison by rendered form
	// is stable across scalar types.
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
