package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/paperbase/internal/config"
	"github.com/sells-group/paperbase/internal/model"
	"github.com/sells-group/paperbase/internal/schema"
	"github.com/sells-group/paperbase/pkg/anthropic"
)

// RefinementExecutor re-reads the paper against the already extracted
// records, correcting field values and surfacing records the first pass
// missed. Returned records keep their record_id when they refine an
// existing row; records without a valid id are new.
type RefinementExecutor interface {
	Refine(ctx context.Context, doc *model.Document, existing []model.Record) ([]model.Record, error)
}

const refineSystemPrompt = `You are reviewing records previously extracted from a scientific paper. Compare each record against the paper text: correct wrong field values, fill in missing ones the paper reports, and add records the first pass missed. Return a JSON array of objects using exactly the declared field keys plus "record_id". Keep the original record_id for every record you are revising; omit record_id (or use null) for records you are adding. Do not drop records. Return only the JSON array.

# Record schema
%s`

const refineUserPrompt = `Paper: %s

%s

# Current records
%s

Review and refine these records.`

// RefinementStage implements RefinementExecutor against the Anthropic API.
type RefinementStage struct {
	llm *llmCaller
	sch *schema.Schema
}

// NewRefinementStage builds the refinement executor.
func NewRefinementStage(client anthropic.Client, cfg config.AnthropicConfig, sch *schema.Schema) *RefinementStage {
	return &RefinementStage{llm: newLLMCaller(client, cfg), sch: sch}
}

func (s *RefinementStage) Refine(ctx context.Context, doc *model.Document, existing []model.Record) ([]model.Record, error) {
	current := make([]map[string]any, 0, len(existing))
	for _, r := range existing {
		entry := map[string]any{"record_id": r.ID.String()}
		for k, v := range r.Fields {
			entry[k] = v
		}
		current = append(current, entry)
	}
	currentJSON, err := json.Marshal(current)
	if err != nil {
		return nil, eris.Wrap(err, "refinement: marshal current records")
	}

	system := fmt.Sprintf(refineSystemPrompt, s.sch.PromptBlock())
	user := fmt.Sprintf(refineUserPrompt, doc.Bib.Title, doc.Content, string(currentJSON))

	text, err := s.llm.complete(ctx, "refinement", system, user)
	if err != nil {
		return nil, err
	}

	return parseRefinedArray(text, s.sch, doc.ID)
}

// parseRefinedArray decodes the refinement response. The record_id key is
// peeled off before schema validation; a malformed id degrades to the zero
// RecordID so the record is treated as new rather than rejected.
func parseRefinedArray(text string, sch *schema.Schema, docID string) ([]model.Record, error) {
	var raw []map[string]any
	if err := json.Unmarshal([]byte(cleanJSON(text)), &raw); err != nil {
		return nil, eris.Wrap(err, "refinement: parse response")
	}

	var recs []model.Record
	for i, entry := range raw {
		var id model.RecordID
		if v, ok := entry["record_id"]; ok {
			if s, ok := v.(string); ok {
				if parsed, err := model.ParseRecordID(s); err == nil {
					id = parsed
				}
			}
			delete(entry, "record_id")
		}

		if err := sch.ValidateRecord(entry); err != nil {
			zap.L().Warn("refinement: dropping invalid record",
				zap.String("document_id", docID),
				zap.Int("index", i),
				zap.Error(err))
			continue
		}
		recs = append(recs, model.Record{
			DocumentID: docID,
			ID:         id,
			Fields:     entry,
		})
	}
	return recs, nil
}
