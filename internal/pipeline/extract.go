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

// ExtractionExecutor turns document content into candidate records. The
// returned records carry fields only; deduplication and ID assignment
// happen in the orchestrator.
type ExtractionExecutor interface {
	Extract(ctx context.Context, doc *model.Document) ([]model.Record, error)
}

const extractSystemPrompt = `You are a data extractor for scientific papers. You read a paper and emit every observation that matches the declared record schema. Return a JSON array of objects, one per record, using exactly the declared field keys. Use null for fields the paper does not report. Do not invent values. Return only the JSON array, which may be empty.

# Record schema
%s`

const extractUserPrompt = `Paper: %s

%s

Extract every record this paper reports.`

// ExtractionStage implements ExtractionExecutor against the Anthropic API.
type ExtractionStage struct {
	llm *llmCaller
	sch *schema.Schema
}

// NewExtractionStage builds the extraction executor.
func NewExtractionStage(client anthropic.Client, cfg config.AnthropicConfig, sch *schema.Schema) *ExtractionStage {
	return &ExtractionStage{llm: newLLMCaller(client, cfg), sch: sch}
}

func (s *ExtractionStage) Extract(ctx context.Context, doc *model.Document) ([]model.Record, error) {
	system := fmt.Sprintf(extractSystemPrompt, s.sch.PromptBlock())
	user := fmt.Sprintf(extractUserPrompt, doc.Bib.Title, doc.Content)

	text, err := s.llm.complete(ctx, "extraction", system, user)
	if err != nil {
		return nil, err
	}

	return parseRecordArray(text, s.sch, doc.ID)
}

// parseRecordArray decodes a JSON array of field maps into candidate
// records. Records that fail schema validation are dropped with a warning
// rather than failing the stage; an unparseable response fails it.
func parseRecordArray(text string, sch *schema.Schema, docID string) ([]model.Record, error) {
	var raw []map[string]any
	if err := json.Unmarshal([]byte(cleanJSON(text)), &raw); err != nil {
		return nil, eris.Wrap(err, "extraction: parse response")
	}

	var recs []model.Record
	for i, fields := range raw {
		if err := sch.ValidateRecord(fields); err != nil {
			zap.L().Warn("extraction: dropping invalid record",
				zap.String("document_id", docID),
				zap.Int("index", i),
				zap.Error(err))
			continue
		}
		recs = append(recs, model.Record{
			DocumentID: docID,
			Fields:     fields,
		})
	}
	return recs, nil
}
