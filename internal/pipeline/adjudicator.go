package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/paperbase/internal/config"
	"github.com/sells-group/paperbase/internal/model"
	"github.com/sells-group/paperbase/pkg/anthropic"
)

const adjudicateSystemPrompt = `You decide which candidate records are new and which duplicate an already stored record. Two records are duplicates when their identity fields refer to the same real-world observation, even if spelled or formatted differently. Return a JSON array of the zero-based indices of the NEW candidates, for example [0, 2]. Return only the JSON array, which may be empty.`

const adjudicateUserPrompt = `# Identity fields
%s

# Stored records
%s

# Candidates
%s

Which candidate indices are new?`

// DedupAdjudicator resolves candidate-versus-stored duplicates with one
// batched model call per document.
type DedupAdjudicator struct {
	llm *llmCaller
}

// NewDedupAdjudicator builds the adjudicator.
func NewDedupAdjudicator(client anthropic.Client, cfg config.AnthropicConfig) *DedupAdjudicator {
	return &DedupAdjudicator{llm: newLLMCaller(client, cfg)}
}

// AdjudicateUnique returns the indices of candidates the model considers
// new. The caller treats an empty answer as "all unique".
func (a *DedupAdjudicator) AdjudicateUnique(ctx context.Context, candidates, existing []model.Record, uniqueFields []string) ([]int, error) {
	user := fmt.Sprintf(adjudicateUserPrompt,
		strings.Join(uniqueFields, ", "),
		renderRecordLines(existing, uniqueFields, false),
		renderRecordLines(candidates, uniqueFields, true))

	text, err := a.llm.complete(ctx, "dedup", adjudicateSystemPrompt, user)
	if err != nil {
		return nil, err
	}

	var indices []int
	if err := json.Unmarshal([]byte(cleanJSON(text)), &indices); err != nil {
		return nil, eris.Wrap(err, "dedup: parse adjudication response")
	}
	return indices, nil
}

// renderRecordLines lists the identity-field values one record per line,
// numbered when the lines describe candidates.
func renderRecordLines(recs []model.Record, uniqueFields []string, numbered bool) string {
	if len(recs) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for i, r := range recs {
		if numbered {
			fmt.Fprintf(&b, "%d. ", i)
		} else {
			b.WriteString("- ")
		}
		parts := make([]string, 0, len(uniqueFields))
		for _, f := range uniqueFields {
			v, _ := r.FieldString(f)
			parts = append(parts, fmt.Sprintf("%s=%q", f, v))
		}
		b.WriteString(strings.Join(parts, " "))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
