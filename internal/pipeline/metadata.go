package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/paperbase/internal/config"
	"github.com/sells-group/paperbase/internal/model"
	"github.com/sells-group/paperbase/pkg/anthropic"
)

// MetadataExecutor produces bibliographic metadata from OCR'd content.
type MetadataExecutor interface {
	Extract(ctx context.Context, content string) (*model.Bibliography, error)
}

const metadataSystemPrompt = `You are a bibliographic metadata extractor for scientific papers. Given the text of a paper, return a single JSON object with these keys: title (string), authors (string, semicolon-separated "Last, First" entries), first_author_last (string, last name of the first author), year (integer), journal (string), doi (string). Use empty strings or 0 for values not present in the text. Return only the JSON object.`

const metadataUserPrompt = `Extract the bibliographic metadata from this paper:

%s`

// metadataContentLimit caps how much of the document is sent. Bibliographic
// fields live on the first pages.
const metadataContentLimit = 12000

// MetadataStage implements MetadataExecutor against the Anthropic API.
type MetadataStage struct {
	llm *llmCaller
}

// NewMetadataStage builds the metadata executor.
func NewMetadataStage(client anthropic.Client, cfg config.AnthropicConfig) *MetadataStage {
	return &MetadataStage{llm: newLLMCaller(client, cfg)}
}

func (s *MetadataStage) Extract(ctx context.Context, content string) (*model.Bibliography, error) {
	if len(content) > metadataContentLimit {
		// Back off to a rune boundary so the truncated prompt stays valid
		// UTF-8.
		cut := metadataContentLimit
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut]
	}

	text, err := s.llm.complete(ctx, "metadata", metadataSystemPrompt, fmt.Sprintf(metadataUserPrompt, content))
	if err != nil {
		return nil, err
	}

	var bib model.Bibliography
	if err := json.Unmarshal([]byte(cleanJSON(text)), &bib); err != nil {
		return nil, eris.Wrap(err, "metadata: parse response")
	}

	zap.L().Debug("metadata: extracted bibliography",
		zap.String("title", bib.Title),
		zap.String("first_author_last", bib.FirstAuthorLast),
		zap.Int("year", bib.Year))
	return &bib, nil
}
