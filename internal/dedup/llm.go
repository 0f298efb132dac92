package dedup

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/paperbase/internal/model"
)

// Adjudicator judges the whole candidate set against the whole existing
// set in one call and returns the indices of candidates that are NOT
// duplicates. The contract is fail-open: when uncertain, prefer unique.
type Adjudicator interface {
	AdjudicateUnique(ctx context.Context, candidates, existing []model.Record, uniqueFields []string) ([]int, error)
}

// deduplicateLLM delegates the duplicate decision to the adjudicator in a
// single batched call. An empty answer is read as "everything unique"
// because a wrongly dropped record cannot be recovered, while a missed
// duplicate can be cleaned up later.
func (e *Engine) deduplicateLLM(ctx context.Context, candidates, existing []model.Record, uniqueFields []string) (Result, error) {
	indices, err := e.adjudicator.AdjudicateUnique(ctx, candidates, existing, uniqueFields)
	if err != nil {
		return Result{}, eris.Wrap(err, "dedup: llm adjudication")
	}
	if len(indices) == 0 {
		zap.L().Warn("dedup: adjudicator returned no indices, keeping all candidates",
			zap.Int("candidates", len(candidates)))
		return Result{Unique: candidates}, nil
	}

	keep := make(map[int]struct{}, len(indices))
	for _, i := range indices {
		if i < 0 || i >= len(candidates) {
			zap.L().Warn("dedup: adjudicator returned out-of-range index", zap.Int("index", i))
			continue
		}
		keep[i] = struct{}{}
	}

	var res Result
	for i, cand := range candidates {
		if _, ok := keep[i]; ok {
			res.Unique = append(res.Unique, cand)
		} else {
			res.DuplicateCount++
		}
	}
	return res, nil
}
