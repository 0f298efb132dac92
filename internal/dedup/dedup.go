// Package dedup decides which candidate records already exist. Three
// interchangeable strategies are supported: trigram Jaccard similarity,
// embedding cosine similarity, and LLM adjudication.
package dedup

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/paperbase/internal/config"
	"github.com/sells-group/paperbase/internal/model"
)

// Strategy selects the similarity mechanism.
type Strategy string

const (
	StrategyJaccard   Strategy = "jaccard"
	StrategyEmbedding Strategy = "embedding"
	StrategyLLM       Strategy = "llm"
)

const defaultNGramSize = 3

// Engine compares candidate records against persisted ones and keeps only
// the candidates that are not duplicates.
type Engine struct {
	strategy    Strategy
	threshold   float64
	ngramSize   int
	embedder    Embedder
	adjudicator Adjudicator
}

// New validates the configuration and builds an Engine. The embedding
// strategy requires an Embedder; the llm strategy requires an Adjudicator.
func New(cfg config.DedupConfig, embedder Embedder, adjudicator Adjudicator) (*Engine, error) {
	strategy := Strategy(cfg.Strategy)
	switch strategy {
	case StrategyJaccard:
	case StrategyEmbedding:
		if embedder == nil {
			return nil, eris.New("dedup: embedding strategy requires an embedder")
		}
	case StrategyLLM:
		if adjudicator == nil {
			return nil, eris.New("dedup: llm strategy requires an adjudicator")
		}
	default:
		return nil, eris.Errorf("dedup: unknown strategy %q", cfg.Strategy)
	}

	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		return nil, eris.Errorf("dedup: threshold must be in (0, 1], got %v", cfg.Threshold)
	}
	ngram := cfg.NGramSize
	if ngram <= 0 {
		ngram = defaultNGramSize
	}

	return &Engine{
		strategy:    strategy,
		threshold:   cfg.Threshold,
		ngramSize:   ngram,
		embedder:    embedder,
		adjudicator: adjudicator,
	}, nil
}

// Result is the outcome of one deduplication pass. It is not persisted;
// it only gates the write that follows.
type Result struct {
	Unique         []model.Record
	DuplicateCount int
}

// Deduplicate returns the candidates that do not duplicate any existing
// record. uniqueFields must be the schema's declared identity fields;
// an empty set is a configuration error, never inferred.
func (e *Engine) Deduplicate(ctx context.Context, candidates, existing []model.Record, uniqueFields []string) (Result, error) {
	if len(uniqueFields) == 0 {
		return Result{}, eris.New("dedup: schema declares no unique fields")
	}
	if len(candidates) == 0 {
		return Result{}, nil
	}
	if len(existing) == 0 {
		return Result{Unique: candidates}, nil
	}

	switch e.strategy {
	case StrategyJaccard:
		return e.fieldByField(candidates, existing, uniqueFields, func(a, b string) float64 {
			return jaccardSimilarity(a, b, e.ngramSize)
		}), nil
	case StrategyEmbedding:
		return e.deduplicateEmbedding(ctx, candidates, existing, uniqueFields)
	case StrategyLLM:
		return e.deduplicateLLM(ctx, candidates, existing, uniqueFields)
	}
	return Result{}, eris.Errorf("dedup: unknown strategy %q", e.strategy)
}

// fieldByField applies the shared pairwise policy: compare only fields
// populated on both sides, and call the pair a duplicate when at least one
// field was compared and every compared field scored at or above the
// threshold. The first matching existing record wins.
func (e *Engine) fieldByField(candidates, existing []model.Record, uniqueFields []string, sim func(a, b string) float64) Result {
	var res Result
	for _, cand := range candidates {
		if e.matchesAny(cand, existing, uniqueFields, sim) {
			res.DuplicateCount++
			continue
		}
		res.Unique = append(res.Unique, cand)
	}
	if res.DuplicateCount > 0 {
		zap.L().Debug("dedup: dropped duplicates",
			zap.String("strategy", string(e.strategy)),
			zap.Int("duplicates", res.DuplicateCount),
			zap.Int("unique", len(res.Unique)))
	}
	return res
}

func (e *Engine) matchesAny(cand model.Record, existing []model.Record, uniqueFields []string, sim func(a, b string) float64) bool {
	for _, ex := range existing {
		compared := 0
		allAbove := true
		for _, field := range uniqueFields {
			a, aok := cand.FieldString(field)
			b, bok := ex.FieldString(field)
			if !aok || !bok {
				// Unpopulated on either side: the field is skipped, not
				// treated as a mismatch.
				continue
			}
			compared++
			if sim(a, b) < e.threshold {
				allAbove = false
				break
			}
		}
		if compared > 0 && allAbove {
			return true
		}
	}
	return false
}
