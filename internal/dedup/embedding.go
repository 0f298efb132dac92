package dedup

import (
	"context"
	"math"

	"github.com/rotisserie/eris"

	"github.com/sells-group/paperbase/internal/model"
)

// Embedder turns texts into embedding vectors. One call embeds a whole
// batch so the engine can vectorize every distinct field value at once.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// deduplicateEmbedding runs the field-by-field policy with cosine
// similarity over externally supplied embeddings. All distinct populated
// field values from both sides are embedded in a single batch call.
func (e *Engine) deduplicateEmbedding(ctx context.Context, candidates, existing []model.Record, uniqueFields []string) (Result, error) {
	seen := make(map[string]struct{})
	var texts []string
	collect := func(recs []model.Record) {
		for _, r := range recs {
			for _, f := range uniqueFields {
				v, ok := r.FieldString(f)
				if !ok {
					continue
				}
				c := canonicalize(v)
				if _, dup := seen[c]; dup {
					continue
				}
				seen[c] = struct{}{}
				texts = append(texts, c)
			}
		}
	}
	collect(candidates)
	collect(existing)

	if len(texts) == 0 {
		// No populated unique fields anywhere: nothing is comparable.
		return Result{Unique: candidates}, nil
	}

	vecs, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		return Result{}, eris.Wrap(err, "dedup: embed field values")
	}
	if len(vecs) != len(texts) {
		return Result{}, eris.Errorf("dedup: embedder returned %d vectors for %d texts", len(vecs), len(texts))
	}

	byText := make(map[string][]float64, len(texts))
	for i, t := range texts {
		byText[t] = vecs[i]
	}

	return e.fieldByField(candidates, existing, uniqueFields, func(a, b string) float64 {
		return cosineSimilarity(byText[canonicalize(a)], byText[canonicalize(b)])
	}), nil
}

// cosineSimilarity is the standard cosine of two vectors. Mismatched
// lengths or zero-norm vectors yield 0.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
