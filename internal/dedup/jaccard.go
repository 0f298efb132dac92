package dedup

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// canonicalize prepares a field value for comparison: NFKC normalization,
// lowercase, trimmed.
func canonicalize(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(s)))
}

// jaccardSimilarity computes trigram-set Jaccard similarity between two
// canonicalized strings. Exact matches short-circuit to 1.0; strings
// shorter than the n-gram size fall back to exact matching only.
func jaccardSimilarity(a, b string, n int) float64 {
	a, b = canonicalize(a), canonicalize(b)
	if a == b {
		return 1.0
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) < n || len(rb) < n {
		return 0
	}

	setA := ngramSet(ra, n)
	setB := ngramSet(rb, n)

	intersection := 0
	for g := range setA {
		if _, ok := setB[g]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func ngramSet(runes []rune, n int) map[string]struct{} {
	set := make(map[string]struct{}, len(runes))
	for i := 0; i+n <= len(runes); i++ {
		set[string(runes[i:i+n])] = struct{}{}
	}
	return set
}
