package pipeline

import (
	"strconv"
	"time"

	"github.com/sells-group/paperbase/internal/model"
)

// MaxSequence returns the highest sequence number among the given records'
// IDs. Malformed IDs are skipped. Logically deleted rows must be included
// by the caller so their sequence numbers are never reused.
func MaxSequence(recs []model.Record) int {
	max := 0
	for _, r := range recs {
		if r.ID.IsZero() {
			continue
		}
		if seq := r.ID.Seq(); seq > max {
			max = seq
		}
	}
	return max
}

// AssignRecordIDs gives every record lacking a valid ID the next unused
// sequence number, in input order, starting from maxSeq+1. Records already
// carrying a valid ID are preserved verbatim so refinement edits land on
// the same row.
func AssignRecordIDs(recs []model.Record, maxSeq int, doc *model.Document) []model.Record {
	next := maxSeq
	for i := range recs {
		if !recs[i].ID.IsZero() {
			continue
		}
		next++
		author, year := idPrefix(doc, recs[i])
		recs[i].ID = model.NewRecordID(author, year, 1, next)
	}
	return recs
}

// idPrefix resolves the author/year components for an ID: document
// bibliography first, then the record's own fields, then a literal
// fallback. ID generation never blocks on missing metadata.
func idPrefix(doc *model.Document, rec model.Record) (string, int) {
	author := doc.Bib.FirstAuthorLast
	year := doc.Bib.Year

	if author == "" {
		if v, ok := rec.FieldString("first_author_last"); ok {
			author = v
		} else if v, ok := rec.FieldString("author"); ok {
			author = v
		}
	}
	if year == 0 {
		if v, ok := rec.FieldString("year"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				year = n
			}
		}
	}

	if author == "" {
		author = "Unknown"
	}
	if year == 0 {
		year = time.Now().Year()
	}
	return author, year
}
