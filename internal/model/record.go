package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rotisserie/eris"
)

// recordIDPattern is the canonical record ID shape:
// <AuthorLastName>_<Year>_<PaperSeq>_r<N>, e.g. "Smith_2021_1_r3".
var recordIDPattern = regexp.MustCompile(`^([A-Za-z][A-Za-z-]*)_(\d{4})_(\d+)_r(\d+)$`)

// RecordID is a validated record identifier. The zero value is invalid;
// instances come only from NewRecordID or ParseRecordID.
type RecordID struct {
	author string
	year   int
	paper  int
	seq    int
}

// NewRecordID builds a RecordID from its parts. The author name is reduced to
// letters and hyphens; empty or all-symbol names fall back to "Unknown".
func NewRecordID(authorLast string, year, paperSeq, seq int) RecordID {
	return RecordID{author: sanitizeAuthor(authorLast), year: year, paper: paperSeq, seq: seq}
}

// ParseRecordID validates and parses a persisted record ID string.
func ParseRecordID(s string) (RecordID, error) {
	m := recordIDPattern.FindStringSubmatch(s)
	if m == nil {
		return RecordID{}, eris.Errorf("record id: malformed %q", s)
	}
	year, _ := strconv.Atoi(m[2])
	paper, _ := strconv.Atoi(m[3])
	seq, _ := strconv.Atoi(m[4])
	return RecordID{author: m[1], year: year, paper: paper, seq: seq}, nil
}

// IsZero reports whether the ID is the invalid zero value.
func (id RecordID) IsZero() bool { return id == RecordID{} }

// Seq returns the per-document sequence number (the r<N> suffix).
func (id RecordID) Seq() int { return id.seq }

func (id RecordID) String() string {
	if id.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s_%d_%d_r%d", id.author, id.year, id.paper, id.seq)
}

// MarshalJSON / UnmarshalJSON round-trip the canonical string form. A
// malformed persisted value unmarshals to the zero ID rather than erroring,
// so the generator can detect and replace it.
func (id RecordID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(id.String())), nil
}

func (id *RecordID) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return eris.Wrap(err, "record id: unquote")
	}
	parsed, err := ParseRecordID(s)
	if err != nil {
		*id = RecordID{}
		return nil
	}
	*id = parsed
	return nil
}

func sanitizeAuthor(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) && r < 128 {
			b.WriteRune(r)
		} else if r == '-' {
			b.WriteRune('-')
		}
	}
	out := b.String()
	if out == "" || !unicode.IsLetter(rune(out[0])) {
		return "Unknown"
	}
	return out
}

// Record is one extracted domain record. The domain payload is
// schema-defined and kept as an opaque field map; pipeline bookkeeping
// columns live alongside it.
type Record struct {
	DocumentID string         `json:"document_id"`
	ID         RecordID       `json:"record_id"`
	Fields     map[string]any `json:"fields"`

	ExtractionTime time.Time `json:"extraction_timestamp"`
	ModelVersion   string    `json:"model_version,omitempty"`
	PromptHash     string    `json:"prompt_hash,omitempty"`

	// FieldsChanged is set by the refinement stage: how many fields it
	// altered on this record in its last pass.
	FieldsChanged int `json:"fields_changed_count"`

	HumanEdited   *time.Time `json:"human_edited,omitempty"`
	DeletedByUser *time.Time `json:"deleted_by_user,omitempty"`
}

// Editable reports whether the pipeline may still mutate this record.
// Human-edited and user-deleted rows are off limits to refinement.
func (r *Record) Editable() bool {
	return r.HumanEdited == nil && r.DeletedByUser == nil
}

// FieldString returns the named domain field rendered as a string, and
// whether the field is populated. Nil values and empty strings count as
// unpopulated.
func (r *Record) FieldString(key string) (string, bool) {
	v, ok := r.Fields[key]
	if !ok || v == nil {
		return "", false
	}
	s := strings.TrimSpace(fmt.Sprintf("%v", v))
	if s == "" {
		return "", false
	}
	return s, true
}

// RecordEdit is one row of the append-only human-correction audit trail.
type RecordEdit struct {
	ID            string    `json:"id"`
	DocumentID    string    `json:"document_id"`
	RecordID      string    `json:"record_id"`
	ColumnName    string    `json:"column_name"`
	OriginalValue string    `json:"original_value"`
	EditedAt      time.Time `json:"edited_at"`
}
