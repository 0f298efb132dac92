package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStageStatus_EncodeParse(t *testing.T) {
	cases := []struct {
		status  StageStatus
		encoded string
	}{
		{NotRun(), "not_run"},
		{Completed(), "completed"},
		{Skipped("already complete"), "skipped: already complete"},
		{Failed("ocr: timeout"), "failed: ocr: timeout"},
	}

	for _, c := range cases {
		assert.Equal(t, c.encoded, c.status.Encode())
		assert.Equal(t, c.status, ParseStageStatus(c.encoded))
	}
}

func TestParseStageStatus_Unknown(t *testing.T) {
	// Corrupted or legacy values must degrade to NotRun, never wedge.
	assert.Equal(t, NotRun(), ParseStageStatus(""))
	assert.Equal(t, NotRun(), ParseStageStatus("error: something went wrong"))
	assert.Equal(t, NotRun(), ParseStageStatus("garbage"))
}

func TestStageStatus_EncodeZeroValue(t *testing.T) {
	var s StageStatus
	assert.Equal(t, "not_run", s.Encode())
}

func TestInvalidate_CascadeGraph(t *testing.T) {
	assert.Equal(t, []Stage{StageMetadata, StageExtraction, StageRefinement}, Invalidate(StageOCR))
	assert.Equal(t, []Stage{StageExtraction, StageRefinement}, Invalidate(StageMetadata))

	// Extraction completing must not invalidate refinement: refinement is
	// opt-in only.
	assert.Empty(t, Invalidate(StageExtraction))
	assert.Empty(t, Invalidate(StageRefinement))
}

func TestDocument_StatusRoundTrip(t *testing.T) {
	d := &Document{}
	for _, stage := range Stages {
		assert.Equal(t, NotRun(), d.Status(stage))
	}

	d.SetStatus(StageMetadata, Completed())
	d.SetStatus(StageExtraction, Failed("boom"))

	assert.Equal(t, Completed(), d.Status(StageMetadata))
	assert.Equal(t, Failed("boom"), d.Status(StageExtraction))
	assert.Equal(t, NotRun(), d.Status(StageOCR))
}

func TestForceSpec_Matches(t *testing.T) {
	doc := &Document{ID: "doc-1", FileHash: "abc123"}

	assert.False(t, ForceNone().Matches(doc))
	assert.True(t, ForceAll().Matches(doc))
	assert.True(t, ForceIDs("doc-1").Matches(doc))
	assert.True(t, ForceIDs("abc123").Matches(doc))
	assert.False(t, ForceIDs("doc-2").Matches(doc))
}

func TestStatusReport_Failed(t *testing.T) {
	r := &StatusReport{OCR: Completed(), Metadata: Completed(), Extraction: Completed(), Refinement: Skipped("not requested")}
	assert.False(t, r.Failed())

	r.Extraction = Failed("model refused")
	assert.True(t, r.Failed())
}

func TestBatchSummary_Add(t *testing.T) {
	var sum BatchSummary
	sum.Add(&StatusReport{OCR: Completed(), RecordCount: 3})
	sum.Add(&StatusReport{OCR: Failed("bad pdf"), RecordCount: 0})

	assert.Equal(t, 2, sum.Processed)
	assert.Equal(t, 1, sum.Errored)
	assert.Equal(t, 3, sum.TotalRecords)
}
