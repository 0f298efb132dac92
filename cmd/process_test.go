package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/paperbase/internal/model"
)

func TestProcessCmd_Metadata(t *testing.T) {
	assert.Equal(t, "process [files or directories...]", processCmd.Use)
	assert.NotEmpty(t, processCmd.Short)

	for _, name := range []string{"recursive", "concurrency", "force-ocr", "force-metadata", "force-extraction", "refine"} {
		require.NotNil(t, processCmd.Flags().Lookup(name), "flag %q", name)
	}
}

func TestStageCell(t *testing.T) {
	assert.Equal(t, "completed", stageCell(model.Completed()))
	assert.Equal(t, "skipped", stageCell(model.Skipped("already completed")))
	assert.Equal(t, "not_run", stageCell(model.NotRun()))

	assert.Equal(t, "failed (model refused)", stageCell(model.Failed("model refused")))

	long := stageCell(model.Failed(strings.Repeat("x", 80)))
	assert.True(t, strings.HasSuffix(long, "...)"))
	assert.LessOrEqual(t, len(long), len("failed ()")+40)
}

func TestStatusCmd_Metadata(t *testing.T) {
	assert.Equal(t, "status [document-id]", statusCmd.Use)
	require.NotNil(t, statusCmd.Flags().Lookup("limit"))
	require.NotNil(t, statusCmd.Flags().Lookup("reviewed"))
}

func TestExportCmd_Metadata(t *testing.T) {
	assert.Equal(t, "export", exportCmd.Use)
	require.NotNil(t, exportCmd.Flags().Lookup("out"))
	require.NotNil(t, exportCmd.Flags().Lookup("include-deleted"))
}
