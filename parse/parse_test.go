package parse

import (
	"testing"

	"github.com/codesynth/codesynth/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlannerResponse_CleanJSON(t *testing.T) {
	raw := `{"scratchpad": "plan notes", "tasks": [{"id": "task-1", "description": "build the thing", "priority": 1, "team": "engineering"}]}`

	resp := ParsePlannerResponse(raw)

	assert.False(t, resp.Salvaged)
	assert.Equal(t, "plan notes", resp.Scratchpad)
	require.Len(t, resp.Tasks, 1)
	assert.Equal(t, "task-1", resp.Tasks[0].ID)
}

func TestParsePlannerResponse_MarkdownFence(t *testing.T) {
	raw := "Here is the plan:\n```json\n{\"scratchpad\": \"x\", \"tasks\": []}\n```\n"

	resp := ParsePlannerResponse(raw)

	assert.False(t, resp.Salvaged)
	assert.Equal(t, "x", resp.Scratchpad)
}

func TestParsePlannerResponse_LiteralNewlinesInStrings(t *testing.T) {
	raw := "{\"scratchpad\": \"line one\nline two\", \"tasks\": []}"

	resp := ParsePlannerResponse(raw)

	assert.False(t, resp.Salvaged)
	assert.Equal(t, "line one\nline two", resp.Scratchpad)
}

func TestParsePlannerResponse_TrailingCommaAndTruncation(t *testing.T) {
	raw := `{"scratchpad": "notes", "tasks": [{"id": "t1", "description": "do it",}`

	resp := ParsePlannerResponse(raw)

	assert.False(t, resp.Salvaged)
	require.Len(t, resp.Tasks, 1)
	assert.Equal(t, "do it", resp.Tasks[0].Description)
}

func TestParsePlannerResponse_SalvageObjectByObject(t *testing.T) {
	raw := `some preamble the model added
{"scratchpad": "partial notes", "tasks": [
  {"id": "t1", "description": "first task"},
  this is not an object at all,
  {"id": "t2", "description": "second task", "priority": 2},
  {"no description field": true}
]}`

	resp := ParsePlannerResponse(raw)

	require.Len(t, resp.Tasks, 2)
	assert.Equal(t, "t1", resp.Tasks[0].ID)
	assert.Equal(t, "t2", resp.Tasks[1].ID)
}

func TestParsePlannerResponse_DuplicateIDsKeepFirstSeen(t *testing.T) {
	raw := `{"tasks": [{"id": "t1", "description": "first"}, {"id": "t1", "description": "second"}]}`

	resp := ParsePlannerResponse(raw)

	require.Len(t, resp.Tasks, 1)
	assert.Equal(t, "first", resp.Tasks[0].Description)
}

func TestParsePlannerResponse_TotallyUnparseableYieldsEmptyNotPanic(t *testing.T) {
	resp := ParsePlannerResponse("the model just refused and said sorry")
	assert.Empty(t, resp.Tasks)
}

func TestParseWorkerResult_CleanJSON(t *testing.T) {
	raw := `{"handoff": {"status": "complete", "summary": "done", "files_changed": ["a.go"], "concerns": [], "suggestions": []}, "file_operations": [{"path": "a.go", "content": "package a"}]}`

	result := ParseWorkerResult(raw)

	assert.Equal(t, task.HandoffComplete, result.Handoff.Status)
	require.Len(t, result.FileOperations, 1)
	assert.Equal(t, "a.go", result.FileOperations[0].Path)
}

func TestParseWorkerResult_CoercesNonStringListMembers(t *testing.T) {
	raw := `{"handoff": {"status": "partial", "summary": "s", "files_changed": [1, "b.go"], "concerns": [{"note": "x"}]}, "file_operations": []}`

	result := ParseWorkerResult(raw)

	assert.Equal(t, []string{"1", "b.go"}, result.Handoff.FilesChanged)
	require.Len(t, result.Handoff.Concerns, 1)
}

func TestParseWorkerResult_SalvageOnMalformedSetsPartialAndConcern(t *testing.T) {
	raw := `garbage prefix {"handoff": {"status": "complete" "summary": "oops"}, "file_operations": [
  {"path": "a.go", "content": "package a"},
  not-an-object,
  {"path": "b.go", "content": "package b"}
]}`

	result := ParseWorkerResult(raw)

	assert.Equal(t, task.HandoffPartial, result.Handoff.Status)
	assert.Contains(t, result.Handoff.Concerns, salvageConcern)
	assert.Len(t, result.FileOperations, 2)
}

func TestParseWorkerResult_SalvageWithNoRecoverableOpsIsFailed(t *testing.T) {
	result := ParseWorkerResult("the model produced nothing usable")
	assert.Equal(t, task.HandoffFailed, result.Handoff.Status)
	assert.Contains(t, result.Handoff.Concerns, salvageConcern)
	assert.Empty(t, result.FileOperations)
}

func TestParseWorkerResult_UnknownStatusDefaultsToPartial(t *testing.T) {
	raw := `{"handoff": {"status": "done-ish", "summary": "s"}, "file_operations": []}`
	result := ParseWorkerResult(raw)
	assert.Equal(t, task.HandoffPartial, result.Handoff.Status)
}
