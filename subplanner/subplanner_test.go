package subplanner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codesynth/codesynth/llmclient"
	"github.com/codesynth/codesynth/llmclient/llmtest"
	"github.com/codesynth/codesynth/parse"
	"github.com/codesynth/codesynth/state"
	"github.com/codesynth/codesynth/task"
	"github.com/codesynth/codesynth/workerpool"
)

func newTestDecomposer(t *testing.T, planMock *llmtest.MockProvider) (*Decomposer, *workerpool.Pool) {
	t.Helper()
	dir := t.TempDir()
	reader := state.NewReader(dir)

	planClient := llmclient.NewClient(planMock, llmclient.WithRetryConfig(llmclient.RetryConfig{
		MaxAttempts:       1,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 1,
		MaxBackoff:        time.Millisecond,
	}))

	successResponse := &llmclient.Response{
		Content: `{"handoff": {"status": "complete", "summary": "ok"}, "file_operations": []}`,
	}
	workerMock := &llmtest.MockProvider{Responses: []*llmclient.Response{
		successResponse, successResponse, successResponse, successResponse,
	}}
	workerClient := llmclient.NewClient(workerMock, llmclient.WithRetryConfig(llmclient.RetryConfig{
		MaxAttempts:       1,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 1,
		MaxBackoff:        time.Millisecond,
	}))
	pool := workerpool.New(4, dir, reader, workerClient)

	return New(planClient, pool, reader), pool
}

func TestShouldDecompose(t *testing.T) {
	wide := task.Task{Scope: []string{"a", "b", "c", "d"}}
	narrow := task.Task{Scope: []string{"a"}}

	assert.True(t, ShouldDecompose(wide, 0))
	assert.False(t, ShouldDecompose(wide, MaxDepth))
	assert.False(t, ShouldDecompose(narrow, 0))
}

func TestDecomposeAndExecute_AtomicFallbackOnEmptyFirstPlan(t *testing.T) {
	mock := &llmtest.MockProvider{Responses: []*llmclient.Response{{
		Content: `{"scratchpad": "no breakdown needed", "tasks": []}`,
	}}}
	d, _ := newTestDecomposer(t, mock)

	parent, ok := task.New("p1", "", "build the thing", []string{"a", "b", "c", "d"}, "works", task.TeamEngineering, 1)
	require.True(t, ok)

	handoff := d.DecomposeAndExecute(context.Background(), parent, 0)

	assert.Equal(t, task.HandoffComplete, handoff.Status)
	assert.Equal(t, "p1", handoff.TaskID)
}

func TestDecomposeAndExecute_DispatchesAndAggregatesSubtasks(t *testing.T) {
	mock := &llmtest.MockProvider{Responses: []*llmclient.Response{
		{Content: `{"scratchpad": "split into two", "tasks": [
			{"id": "p1-sub-1", "description": "part one", "scope": ["a"], "acceptance": "ok", "team": "engineering"},
			{"id": "p1-sub-2", "description": "part two", "scope": ["b"], "acceptance": "ok", "team": "engineering"}
		]}`},
		{Content: `{"scratchpad": "done", "tasks": []}`},
	}}
	d, _ := newTestDecomposer(t, mock)

	parent, ok := task.New("p1", "", "build the thing", []string{"a", "b", "c", "d"}, "works", task.TeamEngineering, 1)
	require.True(t, ok)

	handoff := d.DecomposeAndExecute(context.Background(), parent, 0)

	assert.Equal(t, task.HandoffComplete, handoff.Status)
	assert.Equal(t, "p1", handoff.TaskID)
	assert.Contains(t, handoff.Summary, "2/2")
}

func TestValidateSubtasks_DropsEmptyIntersectionAndCapsCount(t *testing.T) {
	d, _ := newTestDecomposer(t, &llmtest.MockProvider{})
	parent := task.Task{ID: "p1", Scope: []string{"src/a", "src/b"}}

	raw := []parse.RawTask{
		{ID: "t1", Description: "in scope", Scope: []string{"src/a/file.go"}},
		{ID: "t2", Description: "out of scope", Scope: []string{"other/file.go"}},
	}

	subtasks := d.validateSubtasks(parent, raw)
	require.Len(t, subtasks, 1)
	assert.Equal(t, "t1", subtasks[0].ID)
	assert.Equal(t, "p1", subtasks[0].ParentID)
}

func TestAggregate_StatusRules(t *testing.T) {
	allComplete := []task.Handoff{
		{TaskID: "a", Status: task.HandoffComplete, FilesChanged: []string{"z.go"}},
		{TaskID: "b", Status: task.HandoffComplete, FilesChanged: []string{"a.go"}},
	}
	h := aggregate("p", allComplete, time.Millisecond)
	assert.Equal(t, task.HandoffComplete, h.Status)
	assert.Equal(t, []string{"a.go", "z.go"}, h.FilesChanged)

	mixed := []task.Handoff{
		{TaskID: "a", Status: task.HandoffComplete},
		{TaskID: "b", Status: task.HandoffFailed, Concerns: []string{"broke"}},
	}
	h = aggregate("p", mixed, time.Millisecond)
	assert.Equal(t, task.HandoffPartial, h.Status)
	assert.Equal(t, []string{"b: broke"}, h.Concerns)

	allFailed := []task.Handoff{
		{TaskID: "a", Status: task.HandoffFailed},
		{TaskID: "b", Status: task.HandoffFailed},
	}
	h = aggregate("p", allFailed, time.Millisecond)
	assert.Equal(t, task.HandoffFailed, h.Status)

	noChildren := aggregate("p", nil, time.Millisecond)
	assert.Equal(t, task.HandoffFailed, noChildren.Status)
}
