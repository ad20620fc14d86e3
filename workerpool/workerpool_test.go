package workerpool

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codesynth/codesynth/llmclient"
	"github.com/codesynth/codesynth/llmclient/llmtest"
	"github.com/codesynth/codesynth/state"
	"github.com/codesynth/codesynth/task"
)

func newTestPool(t *testing.T, mock *llmtest.MockProvider, maxWorkers int) (*Pool, string) {
	t.Helper()
	dir := t.TempDir()
	reader := state.NewReader(dir)
	client := llmclient.NewClient(mock, llmclient.WithRetryConfig(llmclient.RetryConfig{
		MaxAttempts:       1,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 1,
		MaxBackoff:        time.Millisecond,
	}))
	return New(maxWorkers, dir, reader, client), dir
}

func TestExecute_WritesFileAndReturnsCompleteHandoff(t *testing.T) {
	mock := &llmtest.MockProvider{Responses: []*llmclient.Response{{
		Content: `{"handoff": {"status": "complete", "summary": "done", "files_changed": ["main.go"]}, "file_operations": [{"path": "main.go", "content": "package main"}]}`,
		Usage:   llmclient.TokenUsage{TotalTokens: 42},
	}}}
	pool, dir := newTestPool(t, mock, 2)

	tk, ok := task.New("t1", "", "build main", []string{"main.go"}, "compiles", task.TeamEngineering, 1)
	require.True(t, ok)

	handoff := pool.Execute(context.Background(), tk)

	assert.Equal(t, task.HandoffComplete, handoff.Status)
	assert.Equal(t, 1, handoff.Metrics.FilesCreated)
	assert.Equal(t, 42, handoff.Metrics.TokensUsed)

	written, err := os.ReadFile(filepath.Join(dir, "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main", string(written))
}

func TestExecute_RejectsAssetWrites(t *testing.T) {
	mock := &llmtest.MockProvider{Responses: []*llmclient.Response{{
		Content: `{"handoff": {"status": "complete", "summary": "done"}, "file_operations": [{"path": "logo.png", "content": "binary-ish"}, {"path": "main.go", "content": "package main"}]}`,
	}}}
	pool, dir := newTestPool(t, mock, 2)

	tk, _ := task.New("t1", "", "build", nil, "", task.TeamEngineering, 0)
	handoff := pool.Execute(context.Background(), tk)

	assert.Equal(t, 1, handoff.Metrics.FilesCreated)
	_, err := os.Stat(filepath.Join(dir, "logo.png"))
	assert.True(t, os.IsNotExist(err))
}

func TestExecute_RejectsUnsafePaths(t *testing.T) {
	mock := &llmtest.MockProvider{Responses: []*llmclient.Response{{
		Content: `{"handoff": {"status": "complete", "summary": "done"}, "file_operations": [{"path": "../escape.go", "content": "x"}]}`,
	}}}
	pool, _ := newTestPool(t, mock, 2)

	tk, _ := task.New("t1", "", "build", nil, "", task.TeamEngineering, 0)
	handoff := pool.Execute(context.Background(), tk)

	assert.Equal(t, 0, handoff.Metrics.FilesCreated)
}

func TestExecute_LLMFailureReturnsFailedHandoff(t *testing.T) {
	mock := &llmtest.MockProvider{Err: assertError("boom")}
	pool, _ := newTestPool(t, mock, 2)

	tk, _ := task.New("t1", "", "build", nil, "", task.TeamEngineering, 0)
	handoff := pool.Execute(context.Background(), tk)

	assert.Equal(t, task.HandoffFailed, handoff.Status)
	require.Len(t, handoff.Concerns, 1)
}

func TestExecute_RateLimitRetriesOnce(t *testing.T) {
	mock := &llmtest.MockProvider{
		Err: llmclient.NewRateLimitError(assertError("rate limited"), ""),
	}
	pool, _ := newTestPool(t, mock, 2)
	pool.rateLimitRetryGap = 20 * time.Millisecond

	go func() {
		time.Sleep(5 * time.Millisecond)
		mock.Err = nil
		mock.Responses = []*llmclient.Response{
			{Content: `{"handoff": {"status": "complete", "summary": "ok"}, "file_operations": []}`},
		}
	}()

	tk, _ := task.New("t1", "", "build", nil, "", task.TeamEngineering, 0)
	handoff := pool.Execute(context.Background(), tk)

	assert.Equal(t, task.HandoffComplete, handoff.Status)
	assert.Equal(t, 2, mock.CallCount())
}

func TestActiveCountAndCapacity(t *testing.T) {
	mock := &llmtest.MockProvider{Responses: []*llmclient.Response{
		{Content: `{"handoff": {"status": "complete", "summary": "ok"}, "file_operations": []}`},
	}}
	pool, _ := newTestPool(t, mock, 1)

	assert.True(t, pool.HasCapacity())
	assert.Equal(t, int64(0), pool.ActiveCount())

	tk, _ := task.New("t1", "", "build", nil, "", task.TeamEngineering, 0)
	pool.Execute(context.Background(), tk)

	assert.Equal(t, int64(0), pool.ActiveCount())
	assert.True(t, pool.HasCapacity())
}

type testError string

func (e testError) Error() string { return string(e) }

func assertError(s string) error { return testError(s) }
