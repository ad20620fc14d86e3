package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codesynth/codesynth/config"
	"github.com/codesynth/codesynth/llmclient"
	"github.com/codesynth/codesynth/llmclient/llmtest"
	"github.com/codesynth/codesynth/task"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.OutputDir = filepath.Join(t.TempDir(), "output")
	cfg.Reconciler.Enabled = false
	cfg.Planner.MaxIterations = 20
	return cfg
}

func TestRun_DryRunProducesHandoffsAndManifest(t *testing.T) {
	mock := &llmtest.MockProvider{Responses: []*llmclient.Response{
		{Content: `{"scratchpad": "write main.go", "tasks": [
			{"id": "task-001", "description": "write main", "scope": ["main.go"], "acceptance": "compiles", "team": "engineering", "priority": 5}
		]}`},
		{Content: `{"scratchpad": "done", "tasks": []}`},
	}}

	cfg := testConfig(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := Run(ctx, cfg, Options{
		Request:  "build a snake game",
		NoExpand: true,
		DryRun:   true,
		Provider: mock,
	})
	require.NoError(t, err)

	require.Len(t, result.Handoffs, 1)
	assert.Equal(t, task.HandoffComplete, result.Handoffs[0].Status)
	assert.Equal(t, "plan_converged", result.Manifest.TerminationReason)
	assert.True(t, result.Manifest.DryRun)
	assert.Empty(t, result.Manifest.ExpandedRequest)

	manifestPath := filepath.Join(filepath.Dir(cfg.OutputDir), runManifestDir, "run.json")
	data, err := os.ReadFile(manifestPath)
	require.NoError(t, err)

	var onDisk RunManifest
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, "build a snake game", onDisk.Request)
	assert.Equal(t, 1, onDisk.HandoffsComplete)
}

func TestRun_ExpandRequestSeedsPlannerWithExpandedText(t *testing.T) {
	mock := &llmtest.MockProvider{Responses: []*llmclient.Response{
		{Content: "A turn-based dungeon crawler with procedurally generated rooms."},
		{Content: `{"scratchpad": "done", "tasks": []}`},
	}}

	cfg := testConfig(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := Run(ctx, cfg, Options{
		Request: "dungeon crawler",
		DryRun:  true,
		Provider: mock,
	})
	require.NoError(t, err)
	assert.Equal(t, "A turn-based dungeon crawler with procedurally generated rooms.", result.Manifest.ExpandedRequest)
}

func TestRun_ClearsExistingOutputDirectory(t *testing.T) {
	mock := &llmtest.MockProvider{Responses: []*llmclient.Response{
		{Content: `{"scratchpad": "done", "tasks": []}`},
	}}

	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.OutputDir, 0o755))
	stalePath := filepath.Join(cfg.OutputDir, "stale.txt")
	require.NoError(t, os.WriteFile(stalePath, []byte("leftover"), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Run(ctx, cfg, Options{Request: "anything", NoExpand: true, DryRun: true, Provider: mock})
	require.NoError(t, err)

	_, err = os.Stat(stalePath)
	assert.True(t, os.IsNotExist(err))
}
