// Package orchestrator wires the engine's components into one driver: it
// expands the user's request, builds the Project State Reader, LLM Client,
// Worker Pool, Sub-Planner, Root Planner, Reconciler, and Event Bus, runs
// the build to completion, and writes the auxiliary launch script and run
// manifest the spec's external interfaces name.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codesynth/codesynth/config"
	"github.com/codesynth/codesynth/eventbus"
	"github.com/codesynth/codesynth/llmclient"
	"github.com/codesynth/codesynth/llmclient/openai"
	"github.com/codesynth/codesynth/planner"
	"github.com/codesynth/codesynth/reconciler"
	"github.com/codesynth/codesynth/state"
	"github.com/codesynth/codesynth/subplanner"
	"github.com/codesynth/codesynth/task"
	"github.com/codesynth/codesynth/workerpool"
)

// runManifestDir is the directory, relative to the output directory's
// parent, the run manifest is written under.
const runManifestDir = ".codesynth"

const expandSystemPrompt = "You are a product designer. The user gives you a short project idea. " +
	"Expand it into a clear, detailed specification in 1-2 paragraphs: what the project is, its key " +
	"features, the main user interactions, and what the end result looks like. All graphics must be " +
	"drawn or laid out programmatically — never reference external asset files. Respond with only the " +
	"expanded specification, no preamble."

const launchScriptSystemPrompt = "You are a devops helper. Write a launch script that runs this project " +
	"with zero human intervention: install dependencies first if a manifest names them, then start the " +
	"project's entry point. Respond with only the raw script content, no markdown fences, no explanation."

// Options configures one Run.
type Options struct {
	Request  string
	NoExpand bool
	DryRun   bool
	Logger   *slog.Logger
	EventBus *eventbus.Bus
	// Provider overrides the Config-built OpenAI provider, for tests.
	Provider llmclient.Provider
}

// RunManifest is the summary written to .codesynth/run.json on exit.
type RunManifest struct {
	Request           string    `json:"request"`
	ExpandedRequest   string    `json:"expanded_request,omitempty"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
	HandoffsCollected int       `json:"handoffs_collected"`
	HandoffsComplete  int       `json:"handoffs_complete"`
	TerminationReason string    `json:"termination_reason"`
	DryRun            bool      `json:"dry_run"`
}

// Result is what Run returns to its caller.
type Result struct {
	Manifest RunManifest
	Handoffs []task.Handoff
}

// Run builds every component and drives one build to completion.
func Run(ctx context.Context, cfg *config.Config, opts Options) (Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	manifest := RunManifest{Request: opts.Request, StartedAt: time.Now(), DryRun: opts.DryRun}

	if err := os.RemoveAll(cfg.OutputDir); err != nil {
		return Result{}, fmt.Errorf("clear output dir: %w", err)
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create output dir: %w", err)
	}

	provider := opts.Provider
	if provider == nil {
		built, err := buildProvider(cfg)
		if err != nil {
			return Result{}, err
		}
		provider = built
	}
	llm := llmclient.NewClient(provider, llmclient.WithLogger(logger))

	request := opts.Request
	if !opts.NoExpand {
		expanded, err := expandRequest(ctx, llm, opts.Request)
		if err != nil {
			logger.Warn("orchestrator: idea expansion failed, using raw request", "error", err)
		} else {
			request = expanded
			manifest.ExpandedRequest = expanded
		}
	}

	reader := state.NewReader(cfg.OutputDir, state.WithLogger(logger))
	pool := workerpool.New(cfg.WorkerPool.MaxWorkers, cfg.OutputDir, reader, llm, workerpool.WithLogger(logger))
	sub := subplanner.New(llm, pool, reader, subplanner.WithLogger(logger), subplanner.WithEventBus(opts.EventBus))

	plannerOpts := []planner.Option{
		planner.WithLogger(logger),
		planner.WithEventBus(opts.EventBus),
		planner.WithMaxIterations(cfg.Planner.MaxIterations),
		planner.WithDryRun(opts.DryRun),
		planner.WithRequest(request),
	}
	root := planner.New(llm, pool, sub, reader, plannerOpts...)

	var recon *reconciler.Reconciler
	var reconCancel context.CancelFunc
	if cfg.Reconciler.Enabled {
		rctx, cancel := context.WithCancel(ctx)
		reconCancel = cancel
		recon = reconciler.New(reader, llm, root.InjectTasks,
			reconciler.WithLogger(logger),
			reconciler.WithInterval(cfg.Reconciler.Interval),
			reconciler.WithEventBus(opts.EventBus),
		)
		go recon.Run(rctx)
	}

	emit(opts.EventBus, task.EventEngineStarted, request)

	handoffs := root.Run(ctx)

	if reconCancel != nil {
		reconCancel()
	}

	manifest.FinishedAt = time.Now()
	manifest.TerminationReason = root.TerminationReason()
	manifest.HandoffsCollected = len(handoffs)
	for _, h := range handoffs {
		if h.Status == task.HandoffComplete {
			manifest.HandoffsComplete++
		}
	}

	emit(opts.EventBus, task.EventBuildComplete, buildSummary(manifest))

	if !opts.DryRun {
		if err := writeLaunchScript(ctx, llm, reader, cfg.OutputDir); err != nil {
			logger.Warn("orchestrator: launch script generation failed", "error", err)
		}
	}

	if err := writeRunManifest(cfg.OutputDir, manifest); err != nil {
		logger.Warn("orchestrator: run manifest write failed", "error", err)
	}

	emit(opts.EventBus, task.EventEngineDone, "")

	return Result{Manifest: manifest, Handoffs: handoffs}, nil
}

func buildProvider(cfg *config.Config) (llmclient.Provider, error) {
	apiKey := cfg.APIKey()
	if apiKey == "" {
		return nil, fmt.Errorf("environment variable %s is not set", cfg.LLM.APIKeyEnv)
	}
	temperature := cfg.LLM.Temperature
	return openai.New(openai.Config{
		APIKey:       apiKey,
		BaseURL:      cfg.LLM.Endpoint,
		DefaultModel: cfg.LLM.Model,
		MaxTokens:    cfg.LLM.MaxTokens,
		Temperature:  &temperature,
	}), nil
}

func expandRequest(ctx context.Context, llm *llmclient.Client, raw string) (string, error) {
	resp, err := llm.Complete(ctx, llmclient.Request{Messages: []llmclient.Message{
		{Role: "system", Content: expandSystemPrompt},
		{Role: "user", Content: raw},
	}})
	if err != nil {
		return "", err
	}
	expanded := strings.TrimSpace(resp.Content)
	if expanded == "" {
		return "", fmt.Errorf("idea expansion returned empty content")
	}
	return expanded, nil
}

func writeLaunchScript(ctx context.Context, llm *llmclient.Client, reader *state.Reader, outputDir string) error {
	snapshot, err := reader.Snapshot()
	if err != nil {
		return err
	}
	contents := reader.ReadContents(snapshot.Paths, state.DefaultMaxChars)

	var b strings.Builder
	fmt.Fprintf(&b, "Project file tree:\n%s\n", strings.Join(snapshot.Paths, "\n"))
	for path, content := range contents {
		fmt.Fprintf(&b, "\n### %s\n%s\n", path, content)
	}

	resp, err := llm.Complete(ctx, llmclient.Request{Messages: []llmclient.Message{
		{Role: "system", Content: launchScriptSystemPrompt},
		{Role: "user", Content: b.String()},
	}})
	if err != nil {
		return err
	}

	script := strings.TrimSpace(resp.Content)
	if script == "" {
		return fmt.Errorf("launch script generation returned empty content")
	}
	return os.WriteFile(filepath.Join(outputDir, "launch.bat"), []byte(script+"\n"), 0o755)
}

func writeRunManifest(outputDir string, manifest RunManifest) error {
	dir := filepath.Join(filepath.Dir(outputDir), runManifestDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "run.json"), data, 0o644)
}

// buildSummary renders the one-line status line attached to the
// EventBuildComplete event (and, via the TUI, expanded into a Glamour
// markdown block).
func buildSummary(manifest RunManifest) string {
	return fmt.Sprintf("Build complete: %s (%d/%d handoffs complete)",
		manifest.TerminationReason, manifest.HandoffsComplete, manifest.HandoffsCollected)
}

func emit(bus *eventbus.Bus, t task.EventType, requestText string) {
	if bus == nil {
		return
	}
	ev := task.NewEvent(t)
	ev.Description = requestText
	bus.Emit(ev)
}
