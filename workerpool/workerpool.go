// Package workerpool executes individual Tasks against the LLM and
// materializes the resulting FileOperations to disk, bounded by a counting
// semaphore shared across every caller — including the Sub-Planner's
// recursive dispatches, so the total in-flight worker LLM call count never
// exceeds the configured ceiling regardless of decomposition depth.
package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/codesynth/codesynth/llmclient"
	"github.com/codesynth/codesynth/parse"
	"github.com/codesynth/codesynth/state"
	"github.com/codesynth/codesynth/task"
)

// DefaultRateLimitRetryDelay is the single cooldown applied before
// retrying a rate-limited worker call, per the spec's worker-pool failure
// handling (distinct from the LLM client's own internal retry/backoff).
const DefaultRateLimitRetryDelay = 10 * time.Second

// responseContract is appended to every team's system prompt so the LLM
// commits to the exact wire shape the Response Parser expects.
const responseContract = `Respond with exactly one JSON object and nothing else — no prose, no markdown fences. The object has two top-level keys:

{"handoff": {"status": "complete"|"partial"|"blocked"|"failed", "summary": "...", "files_changed": ["..."], "concerns": ["..."], "suggestions": ["..."]}, "file_operations": [{"path": "relative/path.ext", "content": "full file contents"}]}

Every "content" value must be valid JSON string content: escape newlines as \n, tabs as \t, quotes as \", and backslashes as \\. Each file_operations entry is a complete file, never a diff. Paths are relative to the project root and must never start with "/" or contain "..".`

// DefaultSystemPrompts maps each team to its base system prompt. A team
// with no entry falls back to TeamEngineering's prompt.
var DefaultSystemPrompts = map[task.Team]string{
	task.TeamProduct: "You are the product member of a small software team. " +
		"You write specs, user-facing copy, and product documentation. " +
		"Favor clarity for an end user over implementation detail.",
	task.TeamEngineering: "You are the engineering member of a small software team. " +
		"You write correct, runnable source code that satisfies the acceptance criteria exactly. " +
		"Prefer working code over placeholders or TODOs.",
	task.TeamQuality: "You are the quality member of a small software team. " +
		"You write tests, fix defects, and tighten acceptance criteria. " +
		"You never skip a failing case silently.",
}

// Pool is a bounded-concurrency worker executor.
type Pool struct {
	sem        *semaphore.Weighted
	maxWorkers int64
	active     atomic.Int64

	outputDir         string
	reader            *state.Reader
	llm               *llmclient.Client
	systemPrompts     map[task.Team]string
	rateLimitRetryGap time.Duration
	logger            *slog.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger overrides the default slog.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithSystemPrompts overrides DefaultSystemPrompts.
func WithSystemPrompts(prompts map[task.Team]string) Option {
	return func(p *Pool) { p.systemPrompts = prompts }
}

// WithRateLimitRetryDelay overrides DefaultRateLimitRetryDelay. Tests use
// this to shrink the cooldown to milliseconds.
func WithRateLimitRetryDelay(d time.Duration) Option {
	return func(p *Pool) { p.rateLimitRetryGap = d }
}

// New constructs a Pool bounded to maxWorkers concurrent LLM calls, writing
// FileOperations under outputDir.
func New(maxWorkers int, outputDir string, reader *state.Reader, llm *llmclient.Client, opts ...Option) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	p := &Pool{
		sem:               semaphore.NewWeighted(int64(maxWorkers)),
		maxWorkers:        int64(maxWorkers),
		outputDir:         outputDir,
		reader:            reader,
		llm:               llm,
		systemPrompts:     DefaultSystemPrompts,
		rateLimitRetryGap: DefaultRateLimitRetryDelay,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ActiveCount returns the number of worker slots currently occupied. The
// Planner polls this to decide when it has spare dispatch capacity.
func (p *Pool) ActiveCount() int64 { return p.active.Load() }

// MaxWorkers returns the pool's concurrency ceiling.
func (p *Pool) MaxWorkers() int64 { return p.maxWorkers }

// HasCapacity reports whether at least one worker slot is free.
func (p *Pool) HasCapacity() bool { return p.active.Load() < p.maxWorkers }

// Execute runs one task end to end: acquire a slot, call the LLM, parse
// the response, write any recovered FileOperations to disk, and return the
// resulting Handoff. It never returns an error — every failure mode is
// reflected in the returned Handoff's status.
func (p *Pool) Execute(ctx context.Context, t task.Task) task.Handoff {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return failureHandoff(t.ID, fmt.Errorf("acquire worker slot: %w", err), 0)
	}
	p.active.Add(1)
	defer func() {
		p.active.Add(-1)
		p.sem.Release(1)
	}()

	start := time.Now()

	resp, err := p.callLLM(ctx, t)
	if err != nil {
		if llmclient.IsRateLimited(err) {
			p.logger.Warn("workerpool: rate limited, retrying once", "task_id", t.ID)
			select {
			case <-ctx.Done():
				return failureHandoff(t.ID, ctx.Err(), time.Since(start))
			case <-time.After(p.rateLimitRetryGap):
			}
			resp, err = p.callLLM(ctx, t)
		}
		if err != nil {
			return failureHandoff(t.ID, err, time.Since(start))
		}
	}

	result := parse.ParseWorkerResult(resp.Content)
	created, modified, written := p.writeFileOperations(t.ID, result.FileOperations)

	handoff := result.Handoff
	handoff.TaskID = t.ID
	handoff.FilesChanged = written
	if handoff.Status == task.HandoffFailed && len(handoff.Concerns) == 0 {
		handoff.Concerns = []string{"worker reported failure without giving a concern"}
	}
	handoff.Metrics = task.Metrics{
		FilesCreated:  created,
		FilesModified: modified,
		TokensUsed:    resp.Usage.TotalTokens,
		DurationMs:    time.Since(start).Milliseconds(),
	}
	return handoff
}

func (p *Pool) callLLM(ctx context.Context, t task.Task) (*llmclient.Response, error) {
	systemPrompt, ok := p.systemPrompts[t.Team]
	if !ok {
		systemPrompt = p.systemPrompts[task.TeamEngineering]
	}
	systemPrompt = systemPrompt + "\n\n" + responseContract

	snapshot, err := p.reader.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot project state: %w", err)
	}
	contents := p.reader.ReadContents(snapshot.Paths, 0)

	userMessage := buildUserMessage(t, snapshot.Paths, contents)

	return p.llm.Complete(ctx, llmclient.Request{
		Messages: []llmclient.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userMessage},
		},
	})
}

func buildUserMessage(t task.Task, tree []string, contents map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task ID: %s\n", t.ID)
	fmt.Fprintf(&b, "Team: %s\n", t.Team)
	fmt.Fprintf(&b, "Description: %s\n", t.Description)
	fmt.Fprintf(&b, "Scope: %s\n", strings.Join(t.Scope, ", "))
	fmt.Fprintf(&b, "Acceptance: %s\n\n", t.Acceptance)

	b.WriteString("Project file tree:\n")
	for _, p := range tree {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	for _, p := range tree {
		content, ok := contents[p]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "### %s\n```\n%s\n```\n\n", p, content)
	}

	return b.String()
}

// writeFileOperations writes every safe, non-asset FileOperation to disk
// and returns the counts of newly created versus modified files and the
// paths actually written.
func (p *Pool) writeFileOperations(taskID string, ops []task.FileOperation) (created, modified int, written []string) {
	for _, op := range ops {
		if task.IsAssetExtension(op.Path) {
			p.logger.Warn("workerpool: rejecting asset write", "task_id", taskID, "path", op.Path)
			continue
		}
		if !task.SafePath(op.Path) {
			p.logger.Warn("workerpool: rejecting unsafe path", "task_id", taskID, "path", op.Path)
			continue
		}

		full := filepath.Join(p.outputDir, filepath.FromSlash(op.Path))
		_, statErr := os.Stat(full)
		existed := statErr == nil

		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			p.logger.Warn("workerpool: failed to create parent directories", "task_id", taskID, "path", op.Path, "error", err)
			continue
		}
		if err := os.WriteFile(full, []byte(op.Content), 0o644); err != nil {
			p.logger.Warn("workerpool: filesystem write failure", "task_id", taskID, "path", op.Path, "error", err)
			continue
		}

		written = append(written, op.Path)
		if existed {
			modified++
		} else {
			created++
		}
	}
	return created, modified, written
}

func failureHandoff(taskID string, err error, duration time.Duration) task.Handoff {
	return task.Handoff{
		TaskID:   taskID,
		Status:   task.HandoffFailed,
		Summary:  "worker failed: " + err.Error(),
		Concerns: []string{err.Error()},
		Metrics:  task.Metrics{DurationMs: duration.Milliseconds()},
	}
}
