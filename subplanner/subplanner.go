// Package subplanner recursively decomposes a Task whose scope is too broad
// for one worker call into subtasks, running a mini planning loop scoped to
// a single parent and aggregating the resulting child Handoffs into one.
package subplanner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codesynth/codesynth/eventbus"
	"github.com/codesynth/codesynth/llmclient"
	"github.com/codesynth/codesynth/parse"
	"github.com/codesynth/codesynth/state"
	"github.com/codesynth/codesynth/task"
	"github.com/codesynth/codesynth/workerpool"
)

// Tunables matching the spec's recursive-decomposition limits.
const (
	MaxDepth                = 3
	ScopeThreshold          = 4
	MaxSubtasks             = 10
	MaxSubplannerIterations = 20
	MaxConsecutiveErrors    = 5

	tickInterval = 500 * time.Millisecond
	backoffBase  = 2 * time.Second
	backoffCap   = 30 * time.Second
)

// DefaultSystemPrompt is the sub-planner's system prompt, reused across
// every invocation regardless of depth.
const DefaultSystemPrompt = `You are the sub-planner for one scoped task inside a larger software project. ` +
	`Break the parent task down into a small number of concrete subtasks that together satisfy its acceptance criteria. ` +
	`Respond with exactly one JSON object and nothing else: {"scratchpad": "your reasoning", "tasks": [{"id": "...", "description": "...", "scope": ["..."], "acceptance": "...", "team": "product"|"engineering"|"quality", "priority": 1-10}]}. ` +
	`Every subtask's scope must be a subset of the parent's scope. Return an empty "tasks" array once the parent task needs no further breakdown.`

// ShouldDecompose reports whether t should be broken down further rather
// than dispatched directly to the Worker Pool: within the recursion depth
// ceiling and broad enough in scope to warrant it.
func ShouldDecompose(t task.Task, depth int) bool {
	return depth < MaxDepth && len(t.Scope) >= ScopeThreshold
}

// Decomposer runs the recursive decomposition loop for a single parent
// task at a time. It is safe for concurrent use — each DecomposeAndExecute
// call holds its own local state — because it shares only the Worker Pool's
// semaphore and the LLM client, both already concurrency-safe.
type Decomposer struct {
	llm          *llmclient.Client
	pool         *workerpool.Pool
	reader       *state.Reader
	bus          *eventbus.Bus
	systemPrompt string
	logger       *slog.Logger
}

// Option configures a Decomposer.
type Option func(*Decomposer)

// WithLogger overrides the default slog.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Decomposer) { d.logger = l }
}

// WithSystemPrompt overrides DefaultSystemPrompt.
func WithSystemPrompt(prompt string) Option {
	return func(d *Decomposer) { d.systemPrompt = prompt }
}

// WithEventBus attaches an eventbus.Bus that subtask dispatch and
// sub-planner start events are published to. Without one, events are
// silently skipped.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(d *Decomposer) { d.bus = bus }
}

// New constructs a Decomposer. llm drives the sub-planner's own planning
// calls; pool is the shared Worker Pool atomic subtasks and recursive
// sub-sub-tasks ultimately execute against.
func New(llm *llmclient.Client, pool *workerpool.Pool, reader *state.Reader, opts ...Option) *Decomposer {
	d := &Decomposer{
		llm:          llm,
		pool:         pool,
		reader:       reader,
		systemPrompt: DefaultSystemPrompt,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type childResult struct {
	id      string
	handoff task.Handoff
}

// DecomposeAndExecute runs the mini planning loop for parent and returns a
// single aggregated Handoff once every dispatched subtask (direct or
// recursive) has completed.
func (d *Decomposer) DecomposeAndExecute(ctx context.Context, parent task.Task, depth int) task.Handoff {
	start := time.Now()
	d.emit(task.EventSubplannerStarted, parent)

	conv := task.Conversation{}.Append(task.RoleSystem, d.systemPrompt)

	var (
		mu         sync.Mutex
		children   []task.Handoff
		active     = map[string]struct{}{}
		resultsCh  = make(chan childResult, MaxSubtasks)
		sinceReply int
		errStreak  int
		backoff    = backoffBase
	)

	dispatch := func(st task.Task) {
		mu.Lock()
		active[st.ID] = struct{}{}
		mu.Unlock()
		d.emit(task.EventSubtaskDispatched, st)

		go func() {
			var h task.Handoff
			if ShouldDecompose(st, depth+1) {
				h = d.DecomposeAndExecute(ctx, st, depth+1)
			} else {
				h = d.pool.Execute(ctx, st)
			}
			resultsCh <- childResult{id: st.ID, handoff: h}
		}()
	}

	drainNonBlocking := func() {
		for {
			select {
			case r := <-resultsCh:
				mu.Lock()
				delete(active, r.id)
				children = append(children, r.handoff)
				sinceReply++
				mu.Unlock()
			default:
				return
			}
		}
	}

iterLoop:
	for iteration := 1; iteration <= MaxSubplannerIterations; iteration++ {
		drainNonBlocking()

		replan := iteration == 1 || (sinceReply > 0 && d.pool.HasCapacity())
		if !replan {
			if waitOrDone(ctx, &mu, active, resultsCh, &children, &sinceReply) {
				break iterLoop
			}
			continue
		}

		userMsg := d.buildUserMessage(parent)
		conv = conv.Append(task.RoleUser, userMsg)

		iterStart := time.Now()
		resp, err := d.llm.Complete(ctx, llmclient.Request{Messages: toMessages(conv)})
		if err != nil {
			errStreak++
			d.logger.Warn("subplanner: LLM call failed", "parent_id", parent.ID, "error", err, "streak", errStreak)
			if errStreak >= MaxConsecutiveErrors {
				break iterLoop
			}
			select {
			case <-ctx.Done():
				break iterLoop
			case <-time.After(backoff):
			}
			backoff = minDuration(backoff*2, backoffCap)
			continue
		}
		errStreak = 0
		backoff = backoffBase
		conv = conv.Append(task.RoleAssistant, resp.Content)

		parsed := parse.ParsePlannerResponse(resp.Content)
		d.emitIteration(time.Since(iterStart), parsed.Salvaged)
		sinceReply = 0

		if len(parsed.Tasks) == 0 {
			if iteration == 1 {
				// Atomic fallback: parent needs no decomposition at all.
				return d.pool.Execute(ctx, parent)
			}
			mu.Lock()
			noneActive := len(active) == 0
			mu.Unlock()
			if noneActive {
				break iterLoop
			}
			if waitOrDone(ctx, &mu, active, resultsCh, &children, &sinceReply) {
				break iterLoop
			}
			continue
		}

		for _, st := range d.validateSubtasks(parent, parsed.Tasks) {
			dispatch(st)
		}

		select {
		case <-ctx.Done():
			break iterLoop
		case <-time.After(tickInterval):
		}
	}

	// Drain whatever is still in flight before aggregating.
drainLoop:
	for {
		mu.Lock()
		remaining := len(active)
		mu.Unlock()
		if remaining == 0 {
			break
		}
		select {
		case <-ctx.Done():
			break drainLoop
		case r := <-resultsCh:
			mu.Lock()
			delete(active, r.id)
			children = append(children, r.handoff)
			mu.Unlock()
		}
	}

	return aggregate(parent.ID, children, time.Since(start))
}

// waitOrDone blocks for the next arriving result, the sleep tick, or ctx
// cancellation, returning true if ctx is done.
func waitOrDone(ctx context.Context, mu *sync.Mutex, active map[string]struct{}, resultsCh chan childResult, children *[]task.Handoff, sinceReply *int) bool {
	select {
	case <-ctx.Done():
		return true
	case r := <-resultsCh:
		mu.Lock()
		delete(active, r.id)
		*children = append(*children, r.handoff)
		*sinceReply++
		mu.Unlock()
		return false
	case <-time.After(tickInterval):
		return false
	}
}

// validateSubtasks converts RawTasks into Tasks, intersecting scope with
// parent's scope and dropping any whose narrowed scope is empty, capped at
// MaxSubtasks.
func (d *Decomposer) validateSubtasks(parent task.Task, raw []parse.RawTask) []task.Task {
	out := make([]task.Task, 0, len(raw))
	for i, rt := range raw {
		if len(out) >= MaxSubtasks {
			d.logger.Warn("subplanner: subtask cap reached, dropping remainder", "parent_id", parent.ID, "proposed", len(raw))
			break
		}
		scope, ok := task.IntersectScope(parent.Scope, rt.Scope)
		if !ok {
			d.logger.Warn("subplanner: dropping subtask with empty scope intersection", "parent_id", parent.ID, "description", rt.Description)
			continue
		}
		id := rt.ID
		if id == "" {
			id = fmt.Sprintf("%s-sub-%d", parent.ID, i+1)
		}
		st, ok := task.New(id, parent.ID, rt.Description, scope, rt.Acceptance, task.ParseTeam(rt.Team), rt.Priority)
		if !ok {
			continue
		}
		out = append(out, st)
	}
	return out
}

func (d *Decomposer) buildUserMessage(parent task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Parent task ID: %s\n", parent.ID)
	fmt.Fprintf(&b, "Description: %s\n", parent.Description)
	fmt.Fprintf(&b, "Scope: %s\n", strings.Join(parent.Scope, ", "))
	fmt.Fprintf(&b, "Acceptance: %s\n\n", parent.Acceptance)

	snapshot, err := d.reader.Snapshot()
	if err != nil {
		d.logger.Warn("subplanner: snapshot failed", "parent_id", parent.ID, "error", err)
		return b.String()
	}
	b.WriteString("Current project file tree:\n")
	for _, p := range snapshot.Paths {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	return b.String()
}

func toMessages(conv task.Conversation) []llmclient.Message {
	out := make([]llmclient.Message, len(conv))
	for i, m := range conv {
		out[i] = llmclient.Message{Role: string(m.Role), Content: m.Content}
	}
	return out
}

func (d *Decomposer) emit(t task.EventType, tk task.Task) {
	if d.bus == nil {
		return
	}
	ev := task.NewEvent(t)
	ev.TaskID = tk.ID
	ev.ParentID = tk.ParentID
	ev.Team = tk.Team
	ev.Description = tk.Description
	d.bus.Emit(ev)
}

// emitIteration publishes an EventPlanningIteration for one decomposition
// LLM-call-plus-parse round, carrying the same duration/salvage signals
// the Root Planner reports for its own iterations.
func (d *Decomposer) emitIteration(elapsed time.Duration, salvaged bool) {
	if d.bus == nil {
		return
	}
	ev := task.NewEvent(task.EventPlanningIteration)
	ev.Data = map[string]any{"duration_seconds": elapsed.Seconds(), "salvaged": salvaged}
	d.bus.Emit(ev)
}

// aggregate combines child Handoffs into one Handoff for the parent task,
// per the status-precedence, sorted-union, and id-prefixing rules.
func aggregate(parentID string, children []task.Handoff, duration time.Duration) task.Handoff {
	if len(children) == 0 {
		return task.Handoff{
			TaskID:   parentID,
			Status:   task.HandoffFailed,
			Summary:  "sub-planner produced no subtask results",
			Concerns: []string{"no subtasks completed"},
			Metrics:  task.Metrics{DurationMs: duration.Milliseconds()},
		}
	}

	var (
		complete, failed     int
		filesSet             = map[string]struct{}{}
		concerns, suggestion []string
		totalTokens          int
		filesCreated         int
		filesModified        int
		maxDuration          int64
	)

	for _, h := range children {
		switch h.Status {
		case task.HandoffComplete:
			complete++
		case task.HandoffFailed:
			failed++
		}
		for _, f := range h.FilesChanged {
			filesSet[f] = struct{}{}
		}
		for _, c := range h.Concerns {
			concerns = append(concerns, h.TaskID+": "+c)
		}
		for _, s := range h.Suggestions {
			suggestion = append(suggestion, h.TaskID+": "+s)
		}
		totalTokens += h.Metrics.TokensUsed
		filesCreated += h.Metrics.FilesCreated
		filesModified += h.Metrics.FilesModified
		if h.Metrics.DurationMs > maxDuration {
			maxDuration = h.Metrics.DurationMs
		}
	}

	status := task.HandoffBlocked
	switch {
	case complete == len(children):
		status = task.HandoffComplete
	case failed == len(children):
		status = task.HandoffFailed
	case complete > 0:
		status = task.HandoffPartial
	}

	files := make([]string, 0, len(filesSet))
	for f := range filesSet {
		files = append(files, f)
	}
	sort.Strings(files)

	return task.Handoff{
		TaskID:       parentID,
		Status:       status,
		Summary:      fmt.Sprintf("%d/%d subtasks completed", complete, len(children)),
		FilesChanged: files,
		Concerns:     concerns,
		Suggestions:  suggestion,
		Metrics: task.Metrics{
			FilesCreated:  filesCreated,
			FilesModified: filesModified,
			TokensUsed:    totalTokens,
			DurationMs:    maxDuration,
		},
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
