// Package planner implements the Root Planner: the outer driver that reads
// project state, asks the LLM for a next batch of tasks, dispatches each to
// the Sub-Planner or the Worker Pool, and decides when the project is done.
package planner

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
	"github.com/codesynth/codesynth/subplanner"
	"github.com/codesynth/codesynth/task"
	"github.com/codesynth/codesynth/workerpool"
)

// Tunables per the spec's Root Planner algorithm.
const (
	MinHandoffsForReplan = 3
	MaxEmptyPlanNudges   = 3
	MaxConsecutiveErrors = 10
	DefaultMaxIterations = 100

	tickInterval         = 500 * time.Millisecond
	compactionThreshold  = 200_000
	backoffBase          = 2 * time.Second
	backoffCap           = 30 * time.Second
	handoffSummaryLimit  = 400
	handoffFileListLimit = 30
	compactKeepRecent    = 10
)

// DefaultSystemPrompt is the Root Planner's system prompt.
const DefaultSystemPrompt = `You are the lead planner for a small software team building a project end to end. ` +
	`On each turn, review the current project state and propose the next batch of tasks — each with a description, ` +
	`a scope (relevant file paths), acceptance criteria, a team ("product", "engineering", or "quality"), and a priority. ` +
	`Respond with exactly one JSON object and nothing else: {"scratchpad": "your reasoning", "tasks": [{"id": "...", "description": "...", "scope": ["..."], "acceptance": "...", "team": "...", "priority": 1-10}]}. ` +
	`Return an empty "tasks" array once the project is complete.`

const nudgeMessage = "The project directory still contains no source-code files. " +
	"The previous plan produced zero tasks, but the project is not done. Propose concrete engineering tasks now."

// Planner drives the iterative plan→dispatch→observe→replan loop for one
// run.
type Planner struct {
	llm    *llmclient.Client
	pool   *workerpool.Pool
	sub    *subplanner.Decomposer
	reader *state.Reader
	bus    *eventbus.Bus

	systemPrompt  string
	request       string
	maxIterations int
	logger        *slog.Logger

	// Run state, reset at the start of each Run call.
	conv                task.Conversation
	scratchpad          string
	allHandoffs         []task.Handoff
	handoffsSinceReplan int
	pending             chan task.Handoff
	mu                  sync.Mutex
	active              map[string]struct{}
	dispatchedIDs       map[string]struct{}
	injected            []task.Task
	injectedMu          sync.Mutex
	previousTree        map[string]struct{}
	emptyPlanNudges     int
	lastPlanEmpty       bool
	nextTaskNum         int
	dryRun              bool
	terminationReason   string
}

// TerminationReason describes why the most recent Run call stopped:
// "context_cancelled", "max_iterations", "max_consecutive_errors", or
// "plan_converged" (the planner proposed no further tasks and no work is
// active, either on the first plan, once a source file exists, or once the
// empty-plan nudges are used up).
func (p *Planner) TerminationReason() string {
	if p.terminationReason == "" {
		return "max_iterations"
	}
	return p.terminationReason
}

// Option configures a Planner.
type Option func(*Planner)

// WithLogger overrides the default slog.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Planner) { p.logger = l }
}

// WithSystemPrompt overrides DefaultSystemPrompt.
func WithSystemPrompt(prompt string) Option {
	return func(p *Planner) { p.systemPrompt = prompt }
}

// WithEventBus attaches an eventbus.Bus progress events are published to.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(p *Planner) { p.bus = bus }
}

// WithMaxIterations overrides DefaultMaxIterations.
func WithMaxIterations(n int) Option {
	return func(p *Planner) {
		if n > 0 {
			p.maxIterations = n
		}
	}
}

// WithRequest sets the user's project request, included in the first
// plan-call message. Without it the Planner starts from an empty project
// tree with no description of what to build.
func WithRequest(request string) Option {
	return func(p *Planner) { p.request = request }
}

// WithDryRun makes every dispatched task resolve immediately with a
// synthetic complete Handoff instead of reaching the Worker Pool or
// Sub-Planner. The plan→dispatch loop still runs in full.
func WithDryRun(dryRun bool) Option {
	return func(p *Planner) { p.dryRun = dryRun }
}

// New constructs a Planner.
func New(llm *llmclient.Client, pool *workerpool.Pool, sub *subplanner.Decomposer, reader *state.Reader, opts ...Option) *Planner {
	p := &Planner{
		llm:           llm,
		pool:          pool,
		sub:           sub,
		reader:        reader,
		systemPrompt:  DefaultSystemPrompt,
		maxIterations: DefaultMaxIterations,
		logger:        slog.Default(),
		pending:       make(chan task.Handoff, 256),
		active:        map[string]struct{}{},
		dispatchedIDs: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// InjectTasks hands the Reconciler's fix-task batch to the Planner. The
// Planner dispatches them at the next tick.
func (p *Planner) InjectTasks(tasks []task.Task) {
	p.injectedMu.Lock()
	defer p.injectedMu.Unlock()
	p.injected = append(p.injected, tasks...)
}

// Run executes the plan→dispatch→observe→replan loop to completion or until
// ctx is cancelled.
func (p *Planner) Run(ctx context.Context) []task.Handoff {
	p.emit(task.EventEngineStarted, "")
	p.conv = task.Conversation{}.Append(task.RoleSystem, p.systemPrompt)
	p.previousTree = map[string]struct{}{}
	p.terminationReason = ""

	errStreak := 0
	backoff := backoffBase

iterLoop:
	for iteration := 0; iteration < p.maxIterations; iteration++ {
		p.drainPending()
		p.injectPending(ctx)

		if !p.shouldPlan(iteration) {
			if p.waitTick(ctx) {
				p.terminationReason = "context_cancelled"
				break
			}
			if p.checkTermination(iteration) {
				p.terminationReason = "plan_converged"
				break
			}
			continue
		}

		iterStart := time.Now()
		snapshot, err := p.reader.Snapshot()
		if err != nil {
			p.logger.Error("planner: snapshot failed", "error", err)
			if p.waitTick(ctx) {
				p.terminationReason = "context_cancelled"
				break
			}
			continue
		}

		userMsg := p.buildUserMessage(iteration, snapshot)
		p.conv = p.conv.Append(task.RoleUser, userMsg)
		if p.conv.CharLen() > compactionThreshold {
			p.conv = p.compactConversation()
		}

		resp, err := p.llm.Complete(ctx, llmclient.Request{Messages: toMessages(p.conv)})
		if err != nil {
			errStreak++
			p.logger.Warn("planner: LLM call failed", "error", err, "streak", errStreak)
			if errStreak >= MaxConsecutiveErrors {
				p.terminationReason = "max_consecutive_errors"
				break iterLoop
			}
			select {
			case <-ctx.Done():
				p.terminationReason = "context_cancelled"
				break iterLoop
			case <-time.After(backoff):
			}
			backoff = minDuration(backoff*2, backoffCap)
			continue
		}
		errStreak = 0
		backoff = backoffBase
		p.conv = p.conv.Append(task.RoleAssistant, resp.Content)

		parsed := parse.ParsePlannerResponse(resp.Content)
		p.emitIteration(time.Since(iterStart), parsed.Salvaged)
		if parsed.Scratchpad != "" {
			p.scratchpad = parsed.Scratchpad
		}

		tasks := p.buildTasks(parsed.Tasks)
		p.lastPlanEmpty = len(tasks) == 0
		p.handoffsSinceReplan = 0

		p.updatePreviousTree(snapshot)

		for _, t := range tasks {
			p.dispatch(ctx, t)
		}

		if p.checkTermination(iteration) {
			p.terminationReason = "plan_converged"
			break
		}
	}

	p.waitForActive(ctx)
	return p.allHandoffs
}

func (p *Planner) shouldPlan(iteration int) bool {
	if !p.pool.HasCapacity() {
		return false
	}
	if iteration == 0 {
		return true
	}
	if p.handoffsSinceReplan >= MinHandoffsForReplan {
		return true
	}
	p.mu.Lock()
	noActive := len(p.active) == 0
	p.mu.Unlock()
	return noActive
}

func (p *Planner) checkTermination(iteration int) bool {
	p.mu.Lock()
	noActive := len(p.active) == 0
	p.mu.Unlock()

	if !p.lastPlanEmpty || !noActive {
		return false
	}
	if iteration == 0 {
		return true
	}
	if task.HasSourceFile(p.latestPaths()) {
		return true
	}
	return p.emptyPlanNudges >= MaxEmptyPlanNudges
}

func (p *Planner) latestPaths() []string {
	out := make([]string, 0, len(p.previousTree))
	for f := range p.previousTree {
		out = append(out, f)
	}
	return out
}

func (p *Planner) waitTick(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-time.After(tickInterval):
		return false
	}
}

func (p *Planner) waitForActive(ctx context.Context) {
	for {
		p.mu.Lock()
		remaining := len(p.active)
		p.mu.Unlock()
		if remaining == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case h := <-p.pending:
			p.recordHandoff(h)
		}
	}
}

func (p *Planner) drainPending() {
	for {
		select {
		case h := <-p.pending:
			p.recordHandoff(h)
		default:
			return
		}
	}
}

func (p *Planner) recordHandoff(h task.Handoff) {
	p.mu.Lock()
	delete(p.active, h.TaskID)
	p.mu.Unlock()
	p.allHandoffs = append(p.allHandoffs, h)
	p.handoffsSinceReplan++
	p.emitHandoff(h)
}

func (p *Planner) injectPending(ctx context.Context) {
	p.injectedMu.Lock()
	batch := p.injected
	p.injected = nil
	p.injectedMu.Unlock()

	for _, t := range batch {
		p.dispatch(ctx, t)
	}
}

func (p *Planner) dispatch(ctx context.Context, t task.Task) {
	p.mu.Lock()
	p.dispatchedIDs[t.ID] = struct{}{}
	p.active[t.ID] = struct{}{}
	p.mu.Unlock()

	if p.bus != nil {
		ev := task.NewEvent(task.EventTaskDispatched)
		ev.TaskID = t.ID
		ev.Team = t.Team
		p.bus.Emit(ev)
	}

	if p.dryRun {
		go func() {
			p.emit(task.EventTaskStarted, t.ID)
			p.pending <- task.Handoff{
				TaskID:  t.ID,
				Status:  task.HandoffComplete,
				Summary: "dry run: task accepted, not executed",
			}
		}()
		return
	}

	go func() {
		p.emit(task.EventTaskStarted, t.ID)
		var h task.Handoff
		if subplanner.ShouldDecompose(t, 0) {
			h = p.sub.DecomposeAndExecute(ctx, t, 0)
		} else {
			h = p.pool.Execute(ctx, t)
		}
		p.pending <- h
	}()
}

// buildTasks converts RawTasks into Task objects: assigns fresh ids when
// unset, skips duplicates by id, coerces unknown team to engineering,
// defaults priority.
func (p *Planner) buildTasks(raw []parse.RawTask) []task.Task {
	out := make([]task.Task, 0, len(raw))
	for _, rt := range raw {
		id := rt.ID
		if id == "" {
			p.nextTaskNum++
			id = fmt.Sprintf("task-%03d", p.nextTaskNum)
		}
		p.mu.Lock()
		_, dup := p.dispatchedIDs[id]
		p.mu.Unlock()
		if dup {
			continue
		}
		t, ok := task.New(id, "", rt.Description, rt.Scope, rt.Acceptance, task.ParseTeam(rt.Team), rt.Priority)
		if !ok {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (p *Planner) updatePreviousTree(snapshot state.ProjectState) {
	p.previousTree = make(map[string]struct{}, len(snapshot.Paths))
	for _, f := range snapshot.Paths {
		p.previousTree[f] = struct{}{}
	}
}

// buildUserMessage constructs the plan-call user message per iteration:
// prose + tree on iteration zero, a delta + condensed handoff report +
// active task list thereafter, with an optional incomplete-project nudge.
func (p *Planner) buildUserMessage(iteration int, snapshot state.ProjectState) string {
	var b strings.Builder

	if iteration == 0 {
		b.WriteString("Start the project.\n")
		if p.request != "" {
			b.WriteString("Request:\n")
			b.WriteString(p.request)
			b.WriteString("\n")
		}
		b.WriteString("Current project file tree:\n")
		for _, f := range snapshot.Paths {
			b.WriteString(f)
			b.WriteByte('\n')
		}
	} else {
		p.writeDelta(&b, snapshot)
		p.writeHandoffReport(&b)
		p.writeActiveTasks(&b)
		b.WriteString("\nContinue planning the next batch of tasks.\n")
	}

	if p.lastPlanEmpty && !task.HasSourceFile(snapshot.Paths) && p.emptyPlanNudges < MaxEmptyPlanNudges {
		p.emptyPlanNudges++
		b.WriteString("\n")
		b.WriteString(nudgeMessage)
	}

	return b.String()
}

func (p *Planner) writeDelta(b *strings.Builder, snapshot state.ProjectState) {
	var added, removed []string
	current := make(map[string]struct{}, len(snapshot.Paths))
	for _, f := range snapshot.Paths {
		current[f] = struct{}{}
		if _, ok := p.previousTree[f]; !ok {
			added = append(added, f)
		}
	}
	for f := range p.previousTree {
		if _, ok := current[f]; !ok {
			removed = append(removed, f)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	fmt.Fprintf(b, "Project file tree delta: %d new, %d removed, %d total.\n", len(added), len(removed), len(snapshot.Paths))
	if len(added) > 0 {
		fmt.Fprintf(b, "New: %s\n", strings.Join(added, ", "))
	}
	if len(removed) > 0 {
		fmt.Fprintf(b, "Removed: %s\n", strings.Join(removed, ", "))
	}
}

func (p *Planner) writeHandoffReport(b *strings.Builder) {
	start := len(p.allHandoffs) - p.handoffsSinceReplan
	if start < 0 {
		start = 0
	}
	recent := p.allHandoffs[start:]
	if len(recent) == 0 {
		return
	}

	b.WriteString("\nRecent handoffs:\n")
	for _, h := range recent {
		summary := h.Summary
		if len(summary) > handoffSummaryLimit {
			summary = summary[:handoffSummaryLimit]
		}
		files := h.FilesChanged
		if len(files) > handoffFileListLimit {
			files = files[:handoffFileListLimit]
		}
		fmt.Fprintf(b, "- %s [%s]: %s | files: %s | concerns: %s | suggestions: %s\n",
			h.TaskID, h.Status, summary, strings.Join(files, ", "),
			strings.Join(h.Concerns, "; "), strings.Join(h.Suggestions, "; "))
	}
}

func (p *Planner) writeActiveTasks(b *strings.Builder) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	if len(ids) == 0 {
		return
	}
	sort.Strings(ids)
	b.WriteString("\nActive tasks: ")
	b.WriteString(strings.Join(ids, ", "))
	b.WriteByte('\n')
}

// compactConversation reduces the conversation to: the system message, the
// first user message, a synthetic summary of what was dropped, then the
// last compactKeepRecent messages.
func (p *Planner) compactConversation() task.Conversation {
	if len(p.conv) <= 2+compactKeepRecent {
		return p.conv
	}

	var system, firstUser task.ConversationMessage
	for _, m := range p.conv {
		if m.Role == task.RoleSystem && system.Content == "" {
			system = m
		}
		if m.Role == task.RoleUser && firstUser.Content == "" {
			firstUser = m
		}
	}

	scratchpadPrefix := p.scratchpad
	if len(scratchpadPrefix) > 200 {
		scratchpadPrefix = scratchpadPrefix[:200]
	}

	p.mu.Lock()
	dispatched := len(p.dispatchedIDs)
	active := len(p.active)
	p.mu.Unlock()

	summary := fmt.Sprintf(
		"Conversation compacted. Prior scratchpad prefix: %q. Dispatched so far: %d. Active: %d. Handoffs collected: %d.",
		scratchpadPrefix, dispatched, active, len(p.allHandoffs))

	compacted := task.Conversation{}
	compacted = compacted.Append(system.Role, system.Content)
	compacted = compacted.Append(firstUser.Role, firstUser.Content)
	compacted = compacted.Append(task.RoleUser, summary)

	tail := p.conv[len(p.conv)-compactKeepRecent:]
	compacted = append(compacted, tail...)

	p.logger.Info("planner: compacted conversation", "char_len_before", p.conv.CharLen())
	return compacted
}

func toMessages(conv task.Conversation) []llmclient.Message {
	out := make([]llmclient.Message, len(conv))
	for i, m := range conv {
		out[i] = llmclient.Message{Role: string(m.Role), Content: m.Content}
	}
	return out
}

func (p *Planner) emit(t task.EventType, taskID string) {
	if p.bus == nil {
		return
	}
	ev := task.NewEvent(t)
	ev.TaskID = taskID
	p.bus.Emit(ev)
}

// emitHandoff publishes an EventTaskCompleted carrying the Handoff's
// status and summary, so subscribers (the TUI included) can tell complete
// from failed without re-deriving it.
func (p *Planner) emitHandoff(h task.Handoff) {
	if p.bus == nil {
		return
	}
	ev := task.NewEvent(task.EventTaskCompleted)
	ev.TaskID = h.TaskID
	ev.Status = string(h.Status)
	ev.Description = h.Summary
	p.bus.Emit(ev)
}

// emitIteration publishes an EventPlanningIteration carrying this
// iteration's LLM-call-plus-parse duration and whether the parser had to
// fall back to its object-by-object salvage stage, so a metrics subscriber
// can track planning latency and salvage rate without re-parsing anything.
func (p *Planner) emitIteration(elapsed time.Duration, salvaged bool) {
	if p.bus == nil {
		return
	}
	ev := task.NewEvent(task.EventPlanningIteration)
	ev.Data = map[string]any{"duration_seconds": elapsed.Seconds(), "salvaged": salvaged}
	p.bus.Emit(ev)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
