// Package reconciler periodically sweeps the project directory for
// structural problems the planner's own prompts don't reliably catch —
// stray assets, empty files, unfinished placeholders, programmatic asset
// loads, and bare intra-package imports — and turns any findings into a
// small batch of fix tasks injected back into the Root Planner.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/codesynth/codesynth/eventbus"
	"github.com/codesynth/codesynth/llmclient"
	"github.com/codesynth/codesynth/parse"
	"github.com/codesynth/codesynth/state"
	"github.com/codesynth/codesynth/task"
)

// Tunables per the spec's Reconciler sweep.
const (
	DefaultInterval = 120 * time.Second
	MaxIssues       = 20
	MaxFixTasks     = 5

	watchDebounce = 500 * time.Millisecond
)

// DefaultSystemPrompt instructs the LLM to turn scan findings into tasks.
const DefaultSystemPrompt = `You are a code-quality reconciler for an in-progress software project. ` +
	`You will be given a list of structural issues found by a rule-based scan, along with the contents of the affected files. ` +
	`Propose at most five concrete fix tasks that address them. Respond with exactly one bare JSON array and nothing else: ` +
	`[{"id": "...", "description": "...", "scope": ["..."], "acceptance": "...", "team": "engineering", "priority": 1-10}]. ` +
	`Return an empty array if nothing needs fixing.`

// Rule identifies which scan rule produced an Issue.
type Rule string

const (
	RuleAssetViolation    Rule = "asset_violation"
	RuleEmptyFile         Rule = "empty_file"
	RulePlaceholder       Rule = "placeholder_marker"
	RuleAssetLoadInCode   Rule = "asset_load_in_code"
	RuleBareIntraPkgImport Rule = "bare_intra_package_import"
)

// Issue is one structural problem found by a sweep.
type Issue struct {
	Path   string
	Rule   Rule
	Detail string
	Count  int
}

var (
	todoPattern        = regexp.MustCompile(`\bTODO\b`)
	placeholderPattern = regexp.MustCompile(`(?m)^\s*pass\s*#\s*placeholder\b`)

	// assetLoadPatterns match programmatic loads of binary assets: generic
	// open()/load() calls naming an asset extension, plus a couple of
	// engine-specific loaders seen across languages.
	assetLoadPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bopen\(\s*["'][^"']+\.(png|jpe?g|gif|bmp|webp|ico|mp3|wav|ogg|mp4|ttf|woff2?)["']`),
		regexp.MustCompile(`(?i)\bload(?:image|texture|sound|font)\s*\(\s*["'][^"']+["']`),
		regexp.MustCompile(`(?i)\bpygame\.image\.load\s*\(`),
		regexp.MustCompile(`(?i)\bImage\.open\s*\(\s*["'][^"']+["']`),
	}

	// packageMarkers name files whose presence in a directory means that
	// directory is a package boundary for the bare-import check.
	packageMarkers = []string{"__init__.py", "package.json", "go.mod", "Cargo.toml"}

	bareImportPattern = regexp.MustCompile(`(?m)^\s*(?:import|from)\s+([A-Za-z_][A-Za-z0-9_.]*)`)

	// stdlibAndThirdPartyAllowlist holds well-known module roots that are
	// never mistaken for a sibling in-package module.
	stdlibAndThirdPartyAllowlist = map[string]bool{
		"os": true, "sys": true, "json": true, "re": true, "math": true,
		"typing": true, "collections": true, "itertools": true, "pathlib": true,
		"logging": true, "datetime": true, "functools": true, "dataclasses": true,
		"numpy": true, "pandas": true, "requests": true, "pytest": true,
	}
)

// Reconciler runs the periodic sweep and hands fix tasks to an injector.
type Reconciler struct {
	reader   *state.Reader
	llm      *llmclient.Client
	inject   func([]task.Task)
	interval time.Duration
	prompt   string
	logger   *slog.Logger
	bus      *eventbus.Bus

	watchEnabled bool
	watchDir     string

	running  atomic.Bool
	fixSeq   atomic.Uint64
	requestC chan struct{}
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger overrides the default slog.Logger.
func WithLogger(l *slog.Logger) Option { return func(r *Reconciler) { r.logger = l } }

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithSystemPrompt overrides DefaultSystemPrompt.
func WithSystemPrompt(p string) Option { return func(r *Reconciler) { r.prompt = p } }

// WithEventBus attaches an eventbus.Bus that each sweep's issues are
// published to as EventReconcilerIssue.
func WithEventBus(bus *eventbus.Bus) Option { return func(r *Reconciler) { r.bus = bus } }

// WithFileWatch enables an fsnotify watch on dir that debounces external
// changes into an out-of-cycle sweep request, in addition to the ticker.
func WithFileWatch(dir string) Option {
	return func(r *Reconciler) {
		r.watchEnabled = true
		r.watchDir = dir
	}
}

// New constructs a Reconciler. inject is called with each batch of fix
// tasks the LLM proposes; the Root Planner's InjectTasks satisfies it.
func New(reader *state.Reader, llm *llmclient.Client, inject func([]task.Task), opts ...Option) *Reconciler {
	r := &Reconciler{
		reader:   reader,
		llm:      llm,
		inject:   inject,
		interval: DefaultInterval,
		prompt:   DefaultSystemPrompt,
		logger:   slog.Default(),
		requestC: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drives the periodic sweep until ctx is cancelled. Safe to run as a
// goroutine alongside the Root Planner.
func (r *Reconciler) Run(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	if r.watchEnabled {
		stopWatch := r.startWatch(ctx)
		defer stopWatch()
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		case <-r.requestC:
			r.sweep(ctx)
		}
	}
}

// Running reports whether Run's loop is currently active.
func (r *Reconciler) Running() bool { return r.running.Load() }

func (r *Reconciler) emitIssue(issue Issue) {
	if r.bus == nil {
		return
	}
	ev := task.NewEvent(task.EventReconcilerIssue)
	ev.Status = string(issue.Rule)
	ev.Description = fmt.Sprintf("%s: %s (%s)", issue.Path, issue.Detail, issue.Rule)
	r.bus.Emit(ev)
}

func (r *Reconciler) sweep(ctx context.Context) {
	snapshot, err := r.reader.Snapshot()
	if err != nil {
		r.logger.Warn("reconciler: snapshot failed", "error", err)
		return
	}

	contents := r.reader.ReadContents(snapshot.Paths, state.DefaultMaxChars)

	issues := scan(snapshot.Paths, contents)
	if len(issues) == 0 {
		return
	}
	for _, issue := range issues {
		r.emitIssue(issue)
	}

	if len(issues) > MaxIssues {
		r.logger.Info("reconciler: truncating issues for fix-task prompt", "found", len(issues), "used", MaxIssues)
		issues = issues[:MaxIssues]
	}

	userMsg := r.buildUserMessage(issues, contents)
	resp, err := r.llm.Complete(ctx, llmclient.Request{Messages: []llmclient.Message{
		{Role: "system", Content: r.prompt},
		{Role: "user", Content: userMsg},
	}})
	if err != nil {
		r.logger.Warn("reconciler: LLM call failed", "error", err)
		return
	}

	raw := parse.ParseFixTasks(resp.Content)
	if len(raw) > MaxFixTasks {
		raw = raw[:MaxFixTasks]
	}

	tasks := make([]task.Task, 0, len(raw))
	for _, rt := range raw {
		id := rt.ID
		if id == "" {
			id = fmt.Sprintf("fix-%d-%s", r.fixSeq.Add(1), uuid.NewString()[:8])
		}
		t, ok := task.New(id, "", rt.Description, rt.Scope, rt.Acceptance, task.ParseTeam(rt.Team), rt.Priority)
		if !ok {
			continue
		}
		tasks = append(tasks, t)
	}

	if len(tasks) == 0 {
		return
	}
	r.logger.Info("reconciler: injecting fix tasks", "count", len(tasks), "issues", len(issues))
	r.inject(tasks)
}

func (r *Reconciler) buildUserMessage(issues []Issue, contents map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d structural issue(s):\n", len(issues))
	seenFiles := map[string]bool{}
	for _, is := range issues {
		fmt.Fprintf(&b, "- [%s] %s: %s", is.Rule, is.Path, is.Detail)
		if is.Count > 0 {
			fmt.Fprintf(&b, " (count: %d)", is.Count)
		}
		b.WriteByte('\n')
		seenFiles[is.Path] = true
	}

	b.WriteString("\nAffected file contents:\n")
	for path := range seenFiles {
		content, ok := contents[path]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", path, content)
	}
	return b.String()
}

// scan runs every rule over every file and returns the combined issue list,
// deterministically ordered by path then rule.
func scan(paths []string, contents map[string]string) []Issue {
	markerDirs := packageMarkerDirs(paths)

	var issues []Issue
	for _, p := range paths {
		content, hasContent := contents[p]

		if task.IsAssetExtension(p) {
			issues = append(issues, Issue{Path: p, Rule: RuleAssetViolation, Detail: "asset file committed to source tree"})
			continue
		}

		if !hasContent {
			continue
		}

		if len(content) == 0 {
			issues = append(issues, Issue{Path: p, Rule: RuleEmptyFile, Detail: "file is empty"})
			continue
		}

		if n := len(todoPattern.FindAllString(content, -1)); n > 0 {
			issues = append(issues, Issue{Path: p, Rule: RulePlaceholder, Detail: "TODO marker(s) found", Count: n})
		}
		if n := len(placeholderPattern.FindAllString(content, -1)); n > 0 {
			issues = append(issues, Issue{Path: p, Rule: RulePlaceholder, Detail: "placeholder pass statement(s) found", Count: n})
		}

		for _, re := range assetLoadPatterns {
			if m := re.FindAllString(content, -1); len(m) > 0 {
				issues = append(issues, Issue{Path: p, Rule: RuleAssetLoadInCode, Detail: "programmatic asset load detected", Count: len(m)})
				break
			}
		}

		if dir := filepath.ToSlash(filepath.Dir(p)); markerDirs[dir] {
			if imp, ok := bareIntraPackageImport(content, dir, markerDirs); ok {
				issues = append(issues, Issue{Path: p, Rule: RuleBareIntraPkgImport, Detail: fmt.Sprintf("unqualified import %q should be a relative import", imp)})
			}
		}
	}
	return issues
}

func packageMarkerDirs(paths []string) map[string]bool {
	dirs := make(map[string]bool)
	for _, p := range paths {
		base := filepath.Base(p)
		for _, marker := range packageMarkers {
			if base == marker {
				dirs[filepath.ToSlash(filepath.Dir(p))] = true
			}
		}
	}
	return dirs
}

// bareIntraPackageImport reports the first unqualified import in content
// whose name matches a sibling package directory rather than a stdlib or
// third-party module.
func bareIntraPackageImport(content, dir string, markerDirs map[string]bool) (string, bool) {
	siblings := siblingPackageNames(dir, markerDirs)
	for _, m := range bareImportPattern.FindAllStringSubmatch(content, -1) {
		root := strings.SplitN(m[1], ".", 2)[0]
		if stdlibAndThirdPartyAllowlist[root] {
			continue
		}
		if siblings[root] {
			return m[1], true
		}
	}
	return "", false
}

// siblingPackageNames returns the base names of sub-package directories
// directly inside dir — the modules a bare "import utils" from a file in
// dir could be mistaken to mean, versus a genuine top-level module.
func siblingPackageNames(dir string, markerDirs map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for d := range markerDirs {
		if filepath.ToSlash(filepath.Dir(d)) == dir && d != dir {
			out[filepath.Base(d)] = true
		}
	}
	return out
}

func (r *Reconciler) startWatch(ctx context.Context) func() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Warn("reconciler: file watch disabled, could not start", "error", err)
		return func() {}
	}
	if err := watcher.Add(r.watchDir); err != nil {
		r.logger.Warn("reconciler: file watch disabled, could not watch dir", "dir", r.watchDir, "error", err)
		watcher.Close()
		return func() {}
	}

	var mu sync.Mutex
	var timer *time.Timer

	requestSweep := func() {
		select {
		case r.requestC <- struct{}{}:
		default:
		}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(watchDebounce, requestSweep)
				mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("reconciler: watch error", "error", err)
			}
		}
	}()

	return func() { watcher.Close() }
}
