// Package parse turns raw, frequently-malformed LLM text output into the
// structured PlannerResponse and WorkerResult values the rest of the engine
// operates on. LLM output is JSON-like but not reliably valid JSON; the
// parse pipeline is a five-stage cascade, each stage attempted on the
// output of the previous, that degrades gracefully down to an
// object-by-object salvage pass which always produces a result.
package parse

import (
	"encoding/json"
	"regexp"

	"github.com/codesynth/codesynth/task"
)

// RawTask is a planner-proposed task before ID assignment, team
// normalization, and scope narrowing are applied by the caller.
type RawTask struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Scope       []string `json:"scope"`
	Acceptance  string   `json:"acceptance"`
	Priority    int      `json:"priority"`
	Team        string   `json:"team"`
}

// PlannerResponse is the decoded shape of a planning LLM call.
type PlannerResponse struct {
	Scratchpad string    `json:"scratchpad"`
	Tasks      []RawTask `json:"tasks"`
	// Salvaged is true when the result came from stage 5 rather than a
	// clean decode of the full document.
	Salvaged bool
}

var (
	scratchpadFallback = regexp.MustCompile(`(?s)"scratchpad"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	summaryFallback    = regexp.MustCompile(`(?s)"summary"\s*:\s*"((?:[^"\\]|\\.)*)"`)
)

// ParsePlannerResponse runs the five-stage cascade against raw LLM text and
// returns a PlannerResponse. It never errors: stage 5 always produces a
// result, possibly with zero tasks.
func ParsePlannerResponse(raw string) PlannerResponse {
	candidate := stripFences(raw)

	if body := extractBraces(candidate, '{', '}'); body != "" {
		var resp PlannerResponse
		if json.Unmarshal([]byte(body), &resp) == nil {
			return dedupeTasks(resp)
		}

		repaired := repairStringWhitespace(body)
		if json.Unmarshal([]byte(repaired), &resp) == nil {
			return dedupeTasks(resp)
		}

		closed := closeUnbalanced(trimTrailingCommas(repaired))
		if json.Unmarshal([]byte(closed), &resp) == nil {
			return dedupeTasks(resp)
		}
	}

	return salvagePlannerResponse(candidate)
}

func salvagePlannerResponse(raw string) PlannerResponse {
	resp := PlannerResponse{Salvaged: true}

	if m := scratchpadFallback.FindStringSubmatch(raw); m != nil {
		resp.Scratchpad = unescapeJSONString(m[1])
	}

	body, ok := findArrayBody(raw, "tasks")
	if !ok {
		return dedupeTasks(resp)
	}

	seen := make(map[string]bool)
	for _, objRaw := range splitTopLevelObjects(body) {
		repaired := closeUnbalanced(trimTrailingCommas(repairStringWhitespace(objRaw)))
		var rt RawTask
		if json.Unmarshal([]byte(objRaw), &rt) != nil {
			if json.Unmarshal([]byte(repaired), &rt) != nil {
				continue
			}
		}
		if rt.Description == "" {
			continue
		}
		if rt.ID != "" && seen[rt.ID] {
			continue
		}
		if rt.ID != "" {
			seen[rt.ID] = true
		}
		resp.Tasks = append(resp.Tasks, rt)
	}
	return resp
}

func dedupeTasks(resp PlannerResponse) PlannerResponse {
	if len(resp.Tasks) == 0 {
		return resp
	}
	seen := make(map[string]bool, len(resp.Tasks))
	kept := resp.Tasks[:0]
	for _, t := range resp.Tasks {
		if t.ID != "" {
			if seen[t.ID] {
				continue
			}
			seen[t.ID] = true
		}
		kept = append(kept, t)
	}
	resp.Tasks = kept
	return resp
}

// RawFileOperation is a worker-proposed file write before path-safety
// validation is applied by the caller.
type RawFileOperation struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type rawHandoff struct {
	Status       string `json:"status"`
	Summary      string `json:"summary"`
	FilesChanged []any  `json:"files_changed"`
	Concerns     []any  `json:"concerns"`
	Suggestions  []any  `json:"suggestions"`
}

type rawWorkerResult struct {
	Handoff        rawHandoff         `json:"handoff"`
	FileOperations []RawFileOperation `json:"file_operations"`
}

const salvageConcern = "Worker response was malformed — salvaged what was possible"

// ParseWorkerResult runs the five-stage cascade against raw worker LLM text
// and returns a task.WorkerResult. It never errors.
func ParseWorkerResult(raw string) task.WorkerResult {
	candidate := stripFences(raw)

	if body := extractBraces(candidate, '{', '}'); body != "" {
		if wr, ok := decodeWorkerResult(body); ok {
			return wr
		}
		repaired := repairStringWhitespace(body)
		if wr, ok := decodeWorkerResult(repaired); ok {
			return wr
		}
		closed := closeUnbalanced(trimTrailingCommas(repaired))
		if wr, ok := decodeWorkerResult(closed); ok {
			return wr
		}
	}

	return salvageWorkerResult(candidate)
}

func decodeWorkerResult(body string) (task.WorkerResult, bool) {
	var raw rawWorkerResult
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return task.WorkerResult{}, false
	}
	return toWorkerResult(raw), true
}

func toWorkerResult(raw rawWorkerResult) task.WorkerResult {
	status := task.HandoffStatus(raw.Handoff.Status)
	switch status {
	case task.HandoffComplete, task.HandoffPartial, task.HandoffBlocked, task.HandoffFailed:
	default:
		status = task.HandoffPartial
	}

	ops := make([]task.FileOperation, 0, len(raw.FileOperations))
	for _, op := range raw.FileOperations {
		if op.Path == "" {
			continue
		}
		ops = append(ops, task.FileOperation{Path: op.Path, Content: op.Content})
	}

	return task.WorkerResult{
		Handoff: task.Handoff{
			Status:       status,
			Summary:      raw.Handoff.Summary,
			FilesChanged: task.CoerceStrings(raw.Handoff.FilesChanged),
			Concerns:     task.CoerceStrings(raw.Handoff.Concerns),
			Suggestions:  task.CoerceStrings(raw.Handoff.Suggestions),
		},
		FileOperations: ops,
	}
}

func salvageWorkerResult(raw string) task.WorkerResult {
	var ops []task.FileOperation
	if body, ok := findArrayBody(raw, "file_operations"); ok {
		for _, objRaw := range splitTopLevelObjects(body) {
			repaired := closeUnbalanced(trimTrailingCommas(repairStringWhitespace(objRaw)))
			var rfo RawFileOperation
			if json.Unmarshal([]byte(objRaw), &rfo) != nil {
				if json.Unmarshal([]byte(repaired), &rfo) != nil {
					continue
				}
			}
			if rfo.Path == "" || rfo.Content == "" {
				continue
			}
			ops = append(ops, task.FileOperation{Path: rfo.Path, Content: rfo.Content})
		}
	}

	status := task.HandoffFailed
	if len(ops) > 0 {
		status = task.HandoffPartial
	}

	summary := ""
	if m := summaryFallback.FindStringSubmatch(raw); m != nil {
		summary = unescapeJSONString(m[1])
	}

	changedPaths := make([]string, 0, len(ops))
	for _, op := range ops {
		changedPaths = append(changedPaths, op.Path)
	}

	return task.WorkerResult{
		Handoff: task.Handoff{
			Status:       status,
			Summary:      summary,
			FilesChanged: changedPaths,
			Concerns:     []string{salvageConcern},
		},
		FileOperations: ops,
	}
}

// ParseFixTasks runs the same cascade against a bare JSON array of tasks —
// the shape the Reconciler's fix-task prompt asks for, with no wrapping
// object. It never errors: an unparseable response yields an empty slice.
func ParseFixTasks(raw string) []RawTask {
	candidate := stripFences(raw)

	body := extractBraces(candidate, '[', ']')
	if body == "" {
		return nil
	}
	inner := body[1 : len(body)-1]

	var tasks []RawTask
	if json.Unmarshal([]byte(body), &tasks) == nil {
		return tasks
	}

	repaired := closeUnbalanced(trimTrailingCommas(repairStringWhitespace(body)))
	if json.Unmarshal([]byte(repaired), &tasks) == nil {
		return tasks
	}

	for _, objRaw := range splitTopLevelObjects(inner) {
		fixed := closeUnbalanced(trimTrailingCommas(repairStringWhitespace(objRaw)))
		var rt RawTask
		if json.Unmarshal([]byte(objRaw), &rt) != nil {
			if json.Unmarshal([]byte(fixed), &rt) != nil {
				continue
			}
		}
		if rt.Description == "" {
			continue
		}
		tasks = append(tasks, rt)
	}
	return tasks
}

func unescapeJSONString(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err == nil {
		return out
	}
	return s
}
