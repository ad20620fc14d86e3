// Package metrics exposes the engine's Prometheus collectors: a small set
// of counters, gauges, and histograms tracking worker activity, dispatch
// volume, handoff outcomes, planning latency, and parser salvage rate.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codesynth/codesynth/task"
)

// Collectors holds every metric the engine reports, registered against a
// dedicated registry so `codesynth serve` can expose them without pulling
// in the default global registry's process/Go runtime noise unless asked.
type Collectors struct {
	registry *prometheus.Registry

	ActiveWorkers      prometheus.Gauge
	TasksDispatched    *prometheus.CounterVec
	HandoffsByStatus   *prometheus.CounterVec
	PlanningIteration  prometheus.Histogram
	ParserSalvageTotal prometheus.Counter
	ReconcilerIssues   *prometheus.CounterVec
}

// New constructs and registers a fresh Collectors set.
func New() *Collectors {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collectors{
		registry: reg,

		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "codesynth",
			Name:      "active_workers",
			Help:      "Number of dispatched tasks that have not yet reported a handoff.",
		}),
		TasksDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codesynth",
			Name:      "tasks_dispatched_total",
			Help:      "Tasks dispatched to the worker pool or sub-planner, labeled by team.",
		}, []string{"team"}),
		HandoffsByStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codesynth",
			Name:      "handoffs_total",
			Help:      "Completed task handoffs, labeled by terminal status.",
		}, []string{"status"}),
		PlanningIteration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "codesynth",
			Name:      "planning_iteration_seconds",
			Help:      "Wall-clock duration of one Root Planner or Sub-Planner LLM call plus parse.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		ParserSalvageTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "codesynth",
			Name:      "parser_salvage_total",
			Help:      "Responses that required the object-by-object salvage stage of the parser cascade.",
		}),
		ReconcilerIssues: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codesynth",
			Name:      "reconciler_issues_total",
			Help:      "Structural issues found by the Reconciler's rule-based sweep, labeled by rule.",
		}, []string{"rule"}),
	}
	return c
}

// RecordHandoff increments the HandoffsByStatus counter for h's status.
func (c *Collectors) RecordHandoff(h task.Handoff) {
	c.RecordHandoffStatus(string(h.Status))
}

// RecordHandoffStatus increments the HandoffsByStatus counter directly,
// for callers (the Event Bus bridge) that only have the status string off
// an Event rather than a full Handoff.
func (c *Collectors) RecordHandoffStatus(status string) {
	c.HandoffsByStatus.WithLabelValues(status).Inc()
}

// RecordDispatch increments TasksDispatched for the given team.
func (c *Collectors) RecordDispatch(team task.Team) {
	c.TasksDispatched.WithLabelValues(string(team)).Inc()
}

// RecordReconcilerIssue increments ReconcilerIssues for the given rule.
func (c *Collectors) RecordReconcilerIssue(rule string) {
	c.ReconcilerIssues.WithLabelValues(rule).Inc()
}

// RecordPlanningIteration observes one planning round's duration and, if
// the parser fell back to its salvage stage to read the round's response,
// increments ParserSalvageTotal. data is an EventPlanningIteration's Data
// map, carrying "duration_seconds" (float64) and "salvaged" (bool).
func (c *Collectors) RecordPlanningIteration(data map[string]any) {
	if seconds, ok := data["duration_seconds"].(float64); ok {
		c.PlanningIteration.Observe(seconds)
	}
	if salvaged, ok := data["salvaged"].(bool); ok && salvaged {
		c.ParserSalvageTotal.Inc()
	}
}

// Handler returns an http.Handler serving this Collectors set in the
// Prometheus text exposition format, for mounting under /metrics.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
