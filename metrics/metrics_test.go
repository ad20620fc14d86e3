package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codesynth/codesynth/task"
)

func TestRecordHandoff_IncrementsLabeledCounter(t *testing.T) {
	c := New()
	c.RecordHandoff(task.Handoff{Status: task.HandoffComplete})
	c.RecordHandoff(task.Handoff{Status: task.HandoffFailed})
	c.RecordHandoff(task.Handoff{Status: task.HandoffComplete})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, `codesynth_handoffs_total{status="complete"} 2`)
	assert.Contains(t, body, `codesynth_handoffs_total{status="failed"} 1`)
}

func TestRecordDispatch_IncrementsLabeledCounter(t *testing.T) {
	c := New()
	c.RecordDispatch(task.TeamEngineering)
	c.RecordDispatch(task.TeamEngineering)
	c.RecordDispatch(task.TeamQuality)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	require.True(t, strings.Contains(body, `team="engineering"`))
	assert.Contains(t, body, `codesynth_tasks_dispatched_total{team="engineering"} 2`)
	assert.Contains(t, body, `codesynth_tasks_dispatched_total{team="quality"} 1`)
}

func TestActiveWorkersGauge(t *testing.T) {
	c := New()
	c.ActiveWorkers.Set(3)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Contains(t, rec.Body.String(), "codesynth_active_workers 3")
}
