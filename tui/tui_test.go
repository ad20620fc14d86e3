package tui

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/codesynth/codesynth/eventbus"
	"github.com/codesynth/codesynth/task"
)

func TestApply_TracksTaskLifecycle(t *testing.T) {
	bus := eventbus.New()
	m := New(bus)

	m.apply(task.Event{Type: task.EventTaskDispatched, TaskID: "task-001", Team: task.TeamEngineering})
	m.apply(task.Event{Type: task.EventTaskStarted, TaskID: "task-001"})
	m.apply(task.Event{Type: task.EventTaskCompleted, TaskID: "task-001", Status: string(task.HandoffComplete), Description: "wrote main.go"})

	assert.Len(t, m.rows, 1)
	assert.Equal(t, string(task.HandoffComplete), m.rows[0].status)
	assert.Contains(t, m.log, "wrote main.go")
}

func TestApply_LogTruncatesToMaxLogLines(t *testing.T) {
	bus := eventbus.New()
	m := New(bus)

	for i := 0; i < maxLogLines+20; i++ {
		m.apply(task.Event{Type: task.EventPlanningIteration})
	}

	assert.LessOrEqual(t, len(m.log), maxLogLines)
}

func TestView_RendersSummaryOnceDone(t *testing.T) {
	bus := eventbus.New()
	m := New(bus)
	m.apply(task.Event{Type: task.EventTaskDispatched, TaskID: "task-001", Team: task.TeamEngineering})
	m.done = true
	m.summary = "# Build complete\n\nDone."

	out := m.View()
	assert.Contains(t, out, "task-001")
	assert.Contains(t, out, "Build complete")
}
