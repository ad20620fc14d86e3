// Package tui is a Bubble Tea live progress view over the engine's Event
// Bus: a task list with spinners, a scrolling log pane, and a
// Glamour-rendered build summary once the run finishes. It is a pure
// consumer of the Event Bus's public subscription interface and never
// touches orchestration logic.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/codesynth/codesynth/eventbus"
	"github.com/codesynth/codesynth/task"
)

const maxLogLines = 200

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	completeMark = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("✓")
	failedMark   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render("✗")
)

// taskRow tracks one task's latest known state for display.
type taskRow struct {
	id     string
	team   task.Team
	status string
}

// Model is the Bubble Tea model driving the progress view.
type Model struct {
	sub    eventbus.Queue
	unsub  func()
	spin   spinner.Model
	rows   []taskRow
	rowIdx map[string]int
	log    []string
	done   bool
	summary string
}

// eventMsg wraps a task.Event for Bubble Tea's message loop.
type eventMsg task.Event

// New constructs a Model subscribed to bus.
func New(bus *eventbus.Bus) Model {
	q, unsub := bus.Subscribe()
	s := spinner.New()
	s.Spinner = spinner.Dot
	return Model{
		sub:    q,
		unsub:  unsub,
		spin:   s,
		rowIdx: map[string]int{},
	}
}

// Init starts the spinner and the event-listening command.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, waitForEvent(m.sub))
}

func waitForEvent(q eventbus.Queue) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-q
		if !ok {
			return eventMsg{Type: task.EventEngineDone}
		}
		return eventMsg(ev)
	}
}

// Update handles Bubble Tea messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.unsub()
			return m, tea.Quit
		}
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	case eventMsg:
		m.apply(task.Event(msg))
		if msg.Type == task.EventEngineDone {
			m.done = true
			return m, tea.Quit
		}
		return m, waitForEvent(m.sub)
	}
	return m, nil
}

func (m *Model) apply(ev task.Event) {
	switch ev.Type {
	case task.EventTaskDispatched:
		m.rowIdx[ev.TaskID] = len(m.rows)
		m.rows = append(m.rows, taskRow{id: ev.TaskID, team: ev.Team, status: "dispatched"})
	case task.EventTaskStarted:
		m.setStatus(ev.TaskID, "running")
	case task.EventTaskCompleted:
		m.setStatus(ev.TaskID, ev.Status)
	case task.EventReconcilerIssue:
		m.appendLog(fmt.Sprintf("reconciler: %s", ev.Description))
	case task.EventPlanningIteration:
		m.appendLog("planner: new iteration")
	case task.EventBuildComplete:
		m.summary = ev.Description
	}
	if ev.Description != "" && ev.Type != task.EventReconcilerIssue {
		m.appendLog(ev.Description)
	}
}

func (m *Model) setStatus(id, status string) {
	if i, ok := m.rowIdx[id]; ok {
		m.rows[i].status = status
	}
}

func (m *Model) appendLog(line string) {
	m.log = append(m.log, line)
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
}

// View renders the task list, log pane, and — once the run is done — the
// Glamour-formatted build summary.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("codesynth — build progress"))
	b.WriteString("\n\n")

	for _, r := range m.rows {
		mark := m.spin.View()
		switch r.status {
		case string(task.HandoffComplete):
			mark = completeMark
		case string(task.HandoffFailed):
			mark = failedMark
		}
		fmt.Fprintf(&b, "%s %s %s\n", mark, r.id, dimStyle.Render(string(r.team)))
	}

	b.WriteString("\n")
	start := 0
	if len(m.log) > 12 {
		start = len(m.log) - 12
	}
	for _, line := range m.log[start:] {
		b.WriteString(dimStyle.Render(line))
		b.WriteString("\n")
	}

	if m.done && m.summary != "" {
		rendered, err := glamour.Render(m.summary, "dark")
		if err == nil {
			b.WriteString("\n")
			b.WriteString(rendered)
		}
	}

	return b.String()
}
