package task

import "time"

// EventType is the closed set of EngineEvent discriminants.
type EventType string

const (
	EventEngineStarted      EventType = "engine_started"
	EventSpecCreated        EventType = "spec_created"
	EventPlanningIteration  EventType = "planning_iteration"
	EventTaskDispatched     EventType = "task_dispatched"
	EventTaskStarted        EventType = "task_started"
	EventTaskCompleted      EventType = "task_completed"
	EventSubplannerStarted  EventType = "subplanner_started"
	EventSubtaskDispatched  EventType = "subtask_dispatched"
	EventReconcilerIssue    EventType = "reconciler_issue"
	EventBuildComplete      EventType = "build_complete"
	EventValidationStarted  EventType = "validation_started"
	EventValidationResult   EventType = "validation_result"
	EventEngineDone         EventType = "engine_done"
)

// Event is a discriminated progress record published on the Event Bus.
// Every field besides Type and Timestamp is optional; which fields are
// populated depends on Type.
type Event struct {
	Type        EventType
	TaskID      string
	ParentID    string
	Team        Team
	Description string
	Status      string
	Data        map[string]any
	Timestamp   time.Time
}

// NewEvent stamps an Event with the current time.
func NewEvent(t EventType) Event {
	return Event{Type: t, Timestamp: time.Now()}
}

// Role is a Conversation message's speaker tag.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationMessage is one role-tagged turn.
type ConversationMessage struct {
	Role    Role
	Content string
}

// Conversation is an ordered sequence of role-tagged messages, held per
// Planner or Sub-Planner invocation and subject to compaction once it
// grows past a character budget.
type Conversation []ConversationMessage

// CharLen returns the total character count across every message's
// content, the quantity compaction thresholds are measured against.
func (c Conversation) CharLen() int {
	total := 0
	for _, m := range c {
		total += len(m.Content)
	}
	return total
}

// Append returns a new Conversation with msg appended.
func (c Conversation) Append(role Role, content string) Conversation {
	return append(c, ConversationMessage{Role: role, Content: content})
}
