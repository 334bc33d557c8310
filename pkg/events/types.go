package events

import (
	"time"
)

// EventType enumerates everything the engine reports while driving a run.
type EventType string

// Run lifecycle events
const (
	RunStart EventType = "run_start"
	RunEnd   EventType = "run_end"
	RunError EventType = "run_error"
)

// FSM events
const (
	StateTransition   EventType = "state_transition"
	InvalidTransition EventType = "invalid_transition"
	EnginePaused      EventType = "engine_paused"
	EngineResumed     EventType = "engine_resumed"
	StepLimitReached  EventType = "step_limit_reached"
)

// Remote call events
const (
	PlannerCallStart   EventType = "planner_call_start"
	PlannerCallEnd     EventType = "planner_call_end"
	PlannerCallError   EventType = "planner_call_error"
	GeneratorCallStart EventType = "generator_call_start"
	GeneratorCallEnd   EventType = "generator_call_end"
	GeneratorCallError EventType = "generator_call_error"
	CodeExecutionStart EventType = "code_execution_start"
	CodeExecutionEnd   EventType = "code_execution_end"
)

// Notebook and action events
const (
	ActionDispatched EventType = "action_dispatched"
	ActionCompleted  EventType = "action_completed"
	ActionFailed     EventType = "action_failed"
	ActionSkipped    EventType = "action_skipped"
	CellAdded        EventType = "cell_added"
	CellUpdated      EventType = "cell_updated"
	TitleUpdated     EventType = "title_updated"
)

// Template events
const (
	WorkflowUpdatePending   EventType = "workflow_update_pending"
	WorkflowUpdateConfirmed EventType = "workflow_update_confirmed"
	WorkflowUpdateRejected  EventType = "workflow_update_rejected"
	StageStepsUpdated       EventType = "stage_steps_updated"
	ContextUpdateApplied    EventType = "context_update_applied"
)

// WorkflowEvent is the envelope every engine event travels in. SessionID
// groups all events of one run; EventIndex is assigned by the event store
// and strictly increases within a session.
type WorkflowEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	EventIndex    int       `json:"event_index"`
	TraceID       string    `json:"trace_id,omitempty"`
	SpanID        string    `json:"span_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	Component     string    `json:"component,omitempty"`
	Data          EventData `json:"data"`
}

// EventData is implemented by every typed event payload.
type EventData interface {
	GetEventType() EventType
}

// BaseEventData carries the fields shared by all payloads.
type BaseEventData struct {
	Timestamp     time.Time              `json:"timestamp"`
	TraceID       string                 `json:"trace_id,omitempty"`
	SessionID     string                 `json:"session_id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Component     string                 `json:"component,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// GetBaseEventData returns a pointer to the embedded BaseEventData.
func (b *BaseEventData) GetBaseEventData() *BaseEventData {
	return b
}

// GetComponentFromEventType maps an event type to its producing component.
func GetComponentFromEventType(eventType EventType) string {
	switch {
	case eventType == StateTransition || eventType == InvalidTransition ||
		eventType == EnginePaused || eventType == EngineResumed ||
		eventType == StepLimitReached || eventType == RunStart ||
		eventType == RunEnd || eventType == RunError:
		return "engine"
	case eventType == PlannerCallStart || eventType == PlannerCallEnd || eventType == PlannerCallError:
		return "planner"
	case eventType == GeneratorCallStart || eventType == GeneratorCallEnd || eventType == GeneratorCallError:
		return "generator"
	case eventType == CodeExecutionStart || eventType == CodeExecutionEnd:
		return "executor"
	case eventType == ActionDispatched || eventType == ActionCompleted ||
		eventType == ActionFailed || eventType == ActionSkipped:
		return "actions"
	case eventType == CellAdded || eventType == CellUpdated || eventType == TitleUpdated:
		return "notebook"
	default:
		return "engine"
	}
}
