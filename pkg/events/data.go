package events

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// NewWorkflowEvent wraps a typed payload in the standard envelope.
func NewWorkflowEvent(eventType EventType, sessionID string, data EventData) *WorkflowEvent {
	return &WorkflowEvent{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Component: GetComponentFromEventType(eventType),
		Data:      data,
	}
}

// GenerateCorrelationID returns a short random ID linking start/end pairs.
func GenerateCorrelationID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("corr-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// RunStartEvent marks the start of an engine run.
type RunStartEvent struct {
	BaseEventData
	RunID       string `json:"run_id"`
	ProblemName string `json:"problem_name"`
	UserGoal    string `json:"user_goal"`
	StageCount  int    `json:"stage_count"`
}

func (e *RunStartEvent) GetEventType() EventType { return RunStart }

// RunEndEvent marks the end of an engine run.
type RunEndEvent struct {
	BaseEventData
	RunID      string        `json:"run_id"`
	FinalState string        `json:"final_state"`
	Duration   time.Duration `json:"duration"`
	StepCount  int           `json:"step_count"`
	CellCount  int           `json:"cell_count"`
}

func (e *RunEndEvent) GetEventType() EventType { return RunEnd }

// RunErrorEvent reports a run that ended in the error state.
type RunErrorEvent struct {
	BaseEventData
	RunID string `json:"run_id"`
	Error string `json:"error"`
	State string `json:"state"`
}

func (e *RunErrorEvent) GetEventType() EventType { return RunError }

// StateTransitionEvent records one FSM transition.
type StateTransitionEvent struct {
	BaseEventData
	FromState string `json:"from_state"`
	Event     string `json:"event"`
	ToState   string `json:"to_state"`
	StageID   string `json:"stage_id,omitempty"`
	StepID    string `json:"step_id,omitempty"`
}

func (e *StateTransitionEvent) GetEventType() EventType { return StateTransition }

// InvalidTransitionEvent records an event that had no defined transition.
type InvalidTransitionEvent struct {
	BaseEventData
	State string `json:"state"`
	Event string `json:"event"`
}

func (e *InvalidTransitionEvent) GetEventType() EventType { return InvalidTransition }

// EnginePausedEvent reports the engine parking on its current state.
type EnginePausedEvent struct {
	BaseEventData
	State       string `json:"state"`
	StepCounter int    `json:"step_counter"`
	Reason      string `json:"reason"` // "pause_requested" or "step_limit"
}

func (e *EnginePausedEvent) GetEventType() EventType { return EnginePaused }

// EngineResumedEvent reports a resume after a pause.
type EngineResumedEvent struct {
	BaseEventData
	State string `json:"state"`
}

func (e *EngineResumedEvent) GetEventType() EventType { return EngineResumed }

// StepLimitReachedEvent reports the max-step gate tripping.
type StepLimitReachedEvent struct {
	BaseEventData
	StepCounter int `json:"step_counter"`
	MaxSteps    int `json:"max_steps"`
}

func (e *StepLimitReachedEvent) GetEventType() EventType { return StepLimitReached }

// PlannerCallEvent covers planner call start/end/error.
type PlannerCallEvent struct {
	BaseEventData
	Phase          string        `json:"phase"` // "start", "end", "error"
	StageID        string        `json:"stage_id"`
	StepID         string        `json:"step_id"`
	BehaviorID     string        `json:"behavior_id,omitempty"`
	TargetAchieved bool          `json:"target_achieved,omitempty"`
	Duration       time.Duration `json:"duration,omitempty"`
	Error          string        `json:"error,omitempty"`
}

func (e *PlannerCallEvent) GetEventType() EventType {
	switch e.Phase {
	case "end":
		return PlannerCallEnd
	case "error":
		return PlannerCallError
	default:
		return PlannerCallStart
	}
}

// GeneratorCallEvent covers generator call start/end/error.
type GeneratorCallEvent struct {
	BaseEventData
	Phase       string        `json:"phase"`
	BehaviorID  string        `json:"behavior_id"`
	ActionCount int           `json:"action_count,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Error       string        `json:"error,omitempty"`
}

func (e *GeneratorCallEvent) GetEventType() EventType {
	switch e.Phase {
	case "end":
		return GeneratorCallEnd
	case "error":
		return GeneratorCallError
	default:
		return GeneratorCallStart
	}
}

// CodeExecutionEvent covers a single kernel execution.
type CodeExecutionEvent struct {
	BaseEventData
	Phase       string        `json:"phase"`
	CellID      string        `json:"cell_id"`
	OutputCount int           `json:"output_count,omitempty"`
	Status      string        `json:"status,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
}

func (e *CodeExecutionEvent) GetEventType() EventType {
	if e.Phase == "end" {
		return CodeExecutionEnd
	}
	return CodeExecutionStart
}

// ActionEvent covers action dispatch outcomes.
type ActionEvent struct {
	BaseEventData
	ActionType  string `json:"action_type"`
	ActionIndex int    `json:"action_index"`
	BehaviorID  string `json:"behavior_id"`
	Outcome     string `json:"outcome"` // "dispatched", "completed", "failed", "skipped"
	Error       string `json:"error,omitempty"`
}

func (e *ActionEvent) GetEventType() EventType {
	switch e.Outcome {
	case "completed":
		return ActionCompleted
	case "failed":
		return ActionFailed
	case "skipped":
		return ActionSkipped
	default:
		return ActionDispatched
	}
}

// CellEvent reports a notebook cell mutation.
type CellEvent struct {
	BaseEventData
	CellID   string `json:"cell_id"`
	CellKind string `json:"cell_kind"`
	Updated  bool   `json:"updated"`
}

func (e *CellEvent) GetEventType() EventType {
	if e.Updated {
		return CellUpdated
	}
	return CellAdded
}

// TitleUpdatedEvent reports a notebook title change.
type TitleUpdatedEvent struct {
	BaseEventData
	Title string `json:"title"`
}

func (e *TitleUpdatedEvent) GetEventType() EventType { return TitleUpdated }

// WorkflowUpdateEvent covers the two-phase template replacement.
type WorkflowUpdateEvent struct {
	BaseEventData
	Phase      string `json:"phase"` // "pending", "confirmed", "rejected"
	StageCount int    `json:"stage_count"`
}

func (e *WorkflowUpdateEvent) GetEventType() EventType {
	switch e.Phase {
	case "confirmed":
		return WorkflowUpdateConfirmed
	case "rejected":
		return WorkflowUpdateRejected
	default:
		return WorkflowUpdatePending
	}
}

// StageStepsUpdatedEvent reports an in-place stage step replacement.
type StageStepsUpdatedEvent struct {
	BaseEventData
	StageID   string `json:"stage_id"`
	StepCount int    `json:"step_count"`
}

func (e *StageStepsUpdatedEvent) GetEventType() EventType { return StageStepsUpdated }

// ContextUpdateAppliedEvent reports a planner context delta being applied.
type ContextUpdateAppliedEvent struct {
	BaseEventData
	Keys []string `json:"keys"`
}

func (e *ContextUpdateAppliedEvent) GetEventType() EventType { return ContextUpdateApplied }
