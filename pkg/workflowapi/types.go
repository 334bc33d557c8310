package workflowapi

import (
	"encoding/json"

	"nbflow/engine_go/pkg/pipeline"
)

// Action type strings produced by the generator.
const (
	ActionAdd              = "add"
	ActionExec             = "exec"
	ActionNewChapter       = "new_chapter"
	ActionNewSection       = "new_section"
	ActionIsThinking       = "is_thinking"
	ActionFinishThinking   = "finish_thinking"
	ActionUpdateTitle      = "update_title"
	ActionUpdateWorkflow   = "update_workflow"
	ActionUpdateStageSteps = "update_stage_steps"
	ActionEndPhase         = "end_phase"
	ActionNextEvent        = "next_event"
)

// Action is one generator-produced action descriptor. The Type field
// selects which of the remaining fields are meaningful.
type Action struct {
	Type            string             `json:"action"`
	Content         string             `json:"content,omitempty"`
	ShotType        string             `json:"shot_type,omitempty"`
	CodeCellID      string             `json:"codecell_id,omitempty"`
	NeedOutput      bool               `json:"need_output,omitempty"`
	ThinkingText    string             `json:"thinking_text,omitempty"`
	AgentName       string             `json:"agent_name,omitempty"`
	Title           string             `json:"title,omitempty"`
	UpdatedWorkflow *pipeline.Template `json:"updated_workflow,omitempty"`
	StageID         string             `json:"stage_id,omitempty"`
	UpdatedSteps    []pipeline.Step    `json:"updated_steps,omitempty"`
	StepID          string             `json:"step_id,omitempty"`
	EventType       string             `json:"event_type,omitempty"`
}

// actionLine is the NDJSON line envelope: {"action": <descriptor>}.
type actionLine struct {
	Action *Action `json:"action"`
}

// actionsDocument is the non-streaming fallback shape: {"actions": [...]}.
type actionsDocument struct {
	Actions []Action `json:"actions"`
}

// Transition carries the planner's behavior-loop directive.
type Transition struct {
	ContinueBehaviors bool  `json:"continue_behaviors"`
	TargetAchieved    *bool `json:"target_achieved,omitempty"`
}

// ProgressUpdate sets the focus text of one hierarchy level.
type ProgressUpdate struct {
	Level string `json:"level"`
	Focus string `json:"focus"`
}

// OutputsUpdate replaces the outputs triple of one hierarchy level.
type OutputsUpdate struct {
	Level   string        `json:"level"`
	Outputs OutputsTriple `json:"outputs"`
}

// OutputsTriple mirrors contextstore.OutputsTriple on the wire.
type OutputsTriple struct {
	Expected   []string `json:"expected"`
	Produced   []string `json:"produced"`
	InProgress []string `json:"in_progress"`
}

// EffectsUpdate atomically replaces effect lists. Nil sides are untouched.
type EffectsUpdate struct {
	Current []string `json:"current,omitempty"`
	History []string `json:"history,omitempty"`
}

// WorkflowUpdate replaces the workflow template, optionally jumping the
// engine to a named stage.
type WorkflowUpdate struct {
	pipeline.Template
	NextStageID string `json:"nextStageId,omitempty"`
}

// StageStepsUpdate replaces the step sequence of one stage.
type StageStepsUpdate struct {
	StageID string          `json:"stage_id"`
	Steps   []pipeline.Step `json:"steps"`
}

// ContextUpdate is the server-to-client delta attached to a planner
// response. UnknownKeys collects any keys the client does not understand
// so the engine can warn about them.
type ContextUpdate struct {
	Variables        map[string]interface{} `json:"variables,omitempty"`
	ProgressUpdate   *ProgressUpdate        `json:"progress_update,omitempty"`
	OutputsUpdate    *OutputsUpdate         `json:"outputs_update,omitempty"`
	EffectsUpdate    *EffectsUpdate         `json:"effects_update,omitempty"`
	WorkflowUpdate   *WorkflowUpdate        `json:"workflow_update,omitempty"`
	StageStepsUpdate *StageStepsUpdate      `json:"stage_steps_update,omitempty"`

	UnknownKeys []string `json:"-"`
}

var knownContextUpdateKeys = map[string]bool{
	"variables":          true,
	"progress_update":    true,
	"outputs_update":     true,
	"effects_update":     true,
	"workflow_update":    true,
	"stage_steps_update": true,
}

// UnmarshalJSON decodes the known keys and records the unknown ones.
func (cu *ContextUpdate) UnmarshalJSON(data []byte) error {
	type alias ContextUpdate
	var decoded alias
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key := range raw {
		if !knownContextUpdateKeys[key] {
			decoded.UnknownKeys = append(decoded.UnknownKeys, key)
		}
	}

	*cu = ContextUpdate(decoded)
	return nil
}

// ContextFilter is the planner's advisory trimming directive for the next
// generator payload. Zero values mean no limit.
type ContextFilter struct {
	MaxCells         int `json:"max_cells,omitempty"`
	MaxEffectEntries int `json:"max_effect_entries,omitempty"`
	MaxContextTokens int `json:"max_context_tokens,omitempty"`
}

// PlannerResponse is the full planning endpoint response.
type PlannerResponse struct {
	TargetAchieved bool           `json:"targetAchieved"`
	Transition     *Transition    `json:"transition,omitempty"`
	ContextUpdate  *ContextUpdate `json:"context_update,omitempty"`
	ContextFilter  *ContextFilter `json:"context_filter,omitempty"`
}

// EffectiveTargetAchieved resolves the transition-scoped verdict, falling
// back to the top-level targetAchieved flag.
func (pr *PlannerResponse) EffectiveTargetAchieved() bool {
	if pr.Transition != nil && pr.Transition.TargetAchieved != nil {
		return *pr.Transition.TargetAchieved
	}
	return pr.TargetAchieved
}
