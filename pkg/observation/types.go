package observation

import (
	"nbflow/engine_go/pkg/contextstore"
	"nbflow/engine_go/pkg/notebook"
)

// CurrentLocation pins the engine to one position in the workflow
// hierarchy.
type CurrentLocation struct {
	StageID           string `json:"stage_id"`
	StepID            string `json:"step_id"`
	BehaviorID        string `json:"behavior_id"`
	BehaviorIteration int    `json:"behavior_iteration"`
}

// LevelProgress describes one hierarchy level: what is done, what is
// active, what remains, plus the planner-authored focus and outputs.
type LevelProgress struct {
	Completed      []string                   `json:"completed"`
	Current        string                     `json:"current"`
	Remaining      []string                   `json:"remaining"`
	Focus          string                     `json:"focus"`
	CurrentOutputs contextstore.OutputsTriple `json:"current_outputs"`
}

// BehaviorProgress is the behaviors variant. Behaviors are open ended, so
// instead of a remaining list it carries the loop iteration.
type BehaviorProgress struct {
	Completed      []string                   `json:"completed"`
	Current        string                     `json:"current"`
	Iteration      int                        `json:"iteration"`
	Focus          string                     `json:"focus"`
	CurrentOutputs contextstore.OutputsTriple `json:"current_outputs"`
}

// Progress aggregates all three hierarchy levels.
type Progress struct {
	Stages    *LevelProgress    `json:"stages"`
	Steps     *LevelProgress    `json:"steps"`
	Behaviors *BehaviorProgress `json:"behaviors"`
}

// Goals carries the goal texts for the active stage, step and behavior.
type Goals struct {
	Stage    string `json:"stage"`
	Step     string `json:"step"`
	Behavior string `json:"behavior"`
}

// Location bundles current position, progress and goals.
type Location struct {
	Current  CurrentLocation `json:"current"`
	Progress Progress        `json:"progress"`
	Goals    Goals           `json:"goals"`
}

// NotebookContext is the notebook view embedded in an observation.
type NotebookContext struct {
	Title        string                    `json:"title"`
	Cells        []notebook.SerializedCell `json:"cells"`
	CellCount    int                       `json:"cell_count"`
	LastCellType string                    `json:"last_cell_type,omitempty"`
	LastOutput   string                    `json:"last_output,omitempty"`
}

// FSMContext reports the machine state alongside the observation so the
// server can reason about where the client is.
type FSMContext struct {
	State          string `json:"state"`
	LastTransition string `json:"last_transition,omitempty"`
}

// Context is the run context half of the observation.
type Context struct {
	Variables map[string]interface{} `json:"variables"`
	Effects   contextstore.Effects   `json:"effects"`
	Notebook  NotebookContext        `json:"notebook"`
	FSM       FSMContext             `json:"FSM"`
}

// Observation is the nested body shared by planner and generator calls.
type Observation struct {
	Location Location `json:"location"`
	Context  Context  `json:"context"`
}

// BehaviorFeedback summarizes one finished behavior loop for the planner.
type BehaviorFeedback struct {
	BehaviorID       string `json:"behavior_id"`
	ActionsExecuted  int    `json:"actions_executed"`
	ActionsSucceeded int    `json:"actions_succeeded"`
	SectionsAdded    int    `json:"sections_added"`
	LastActionResult string `json:"last_action_result"`
}

// Options is the request options block.
type Options struct {
	Stream bool `json:"stream"`
}

// Payload is the full request body for both workflow API endpoints.
type Payload struct {
	Observation      Observation       `json:"observation"`
	BehaviorFeedback *BehaviorFeedback `json:"behavior_feedback,omitempty"`
	Options          Options           `json:"options"`
}
