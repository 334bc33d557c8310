package engine

import (
	"fmt"

	"nbflow/engine_go/pkg/observation"
	"nbflow/engine_go/pkg/pipeline"
	"nbflow/engine_go/pkg/workflowapi"
)

// BehaviorStats accumulates dispatch outcomes for one behavior loop. It
// feeds the behavior_feedback block of the post-behavior planner call.
type BehaviorStats struct {
	ActionsExecuted  int    `json:"actions_executed"`
	ActionsSucceeded int    `json:"actions_succeeded"`
	SectionsAdded    int    `json:"sections_added"`
	LastActionResult string `json:"last_action_result"`
}

// ExecutionContext tracks where the engine is inside the workflow
// hierarchy plus all behavior-local bookkeeping. It is mutated only by
// the entry effects on the single engine goroutine.
type ExecutionContext struct {
	StageID           string `json:"stage_id"`
	StepID            string `json:"step_id"`
	BehaviorID        string `json:"behavior_id"`
	BehaviorIteration int    `json:"behavior_iteration"`

	CompletedBehaviors []string `json:"completed_behaviors"`

	// Actions is the eagerly collected action list of the active behavior;
	// ActionIndex points at the one being executed.
	Actions     []workflowapi.Action `json:"-"`
	ActionIndex int                  `json:"action_index"`

	Stats BehaviorStats `json:"behavior_stats"`

	// PendingTemplate holds an escalated workflow update awaiting
	// confirmation; PendingStepsUpdate the step-sequence analogue.
	PendingTemplate    *pipeline.Template            `json:"-"`
	PendingStepsUpdate *workflowapi.StageStepsUpdate `json:"-"`
}

// NextBehaviorID renders the ID of the next behavior iteration. The
// numbering restarts at behavior_001 for every step.
func (ec *ExecutionContext) NextBehaviorID() string {
	return fmt.Sprintf("behavior_%03d", ec.BehaviorIteration)
}

// ResetBehaviorLocal clears the state scoped to one behavior loop.
func (ec *ExecutionContext) ResetBehaviorLocal() {
	ec.Actions = nil
	ec.ActionIndex = 0
	ec.Stats = BehaviorStats{}
}

// ResetStepLocal clears everything scoped to one step, including the
// behavior numbering.
func (ec *ExecutionContext) ResetStepLocal() {
	ec.ResetBehaviorLocal()
	ec.BehaviorID = ""
	ec.BehaviorIteration = 0
	ec.CompletedBehaviors = nil
}

// Location renders the execution position for an observation.
func (ec *ExecutionContext) Location() observation.CurrentLocation {
	return observation.CurrentLocation{
		StageID:           ec.StageID,
		StepID:            ec.StepID,
		BehaviorID:        ec.BehaviorID,
		BehaviorIteration: ec.BehaviorIteration,
	}
}
