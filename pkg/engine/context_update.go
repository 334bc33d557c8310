package engine

import (
	"fmt"

	"nbflow/engine_go/pkg/contextstore"
	"nbflow/engine_go/pkg/events"
	"nbflow/engine_go/pkg/workflowapi"
)

// applyContextUpdate folds a planner delta into the stores. Keys apply in
// a fixed order so variables written here are visible to later clauses of
// the same update. Unknown keys are warned about and dropped; a known key
// that cannot apply rejects the whole update before any store changes.
func (e *Engine) applyContextUpdate(update *workflowapi.ContextUpdate) error {
	if update == nil {
		return nil
	}
	if err := e.validateContextUpdate(update); err != nil {
		return err
	}

	applied := make([]string, 0, 6)

	if len(update.Variables) > 0 {
		e.context.SetVariables(update.Variables)
		applied = append(applied, "variables")
	}

	if update.ProgressUpdate != nil {
		level := contextstore.Level(update.ProgressUpdate.Level)
		if err := e.context.UpdateFocus(level, update.ProgressUpdate.Focus); err != nil {
			return fmt.Errorf("progress_update: %w", err)
		}
		applied = append(applied, "progress_update")
	}

	if update.OutputsUpdate != nil {
		level := contextstore.Level(update.OutputsUpdate.Level)
		triple := contextstore.OutputsTriple{
			Expected:   update.OutputsUpdate.Outputs.Expected,
			Produced:   update.OutputsUpdate.Outputs.Produced,
			InProgress: update.OutputsUpdate.Outputs.InProgress,
		}
		if err := e.context.UpdateOutputs(level, triple); err != nil {
			return fmt.Errorf("outputs_update: %w", err)
		}
		applied = append(applied, "outputs_update")
	}

	if update.EffectsUpdate != nil {
		e.context.ReplaceEffects(update.EffectsUpdate.Current, update.EffectsUpdate.History)
		applied = append(applied, "effects_update")
	}

	if update.WorkflowUpdate != nil {
		e.applyWorkflowUpdate(update.WorkflowUpdate)
		applied = append(applied, "workflow_update")
	}

	if update.StageStepsUpdate != nil {
		su := update.StageStepsUpdate
		if err := e.pipeline.ReplaceStageSteps(su.StageID, su.Steps); err != nil {
			return fmt.Errorf("stage_steps_update: %w", err)
		}
		e.emit(&events.StageStepsUpdatedEvent{StageID: su.StageID, StepCount: len(su.Steps)})
		applied = append(applied, "stage_steps_update")
	}

	for _, key := range update.UnknownKeys {
		e.logger.Warnf("⚠️ unknown context_update key %q, ignoring", key)
	}

	if len(applied) > 0 {
		e.emit(&events.ContextUpdateAppliedEvent{Keys: applied})
	}
	return nil
}

// validateContextUpdate checks every known key before any of them
// mutates a store, so a bad clause cannot leave a partial update behind.
func (e *Engine) validateContextUpdate(update *workflowapi.ContextUpdate) error {
	if update.ProgressUpdate != nil {
		if !contextstore.ValidLevel(contextstore.Level(update.ProgressUpdate.Level)) {
			return fmt.Errorf("progress_update: unknown level %q", update.ProgressUpdate.Level)
		}
	}
	if update.OutputsUpdate != nil {
		if !contextstore.ValidLevel(contextstore.Level(update.OutputsUpdate.Level)) {
			return fmt.Errorf("outputs_update: unknown level %q", update.OutputsUpdate.Level)
		}
	}
	if update.StageStepsUpdate != nil {
		if !e.stageWillExist(update.StageStepsUpdate.StageID, update.WorkflowUpdate) {
			return fmt.Errorf("stage_steps_update: unknown stage %q", update.StageStepsUpdate.StageID)
		}
	}
	return nil
}

// stageWillExist resolves a stage reference against the template that
// will be current when stage_steps_update applies: workflow_update
// replaces the template earlier in the same delta.
func (e *Engine) stageWillExist(stageID string, wu *workflowapi.WorkflowUpdate) bool {
	if wu != nil {
		for _, stage := range wu.Template.Stages {
			if stage.ID == stageID {
				return true
			}
		}
		return false
	}
	_, ok := e.pipeline.Stage(stageID)
	return ok
}

// applyWorkflowUpdate replaces the template directly (planner-directed
// updates skip the two-phase confirmation) and optionally jumps the
// engine to a named stage.
func (e *Engine) applyWorkflowUpdate(update *workflowapi.WorkflowUpdate) {
	e.pipeline.SetTemplate(update.Template)

	if update.NextStageID != "" {
		if _, ok := e.pipeline.Stage(update.NextStageID); !ok {
			e.logger.Warnf("nextStageId %q not in new template, re-anchoring instead", update.NextStageID)
			e.reanchor()
			return
		}
		e.exec.StageID = update.NextStageID
		e.scripts.SetCurrentStageID(update.NextStageID)
		if first, ok := e.pipeline.FirstStep(update.NextStageID); ok {
			e.exec.StepID = first.ID
		} else {
			e.exec.StepID = ""
		}
		e.exec.ResetStepLocal()
		return
	}

	e.reanchor()
}
