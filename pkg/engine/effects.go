package engine

import (
	"context"
	"fmt"
	"time"

	"nbflow/engine_go/internal/observability"
	"nbflow/engine_go/pkg/events"
	"nbflow/engine_go/pkg/notebook"
	"nbflow/engine_go/pkg/observation"
	"nbflow/engine_go/pkg/workflowapi"
)

// runEffect invokes the entry effect of the state just entered. Effects
// raise follow-up events through e.raise; they never transition directly.
func (e *Engine) runEffect(ctx context.Context, state State) {
	switch state {
	case StateStageRunning:
		e.onStageRunning()
	case StateStepRunning:
		e.onStepRunning(ctx)
	case StateBehaviorRunning:
		e.onBehaviorRunning(ctx)
	case StateActionRunning:
		e.onActionRunning(ctx)
	case StateActionCompleted:
		e.onActionCompleted()
	case StateBehaviorCompleted:
		e.onBehaviorCompleted(ctx)
	case StateStepCompleted:
		e.onStepCompleted()
	case StateStageCompleted:
		e.onStageCompleted()
	case StateWorkflowUpdatePending, StateStepUpdatePending:
		// Parked: the control surface decides the next event.
	case StateWorkflowCompleted:
		e.logger.Infof("✅ workflow completed")
	case StateError:
		e.logger.Errorf("workflow entered ERROR state: %v", e.runErr)
	case StateCancelled:
		e.logger.Infof("workflow cancelled")
	case StateIdle:
		// Entered via RESET; nothing to do.
	}
}

// onStageRunning anchors the engine at the first step of the current
// stage, or closes an empty stage immediately.
func (e *Engine) onStageRunning() {
	if e.exec.StageID == "" {
		first, ok := e.pipeline.FirstStage()
		if !ok {
			e.fail(fmt.Errorf("workflow template has no stages"))
			return
		}
		e.exec.StageID = first.ID
	}
	e.scripts.SetCurrentStageID(e.exec.StageID)

	step, ok := e.pipeline.FirstStep(e.exec.StageID)
	if !ok {
		e.logger.Warnf("stage %s has no steps, completing it", e.exec.StageID)
		e.raise(EventCompleteStage, nil)
		return
	}

	e.exec.StepID = step.ID
	e.logger.Infof("📂 stage %s started (first step: %s)", e.exec.StageID, step.ID)
	e.raise(EventStartStep, nil)
}

// onStepRunning is the planning-first gate: every step starts with a
// planner consultation before any behavior runs.
func (e *Engine) onStepRunning(ctx context.Context) {
	response, err := e.callPlanner(ctx, nil)
	if err != nil {
		e.fail(err)
		return
	}

	if err := e.applyContextUpdate(response.ContextUpdate); err != nil {
		e.fail(fmt.Errorf("context update failed: %w", err))
		return
	}
	e.nextFilter = response.ContextFilter

	if response.TargetAchieved {
		e.logger.Infof("🎯 step %s target already achieved, skipping behaviors", e.exec.StepID)
		e.raise(EventCompleteStep, nil)
		return
	}
	e.raise(EventStartBehavior, nil)
}

// onBehaviorRunning opens the next behavior iteration and collects its
// full action list before any execution, keeping indices stable.
func (e *Engine) onBehaviorRunning(ctx context.Context) {
	e.exec.BehaviorIteration++
	e.exec.BehaviorID = e.exec.NextBehaviorID()
	e.exec.ResetBehaviorLocal()

	actions, err := e.callGenerator(ctx)
	if err != nil {
		e.fail(err)
		return
	}

	e.exec.Actions = actions
	e.exec.ActionIndex = 0
	if len(actions) == 0 {
		e.logger.Infof("behavior %s produced no actions", e.exec.BehaviorID)
		e.raise(EventCompleteBehavior, nil)
		return
	}

	e.logger.Infof("🎬 behavior %s: %d actions queued", e.exec.BehaviorID, len(actions))
	e.raise(EventStartAction, nil)
}

// onActionRunning dispatches the action at the current index. A handler
// failure becomes an error output and an effect entry, never a FAIL: the
// behavior finishes and the planner decides what to do next.
func (e *Engine) onActionRunning(ctx context.Context) {
	if e.exec.ActionIndex >= len(e.exec.Actions) {
		e.fail(fmt.Errorf("action index %d out of range (%d actions)", e.exec.ActionIndex, len(e.exec.Actions)))
		return
	}
	action := e.exec.Actions[e.exec.ActionIndex]

	e.emit(&events.ActionEvent{
		ActionType:  action.Type,
		ActionIndex: e.exec.ActionIndex,
		BehaviorID:  e.exec.BehaviorID,
		Outcome:     "dispatched",
	})

	spanID := e.tracer.StartSpan(ctx, observability.TraceID(e.runID),
		"action:"+action.Type, map[string]interface{}{"index": e.exec.ActionIndex})
	result, err := e.scripts.Dispatch(ctx, action)
	e.tracer.EndSpan(ctx, spanID, nil, err)

	e.exec.Stats.ActionsExecuted++

	if err != nil {
		e.recordActionFailure(action, err)
		e.raise(EventCompleteAction, nil)
		return
	}

	if result.Skipped {
		e.exec.Stats.LastActionResult = "skipped"
		e.emit(&events.ActionEvent{
			ActionType:  action.Type,
			ActionIndex: e.exec.ActionIndex,
			BehaviorID:  e.exec.BehaviorID,
			Outcome:     "skipped",
		})
		e.raise(EventCompleteAction, nil)
		return
	}

	e.exec.Stats.ActionsSucceeded++
	e.exec.Stats.LastActionResult = "success"
	if result.SectionAdded {
		e.exec.Stats.SectionsAdded++
	}
	e.emit(&events.ActionEvent{
		ActionType:  action.Type,
		ActionIndex: e.exec.ActionIndex,
		BehaviorID:  e.exec.BehaviorID,
		Outcome:     "completed",
	})

	if result.WorkflowUpdatePending {
		e.logger.Infof("📝 workflow update escalated, awaiting confirmation")
		e.raise(EventUpdateWorkflow, result.Template)
		return
	}

	e.raise(EventCompleteAction, nil)
}

// recordActionFailure captures a handler error as an error output on the
// touched cell (when one resolves) plus an effect entry.
func (e *Engine) recordActionFailure(action workflowapi.Action, err error) {
	e.logger.Warnf("action %s failed: %v", action.Type, err)
	e.exec.Stats.LastActionResult = "error"
	e.emit(&events.ActionEvent{
		ActionType:  action.Type,
		ActionIndex: e.exec.ActionIndex,
		BehaviorID:  e.exec.BehaviorID,
		Outcome:     "failed",
		Error:       err.Error(),
	})

	message := fmt.Sprintf("action %s failed: %v", action.Type, err)
	e.context.AppendEffect(message)

	if action.CodeCellID != "" {
		if cell, ok := e.cells.Get(action.CodeCellID); ok {
			_ = e.cells.AppendOutputs(cell.ID, []notebook.Output{{
				Type:    notebook.OutputTypeError,
				Content: message,
			}})
		}
	}
}

// onActionCompleted advances through the buffered action list.
func (e *Engine) onActionCompleted() {
	if e.exec.ActionIndex+1 < len(e.exec.Actions) {
		e.exec.ActionIndex++
		e.raise(EventNextAction, nil)
		return
	}
	e.raise(EventCompleteBehavior, nil)
}

// onBehaviorCompleted reports the behavior outcome to the planner and
// lets it steer the loop: continue behaviors, close the step, or (the
// defensive default) continue anyway to keep forward motion.
func (e *Engine) onBehaviorCompleted(ctx context.Context) {
	feedback := &observation.BehaviorFeedback{
		BehaviorID:       e.exec.BehaviorID,
		ActionsExecuted:  e.exec.Stats.ActionsExecuted,
		ActionsSucceeded: e.exec.Stats.ActionsSucceeded,
		SectionsAdded:    e.exec.Stats.SectionsAdded,
		LastActionResult: e.exec.Stats.LastActionResult,
	}

	response, err := e.callPlanner(ctx, feedback)
	if err != nil {
		e.fail(err)
		return
	}

	if err := e.applyContextUpdate(response.ContextUpdate); err != nil {
		e.fail(fmt.Errorf("context update failed: %w", err))
		return
	}
	e.nextFilter = response.ContextFilter
	e.exec.CompletedBehaviors = append(e.exec.CompletedBehaviors, e.exec.BehaviorID)

	continueBehaviors := response.Transition != nil && response.Transition.ContinueBehaviors
	targetAchieved := response.EffectiveTargetAchieved()

	switch {
	case continueBehaviors:
		e.exec.ResetBehaviorLocal()
		e.raise(EventNextBehavior, nil)
	case targetAchieved:
		e.raise(EventCompleteStep, nil)
	default:
		e.logger.Warnf("planner gave no directive after %s, continuing behaviors", e.exec.BehaviorID)
		e.exec.ResetBehaviorLocal()
		e.raise(EventNextBehavior, nil)
	}
}

// onStepCompleted advances to the next step or closes the stage.
func (e *Engine) onStepCompleted() {
	if e.pipeline.IsLastStepInStage(e.exec.StageID, e.exec.StepID) {
		e.raise(EventCompleteStage, nil)
		return
	}

	next, ok := e.pipeline.NextStep(e.exec.StageID, e.exec.StepID)
	if !ok {
		e.raise(EventCompleteStage, nil)
		return
	}
	e.exec.StepID = next.ID
	e.exec.ResetStepLocal()
	e.logger.Infof("➡️ advancing to step %s", next.ID)
	e.raise(EventNextStep, nil)
}

// onStageCompleted advances to the next stage or closes the workflow.
func (e *Engine) onStageCompleted() {
	if e.pipeline.IsLastStage(e.exec.StageID) {
		e.raise(EventCompleteWorkflow, nil)
		return
	}

	next, ok := e.pipeline.NextStage(e.exec.StageID)
	if !ok {
		e.raise(EventCompleteWorkflow, nil)
		return
	}
	e.exec.StageID = next.ID
	e.scripts.SetCurrentStageID(next.ID)
	if first, ok := e.pipeline.FirstStep(next.ID); ok {
		e.exec.StepID = first.ID
	} else {
		e.exec.StepID = ""
	}
	e.exec.ResetStepLocal()
	e.logger.Infof("➡️ advancing to stage %s", next.ID)
	e.raise(EventNextStage, nil)
}

// callPlanner builds the planner observation (feedback attached on
// post-behavior calls) and performs the planning call.
func (e *Engine) callPlanner(ctx context.Context, feedback *observation.BehaviorFeedback) (*workflowapi.PlannerResponse, error) {
	payload, err := e.builder.Build(observation.BuildInput{
		Location:            e.exec.Location(),
		CompletedBehaviors:  e.exec.CompletedBehaviors,
		State:               string(e.fsm.State()),
		LastTransition:      e.fsm.LastTransition(),
		Feedback:            feedback,
		Stream:              false,
		RequireProgressInfo: true,
	})
	if err != nil {
		return nil, err
	}

	e.emit(&events.PlannerCallEvent{
		Phase:      "start",
		StageID:    e.exec.StageID,
		StepID:     e.exec.StepID,
		BehaviorID: e.exec.BehaviorID,
	})
	spanID := e.tracer.StartSpan(ctx, observability.TraceID(e.runID), "planner",
		map[string]interface{}{"stage": e.exec.StageID, "step": e.exec.StepID})

	started := time.Now()
	response, err := e.api.Planning(ctx, payload)
	duration := time.Since(started)
	e.tracer.EndSpan(ctx, spanID, nil, err)

	if err != nil {
		e.emit(&events.PlannerCallEvent{
			Phase:      "error",
			StageID:    e.exec.StageID,
			StepID:     e.exec.StepID,
			BehaviorID: e.exec.BehaviorID,
			Duration:   duration,
			Error:      err.Error(),
		})
		return nil, fmt.Errorf("planner call failed: %w", err)
	}

	e.emit(&events.PlannerCallEvent{
		Phase:          "end",
		StageID:        e.exec.StageID,
		StepID:         e.exec.StepID,
		BehaviorID:     e.exec.BehaviorID,
		TargetAchieved: response.TargetAchieved,
		Duration:       duration,
	})
	return response, nil
}

// callGenerator builds the streaming observation (honoring the planner's
// advisory context filter) and collects the behavior's actions.
func (e *Engine) callGenerator(ctx context.Context) ([]workflowapi.Action, error) {
	filter := e.nextFilter
	e.nextFilter = nil

	payload, err := e.builder.Build(observation.BuildInput{
		Location:           e.exec.Location(),
		CompletedBehaviors: e.exec.CompletedBehaviors,
		State:              string(e.fsm.State()),
		LastTransition:     e.fsm.LastTransition(),
		Stream:             true,
		Filter:             filter,
	})
	if err != nil {
		return nil, err
	}

	e.emit(&events.GeneratorCallEvent{Phase: "start", BehaviorID: e.exec.BehaviorID})
	spanID := e.tracer.StartSpan(ctx, observability.TraceID(e.runID), "generator",
		map[string]interface{}{"behavior": e.exec.BehaviorID})

	started := time.Now()
	actions, err := e.api.Generating(ctx, payload)
	duration := time.Since(started)
	e.tracer.EndSpan(ctx, spanID, map[string]interface{}{"actions": len(actions)}, err)

	if err != nil {
		e.emit(&events.GeneratorCallEvent{
			Phase:      "error",
			BehaviorID: e.exec.BehaviorID,
			Duration:   duration,
			Error:      err.Error(),
		})
		return nil, fmt.Errorf("generator call failed: %w", err)
	}

	e.emit(&events.GeneratorCallEvent{
		Phase:       "end",
		BehaviorID:  e.exec.BehaviorID,
		ActionCount: len(actions),
		Duration:    duration,
	})
	return actions, nil
}
