package engine

import (
	"fmt"

	"nbflow/engine_go/pkg/events"
	"nbflow/engine_go/pkg/pipeline"
	"nbflow/engine_go/pkg/workflowapi"
)

// Pause reasons reported in engine_paused events.
const (
	pauseReasonRequested = "pause_requested"
	pauseReasonStepLimit = "step_limit"
)

// Status is the control-surface snapshot of a running engine.
type Status struct {
	RunID             string `json:"run_id"`
	State             string `json:"state"`
	Paused            bool   `json:"paused"`
	PauseReason       string `json:"pause_reason,omitempty"`
	StepCounter       int    `json:"step_counter"`
	MaxSteps          int    `json:"max_steps"`
	StageID           string `json:"stage_id,omitempty"`
	StepID            string `json:"step_id,omitempty"`
	BehaviorID        string `json:"behavior_id,omitempty"`
	BehaviorIteration int    `json:"behavior_iteration"`
	LastTransition    string `json:"last_transition,omitempty"`
	CellCount         int    `json:"cell_count"`
}

// Status reports the engine position for the control API. It reads the
// position copy published by the run goroutine, never e.exec directly,
// so handler goroutines can call it mid-run.
func (e *Engine) Status() Status {
	state := e.fsm.State()
	lastTransition := e.fsm.LastTransition()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		state = StatePaused
	}
	return Status{
		RunID:             e.runID,
		State:             string(state),
		Paused:            e.paused,
		PauseReason:       e.pauseReason,
		StepCounter:       e.stepCounter,
		MaxSteps:          e.maxSteps,
		StageID:           e.pub.stageID,
		StepID:            e.pub.stepID,
		BehaviorID:        e.pub.behaviorID,
		BehaviorIteration: e.pub.behaviorIteration,
		LastTransition:    lastTransition,
		CellCount:         e.pub.cellCount,
	}
}

// Pause parks the engine at the next transition boundary. The entry
// effect of the state reached there does not run until Resume.
func (e *Engine) Pause() {
	e.mu.Lock()
	already := e.paused
	if !already {
		e.paused = true
		e.pauseReason = pauseReasonRequested
	}
	e.mu.Unlock()

	if !already {
		e.logger.Infof("⏸️ pause requested")
		e.emit(&events.EnginePausedEvent{
			State:       string(e.fsm.State()),
			StepCounter: e.StepCounter(),
			Reason:      pauseReasonRequested,
		})
	}
}

// Resume clears the pause flag and re-enters the parked state's effect.
func (e *Engine) Resume() {
	e.mu.Lock()
	wasPaused := e.paused
	e.paused = false
	e.pauseReason = ""
	e.cond.Broadcast()
	e.mu.Unlock()

	if wasPaused {
		e.logger.Infof("▶️ resumed")
		e.emit(&events.EngineResumedEvent{State: string(e.fsm.State())})
	}
}

// Cancel aborts the run at the next transition boundary. In-flight HTTP
// is allowed to complete or time out first.
func (e *Engine) Cancel() {
	e.mu.Lock()
	already := e.cancelled
	e.cancelled = true
	e.paused = false
	e.cond.Broadcast()
	e.mu.Unlock()

	if !already {
		e.logger.Infof("🛑 cancel requested")
	}
}

// SetMaxSteps sets the action budget. Zero disables the limit.
func (e *Engine) SetMaxSteps(n int) {
	e.mu.Lock()
	e.maxSteps = n
	e.mu.Unlock()
	e.logger.Infof("max steps set to %d", n)
}

// StepCounter returns the number of actions started so far.
func (e *Engine) StepCounter() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stepCounter
}

// ResetStepCounter zeroes the action counter.
func (e *Engine) ResetStepCounter() {
	e.mu.Lock()
	e.stepCounter = 0
	e.mu.Unlock()
}

// bumpStepCounter gates ACTION_RUNNING entry on the action budget: once
// the counter has reached max_steps the engine pauses before the action's
// effect, so a budget of K lets exactly K actions execute. The counter
// only moves once the action is actually allowed to proceed.
func (e *Engine) bumpStepCounter() {
	e.mu.Lock()
	counter, limit := e.stepCounter, e.maxSteps
	tripped := limit > 0 && counter >= limit && !e.paused
	if tripped {
		e.paused = true
		e.pauseReason = pauseReasonStepLimit
	}
	e.mu.Unlock()

	if tripped {
		e.logger.Infof("⏸️ step limit reached (%d/%d), pausing", counter, limit)
		e.emit(&events.StepLimitReachedEvent{StepCounter: counter, MaxSteps: limit})
		e.emit(&events.EnginePausedEvent{
			State:       string(e.fsm.State()),
			StepCounter: counter,
			Reason:      pauseReasonStepLimit,
		})
	}

	e.waitIfPaused()
	if e.cancelRequested() {
		// The action never runs; leave it uncounted.
		return
	}

	e.mu.Lock()
	e.stepCounter++
	e.mu.Unlock()
}

// waitIfPaused blocks the run goroutine while the pause flag is set.
func (e *Engine) waitIfPaused() {
	e.mu.Lock()
	for e.paused && !e.cancelled {
		e.waiting = true
		e.cond.Wait()
	}
	e.waiting = false
	e.mu.Unlock()
}

// Parked reports whether the run goroutine is idle at a boundary: waiting
// on the pause gate or an external confirmation, or past a terminal
// state. Pause alone is a request; the engine is only quiescent once this
// returns true.
func (e *Engine) Parked() bool {
	if e.fsm.State().Terminal() {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.waiting
}

func (e *Engine) cancelRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// inject queues an external event and wakes a parked engine.
func (e *Engine) inject(event Event, payload interface{}) {
	e.mu.Lock()
	e.external = append(e.external, queuedEvent{event: event, payload: payload})
	e.cond.Broadcast()
	e.mu.Unlock()
}

// ConfirmWorkflowUpdate accepts the pending workflow template.
func (e *Engine) ConfirmWorkflowUpdate() error {
	if e.fsm.State() != StateWorkflowUpdatePending {
		return fmt.Errorf("no workflow update pending (state: %s)", e.fsm.State())
	}
	e.inject(EventUpdateWorkflowConfirmed, nil)
	return nil
}

// RejectWorkflowUpdate discards the pending workflow template.
func (e *Engine) RejectWorkflowUpdate() error {
	if e.fsm.State() != StateWorkflowUpdatePending {
		return fmt.Errorf("no workflow update pending (state: %s)", e.fsm.State())
	}
	e.inject(EventUpdateWorkflowRejected, nil)
	return nil
}

// PendingTemplate returns the template awaiting confirmation, if any.
// The template itself is never mutated after the planner produced it, so
// sharing the pointer with handler goroutines is safe.
func (e *Engine) PendingTemplate() *pipeline.Template {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pub.pendingTemplate
}

// ProposeStepUpdate escalates a step-sequence edit into the two-phase
// confirmation flow.
func (e *Engine) ProposeStepUpdate(stageID string, steps []pipeline.Step) {
	e.inject(EventUpdateStep, &workflowapi.StageStepsUpdate{StageID: stageID, Steps: steps})
}

// ConfirmStepUpdate accepts the pending step-sequence edit.
func (e *Engine) ConfirmStepUpdate() error {
	if e.fsm.State() != StateStepUpdatePending {
		return fmt.Errorf("no step update pending (state: %s)", e.fsm.State())
	}
	e.inject(EventUpdateStepConfirmed, nil)
	return nil
}

// RejectStepUpdate discards the pending step-sequence edit.
func (e *Engine) RejectStepUpdate() error {
	if e.fsm.State() != StateStepUpdatePending {
		return fmt.Errorf("no step update pending (state: %s)", e.fsm.State())
	}
	e.inject(EventUpdateStepRejected, nil)
	return nil
}

// Reset returns a terminal engine to IDLE so the run can be retried.
func (e *Engine) Reset() error {
	if !e.fsm.State().Terminal() {
		return fmt.Errorf("cannot reset from non-terminal state %s", e.fsm.State())
	}

	e.mu.Lock()
	e.cancelled = false
	e.paused = false
	e.pauseReason = ""
	e.external = nil
	e.mu.Unlock()

	e.queue = nil
	e.fsm.Fire(EventReset)
	e.exec = ExecutionContext{}
	e.ResetStepCounter()
	e.runErr = nil
	e.publishStatus()
	e.logger.Infof("🔄 engine reset to IDLE")
	return nil
}
