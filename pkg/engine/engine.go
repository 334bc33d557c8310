package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"nbflow/engine_go/internal/observability"
	"nbflow/engine_go/internal/utils"
	"nbflow/engine_go/pkg/contextstore"
	"nbflow/engine_go/pkg/events"
	"nbflow/engine_go/pkg/notebook"
	"nbflow/engine_go/pkg/observation"
	"nbflow/engine_go/pkg/pipeline"
	"nbflow/engine_go/pkg/scripts"
	"nbflow/engine_go/pkg/workflowapi"
)

// WorkflowClient is the planner/generator surface the engine depends on.
type WorkflowClient interface {
	Planning(ctx context.Context, payload interface{}) (*workflowapi.PlannerResponse, error)
	Generating(ctx context.Context, payload interface{}) ([]workflowapi.Action, error)
}

// Config carries the per-run engine settings.
type Config struct {
	// RunID groups all events of this run. Generated when empty.
	RunID string

	// MaxSteps pauses the engine once this many actions have started.
	// Zero means unlimited.
	MaxSteps int
}

// queuedEvent is one pending FSM event with its payload.
type queuedEvent struct {
	event   Event
	payload interface{}
}

// publishedStatus mirrors the run goroutine's execution position for
// concurrent readers, republished at every transition boundary.
type publishedStatus struct {
	stageID           string
	stepID            string
	behaviorID        string
	behaviorIteration int
	pendingTemplate   *pipeline.Template
	cellCount         int
}

// Engine drives a workflow run. All transitions, store mutations and
// entry effects execute sequentially on the goroutine that called Run;
// the control surface only flips flags and injects external events.
type Engine struct {
	runID string

	fsm  *FSM
	exec ExecutionContext

	cells    *notebook.CellStore
	context  *contextstore.ContextStore
	pipeline *pipeline.PipelineStore
	scripts  *scripts.ScriptStore
	builder  *observation.Builder
	api      WorkflowClient
	listener events.EventListener
	tracer   observability.Tracer
	logger   utils.ExtendedLogger

	// queue holds events raised by entry effects. Only the run goroutine
	// touches it.
	queue []queuedEvent

	mu          sync.Mutex
	cond        *sync.Cond
	external    []queuedEvent
	paused      bool
	pauseReason string
	cancelled   bool
	maxSteps    int
	stepCounter int

	// waiting is true only while the run goroutine sits in cond.Wait, so
	// readers can tell an actually-parked engine from one still finishing
	// its current effect.
	waiting bool

	// pub is the control surface's copy of the execution position. Only
	// the run goroutine writes e.exec and the stores; Status and
	// PendingTemplate read this copy under mu instead.
	pub publishedStatus

	// nextFilter is the planner's advisory context filter, consumed by the
	// next generator observation.
	nextFilter *workflowapi.ContextFilter

	runErr    error
	startedAt time.Time
}

// NewEngine wires an engine around the run stores and clients.
func NewEngine(
	cfg Config,
	cells *notebook.CellStore,
	contextStore *contextstore.ContextStore,
	pipelineStore *pipeline.PipelineStore,
	scriptStore *scripts.ScriptStore,
	builder *observation.Builder,
	api WorkflowClient,
	listener events.EventListener,
	tracer observability.Tracer,
	logger utils.ExtendedLogger,
) *Engine {
	runID := cfg.RunID
	if runID == "" {
		runID = "run_" + uuid.NewString()[:8]
	}
	if tracer == nil {
		tracer = observability.NoopTracer{}
	}

	e := &Engine{
		runID:    runID,
		fsm:      NewFSM(logger),
		cells:    cells,
		context:  contextStore,
		pipeline: pipelineStore,
		scripts:  scriptStore,
		builder:  builder,
		api:      api,
		listener: listener,
		tracer:   tracer,
		logger:   utils.OrNoop(logger),
		maxSteps: cfg.MaxSteps,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// RunID returns the identifier grouping this run's events.
func (e *Engine) RunID() string {
	return e.runID
}

// State returns the current FSM state.
func (e *Engine) State() State {
	return e.fsm.State()
}

// Run drives the workflow from IDLE to a terminal state. It blocks the
// calling goroutine; pause, cancel and the workflow-update confirmation
// arrive through the control surface from other goroutines.
func (e *Engine) Run(ctx context.Context) error {
	initial := e.fsm.State()
	if initial.Terminal() {
		return fmt.Errorf("cannot run from terminal state %s", initial)
	}

	e.startedAt = time.Now()
	e.runErr = nil

	// Wake the drive loop when the caller's context dies.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			e.Cancel()
		case <-watchDone:
		}
	}()

	descriptor := e.pipeline.Descriptor()
	e.emit(&events.RunStartEvent{
		RunID:       e.runID,
		ProblemName: descriptor.ProblemName,
		UserGoal:    descriptor.UserGoal,
		StageCount:  len(e.pipeline.Template().Stages),
	})
	e.logger.Infof("🚀 starting workflow run %s (%s)", e.runID, descriptor.ProblemName)

	if initial == StateIdle {
		e.raise(EventStartWorkflow, nil)
	} else {
		// Rehydrated mid-run: re-enter the current state's effect.
		e.logger.Infof("resuming from state %s", initial)
		e.runEffect(ctx, initial)
		e.publishStatus()
	}
	e.drive(ctx)

	final := e.fsm.State()
	duration := time.Since(e.startedAt)
	if final == StateError {
		e.emit(&events.RunErrorEvent{
			RunID: e.runID,
			Error: fmt.Sprintf("%v", e.runErr),
			State: string(final),
		})
	}
	e.emit(&events.RunEndEvent{
		RunID:      e.runID,
		FinalState: string(final),
		Duration:   duration,
		StepCount:  e.StepCounter(),
		CellCount:  e.cells.Len(),
	})
	e.logger.Infof("🏁 workflow run %s finished in %s (state=%s, cells=%d)",
		e.runID, duration, final, e.cells.Len())

	if err := e.tracer.Flush(ctx); err != nil {
		e.logger.Warnf("failed to flush tracer: %v", err)
	}

	if final == StateError && e.runErr != nil {
		return e.runErr
	}
	return nil
}

// drive consumes events until the machine parks on a terminal state.
func (e *Engine) drive(ctx context.Context) {
	for {
		ev, ok := e.nextEvent(ctx)
		if !ok {
			return
		}
		e.process(ctx, ev)
	}
}

// nextEvent pops the next event: effect-raised events first, then events
// injected by the control surface. With nothing queued the engine parks
// (blocking on the condition variable) while an external confirmation is
// still possible, and returns false on a terminal state.
func (e *Engine) nextEvent(ctx context.Context) (queuedEvent, bool) {
	// A dead caller context is a cancel request, checked ahead of the
	// internal queue so a run cannot coast to completion on cheap
	// effects after cancellation.
	if ctx.Err() != nil {
		e.Cancel()
	}
	if e.cancelRequested() {
		if e.fsm.State().Terminal() {
			return queuedEvent{}, false
		}
		e.queue = nil
		return queuedEvent{event: EventCancel}, true
	}

	if len(e.queue) > 0 {
		ev := e.queue[0]
		e.queue = e.queue[1:]
		return ev, true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		e.waiting = false
		if e.cancelled && !e.fsm.State().Terminal() {
			return queuedEvent{event: EventCancel}, true
		}
		if len(e.external) > 0 {
			ev := e.external[0]
			e.external = e.external[1:]
			return ev, true
		}
		if e.fsm.State().Terminal() {
			return queuedEvent{}, false
		}
		// Parked on a pending state: wait for the control surface.
		e.waiting = true
		e.cond.Wait()
	}
}

// process applies one event: transition, event-bound side effects, the
// pause boundary, then the entry effect of the new state.
func (e *Engine) process(ctx context.Context, ev queuedEvent) {
	from := e.fsm.State()
	to, ok := e.fsm.Fire(ev.event)
	if !ok {
		e.emit(&events.InvalidTransitionEvent{
			State: string(from),
			Event: string(ev.event),
		})
		return
	}

	e.emit(&events.StateTransitionEvent{
		FromState: string(from),
		Event:     string(ev.event),
		ToState:   string(to),
		StageID:   e.exec.StageID,
		StepID:    e.exec.StepID,
	})

	e.applyEventPayload(ev)
	e.publishStatus()

	if to == StateActionRunning {
		e.bumpStepCounter()
	}
	e.waitIfPaused()
	if e.cancelRequested() && !to.Terminal() {
		// The CANCEL event is synthesized by nextEvent; skip the effect.
		return
	}

	e.runEffect(ctx, to)
	e.publishStatus()
}

// publishStatus copies the execution position for concurrent readers.
// Called only from the run goroutine (and from Restore/Reset, which run
// while no drive loop is active).
func (e *Engine) publishStatus() {
	e.mu.Lock()
	e.pub = publishedStatus{
		stageID:           e.exec.StageID,
		stepID:            e.exec.StepID,
		behaviorID:        e.exec.BehaviorID,
		behaviorIteration: e.exec.BehaviorIteration,
		pendingTemplate:   e.exec.PendingTemplate,
		cellCount:         e.cells.Len(),
	}
	e.mu.Unlock()
}

// applyEventPayload performs the side effects bound to the event itself
// rather than to the target state, covering the two-phase update paths.
func (e *Engine) applyEventPayload(ev queuedEvent) {
	switch ev.event {
	case EventUpdateWorkflow:
		if template, ok := ev.payload.(*pipeline.Template); ok {
			e.exec.PendingTemplate = template
		}
		e.emit(&events.WorkflowUpdateEvent{Phase: "pending", StageCount: e.pendingStageCount()})

	case EventUpdateWorkflowConfirmed:
		e.confirmPendingTemplate()

	case EventUpdateWorkflowRejected:
		e.logger.Infof("workflow update rejected, keeping current template")
		e.exec.PendingTemplate = nil
		e.emit(&events.WorkflowUpdateEvent{Phase: "rejected"})

	case EventUpdateStep:
		if update, ok := ev.payload.(*workflowapi.StageStepsUpdate); ok {
			e.exec.PendingStepsUpdate = update
		}

	case EventUpdateStepConfirmed:
		e.confirmPendingStepsUpdate()

	case EventUpdateStepRejected:
		e.logger.Infof("step update rejected, keeping current steps")
		e.exec.PendingStepsUpdate = nil

	case EventFail:
		if err, ok := ev.payload.(error); ok {
			e.runErr = err
		}

	case EventReset:
		e.exec = ExecutionContext{}
		e.ResetStepCounter()
	}
}

// confirmPendingTemplate swaps in the escalated template and re-anchors
// the execution position if its IDs no longer resolve.
func (e *Engine) confirmPendingTemplate() {
	template := e.exec.PendingTemplate
	e.exec.PendingTemplate = nil
	if template == nil {
		e.logger.Warnf("workflow update confirmed but no pending template")
		return
	}

	e.pipeline.SetTemplate(*template)
	e.reanchor()
	e.emit(&events.WorkflowUpdateEvent{Phase: "confirmed", StageCount: len(template.Stages)})
}

// confirmPendingStepsUpdate applies the escalated step replacement.
func (e *Engine) confirmPendingStepsUpdate() {
	update := e.exec.PendingStepsUpdate
	e.exec.PendingStepsUpdate = nil
	if update == nil {
		e.logger.Warnf("step update confirmed but no pending update")
		return
	}

	stageID := update.StageID
	if stageID == "" {
		stageID = e.exec.StageID
	}
	if err := e.pipeline.ReplaceStageSteps(stageID, update.Steps); err != nil {
		e.logger.Warnf("failed to apply step update: %v", err)
		return
	}
	e.reanchor()
	e.emit(&events.StageStepsUpdatedEvent{StageID: stageID, StepCount: len(update.Steps)})
}

// reanchor repairs the execution position after a template change: a
// vanished stage falls back to the first stage, a vanished step to the
// first step of the current stage.
func (e *Engine) reanchor() {
	if _, ok := e.pipeline.Stage(e.exec.StageID); !ok {
		if first, ok := e.pipeline.FirstStage(); ok {
			e.logger.Warnf("stage %s no longer exists, re-anchoring to %s", e.exec.StageID, first.ID)
			e.exec.StageID = first.ID
		} else {
			e.exec.StageID = ""
		}
		e.exec.StepID = ""
		e.exec.ResetStepLocal()
		e.scripts.SetCurrentStageID(e.exec.StageID)
	}
	if _, ok := e.pipeline.Step(e.exec.StageID, e.exec.StepID); !ok {
		if first, ok := e.pipeline.FirstStep(e.exec.StageID); ok {
			e.logger.Warnf("step %s no longer exists, re-anchoring to %s", e.exec.StepID, first.ID)
			e.exec.StepID = first.ID
		} else {
			e.exec.StepID = ""
		}
		e.exec.ResetStepLocal()
	}
}

func (e *Engine) pendingStageCount() int {
	if e.exec.PendingTemplate == nil {
		return 0
	}
	return len(e.exec.PendingTemplate.Stages)
}

// raise queues an event from inside an entry effect.
func (e *Engine) raise(event Event, payload interface{}) {
	e.queue = append(e.queue, queuedEvent{event: event, payload: payload})
}

// fail records the error and queues the FAIL event.
func (e *Engine) fail(err error) {
	e.logger.Errorf("❌ engine failure: %v", err)
	e.raise(EventFail, err)
}

// emit hands one event to the listener, if any.
func (e *Engine) emit(data events.EventData) {
	if e.listener == nil {
		return
	}
	event := events.NewWorkflowEvent(data.GetEventType(), e.runID, data)
	if err := e.listener.HandleEvent(context.Background(), event); err != nil {
		e.logger.Warnf("event listener %s failed: %v", e.listener.Name(), err)
	}
}
