package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nbflow/engine_go/pkg/contextstore"
	"nbflow/engine_go/pkg/notebook"
	"nbflow/engine_go/pkg/observation"
	"nbflow/engine_go/pkg/pipeline"
	"nbflow/engine_go/pkg/scripts"
	"nbflow/engine_go/pkg/workflowapi"
)

// plannerScript is one scripted planning response.
type plannerScript struct {
	response *workflowapi.PlannerResponse
	err      error
}

// fakeWorkflowClient replays scripted planner and generator responses and
// records the payloads it was called with. Calls past the end of a script
// fall back to "target achieved" / no actions so runs always terminate.
type fakeWorkflowClient struct {
	mu           sync.Mutex
	planner      []plannerScript
	generator    [][]workflowapi.Action
	generatorErr error

	planPayloads []*observation.Payload
	genPayloads  []*observation.Payload

	onPlanning func(call int)
}

func (f *fakeWorkflowClient) Planning(_ context.Context, payload interface{}) (*workflowapi.PlannerResponse, error) {
	f.mu.Lock()
	idx := len(f.planPayloads)
	if p, ok := payload.(*observation.Payload); ok {
		f.planPayloads = append(f.planPayloads, p)
	} else {
		f.planPayloads = append(f.planPayloads, nil)
	}
	hook := f.onPlanning
	f.mu.Unlock()

	if hook != nil {
		hook(idx)
	}

	if idx < len(f.planner) {
		return f.planner[idx].response, f.planner[idx].err
	}
	return &workflowapi.PlannerResponse{TargetAchieved: true}, nil
}

func (f *fakeWorkflowClient) Generating(_ context.Context, payload interface{}) ([]workflowapi.Action, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := len(f.genPayloads)
	if p, ok := payload.(*observation.Payload); ok {
		f.genPayloads = append(f.genPayloads, p)
	} else {
		f.genPayloads = append(f.genPayloads, nil)
	}

	if f.generatorErr != nil {
		return nil, f.generatorErr
	}
	if idx < len(f.generator) {
		return f.generator[idx], nil
	}
	return nil, nil
}

func (f *fakeWorkflowClient) plannerCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.planPayloads)
}

// fakeExecutor returns a fixed output for every execution.
type fakeExecutor struct {
	outputs []notebook.Output
	calls   int
}

func (f *fakeExecutor) Execute(_ context.Context, _ string) []notebook.Output {
	f.calls++
	if f.outputs != nil {
		return f.outputs
	}
	return []notebook.Output{{Type: notebook.OutputTypeText, Content: "ok"}}
}

// testRig bundles an engine with the stores and fakes behind it.
type testRig struct {
	engine   *Engine
	cells    *notebook.CellStore
	context  *contextstore.ContextStore
	pipeline *pipeline.PipelineStore
	client   *fakeWorkflowClient
	executor *fakeExecutor
}

func twoStageTemplate() *pipeline.Template {
	return &pipeline.Template{
		Stages: []pipeline.Stage{
			{ID: "stage_explore", Goal: "explore the data", Steps: []pipeline.Step{
				{ID: "step_load", Goal: "load the dataset"},
				{ID: "step_profile", Goal: "profile the columns"},
			}},
			{ID: "stage_model", Goal: "fit a model", Steps: []pipeline.Step{
				{ID: "step_fit", Goal: "train the model"},
			}},
		},
	}
}

func newTestRig(t *testing.T, template *pipeline.Template, client *fakeWorkflowClient, maxSteps int) *testRig {
	t.Helper()

	cells := notebook.NewCellStore(nil)
	contextStore := contextstore.NewContextStore(nil)
	pipelineStore := pipeline.NewPipelineStore(pipeline.Descriptor{
		ProblemName: "iris",
		UserGoal:    "classify the flowers",
		Template:    template,
	}, nil)

	executor := &fakeExecutor{}
	registry := scripts.NewDefaultRegistry(nil)
	scriptStore := scripts.NewScriptStore(cells, contextStore, pipelineStore, executor, registry, nil)
	builder := observation.NewBuilder(cells, contextStore, pipelineStore, nil)

	eng := NewEngine(
		Config{RunID: "run_test", MaxSteps: maxSteps},
		cells, contextStore, pipelineStore, scriptStore, builder, client,
		nil, nil, nil,
	)

	return &testRig{
		engine:   eng,
		cells:    cells,
		context:  contextStore,
		pipeline: pipelineStore,
		client:   client,
		executor: executor,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %s", timeout)
}

func boolPtr(b bool) *bool { return &b }

func TestRunCompletesWhenEveryStepTargetAchieved(t *testing.T) {
	client := &fakeWorkflowClient{}
	rig := newTestRig(t, twoStageTemplate(), client, 0)

	err := rig.engine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateWorkflowCompleted, rig.engine.State())
	// One planner consultation per step, no behaviors anywhere.
	assert.Equal(t, 3, client.plannerCalls())
	assert.Empty(t, client.genPayloads)
}

func TestRunExecutesBehaviorActions(t *testing.T) {
	client := &fakeWorkflowClient{
		planner: []plannerScript{
			// step_load entry: run behaviors
			{response: &workflowapi.PlannerResponse{TargetAchieved: false}},
			// behavior_001 feedback: one more round
			{response: &workflowapi.PlannerResponse{
				Transition: &workflowapi.Transition{ContinueBehaviors: true},
			}},
			// behavior_002 feedback: step done
			{response: &workflowapi.PlannerResponse{
				Transition: &workflowapi.Transition{TargetAchieved: boolPtr(true)},
			}},
		},
		generator: [][]workflowapi.Action{
			{
				{Type: workflowapi.ActionAdd, Content: "df = load_iris()", ShotType: "code"},
				{Type: workflowapi.ActionExec},
			},
			{}, // behavior_002 produces nothing
		},
	}

	template := &pipeline.Template{Stages: []pipeline.Stage{
		{ID: "stage_explore", Steps: []pipeline.Step{{ID: "step_load"}}},
	}}
	rig := newTestRig(t, template, client, 0)

	err := rig.engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateWorkflowCompleted, rig.engine.State())

	// The add action created a code cell, exec ran it and captured outputs.
	require.Equal(t, 1, rig.cells.Len())
	cell, _ := rig.cells.LastCell()
	assert.Equal(t, notebook.CellKindCode, cell.Kind)
	require.Len(t, cell.Outputs, 1)
	assert.Equal(t, "ok", cell.Outputs[0].Content)
	assert.Equal(t, 1, rig.executor.calls)

	// Execution outputs land in the effect log.
	effects := rig.context.EffectsSnapshot()
	assert.Contains(t, effects.Current, "ok")

	// Feedback is attached to the post-behavior planner calls only.
	require.Equal(t, 3, client.plannerCalls())
	assert.Nil(t, client.planPayloads[0].BehaviorFeedback)
	require.NotNil(t, client.planPayloads[1].BehaviorFeedback)
	assert.Equal(t, "behavior_001", client.planPayloads[1].BehaviorFeedback.BehaviorID)
	assert.Equal(t, 2, client.planPayloads[1].BehaviorFeedback.ActionsExecuted)
	assert.Equal(t, 2, client.planPayloads[1].BehaviorFeedback.ActionsSucceeded)
	require.NotNil(t, client.planPayloads[2].BehaviorFeedback)
	assert.Equal(t, "behavior_002", client.planPayloads[2].BehaviorFeedback.BehaviorID)
}

func TestHandlerErrorDoesNotFailRun(t *testing.T) {
	client := &fakeWorkflowClient{
		planner: []plannerScript{
			{response: &workflowapi.PlannerResponse{TargetAchieved: false}},
			{response: &workflowapi.PlannerResponse{
				Transition: &workflowapi.Transition{TargetAchieved: boolPtr(true)},
			}},
		},
		generator: [][]workflowapi.Action{
			// exec with no resolvable cell: the handler errors.
			{{Type: workflowapi.ActionExec, CodeCellID: ""}},
		},
	}

	template := &pipeline.Template{Stages: []pipeline.Stage{
		{ID: "stage_explore", Steps: []pipeline.Step{{ID: "step_load"}}},
	}}
	rig := newTestRig(t, template, client, 0)

	err := rig.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateWorkflowCompleted, rig.engine.State())

	// The failure is recorded as an effect entry and reported as feedback.
	effects := rig.context.EffectsSnapshot()
	require.Len(t, effects.Current, 1)
	assert.Contains(t, effects.Current[0], "action exec failed")

	require.NotNil(t, client.planPayloads[1].BehaviorFeedback)
	assert.Equal(t, "error", client.planPayloads[1].BehaviorFeedback.LastActionResult)
	assert.Equal(t, 0, client.planPayloads[1].BehaviorFeedback.ActionsSucceeded)
}

func TestUnknownActionIsSkipped(t *testing.T) {
	client := &fakeWorkflowClient{
		planner: []plannerScript{
			{response: &workflowapi.PlannerResponse{TargetAchieved: false}},
			{response: &workflowapi.PlannerResponse{
				Transition: &workflowapi.Transition{TargetAchieved: boolPtr(true)},
			}},
		},
		generator: [][]workflowapi.Action{
			{{Type: "launch_rocket"}},
		},
	}

	template := &pipeline.Template{Stages: []pipeline.Stage{
		{ID: "stage_explore", Steps: []pipeline.Step{{ID: "step_load"}}},
	}}
	rig := newTestRig(t, template, client, 0)

	err := rig.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateWorkflowCompleted, rig.engine.State())

	require.NotNil(t, client.planPayloads[1].BehaviorFeedback)
	assert.Equal(t, "skipped", client.planPayloads[1].BehaviorFeedback.LastActionResult)
}

func TestPlannerErrorFailsRun(t *testing.T) {
	client := &fakeWorkflowClient{
		planner: []plannerScript{
			{err: fmt.Errorf("planner unreachable")},
		},
	}
	rig := newTestRig(t, twoStageTemplate(), client, 0)

	err := rig.engine.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "planner call failed")
	assert.Equal(t, StateError, rig.engine.State())
}

func TestGeneratorErrorFailsRun(t *testing.T) {
	client := &fakeWorkflowClient{
		planner: []plannerScript{
			{response: &workflowapi.PlannerResponse{TargetAchieved: false}},
		},
		generatorErr: fmt.Errorf("stream broken"),
	}

	template := &pipeline.Template{Stages: []pipeline.Stage{
		{ID: "stage_explore", Steps: []pipeline.Step{{ID: "step_load"}}},
	}}
	rig := newTestRig(t, template, client, 0)

	err := rig.engine.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generator call failed")
	assert.Equal(t, StateError, rig.engine.State())
}

func TestEmptyTemplateFailsRun(t *testing.T) {
	client := &fakeWorkflowClient{}
	rig := newTestRig(t, nil, client, 0)

	err := rig.engine.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no stages")
	assert.Equal(t, StateError, rig.engine.State())
}

func TestStepLimitPausesAfterMaxActions(t *testing.T) {
	client := &fakeWorkflowClient{
		planner: []plannerScript{
			{response: &workflowapi.PlannerResponse{TargetAchieved: false}},
			{response: &workflowapi.PlannerResponse{
				Transition: &workflowapi.Transition{TargetAchieved: boolPtr(true)},
			}},
		},
		generator: [][]workflowapi.Action{{
			{Type: workflowapi.ActionNewChapter, Content: "Setup"},
			{Type: workflowapi.ActionNewChapter, Content: "Load"},
			{Type: workflowapi.ActionNewChapter, Content: "Profile"},
		}},
	}

	template := &pipeline.Template{Stages: []pipeline.Stage{
		{ID: "stage_explore", Steps: []pipeline.Step{{ID: "step_load"}}},
	}}
	rig := newTestRig(t, template, client, 2)

	done := make(chan error, 1)
	go func() { done <- rig.engine.Run(context.Background()) }()

	// A budget of two lets exactly two actions execute; the third action
	// pauses the engine on entry, before its effect.
	waitFor(t, 2*time.Second, func() bool {
		return rig.engine.Status().Paused && rig.engine.Parked()
	})
	assert.Equal(t, 2, rig.cells.Len())
	assert.Equal(t, string(StatePaused), rig.engine.Status().State)
	assert.Equal(t, pauseReasonStepLimit, rig.engine.Status().PauseReason)
	assert.Equal(t, 2, rig.engine.StepCounter())

	rig.engine.SetMaxSteps(0)
	rig.engine.Resume()

	require.NoError(t, <-done)
	assert.Equal(t, StateWorkflowCompleted, rig.engine.State())
	assert.Equal(t, 3, rig.cells.Len())
	assert.Equal(t, 3, rig.engine.StepCounter())
}

func TestPauseAndResume(t *testing.T) {
	paused := make(chan struct{})
	client := &fakeWorkflowClient{}
	client.onPlanning = func(call int) {
		if call == 0 {
			<-paused
		}
	}
	rig := newTestRig(t, twoStageTemplate(), client, 0)

	done := make(chan error, 1)
	go func() { done <- rig.engine.Run(context.Background()) }()

	rig.engine.Pause()
	close(paused)

	waitFor(t, 2*time.Second, func() bool { return rig.engine.Status().Paused })
	assert.Equal(t, pauseReasonRequested, rig.engine.Status().PauseReason)

	rig.engine.Resume()
	require.NoError(t, <-done)
	assert.Equal(t, StateWorkflowCompleted, rig.engine.State())
}

func TestStatusSafeWhileRunning(t *testing.T) {
	client := &fakeWorkflowClient{
		planner: []plannerScript{
			{response: &workflowapi.PlannerResponse{TargetAchieved: false}},
		},
		generator: [][]workflowapi.Action{{
			{Type: workflowapi.ActionNewChapter, Content: "Setup"},
			{Type: workflowapi.ActionNewChapter, Content: "Load"},
		}},
	}
	rig := newTestRig(t, twoStageTemplate(), client, 0)

	// Hammer the control surface from another goroutine for the whole
	// run; the race detector turns any unguarded read into a failure.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			status := rig.engine.Status()
			_ = status.StageID
			_ = rig.engine.PendingTemplate()
			_ = rig.engine.State()
			_ = rig.engine.StepCounter()
		}
	}()

	require.NoError(t, rig.engine.Run(context.Background()))
	close(stop)
	wg.Wait()

	status := rig.engine.Status()
	assert.Equal(t, string(StateWorkflowCompleted), status.State)
	assert.Equal(t, "stage_model", status.StageID)
	assert.Equal(t, 2, status.CellCount)
}

func TestCancelStopsRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	client := &fakeWorkflowClient{}
	client.onPlanning = func(call int) {
		if call == 0 {
			close(started)
			<-release
		}
	}
	rig := newTestRig(t, twoStageTemplate(), client, 0)

	done := make(chan error, 1)
	go func() { done <- rig.engine.Run(context.Background()) }()

	<-started
	rig.engine.Cancel()
	close(release)

	require.NoError(t, <-done)
	assert.Equal(t, StateCancelled, rig.engine.State())
}

func TestContextCancellationCancelsRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	client := &fakeWorkflowClient{}
	client.onPlanning = func(call int) {
		if call == 0 {
			close(started)
			<-release
		}
	}
	rig := newTestRig(t, twoStageTemplate(), client, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rig.engine.Run(ctx) }()

	<-started
	cancel()
	close(release)

	// The released planner call reports target achieved, so every event
	// left to process is cheap and internal; the dead context must still
	// stop the run at the next boundary instead of letting it coast to
	// completion.
	require.NoError(t, <-done)
	assert.Equal(t, StateCancelled, rig.engine.State())
}

func TestWorkflowUpdateConfirmFlow(t *testing.T) {
	updated := &pipeline.Template{Stages: []pipeline.Stage{
		{ID: "stage_explore", Steps: []pipeline.Step{{ID: "step_load"}}},
		{ID: "stage_extra", Steps: []pipeline.Step{{ID: "step_extra"}}},
	}}

	client := &fakeWorkflowClient{
		planner: []plannerScript{
			{response: &workflowapi.PlannerResponse{TargetAchieved: false}},
			// Everything after the confirmation closes immediately.
		},
		generator: [][]workflowapi.Action{
			{{Type: workflowapi.ActionUpdateWorkflow, UpdatedWorkflow: updated}},
		},
	}

	template := &pipeline.Template{Stages: []pipeline.Stage{
		{ID: "stage_explore", Steps: []pipeline.Step{{ID: "step_load"}}},
	}}
	rig := newTestRig(t, template, client, 0)

	done := make(chan error, 1)
	go func() { done <- rig.engine.Run(context.Background()) }()

	waitFor(t, 2*time.Second, func() bool {
		return rig.engine.State() == StateWorkflowUpdatePending
	})

	// The template is parked, not applied.
	assert.Len(t, rig.pipeline.Template().Stages, 1)
	require.NotNil(t, rig.engine.PendingTemplate())

	require.NoError(t, rig.engine.ConfirmWorkflowUpdate())
	require.NoError(t, <-done)

	assert.Equal(t, StateWorkflowCompleted, rig.engine.State())
	assert.Len(t, rig.pipeline.Template().Stages, 2)
	assert.Nil(t, rig.engine.PendingTemplate())
}

func TestWorkflowUpdateRejectFlow(t *testing.T) {
	updated := &pipeline.Template{Stages: []pipeline.Stage{
		{ID: "stage_other", Steps: []pipeline.Step{{ID: "step_other"}}},
	}}

	client := &fakeWorkflowClient{
		planner: []plannerScript{
			{response: &workflowapi.PlannerResponse{TargetAchieved: false}},
		},
		generator: [][]workflowapi.Action{
			{{Type: workflowapi.ActionUpdateWorkflow, UpdatedWorkflow: updated}},
		},
	}

	template := &pipeline.Template{Stages: []pipeline.Stage{
		{ID: "stage_explore", Steps: []pipeline.Step{{ID: "step_load"}}},
	}}
	rig := newTestRig(t, template, client, 0)

	done := make(chan error, 1)
	go func() { done <- rig.engine.Run(context.Background()) }()

	waitFor(t, 2*time.Second, func() bool {
		return rig.engine.State() == StateWorkflowUpdatePending
	})

	require.NoError(t, rig.engine.RejectWorkflowUpdate())
	require.NoError(t, <-done)

	assert.Equal(t, StateWorkflowCompleted, rig.engine.State())
	require.Len(t, rig.pipeline.Template().Stages, 1)
	assert.Equal(t, "stage_explore", rig.pipeline.Template().Stages[0].ID)
}

func TestConfirmWorkflowUpdateOutsidePendingState(t *testing.T) {
	client := &fakeWorkflowClient{}
	rig := newTestRig(t, twoStageTemplate(), client, 0)

	assert.Error(t, rig.engine.ConfirmWorkflowUpdate())
	assert.Error(t, rig.engine.RejectWorkflowUpdate())
}

func TestResetAfterTerminalState(t *testing.T) {
	client := &fakeWorkflowClient{}
	rig := newTestRig(t, twoStageTemplate(), client, 0)

	// Reset is rejected before the run reaches a terminal state.
	assert.Error(t, rig.engine.Reset())

	require.NoError(t, rig.engine.Run(context.Background()))
	require.Equal(t, StateWorkflowCompleted, rig.engine.State())

	require.NoError(t, rig.engine.Reset())
	assert.Equal(t, StateIdle, rig.engine.State())
	assert.Equal(t, 0, rig.engine.StepCounter())
}

func TestContextUpdateApplication(t *testing.T) {
	client := &fakeWorkflowClient{}
	rig := newTestRig(t, twoStageTemplate(), client, 0)

	err := rig.engine.applyContextUpdate(&workflowapi.ContextUpdate{
		Variables: map[string]interface{}{"target_column": "species"},
		ProgressUpdate: &workflowapi.ProgressUpdate{
			Level: "steps",
			Focus: "loading the csv",
		},
		OutputsUpdate: &workflowapi.OutputsUpdate{
			Level:   "behaviors",
			Outputs: workflowapi.OutputsTriple{Expected: []string{"df"}},
		},
		EffectsUpdate: &workflowapi.EffectsUpdate{
			Current: []string{},
			History: []string{"loaded 150 rows"},
		},
		UnknownKeys: []string{"totally_new_key"},
	})
	require.NoError(t, err)

	value, ok := rig.context.GetVariable("target_column")
	require.True(t, ok)
	assert.Equal(t, "species", value)
	assert.Equal(t, "loading the csv", rig.context.Focus().Steps)
	assert.Equal(t, []string{"df"}, rig.context.OutputsAt(contextstore.LevelBehaviors).Expected)

	effects := rig.context.EffectsSnapshot()
	assert.Empty(t, effects.Current)
	assert.Equal(t, []string{"loaded 150 rows"}, effects.History)
}

func TestContextUpdateWorkflowJump(t *testing.T) {
	client := &fakeWorkflowClient{}
	rig := newTestRig(t, twoStageTemplate(), client, 0)
	rig.engine.exec.StageID = "stage_explore"
	rig.engine.exec.StepID = "step_load"

	err := rig.engine.applyContextUpdate(&workflowapi.ContextUpdate{
		WorkflowUpdate: &workflowapi.WorkflowUpdate{
			Template:    *twoStageTemplate(),
			NextStageID: "stage_model",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "stage_model", rig.engine.exec.StageID)
	assert.Equal(t, "step_fit", rig.engine.exec.StepID)
}

func TestContextUpdateBadClauseAppliesNothing(t *testing.T) {
	client := &fakeWorkflowClient{}
	rig := newTestRig(t, twoStageTemplate(), client, 0)

	tests := []struct {
		name    string
		update  *workflowapi.ContextUpdate
		wantErr string
	}{
		{
			name: "invalid progress level",
			update: &workflowapi.ContextUpdate{
				Variables:      map[string]interface{}{"target_column": "species"},
				ProgressUpdate: &workflowapi.ProgressUpdate{Level: "chapters", Focus: "x"},
			},
			wantErr: "progress_update",
		},
		{
			name: "invalid outputs level",
			update: &workflowapi.ContextUpdate{
				Variables:     map[string]interface{}{"target_column": "species"},
				OutputsUpdate: &workflowapi.OutputsUpdate{Level: "chapters"},
			},
			wantErr: "outputs_update",
		},
		{
			name: "unresolvable stage",
			update: &workflowapi.ContextUpdate{
				Variables: map[string]interface{}{"target_column": "species"},
				StageStepsUpdate: &workflowapi.StageStepsUpdate{
					StageID: "stage_missing",
					Steps:   []pipeline.Step{{ID: "step_new"}},
				},
			},
			wantErr: "stage_steps_update",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := rig.engine.applyContextUpdate(tc.update)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)

			// The bad clause rejected the whole delta: the variables key
			// listed alongside it never landed.
			_, ok := rig.context.GetVariable("target_column")
			assert.False(t, ok)
		})
	}
}

func TestContextUpdateStageResolvedAgainstIncomingTemplate(t *testing.T) {
	client := &fakeWorkflowClient{}
	rig := newTestRig(t, twoStageTemplate(), client, 0)

	// The stage only exists in the template the same delta installs.
	err := rig.engine.applyContextUpdate(&workflowapi.ContextUpdate{
		WorkflowUpdate: &workflowapi.WorkflowUpdate{
			Template: pipeline.Template{Stages: []pipeline.Stage{
				{ID: "stage_new", Steps: []pipeline.Step{{ID: "step_old"}}},
			}},
		},
		StageStepsUpdate: &workflowapi.StageStepsUpdate{
			StageID: "stage_new",
			Steps:   []pipeline.Step{{ID: "step_replaced"}},
		},
	})
	require.NoError(t, err)

	stage, ok := rig.pipeline.Stage("stage_new")
	require.True(t, ok)
	require.Len(t, stage.Steps, 1)
	assert.Equal(t, "step_replaced", stage.Steps[0].ID)
}

func TestContextUpdateFailureFailsRun(t *testing.T) {
	client := &fakeWorkflowClient{
		planner: []plannerScript{
			{response: &workflowapi.PlannerResponse{
				TargetAchieved: true,
				ContextUpdate: &workflowapi.ContextUpdate{
					ProgressUpdate: &workflowapi.ProgressUpdate{Level: "chapters", Focus: "x"},
				},
			}},
		},
	}
	rig := newTestRig(t, twoStageTemplate(), client, 0)

	err := rig.engine.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context update failed")
	assert.Equal(t, StateError, rig.engine.State())
}

func TestSnapshotRoundTrip(t *testing.T) {
	client := &fakeWorkflowClient{}
	rig := newTestRig(t, twoStageTemplate(), client, 0)

	// Put some state into every store.
	cell := notebook.NewCell(notebook.CellKindCode, "df.head()")
	cell.Metadata["shot_type"] = "code"
	require.NoError(t, rig.cells.Add(cell))
	require.NoError(t, rig.cells.AppendOutputs(cell.ID, []notebook.Output{
		{Type: notebook.OutputTypeText, Content: "5 rows"},
	}))
	rig.cells.SetTitle("Iris Analysis")
	rig.cells.IncrementExecutionCount()

	rig.context.SetVariable("target_column", "species")
	rig.context.AppendEffect("5 rows")
	require.NoError(t, rig.context.UpdateFocus(contextstore.LevelSteps, "profiling"))

	rig.engine.exec.StageID = "stage_explore"
	rig.engine.exec.StepID = "step_profile"
	rig.engine.exec.BehaviorID = "behavior_002"
	rig.engine.exec.BehaviorIteration = 2
	rig.engine.exec.CompletedBehaviors = []string{"behavior_001"}
	rig.engine.fsm.Restore(StateBehaviorRunning, []TransitionRecord{
		{From: StateStepRunning, Event: EventStartBehavior, To: StateBehaviorRunning, Timestamp: time.Now()},
	})
	rig.engine.stepCounter = 4

	snap := rig.engine.Snapshot()

	// Restore into a fresh engine built over the same descriptor.
	restored := newTestRig(t, twoStageTemplate(), &fakeWorkflowClient{}, 0)
	require.NoError(t, restored.engine.Restore(snap))

	assert.Equal(t, StateBehaviorRunning, restored.engine.State())
	assert.Equal(t, "stage_explore", restored.engine.exec.StageID)
	assert.Equal(t, "step_profile", restored.engine.exec.StepID)
	assert.Equal(t, "behavior_002", restored.engine.exec.BehaviorID)
	assert.Equal(t, 2, restored.engine.exec.BehaviorIteration)
	assert.Equal(t, []string{"behavior_001"}, restored.engine.exec.CompletedBehaviors)
	assert.Equal(t, 4, restored.engine.StepCounter())

	assert.Equal(t, "Iris Analysis", restored.cells.Title())
	require.Equal(t, 1, restored.cells.Len())
	got, ok := restored.cells.Get(cell.ID)
	require.True(t, ok)
	assert.Equal(t, "df.head()", got.Content)
	require.Len(t, got.Outputs, 1)
	assert.Equal(t, "5 rows", got.Outputs[0].Content)
	assert.Equal(t, 1, restored.cells.ExecutionCount())

	value, ok := restored.context.GetVariable("target_column")
	require.True(t, ok)
	assert.Equal(t, "species", value)
	assert.Equal(t, "profiling", restored.context.Focus().Steps)

	// A second snapshot of the restored engine matches the original.
	again := restored.engine.Snapshot()
	assert.Equal(t, snap.State.FSM.State, again.State.FSM.State)
	assert.Equal(t, snap.Observation.Location, again.Observation.Location)
	assert.Equal(t, snap.State.StepCounter, again.State.StepCounter)
}

func TestResumeFromRestoredSnapshot(t *testing.T) {
	// Drive a run into the workflow-update park, snapshot it there.
	updated := &pipeline.Template{Stages: []pipeline.Stage{
		{ID: "stage_explore", Steps: []pipeline.Step{{ID: "step_load"}}},
	}}
	client := &fakeWorkflowClient{
		planner: []plannerScript{
			{response: &workflowapi.PlannerResponse{TargetAchieved: false}},
		},
		generator: [][]workflowapi.Action{
			{{Type: workflowapi.ActionUpdateWorkflow, UpdatedWorkflow: updated}},
		},
	}
	template := &pipeline.Template{Stages: []pipeline.Stage{
		{ID: "stage_explore", Steps: []pipeline.Step{{ID: "step_load"}}},
	}}
	rig := newTestRig(t, template, client, 0)

	done := make(chan error, 1)
	go func() { done <- rig.engine.Run(context.Background()) }()
	waitFor(t, 2*time.Second, func() bool {
		return rig.engine.State() == StateWorkflowUpdatePending
	})
	snap := rig.engine.Snapshot()

	// Finish the first run so its goroutine exits cleanly.
	require.NoError(t, rig.engine.ConfirmWorkflowUpdate())
	require.NoError(t, <-done)

	// A fresh engine restored from the snapshot parks in the same place
	// and completes once the update is rejected.
	restored := newTestRig(t, template, &fakeWorkflowClient{}, 0)
	require.NoError(t, restored.engine.Restore(snap))
	require.Equal(t, StateWorkflowUpdatePending, restored.engine.State())

	done2 := make(chan error, 1)
	go func() { done2 <- restored.engine.Run(context.Background()) }()
	waitFor(t, 2*time.Second, func() bool {
		return restored.engine.State() == StateWorkflowUpdatePending
	})
	require.NoError(t, restored.engine.RejectWorkflowUpdate())
	require.NoError(t, <-done2)
	assert.Equal(t, StateWorkflowCompleted, restored.engine.State())
}
