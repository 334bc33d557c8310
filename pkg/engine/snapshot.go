package engine

import (
	"fmt"

	"nbflow/engine_go/pkg/contextstore"
	"nbflow/engine_go/pkg/notebook"
	"nbflow/engine_go/pkg/observation"
)

// Snapshot is the single JSON blob that round-trips an engine: position,
// progress and all store contents. It can be taken at any transition
// boundary and rehydrated later to resume the run offline.
type Snapshot struct {
	Observation SnapshotObservation `json:"observation"`
	State       SnapshotState       `json:"state"`
}

// SnapshotObservation holds the position half of the blob.
type SnapshotObservation struct {
	Location observation.CurrentLocation `json:"location"`
	Progress observation.Progress        `json:"progress"`
	Goals    observation.Goals           `json:"goals"`
}

// SnapshotState holds the store contents.
type SnapshotState struct {
	Variables     map[string]interface{} `json:"variables"`
	Effects       contextstore.Effects   `json:"effects"`
	TodoList      []string               `json:"todo_list,omitempty"`
	CustomContext map[string]interface{} `json:"custom_context,omitempty"`
	Notebook      SnapshotNotebook       `json:"notebook"`
	FSM           SnapshotFSM            `json:"FSM"`
	StepCounter   int                    `json:"step_counter"`
}

// SnapshotNotebook persists the cell store.
type SnapshotNotebook struct {
	Cells    []*notebook.Cell       `json:"cells"`
	Title    string                 `json:"title"`
	Metadata map[string]interface{} `json:"metadata"`
}

// SnapshotFSM persists the machine state and its bounded history.
type SnapshotFSM struct {
	State          string             `json:"state"`
	LastTransition string             `json:"last_transition,omitempty"`
	History        []TransitionRecord `json:"history,omitempty"`
}

// Snapshot captures the engine at the current transition boundary.
func (e *Engine) Snapshot() *Snapshot {
	serialized := e.context.Serialize()
	focus := serialized.ProgressFocus
	outputs := serialized.ProgressOutputs
	loc := e.exec.Location()

	return &Snapshot{
		Observation: SnapshotObservation{
			Location: loc,
			Progress: observation.Progress{
				Stages: &observation.LevelProgress{
					Completed:      e.pipeline.CompletedStages(loc.StageID),
					Current:        loc.StageID,
					Remaining:      e.pipeline.RemainingStages(loc.StageID),
					Focus:          focus.Stages,
					CurrentOutputs: outputs.Stages,
				},
				Steps: &observation.LevelProgress{
					Completed:      e.pipeline.CompletedSteps(loc.StageID, loc.StepID),
					Current:        loc.StepID,
					Remaining:      e.pipeline.RemainingSteps(loc.StageID, loc.StepID),
					Focus:          focus.Steps,
					CurrentOutputs: outputs.Steps,
				},
				Behaviors: &observation.BehaviorProgress{
					Completed:      append([]string(nil), e.exec.CompletedBehaviors...),
					Current:        loc.BehaviorID,
					Iteration:      loc.BehaviorIteration,
					Focus:          focus.Behaviors,
					CurrentOutputs: outputs.Behaviors,
				},
			},
			Goals: e.snapshotGoals(loc),
		},
		State: SnapshotState{
			Variables:     serialized.Variables,
			Effects:       serialized.Effects,
			TodoList:      serialized.TodoList,
			CustomContext: serialized.CustomContext,
			Notebook: SnapshotNotebook{
				Cells: e.cells.Cells(),
				Title: e.cells.Title(),
				Metadata: map[string]interface{}{
					"execution_count": e.cells.ExecutionCount(),
				},
			},
			FSM: SnapshotFSM{
				State:          string(e.fsm.State()),
				LastTransition: e.fsm.LastTransition(),
				History:        e.fsm.History(),
			},
			StepCounter: e.StepCounter(),
		},
	}
}

func (e *Engine) snapshotGoals(loc observation.CurrentLocation) observation.Goals {
	goals := observation.Goals{Behavior: e.context.Focus().Behaviors}
	if stage, ok := e.pipeline.Stage(loc.StageID); ok {
		goals.Stage = stage.Goal
	}
	if step, ok := e.pipeline.Step(loc.StageID, loc.StepID); ok {
		goals.Step = step.Goal
	}
	return goals
}

// Restore rehydrates the engine from a snapshot. The workflow template is
// not part of the blob; the engine must be constructed with the same
// pipeline descriptor that produced it.
func (e *Engine) Restore(snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("nil snapshot")
	}

	e.cells.Restore(snap.State.Notebook.Cells, snap.State.Notebook.Title,
		metadataInt(snap.State.Notebook.Metadata, "execution_count"))

	progress := snap.Observation.Progress
	serialized := contextstore.Serialized{
		Variables:     snap.State.Variables,
		Effects:       snap.State.Effects,
		TodoList:      snap.State.TodoList,
		CustomContext: snap.State.CustomContext,
	}
	if progress.Stages != nil {
		serialized.ProgressFocus.Stages = progress.Stages.Focus
		serialized.ProgressOutputs.Stages = progress.Stages.CurrentOutputs
	}
	if progress.Steps != nil {
		serialized.ProgressFocus.Steps = progress.Steps.Focus
		serialized.ProgressOutputs.Steps = progress.Steps.CurrentOutputs
	}
	if progress.Behaviors != nil {
		serialized.ProgressFocus.Behaviors = progress.Behaviors.Focus
		serialized.ProgressOutputs.Behaviors = progress.Behaviors.CurrentOutputs
	}
	e.context.Restore(serialized)

	loc := snap.Observation.Location
	e.exec = ExecutionContext{
		StageID:           loc.StageID,
		StepID:            loc.StepID,
		BehaviorID:        loc.BehaviorID,
		BehaviorIteration: loc.BehaviorIteration,
	}
	if progress.Behaviors != nil {
		e.exec.CompletedBehaviors = append([]string(nil), progress.Behaviors.Completed...)
	}
	e.scripts.SetCurrentStageID(loc.StageID)

	e.fsm.Restore(State(snap.State.FSM.State), snap.State.FSM.History)

	e.mu.Lock()
	e.stepCounter = snap.State.StepCounter
	e.mu.Unlock()
	e.publishStatus()

	e.logger.Infof("💾 engine restored: state=%s stage=%s step=%s (%d cells)",
		snap.State.FSM.State, loc.StageID, loc.StepID, len(snap.State.Notebook.Cells))
	return nil
}

func metadataInt(metadata map[string]interface{}, key string) int {
	switch v := metadata[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
