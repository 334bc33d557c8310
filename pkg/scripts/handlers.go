package scripts

import (
	"context"
	"fmt"

	"nbflow/engine_go/pkg/contextstore"
	"nbflow/engine_go/pkg/notebook"
	"nbflow/engine_go/pkg/workflowapi"
)

// handleAdd appends a cell. Dialogue and observation shots become markdown
// cells, everything else is code. The new cell ID is recorded in the
// lastAddedCellId variable.
func handleAdd(_ context.Context, store *ScriptStore, action workflowapi.Action) (*Result, error) {
	kind := notebook.CellKindCode
	if action.ShotType == "dialogue" || action.ShotType == "observation" {
		kind = notebook.CellKindMarkdown
	}

	cell := notebook.NewCell(kind, action.Content)
	if action.ShotType != "" {
		cell.Metadata["shot_type"] = action.ShotType
	}
	if err := store.cells.Add(cell); err != nil {
		return nil, actionError(action.Type, ReasonStoreFailure, err)
	}

	store.context.SetVariable(contextstore.VarLastAddedCellID, cell.ID)
	return &Result{CellID: cell.ID}, nil
}

// handleExec resolves the target code cell, clears its previous outputs,
// runs it on the kernel and records the outputs both on the cell and in
// the current effect list.
func handleExec(ctx context.Context, store *ScriptStore, action workflowapi.Action) (*Result, error) {
	cellID, ok := store.resolveCellID(action.CodeCellID)
	if !ok {
		return nil, actionError(action.Type, ReasonUnknownCell,
			fmt.Errorf("codecell reference %q does not resolve", action.CodeCellID))
	}

	cell, ok := store.cells.Get(cellID)
	if !ok {
		return nil, actionError(action.Type, ReasonUnknownCell,
			fmt.Errorf("cell %q not found", cellID))
	}

	if err := store.cells.ClearOutputs(cellID); err != nil {
		return nil, actionError(action.Type, ReasonStoreFailure, err)
	}

	outputs := store.executor.Execute(ctx, cell.Content)

	if err := store.cells.AppendOutputs(cellID, outputs); err != nil {
		return nil, actionError(action.Type, ReasonStoreFailure, err)
	}
	for _, output := range outputs {
		store.context.AppendEffect(output.String())
	}
	store.cells.IncrementExecutionCount()

	return &Result{CellID: cellID}, nil
}

// handleNewChapter appends a markdown cell with a chapter heading.
func handleNewChapter(_ context.Context, store *ScriptStore, action workflowapi.Action) (*Result, error) {
	store.chapterCount++
	cell := notebook.NewCell(notebook.CellKindMarkdown, "## "+action.Content)
	cell.Metadata["chapter_index"] = store.chapterCount
	if err := store.cells.Add(cell); err != nil {
		return nil, actionError(action.Type, ReasonStoreFailure, err)
	}
	return &Result{CellID: cell.ID, SectionAdded: true}, nil
}

// handleNewSection appends a markdown cell with a section heading and a
// section_id metadata entry.
func handleNewSection(_ context.Context, store *ScriptStore, action workflowapi.Action) (*Result, error) {
	store.sectionCount++
	cell := notebook.NewCell(notebook.CellKindMarkdown, "### "+action.Content)
	cell.Metadata["section_id"] = fmt.Sprintf("section_%03d", store.sectionCount)
	if err := store.cells.Add(cell); err != nil {
		return nil, actionError(action.Type, ReasonStoreFailure, err)
	}
	return &Result{CellID: cell.ID, SectionAdded: true}, nil
}

// handleIsThinking appends a thinking cell and stashes its ID so a later
// finish_thinking can close it.
func handleIsThinking(_ context.Context, store *ScriptStore, action workflowapi.Action) (*Result, error) {
	cell := notebook.NewCell(notebook.CellKindThinking, action.ThinkingText)
	if action.AgentName != "" {
		cell.Metadata["agent_name"] = action.AgentName
	}
	if err := store.cells.Add(cell); err != nil {
		return nil, actionError(action.Type, ReasonStoreFailure, err)
	}
	store.lastThinkingCellID = cell.ID
	return &Result{CellID: cell.ID}, nil
}

// handleFinishThinking marks the most recent thinking cell as finished.
// Without an open thinking cell it is a warned no-op.
func handleFinishThinking(_ context.Context, store *ScriptStore, action workflowapi.Action) (*Result, error) {
	if store.lastThinkingCellID == "" {
		store.logger.Warnf("finish_thinking with no open thinking cell")
		return &Result{}, nil
	}

	cellID := store.lastThinkingCellID
	if err := store.cells.UpdateMetadata(cellID, map[string]interface{}{"thinking_finished": true}); err != nil {
		return nil, actionError(action.Type, ReasonStoreFailure, err)
	}
	store.lastThinkingCellID = ""
	return &Result{CellID: cellID}, nil
}

// handleUpdateTitle sets the notebook title.
func handleUpdateTitle(_ context.Context, store *ScriptStore, action workflowapi.Action) (*Result, error) {
	if action.Title == "" {
		return nil, actionError(action.Type, ReasonMissingField, fmt.Errorf("title is required"))
	}
	store.cells.SetTitle(action.Title)
	return &Result{}, nil
}

// handleUpdateWorkflow never applies the template in place. It returns the
// pending sentinel so the FSM can run the two-phase confirmation.
func handleUpdateWorkflow(_ context.Context, _ *ScriptStore, action workflowapi.Action) (*Result, error) {
	if action.UpdatedWorkflow == nil {
		return nil, actionError(action.Type, ReasonMissingField, fmt.Errorf("updated_workflow is required"))
	}
	template := action.UpdatedWorkflow.Clone()
	return &Result{WorkflowUpdatePending: true, Template: &template}, nil
}

// handleUpdateStageSteps replaces the step sequence of the named stage.
// Unlike update_workflow this is safe to apply in place.
func handleUpdateStageSteps(_ context.Context, store *ScriptStore, action workflowapi.Action) (*Result, error) {
	if action.UpdatedSteps == nil {
		return nil, actionError(action.Type, ReasonMissingField, fmt.Errorf("updated_steps is required"))
	}

	stageID := action.StageID
	if stageID == "" {
		stageID = store.currentStageID
	}
	if err := store.pipeline.ReplaceStageSteps(stageID, action.UpdatedSteps); err != nil {
		return nil, actionError(action.Type, ReasonStoreFailure, err)
	}
	return &Result{}, nil
}

// handleNoop backs the reserved end_phase and next_event action types.
func handleNoop(_ context.Context, _ *ScriptStore, _ workflowapi.Action) (*Result, error) {
	return &Result{}, nil
}
