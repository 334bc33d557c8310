package scripts

import (
	"context"

	"nbflow/engine_go/internal/utils"
	"nbflow/engine_go/pkg/contextstore"
	"nbflow/engine_go/pkg/notebook"
	"nbflow/engine_go/pkg/pipeline"
	"nbflow/engine_go/pkg/workflowapi"
)

// CodeExecutor is the narrow executor contract the script store needs.
type CodeExecutor interface {
	Execute(ctx context.Context, code string) []notebook.Output
}

// Result is the outcome of one action dispatch. A dispatch either
// succeeds, escalates a pending workflow update to the FSM, or is skipped
// because the action type is unknown.
type Result struct {
	// WorkflowUpdatePending escalates a template replacement to the FSM;
	// the handler never applies it in place.
	WorkflowUpdatePending bool
	Template              *pipeline.Template

	// Skipped marks an unknown action type (warned, not fatal).
	Skipped bool

	// SectionAdded marks actions that contributed a chapter or section,
	// feeding the behavior stats.
	SectionAdded bool

	// CellID names the cell the action touched, when any.
	CellID string
}

// ScriptStore is the facade handed to action handlers. It bundles the
// stores an action may touch plus the dispatch bookkeeping (chapter and
// section counters, the active thinking cell).
type ScriptStore struct {
	cells    *notebook.CellStore
	context  *contextstore.ContextStore
	pipeline *pipeline.PipelineStore
	executor CodeExecutor
	registry *Registry
	logger   utils.ExtendedLogger

	chapterCount       int
	sectionCount       int
	lastThinkingCellID string
	currentStageID     string
}

// NewScriptStore wires the script store. Dependencies are injected as the
// narrow interfaces each handler requires.
func NewScriptStore(
	cells *notebook.CellStore,
	contextStore *contextstore.ContextStore,
	pipelineStore *pipeline.PipelineStore,
	executor CodeExecutor,
	registry *Registry,
	logger utils.ExtendedLogger,
) *ScriptStore {
	return &ScriptStore{
		cells:    cells,
		context:  contextStore,
		pipeline: pipelineStore,
		executor: executor,
		registry: registry,
		logger:   utils.OrNoop(logger),
	}
}

// Registry exposes the action registry for custom registrations.
func (ss *ScriptStore) Registry() *Registry {
	return ss.registry
}

// SetCurrentStageID tells the store which stage is active, used when an
// update_stage_steps action omits the stage ID.
func (ss *ScriptStore) SetCurrentStageID(stageID string) {
	ss.currentStageID = stageID
}

// Dispatch routes one action through the registry, running pre and post
// hooks around the handler. Unknown action types are warned and skipped.
func (ss *ScriptStore) Dispatch(ctx context.Context, action workflowapi.Action) (*Result, error) {
	for _, hook := range ss.registry.preHooks {
		hook(action)
	}

	handler, ok := ss.registry.Lookup(action.Type)

	var result *Result
	var err error
	if !ok {
		ss.logger.Warnf("unknown action type %q, skipping", action.Type)
		result = &Result{Skipped: true}
	} else {
		result, err = handler(ctx, ss, action)
	}

	for _, hook := range ss.registry.postHooks {
		hook(action, result, err)
	}

	return result, err
}

// Counters returns the chapter and section counts accumulated so far.
func (ss *ScriptStore) Counters() (chapters, sections int) {
	return ss.chapterCount, ss.sectionCount
}

// resolveCellID maps a codecell reference to a concrete cell ID. The
// literal name lastAddedCellId (or an empty reference) resolves through
// the context variable of the same name.
func (ss *ScriptStore) resolveCellID(ref string) (string, bool) {
	if ref == "" || ref == contextstore.VarLastAddedCellID {
		value, ok := ss.context.GetVariable(contextstore.VarLastAddedCellID)
		if !ok {
			return "", false
		}
		id, ok := value.(string)
		return id, ok
	}
	return ref, true
}
