package scripts

import (
	"context"

	"nbflow/engine_go/internal/utils"
	"nbflow/engine_go/pkg/workflowapi"
)

// Handler processes one action against the script store facade.
type Handler func(ctx context.Context, store *ScriptStore, action workflowapi.Action) (*Result, error)

// PreHook observes an action before dispatch. Hooks may not rewrite it.
type PreHook func(action workflowapi.Action)

// PostHook observes the outcome of a dispatch.
type PostHook func(action workflowapi.Action, result *Result, err error)

// Registry maps action-type strings to handlers. Registration replaces any
// prior entry for the same type, so tests can swap handlers in before a
// run starts.
type Registry struct {
	handlers  map[string]Handler
	preHooks  []PreHook
	postHooks []PostHook
	logger    utils.ExtendedLogger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger utils.ExtendedLogger) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   utils.OrNoop(logger),
	}
}

// Register installs a handler for an action type, replacing any existing
// registration.
func (r *Registry) Register(actionType string, handler Handler) {
	if _, exists := r.handlers[actionType]; exists {
		r.logger.Debugf("replacing handler for action type %q", actionType)
	}
	r.handlers[actionType] = handler
}

// AddPreHook appends an observation hook invoked before every dispatch.
func (r *Registry) AddPreHook(hook PreHook) {
	r.preHooks = append(r.preHooks, hook)
}

// AddPostHook appends an observation hook invoked after every dispatch.
func (r *Registry) AddPostHook(hook PostHook) {
	r.postHooks = append(r.postHooks, hook)
}

// Lookup returns the handler for an action type.
func (r *Registry) Lookup(actionType string) (Handler, bool) {
	handler, ok := r.handlers[actionType]
	return handler, ok
}

// RegisteredTypes returns all registered action types.
func (r *Registry) RegisteredTypes() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// NewDefaultRegistry creates a registry with all built-in handlers wired.
func NewDefaultRegistry(logger utils.ExtendedLogger) *Registry {
	r := NewRegistry(logger)
	r.Register(workflowapi.ActionAdd, handleAdd)
	r.Register(workflowapi.ActionExec, handleExec)
	r.Register(workflowapi.ActionNewChapter, handleNewChapter)
	r.Register(workflowapi.ActionNewSection, handleNewSection)
	r.Register(workflowapi.ActionIsThinking, handleIsThinking)
	r.Register(workflowapi.ActionFinishThinking, handleFinishThinking)
	r.Register(workflowapi.ActionUpdateTitle, handleUpdateTitle)
	r.Register(workflowapi.ActionUpdateWorkflow, handleUpdateWorkflow)
	r.Register(workflowapi.ActionUpdateStageSteps, handleUpdateStageSteps)
	// Reserved types: registered as no-ops so they do not trip the
	// unknown-action warning.
	r.Register(workflowapi.ActionEndPhase, handleNoop)
	r.Register(workflowapi.ActionNextEvent, handleNoop)
	return r
}
