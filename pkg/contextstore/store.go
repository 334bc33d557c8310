package contextstore

import (
	"fmt"

	"nbflow/engine_go/internal/utils"
)

// VarLastAddedCellID is the reserved variable name that always refers to
// the most recently added notebook cell.
const VarLastAddedCellID = "lastAddedCellId"

// Level identifies one tier of the workflow hierarchy.
type Level string

const (
	LevelStages    Level = "stages"
	LevelSteps     Level = "steps"
	LevelBehaviors Level = "behaviors"
)

// ValidLevel reports whether l names a known hierarchy level.
func ValidLevel(l Level) bool {
	return l == LevelStages || l == LevelSteps || l == LevelBehaviors
}

// Effects splits effect entries into the current planner turn and older
// history. Entries are stringified code-execution outputs.
type Effects struct {
	Current []string `json:"current"`
	History []string `json:"history"`
}

// ProgressFocus holds the planner-authored analysis text per level. The
// engine stores it verbatim and echoes it in the next observation.
type ProgressFocus struct {
	Stages    string `json:"stages"`
	Steps     string `json:"steps"`
	Behaviors string `json:"behaviors"`
}

// OutputsTriple tracks variable names per level as directed by the planner.
type OutputsTriple struct {
	Expected   []string `json:"expected"`
	Produced   []string `json:"produced"`
	InProgress []string `json:"in_progress"`
}

// ProgressOutputs holds the outputs triple for every level.
type ProgressOutputs struct {
	Stages    OutputsTriple `json:"stages"`
	Steps     OutputsTriple `json:"steps"`
	Behaviors OutputsTriple `json:"behaviors"`
}

// ContextStore holds the run context shared between the engine, the script
// handlers and the observation builder.
type ContextStore struct {
	variables       map[string]interface{}
	effects         Effects
	todoList        []string
	customContext   map[string]interface{}
	progressFocus   ProgressFocus
	progressOutputs ProgressOutputs
	logger          utils.ExtendedLogger
}

// NewContextStore creates an empty context store.
func NewContextStore(logger utils.ExtendedLogger) *ContextStore {
	return &ContextStore{
		variables:     make(map[string]interface{}),
		customContext: make(map[string]interface{}),
		effects: Effects{
			Current: make([]string, 0),
			History: make([]string, 0),
		},
		todoList: make([]string, 0),
		logger:   utils.OrNoop(logger),
	}
}

// SetVariable stores one variable.
func (cs *ContextStore) SetVariable(name string, value interface{}) {
	cs.variables[name] = value
}

// GetVariable returns a variable by name.
func (cs *ContextStore) GetVariable(name string) (interface{}, bool) {
	v, ok := cs.variables[name]
	return v, ok
}

// RemoveVariable deletes a variable.
func (cs *ContextStore) RemoveVariable(name string) {
	delete(cs.variables, name)
}

// SetVariables merges many variables at once.
func (cs *ContextStore) SetVariables(vars map[string]interface{}) {
	for k, v := range vars {
		cs.variables[k] = v
	}
}

// Variables returns a copy of all variables.
func (cs *ContextStore) Variables() map[string]interface{} {
	out := make(map[string]interface{}, len(cs.variables))
	for k, v := range cs.variables {
		out[k] = v
	}
	return out
}

// AppendEffect records one effect entry for the current planner turn.
func (cs *ContextStore) AppendEffect(entry string) {
	cs.effects.Current = append(cs.effects.Current, entry)
}

// CompactEffects moves all current effects into history. Called at a turn
// boundary when the planner directs compaction.
func (cs *ContextStore) CompactEffects() {
	if len(cs.effects.Current) == 0 {
		return
	}
	cs.effects.History = append(cs.effects.History, cs.effects.Current...)
	cs.effects.Current = make([]string, 0)
}

// ReplaceEffects atomically replaces current and/or history. A nil slice
// leaves that side untouched.
func (cs *ContextStore) ReplaceEffects(current, history []string) {
	if current != nil {
		cs.effects.Current = append([]string(nil), current...)
	}
	if history != nil {
		cs.effects.History = append([]string(nil), history...)
	}
}

// EffectsSnapshot returns a copy of the effect lists.
func (cs *ContextStore) EffectsSnapshot() Effects {
	return Effects{
		Current: append([]string(nil), cs.effects.Current...),
		History: append([]string(nil), cs.effects.History...),
	}
}

// SetTodoList replaces the todo list.
func (cs *ContextStore) SetTodoList(items []string) {
	cs.todoList = append([]string(nil), items...)
}

// TodoList returns a copy of the todo list.
func (cs *ContextStore) TodoList() []string {
	return append([]string(nil), cs.todoList...)
}

// SetCustomContext replaces the custom context map.
func (cs *ContextStore) SetCustomContext(custom map[string]interface{}) {
	cs.customContext = make(map[string]interface{}, len(custom))
	for k, v := range custom {
		cs.customContext[k] = v
	}
}

// CustomContext returns a copy of the custom context.
func (cs *ContextStore) CustomContext() map[string]interface{} {
	out := make(map[string]interface{}, len(cs.customContext))
	for k, v := range cs.customContext {
		out[k] = v
	}
	return out
}

// UpdateFocus stores the planner focus text for one level.
func (cs *ContextStore) UpdateFocus(level Level, focus string) error {
	switch level {
	case LevelStages:
		cs.progressFocus.Stages = focus
	case LevelSteps:
		cs.progressFocus.Steps = focus
	case LevelBehaviors:
		cs.progressFocus.Behaviors = focus
	default:
		return fmt.Errorf("unknown focus level %q", level)
	}
	return nil
}

// Focus returns the stored focus text for all levels.
func (cs *ContextStore) Focus() ProgressFocus {
	return cs.progressFocus
}

// UpdateOutputs replaces the outputs triple for one level.
func (cs *ContextStore) UpdateOutputs(level Level, triple OutputsTriple) error {
	copied := OutputsTriple{
		Expected:   append([]string(nil), triple.Expected...),
		Produced:   append([]string(nil), triple.Produced...),
		InProgress: append([]string(nil), triple.InProgress...),
	}
	switch level {
	case LevelStages:
		cs.progressOutputs.Stages = copied
	case LevelSteps:
		cs.progressOutputs.Steps = copied
	case LevelBehaviors:
		cs.progressOutputs.Behaviors = copied
	default:
		return fmt.Errorf("unknown outputs level %q", level)
	}
	return nil
}

// Outputs returns the stored outputs triples for all levels.
func (cs *ContextStore) Outputs() ProgressOutputs {
	return cs.progressOutputs
}

// OutputsAt returns the outputs triple for one level.
func (cs *ContextStore) OutputsAt(level Level) OutputsTriple {
	switch level {
	case LevelStages:
		return cs.progressOutputs.Stages
	case LevelSteps:
		return cs.progressOutputs.Steps
	default:
		return cs.progressOutputs.Behaviors
	}
}

// Serialized is the stable map shape consumed by the observation builder
// and the snapshot codec.
type Serialized struct {
	Variables       map[string]interface{} `json:"variables"`
	Effects         Effects                `json:"effects"`
	TodoList        []string               `json:"todo_list"`
	CustomContext   map[string]interface{} `json:"custom_context"`
	ProgressFocus   ProgressFocus          `json:"progress_focus"`
	ProgressOutputs ProgressOutputs        `json:"progress_outputs"`
}

// Serialize emits the full store contents.
func (cs *ContextStore) Serialize() Serialized {
	return Serialized{
		Variables:       cs.Variables(),
		Effects:         cs.EffectsSnapshot(),
		TodoList:        cs.TodoList(),
		CustomContext:   cs.CustomContext(),
		ProgressFocus:   cs.progressFocus,
		ProgressOutputs: cs.progressOutputs,
	}
}

// Restore replaces the store contents from a serialized snapshot.
func (cs *ContextStore) Restore(s Serialized) {
	cs.variables = make(map[string]interface{})
	cs.SetVariables(s.Variables)
	cs.effects = Effects{
		Current: append([]string(nil), s.Effects.Current...),
		History: append([]string(nil), s.Effects.History...),
	}
	cs.SetTodoList(s.TodoList)
	cs.SetCustomContext(s.CustomContext)
	cs.progressFocus = s.ProgressFocus
	cs.progressOutputs = s.ProgressOutputs
}
