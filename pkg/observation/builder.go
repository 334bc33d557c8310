package observation

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"nbflow/engine_go/internal/utils"
	"nbflow/engine_go/pkg/contextstore"
	"nbflow/engine_go/pkg/notebook"
	"nbflow/engine_go/pkg/pipeline"
	"nbflow/engine_go/pkg/workflowapi"
)

// tokenEncoding is the tokenizer used for context budget accounting.
const tokenEncoding = "cl100k_base"

// BuildInput is everything the builder needs that lives outside the
// stores: the engine position, machine state and per-call flags.
type BuildInput struct {
	Location           CurrentLocation
	CompletedBehaviors []string
	State              string
	LastTransition     string

	// Feedback is attached on post-behavior planner calls only.
	Feedback *BehaviorFeedback

	// Stream is true only for generator calls.
	Stream bool

	// RequireProgressInfo makes an unresolvable current stage or step a
	// contract error instead of an empty field.
	RequireProgressInfo bool

	// Filter is the planner's advisory trimming directive, when present.
	Filter *workflowapi.ContextFilter
}

// Builder assembles observation payloads from the live stores. Building a
// payload consumes the notebook dirty set: ClearDirty runs exactly once
// per successful Build.
type Builder struct {
	cells    *notebook.CellStore
	context  *contextstore.ContextStore
	pipeline *pipeline.PipelineStore
	logger   utils.ExtendedLogger

	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
}

// NewBuilder wires the builder to the run stores.
func NewBuilder(
	cells *notebook.CellStore,
	contextStore *contextstore.ContextStore,
	pipelineStore *pipeline.PipelineStore,
	logger utils.ExtendedLogger,
) *Builder {
	return &Builder{
		cells:    cells,
		context:  contextStore,
		pipeline: pipelineStore,
		logger:   utils.OrNoop(logger),
	}
}

// Build assembles the payload for one planner or generator call.
func (b *Builder) Build(in BuildInput) (*Payload, error) {
	progress := b.buildProgress(in)
	if in.RequireProgressInfo {
		if err := validateProgress(progress); err != nil {
			return nil, &workflowapi.APIError{
				Kind:     workflowapi.ErrKindContract,
				Endpoint: "observation",
				Err:      err,
			}
		}
	}

	payload := &Payload{
		Observation: Observation{
			Location: Location{
				Current:  in.Location,
				Progress: progress,
				Goals:    b.buildGoals(in.Location),
			},
			Context: Context{
				Variables: b.context.Variables(),
				Effects:   b.context.EffectsSnapshot(),
				Notebook:  b.buildNotebook(),
				FSM: FSMContext{
					State:          in.State,
					LastTransition: in.LastTransition,
				},
			},
		},
		BehaviorFeedback: in.Feedback,
		Options:          Options{Stream: in.Stream},
	}

	if in.Filter != nil {
		b.applyFilter(payload, in.Filter)
	}

	b.cells.ClearDirty()
	return payload, nil
}

func (b *Builder) buildProgress(in BuildInput) Progress {
	focus := b.context.Focus()
	outputs := b.context.Outputs()
	loc := in.Location

	return Progress{
		Stages: &LevelProgress{
			Completed:      b.pipeline.CompletedStages(loc.StageID),
			Current:        loc.StageID,
			Remaining:      b.pipeline.RemainingStages(loc.StageID),
			Focus:          focus.Stages,
			CurrentOutputs: outputs.Stages,
		},
		Steps: &LevelProgress{
			Completed:      b.pipeline.CompletedSteps(loc.StageID, loc.StepID),
			Current:        loc.StepID,
			Remaining:      b.pipeline.RemainingSteps(loc.StageID, loc.StepID),
			Focus:          focus.Steps,
			CurrentOutputs: outputs.Steps,
		},
		Behaviors: &BehaviorProgress{
			Completed:      append([]string(nil), in.CompletedBehaviors...),
			Current:        loc.BehaviorID,
			Iteration:      loc.BehaviorIteration,
			Focus:          focus.Behaviors,
			CurrentOutputs: outputs.Behaviors,
		},
	}
}

func (b *Builder) buildGoals(loc CurrentLocation) Goals {
	goals := Goals{
		Behavior: b.context.Focus().Behaviors,
	}
	if stage, ok := b.pipeline.Stage(loc.StageID); ok {
		goals.Stage = stage.Goal
	}
	if step, ok := b.pipeline.Step(loc.StageID, loc.StepID); ok {
		goals.Step = step.Goal
	}
	return goals
}

func (b *Builder) buildNotebook() NotebookContext {
	nb := NotebookContext{
		Title:     b.cells.Title(),
		Cells:     b.cells.ToDict(true),
		CellCount: b.cells.Len(),
	}
	if last, ok := b.cells.LastCell(); ok {
		nb.LastCellType = string(last.Kind)
		if len(last.Outputs) > 0 {
			nb.LastOutput = last.Outputs[len(last.Outputs)-1].Content
		}
	}
	return nb
}

// validateProgress checks that the position is anchored: a planner call
// with no resolvable stage or step cannot produce a meaningful plan.
func validateProgress(progress Progress) error {
	if progress.Stages == nil || progress.Stages.Current == "" {
		return fmt.Errorf("progress info incomplete: no current stage")
	}
	if progress.Steps == nil || progress.Steps.Current == "" {
		return fmt.Errorf("progress info incomplete: no current step")
	}
	return nil
}

// applyFilter trims the payload per the planner's advisory limits. The
// stores are never touched, only the outgoing copy.
func (b *Builder) applyFilter(payload *Payload, filter *workflowapi.ContextFilter) {
	cells := payload.Observation.Context.Notebook.Cells

	if filter.MaxCells > 0 && len(cells) > filter.MaxCells {
		b.logger.Debugf("context filter: trimming notebook from %d to %d cells", len(cells), filter.MaxCells)
		cells = cells[len(cells)-filter.MaxCells:]
	}

	if filter.MaxEffectEntries > 0 {
		effects := &payload.Observation.Context.Effects
		if len(effects.History) > filter.MaxEffectEntries {
			effects.History = effects.History[len(effects.History)-filter.MaxEffectEntries:]
		}
	}

	if filter.MaxContextTokens > 0 {
		// Drop oldest cells until under budget, always keeping the newest.
		for len(cells) > 1 && b.cellsTokenCount(cells) > filter.MaxContextTokens {
			cells = cells[1:]
		}
	}

	payload.Observation.Context.Notebook.Cells = cells
}

func (b *Builder) cellsTokenCount(cells []notebook.SerializedCell) int {
	total := 0
	for _, cell := range cells {
		total += b.countTokens(cell.Content)
		for _, output := range cell.Outputs {
			total += b.countTokens(output.Content)
		}
	}
	return total
}

// countTokens measures text with the shared tokenizer. If the encoding
// cannot be loaded a length-based estimate keeps the filter functional.
func (b *Builder) countTokens(text string) int {
	b.encodingOnce.Do(func() {
		encoding, err := tiktoken.GetEncoding(tokenEncoding)
		if err != nil {
			b.logger.Warnf("failed to load %s encoding, falling back to length estimate: %v", tokenEncoding, err)
			return
		}
		b.encoding = encoding
	})

	if b.encoding == nil {
		return len(text) / 4
	}
	return len(b.encoding.Encode(text, nil, nil))
}
