package pipeline

import (
	"fmt"

	"nbflow/engine_go/internal/utils"
)

// PipelineStore holds the workflow template and the problem descriptor.
// Navigation methods are pure look-ups with no side effects; replacement
// swaps the template atomically.
type PipelineStore struct {
	descriptor Descriptor
	template   Template
	logger     utils.ExtendedLogger
}

// NewPipelineStore initializes the store from a descriptor. A missing
// template seeds an empty one.
func NewPipelineStore(descriptor Descriptor, logger utils.ExtendedLogger) *PipelineStore {
	store := &PipelineStore{
		descriptor: descriptor,
		logger:     utils.OrNoop(logger),
	}
	if descriptor.Template != nil {
		store.template = descriptor.Template.Clone()
	}
	return store
}

// Descriptor returns the problem descriptor.
func (ps *PipelineStore) Descriptor() Descriptor {
	return ps.descriptor
}

// Template returns a deep copy of the current template.
func (ps *PipelineStore) Template() Template {
	return ps.template.Clone()
}

// IsEmpty reports whether the template has no stages yet.
func (ps *PipelineStore) IsEmpty() bool {
	return ps.template.IsEmpty()
}

// SetTemplate replaces the template atomically.
func (ps *PipelineStore) SetTemplate(template Template) {
	ps.template = template.Clone()
	ps.logger.Infof("workflow template replaced: %d stages", len(ps.template.Stages))
}

// ReplaceStageSteps swaps the step sequence of the named stage.
func (ps *PipelineStore) ReplaceStageSteps(stageID string, steps []Step) error {
	for i := range ps.template.Stages {
		if ps.template.Stages[i].ID == stageID {
			ps.template.Stages[i].Steps = append([]Step(nil), steps...)
			ps.logger.Infof("stage %s steps replaced: %d steps", stageID, len(steps))
			return nil
		}
	}
	return fmt.Errorf("stage %q not found", stageID)
}

// Stage returns the stage with the given ID.
func (ps *PipelineStore) Stage(stageID string) (Stage, bool) {
	for _, stage := range ps.template.Stages {
		if stage.ID == stageID {
			return stage, true
		}
	}
	return Stage{}, false
}

// Step returns the step with the given ID inside the given stage.
func (ps *PipelineStore) Step(stageID, stepID string) (Step, bool) {
	stage, ok := ps.Stage(stageID)
	if !ok {
		return Step{}, false
	}
	for _, step := range stage.Steps {
		if step.ID == stepID {
			return step, true
		}
	}
	return Step{}, false
}

// FirstStage returns the first stage of the template.
func (ps *PipelineStore) FirstStage() (Stage, bool) {
	if len(ps.template.Stages) == 0 {
		return Stage{}, false
	}
	return ps.template.Stages[0], true
}

// FirstStep returns the first step of the given stage.
func (ps *PipelineStore) FirstStep(stageID string) (Step, bool) {
	stage, ok := ps.Stage(stageID)
	if !ok || len(stage.Steps) == 0 {
		return Step{}, false
	}
	return stage.Steps[0], true
}

// NextStage returns the stage following the given one.
func (ps *PipelineStore) NextStage(stageID string) (Stage, bool) {
	for i, stage := range ps.template.Stages {
		if stage.ID == stageID {
			if i+1 < len(ps.template.Stages) {
				return ps.template.Stages[i+1], true
			}
			return Stage{}, false
		}
	}
	return Stage{}, false
}

// NextStep returns the step following the given one within a stage.
func (ps *PipelineStore) NextStep(stageID, stepID string) (Step, bool) {
	stage, ok := ps.Stage(stageID)
	if !ok {
		return Step{}, false
	}
	for i, step := range stage.Steps {
		if step.ID == stepID {
			if i+1 < len(stage.Steps) {
				return stage.Steps[i+1], true
			}
			return Step{}, false
		}
	}
	return Step{}, false
}

// IsLastStepInStage reports whether stepID is the final step of stageID.
// A step that does not resolve counts as last so the caller falls through
// to stage navigation instead of looping.
func (ps *PipelineStore) IsLastStepInStage(stageID, stepID string) bool {
	stage, ok := ps.Stage(stageID)
	if !ok || len(stage.Steps) == 0 {
		return true
	}
	for i, step := range stage.Steps {
		if step.ID == stepID {
			return i == len(stage.Steps)-1
		}
	}
	return true
}

// IsLastStage reports whether stageID is the final stage of the template.
func (ps *PipelineStore) IsLastStage(stageID string) bool {
	if len(ps.template.Stages) == 0 {
		return true
	}
	for i, stage := range ps.template.Stages {
		if stage.ID == stageID {
			return i == len(ps.template.Stages)-1
		}
	}
	return true
}

// CompletedStages returns the IDs of stages strictly before the given one.
func (ps *PipelineStore) CompletedStages(currentStageID string) []string {
	out := make([]string, 0)
	for _, stage := range ps.template.Stages {
		if stage.ID == currentStageID {
			break
		}
		out = append(out, stage.ID)
	}
	return out
}

// RemainingStages returns the IDs of stages strictly after the given one.
func (ps *PipelineStore) RemainingStages(currentStageID string) []string {
	out := make([]string, 0)
	seen := false
	for _, stage := range ps.template.Stages {
		if seen {
			out = append(out, stage.ID)
		}
		if stage.ID == currentStageID {
			seen = true
		}
	}
	return out
}

// CompletedSteps returns the step IDs before the given step in its stage.
func (ps *PipelineStore) CompletedSteps(stageID, currentStepID string) []string {
	out := make([]string, 0)
	stage, ok := ps.Stage(stageID)
	if !ok {
		return out
	}
	for _, step := range stage.Steps {
		if step.ID == currentStepID {
			break
		}
		out = append(out, step.ID)
	}
	return out
}

// RemainingSteps returns the step IDs after the given step in its stage.
func (ps *PipelineStore) RemainingSteps(stageID, currentStepID string) []string {
	out := make([]string, 0)
	stage, ok := ps.Stage(stageID)
	if !ok {
		return out
	}
	seen := false
	for _, step := range stage.Steps {
		if seen {
			out = append(out, step.ID)
		}
		if step.ID == currentStepID {
			seen = true
		}
	}
	return out
}
