package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore() *PipelineStore {
	return NewPipelineStore(Descriptor{
		ProblemName: "iris",
		UserGoal:    "classify the flowers",
		Template: &Template{Stages: []Stage{
			{ID: "stage_explore", Goal: "explore", Steps: []Step{
				{ID: "step_load", Goal: "load"},
				{ID: "step_profile", Goal: "profile"},
			}},
			{ID: "stage_model", Goal: "model", Steps: []Step{
				{ID: "step_fit", Goal: "fit"},
			}},
		}},
	}, nil)
}

func TestNavigation(t *testing.T) {
	store := testStore()

	first, ok := store.FirstStage()
	require.True(t, ok)
	assert.Equal(t, "stage_explore", first.ID)

	step, ok := store.FirstStep("stage_explore")
	require.True(t, ok)
	assert.Equal(t, "step_load", step.ID)

	next, ok := store.NextStep("stage_explore", "step_load")
	require.True(t, ok)
	assert.Equal(t, "step_profile", next.ID)

	_, ok = store.NextStep("stage_explore", "step_profile")
	assert.False(t, ok)

	stage, ok := store.NextStage("stage_explore")
	require.True(t, ok)
	assert.Equal(t, "stage_model", stage.ID)

	_, ok = store.NextStage("stage_model")
	assert.False(t, ok)

	_, ok = store.FirstStep("stage_missing")
	assert.False(t, ok)
}

func TestIsLastSemantics(t *testing.T) {
	store := testStore()

	assert.False(t, store.IsLastStepInStage("stage_explore", "step_load"))
	assert.True(t, store.IsLastStepInStage("stage_explore", "step_profile"))
	assert.True(t, store.IsLastStepInStage("stage_model", "step_fit"))

	// Unresolvable references count as last so navigation falls through.
	assert.True(t, store.IsLastStepInStage("stage_explore", "step_missing"))
	assert.True(t, store.IsLastStepInStage("stage_missing", "step_load"))

	assert.False(t, store.IsLastStage("stage_explore"))
	assert.True(t, store.IsLastStage("stage_model"))
	assert.True(t, store.IsLastStage("stage_missing"))
}

func TestCompletedAndRemaining(t *testing.T) {
	store := testStore()

	assert.Empty(t, store.CompletedStages("stage_explore"))
	assert.Equal(t, []string{"stage_explore"}, store.CompletedStages("stage_model"))
	assert.Equal(t, []string{"stage_model"}, store.RemainingStages("stage_explore"))
	assert.Empty(t, store.RemainingStages("stage_model"))

	assert.Empty(t, store.CompletedSteps("stage_explore", "step_load"))
	assert.Equal(t, []string{"step_load"}, store.CompletedSteps("stage_explore", "step_profile"))
	assert.Equal(t, []string{"step_profile"}, store.RemainingSteps("stage_explore", "step_load"))
	assert.Empty(t, store.RemainingSteps("stage_missing", "step_load"))
}

func TestReplaceStageSteps(t *testing.T) {
	store := testStore()

	err := store.ReplaceStageSteps("stage_explore", []Step{{ID: "step_clean"}})
	require.NoError(t, err)

	stage, ok := store.Stage("stage_explore")
	require.True(t, ok)
	require.Len(t, stage.Steps, 1)
	assert.Equal(t, "step_clean", stage.Steps[0].ID)

	assert.Error(t, store.ReplaceStageSteps("stage_missing", []Step{{ID: "x"}}))
}

func TestSetTemplateCloneIsolation(t *testing.T) {
	store := testStore()

	replacement := Template{Stages: []Stage{
		{ID: "stage_new", Steps: []Step{{ID: "step_new"}}},
	}}
	store.SetTemplate(replacement)

	// Mutating the caller's template must not reach the store.
	replacement.Stages[0].ID = "mutated"
	assert.Equal(t, "stage_new", store.Template().Stages[0].ID)

	// And mutating the returned template must not either.
	got := store.Template()
	got.Stages[0].Steps[0].ID = "mutated"
	assert.Equal(t, "step_new", store.Template().Stages[0].Steps[0].ID)
}

func TestEmptyTemplate(t *testing.T) {
	store := NewPipelineStore(Descriptor{ProblemName: "empty"}, nil)

	assert.True(t, store.IsEmpty())
	_, ok := store.FirstStage()
	assert.False(t, ok)
	assert.True(t, store.IsLastStage("anything"))

	assert.False(t, testStore().IsEmpty())
}

func TestTemplateClone(t *testing.T) {
	original := Template{Stages: []Stage{
		{ID: "s1", Steps: []Step{{ID: "a", Title: "A"}}},
	}}

	clone := original.Clone()
	clone.Stages[0].Steps[0].Title = "changed"
	assert.Equal(t, "A", original.Stages[0].Steps[0].Title)

	assert.True(t, Template{}.IsEmpty())
	assert.False(t, original.IsEmpty())
}
