package observation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nbflow/engine_go/pkg/contextstore"
	"nbflow/engine_go/pkg/notebook"
	"nbflow/engine_go/pkg/pipeline"
	"nbflow/engine_go/pkg/workflowapi"
)

func newTestBuilder(t *testing.T) (*Builder, *notebook.CellStore, *contextstore.ContextStore) {
	t.Helper()

	cells := notebook.NewCellStore(nil)
	contextStore := contextstore.NewContextStore(nil)
	pipelineStore := pipeline.NewPipelineStore(pipeline.Descriptor{
		ProblemName: "iris",
		Template: &pipeline.Template{Stages: []pipeline.Stage{
			{ID: "stage_explore", Goal: "explore the data", Steps: []pipeline.Step{
				{ID: "step_load", Goal: "load the dataset"},
				{ID: "step_profile", Goal: "profile the columns"},
			}},
		}},
	}, nil)

	return NewBuilder(cells, contextStore, pipelineStore, nil), cells, contextStore
}

func anchoredInput() BuildInput {
	return BuildInput{
		Location: CurrentLocation{
			StageID:           "stage_explore",
			StepID:            "step_load",
			BehaviorID:        "behavior_001",
			BehaviorIteration: 1,
		},
		State:          "STEP_RUNNING",
		LastTransition: "STAGE_RUNNING --START_STEP--> STEP_RUNNING",
	}
}

func TestBuildAssemblesPayload(t *testing.T) {
	builder, cells, contextStore := newTestBuilder(t)

	cell := notebook.NewCell(notebook.CellKindCode, "df = load()")
	require.NoError(t, cells.Add(cell))
	require.NoError(t, cells.AppendOutputs(cell.ID, []notebook.Output{
		{Type: notebook.OutputTypeText, Content: "150 rows"},
	}))
	cells.SetTitle("Iris Analysis")
	contextStore.SetVariable("target_column", "species")
	contextStore.AppendEffect("150 rows")
	require.NoError(t, contextStore.UpdateFocus(contextstore.LevelSteps, "loading"))

	payload, err := builder.Build(anchoredInput())
	require.NoError(t, err)

	location := payload.Observation.Location
	assert.Equal(t, "stage_explore", location.Current.StageID)
	assert.Equal(t, "step_load", location.Progress.Steps.Current)
	assert.Equal(t, []string{"step_profile"}, location.Progress.Steps.Remaining)
	assert.Equal(t, "loading", location.Progress.Steps.Focus)
	assert.Equal(t, "explore the data", location.Goals.Stage)
	assert.Equal(t, "load the dataset", location.Goals.Step)

	ctx := payload.Observation.Context
	assert.Equal(t, "species", ctx.Variables["target_column"])
	assert.Equal(t, []string{"150 rows"}, ctx.Effects.Current)
	assert.Equal(t, "Iris Analysis", ctx.Notebook.Title)
	assert.Equal(t, 1, ctx.Notebook.CellCount)
	assert.Equal(t, string(notebook.CellKindCode), ctx.Notebook.LastCellType)
	assert.Equal(t, "150 rows", ctx.Notebook.LastOutput)
	assert.Equal(t, "STEP_RUNNING", ctx.FSM.State)

	assert.Nil(t, payload.BehaviorFeedback)
	assert.False(t, payload.Options.Stream)
}

func TestBuildConsumesDirtySet(t *testing.T) {
	builder, cells, _ := newTestBuilder(t)

	cell := notebook.NewCell(notebook.CellKindCode, "x = 1")
	require.NoError(t, cells.Add(cell))

	first, err := builder.Build(anchoredInput())
	require.NoError(t, err)
	require.NotNil(t, first.Observation.Context.Notebook.Cells[0].IsUpdate)
	assert.True(t, *first.Observation.Context.Notebook.Cells[0].IsUpdate)

	// The build cleared the dirty set, so the next one sees a clean cell.
	second, err := builder.Build(anchoredInput())
	require.NoError(t, err)
	assert.False(t, *second.Observation.Context.Notebook.Cells[0].IsUpdate)
}

func TestBuildRequireProgressInfo(t *testing.T) {
	builder, _, _ := newTestBuilder(t)

	tests := []struct {
		name    string
		stageID string
		stepID  string
		wantErr bool
	}{
		{"anchored", "stage_explore", "step_load", false},
		{"no stage", "", "step_load", true},
		{"no step", "stage_explore", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in := anchoredInput()
			in.Location.StageID = tc.stageID
			in.Location.StepID = tc.stepID
			in.RequireProgressInfo = true

			_, err := builder.Build(in)
			if !tc.wantErr {
				require.NoError(t, err)
				return
			}

			require.Error(t, err)
			var apiErr *workflowapi.APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, workflowapi.ErrKindContract, apiErr.Kind)
			assert.Equal(t, "observation", apiErr.Endpoint)
		})
	}
}

func TestBuildWithoutRequireProgressInfoTolerates(t *testing.T) {
	builder, _, _ := newTestBuilder(t)

	in := anchoredInput()
	in.Location.StageID = ""
	in.Location.StepID = ""

	payload, err := builder.Build(in)
	require.NoError(t, err)
	assert.Equal(t, "", payload.Observation.Location.Progress.Stages.Current)
}

func TestBuildAttachesFeedbackAndStream(t *testing.T) {
	builder, _, _ := newTestBuilder(t)

	in := anchoredInput()
	in.Feedback = &BehaviorFeedback{
		BehaviorID:       "behavior_001",
		ActionsExecuted:  3,
		ActionsSucceeded: 2,
		LastActionResult: "error",
	}
	in.Stream = true

	payload, err := builder.Build(in)
	require.NoError(t, err)
	require.NotNil(t, payload.BehaviorFeedback)
	assert.Equal(t, 3, payload.BehaviorFeedback.ActionsExecuted)
	assert.True(t, payload.Options.Stream)
}

func TestFilterMaxCellsKeepsNewest(t *testing.T) {
	builder, cells, _ := newTestBuilder(t)

	var ids []string
	for i := 0; i < 5; i++ {
		cell := notebook.NewCell(notebook.CellKindCode, "x")
		require.NoError(t, cells.Add(cell))
		ids = append(ids, cell.ID)
	}

	in := anchoredInput()
	in.Filter = &workflowapi.ContextFilter{MaxCells: 2}

	payload, err := builder.Build(in)
	require.NoError(t, err)

	got := payload.Observation.Context.Notebook.Cells
	require.Len(t, got, 2)
	assert.Equal(t, ids[3], got[0].ID)
	assert.Equal(t, ids[4], got[1].ID)

	// The store itself is untouched.
	assert.Equal(t, 5, cells.Len())
}

func TestFilterMaxEffectEntriesTrimsHistory(t *testing.T) {
	builder, _, contextStore := newTestBuilder(t)

	for _, entry := range []string{"one", "two", "three"} {
		contextStore.AppendEffect(entry)
	}
	contextStore.CompactEffects()
	contextStore.AppendEffect("current")

	in := anchoredInput()
	in.Filter = &workflowapi.ContextFilter{MaxEffectEntries: 2}

	payload, err := builder.Build(in)
	require.NoError(t, err)

	effects := payload.Observation.Context.Effects
	assert.Equal(t, []string{"two", "three"}, effects.History)
	// Current-turn entries are never trimmed.
	assert.Equal(t, []string{"current"}, effects.Current)
}

func TestFilterMaxContextTokensKeepsNewestCell(t *testing.T) {
	builder, cells, _ := newTestBuilder(t)

	var ids []string
	for i := 0; i < 4; i++ {
		cell := notebook.NewCell(notebook.CellKindCode, "a long enough line of python code to cost tokens")
		require.NoError(t, cells.Add(cell))
		ids = append(ids, cell.ID)
	}

	in := anchoredInput()
	in.Filter = &workflowapi.ContextFilter{MaxContextTokens: 1}

	payload, err := builder.Build(in)
	require.NoError(t, err)

	// An impossible budget still keeps the newest cell.
	got := payload.Observation.Context.Notebook.Cells
	require.Len(t, got, 1)
	assert.Equal(t, ids[3], got[0].ID)
}
