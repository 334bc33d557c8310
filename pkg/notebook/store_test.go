package notebook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndGet(t *testing.T) {
	store := NewCellStore(nil)

	cell := NewCell(CellKindCode, "import pandas as pd")
	require.NoError(t, store.Add(cell))
	assert.Equal(t, 1, store.Len())

	got, ok := store.Get(cell.ID)
	require.True(t, ok)
	assert.Equal(t, "import pandas as pd", got.Content)

	last, ok := store.LastCell()
	require.True(t, ok)
	assert.Equal(t, cell.ID, last.ID)
}

func TestAddDuplicateID(t *testing.T) {
	store := NewCellStore(nil)

	cell := NewCell(CellKindCode, "a")
	require.NoError(t, store.Add(cell))

	dup := &Cell{ID: cell.ID, Kind: CellKindCode, Content: "b"}
	err := store.Add(dup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate cell id")

	assert.Error(t, store.Add(nil))
}

func TestDirtyLifecycle(t *testing.T) {
	store := NewCellStore(nil)

	cell := NewCell(CellKindCode, "x = 1")
	require.NoError(t, store.Add(cell))

	// A fresh cell is dirty until the next ClearDirty.
	assert.True(t, store.DirtyIDs()[cell.ID])

	store.ClearDirty()
	assert.Empty(t, store.DirtyIDs())

	// Writing identical content does not re-dirty.
	require.NoError(t, store.UpdateContent(cell.ID, "x = 1"))
	assert.Empty(t, store.DirtyIDs())

	// A real change does.
	require.NoError(t, store.UpdateContent(cell.ID, "x = 2"))
	assert.True(t, store.DirtyIDs()[cell.ID])
}

func TestOutputsDirtyTracking(t *testing.T) {
	store := NewCellStore(nil)

	cell := NewCell(CellKindCode, "print(1)")
	require.NoError(t, store.Add(cell))
	store.ClearDirty()

	// Appending nothing is a no-op.
	require.NoError(t, store.AppendOutputs(cell.ID, nil))
	assert.Empty(t, store.DirtyIDs())

	require.NoError(t, store.AppendOutputs(cell.ID, []Output{{Type: OutputTypeText, Content: "1"}}))
	assert.True(t, store.DirtyIDs()[cell.ID])
	store.ClearDirty()

	// Clearing existing outputs dirties, clearing empty does not.
	require.NoError(t, store.ClearOutputs(cell.ID))
	assert.True(t, store.DirtyIDs()[cell.ID])
	store.ClearDirty()

	require.NoError(t, store.ClearOutputs(cell.ID))
	assert.Empty(t, store.DirtyIDs())
}

func TestMetadataDirtyTracking(t *testing.T) {
	store := NewCellStore(nil)

	cell := NewCell(CellKindMarkdown, "## Intro")
	require.NoError(t, store.Add(cell))
	require.NoError(t, store.UpdateMetadata(cell.ID, map[string]interface{}{"chapter_index": 1}))
	store.ClearDirty()

	// Same value, no change.
	require.NoError(t, store.UpdateMetadata(cell.ID, map[string]interface{}{"chapter_index": 1}))
	assert.Empty(t, store.DirtyIDs())

	require.NoError(t, store.UpdateMetadata(cell.ID, map[string]interface{}{"chapter_index": 2}))
	assert.True(t, store.DirtyIDs()[cell.ID])
}

func TestMutationsOnMissingCell(t *testing.T) {
	store := NewCellStore(nil)

	assert.Error(t, store.UpdateContent("cell_missing", "x"))
	assert.Error(t, store.AppendOutputs("cell_missing", []Output{{Content: "x"}}))
	assert.Error(t, store.ClearOutputs("cell_missing"))
	assert.Error(t, store.UpdateMetadata("cell_missing", map[string]interface{}{"k": 1}))
}

func TestToDictDirtyFlags(t *testing.T) {
	store := NewCellStore(nil)

	clean := NewCell(CellKindCode, "a = 1")
	require.NoError(t, store.Add(clean))
	store.ClearDirty()

	touched := NewCell(CellKindCode, "b = 2")
	require.NoError(t, store.Add(touched))

	serialized := store.ToDict(true)
	require.Len(t, serialized, 2)
	require.NotNil(t, serialized[0].IsUpdate)
	assert.False(t, *serialized[0].IsUpdate)
	require.NotNil(t, serialized[1].IsUpdate)
	assert.True(t, *serialized[1].IsUpdate)

	// Without the flag the field is omitted entirely.
	plain := store.ToDict(false)
	assert.Nil(t, plain[0].IsUpdate)
	assert.Nil(t, plain[1].IsUpdate)
	assert.Equal(t, string(CellKindCode), plain[0].Type)
}

func TestTitleAndExecutionCount(t *testing.T) {
	store := NewCellStore(nil)

	assert.Equal(t, "", store.Title())
	store.SetTitle("Churn Analysis")
	assert.Equal(t, "Churn Analysis", store.Title())

	assert.Equal(t, 0, store.ExecutionCount())
	assert.Equal(t, 1, store.IncrementExecutionCount())
	assert.Equal(t, 2, store.IncrementExecutionCount())
}

func TestRestoreComesBackClean(t *testing.T) {
	store := NewCellStore(nil)

	a := NewCell(CellKindCode, "a")
	b := NewCell(CellKindMarkdown, "b")
	require.NoError(t, store.Add(a))
	require.NoError(t, store.Add(b))
	store.SetTitle("Saved")
	store.IncrementExecutionCount()

	restored := NewCellStore(nil)
	restored.Restore(store.Cells(), store.Title(), store.ExecutionCount())

	assert.Equal(t, 2, restored.Len())
	assert.Equal(t, "Saved", restored.Title())
	assert.Equal(t, 1, restored.ExecutionCount())
	assert.Empty(t, restored.DirtyIDs())

	got, ok := restored.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, "a", got.Content)
}
